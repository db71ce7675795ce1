// Package loopback implements a stdin/stdout channel adapter used for local
// testing and REPL-style smoke runs: it
// reads lines from an io.Reader as inbound messages and writes outbound
// replies to an io.Writer.
package loopback

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/channels"
	"github.com/haasonsaas/nexus/pkg/models"
)

// DefaultChatID is used for every loopback message; there is only ever one
// conversation on this adapter.
const DefaultChatID = "local"

// Adapter bridges an io.Reader/io.Writer pair onto the bus.
type Adapter struct {
	channels.BaseHealth

	bus    *bus.Bus
	in     *bufio.Scanner
	out    io.Writer
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a loopback adapter reading lines from in and writing replies
// to out.
func New(b *bus.Bus, in io.Reader, out io.Writer, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		bus:    b,
		in:     bufio.NewScanner(in),
		out:    out,
		logger: logger.With("component", "channels.loopback"),
	}
}

// Type implements channels.Adapter.
func (a *Adapter) Type() models.ChannelType { return models.ChannelLoopback }

// Start launches the inbound read loop and the outbound delivery loop.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.SetConnected(true)

	a.wg.Add(1)
	go a.readLoop(runCtx)
	return nil
}

// Send implements channels.Adapter by writing the message to out.
func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	_, err := fmt.Fprintln(a.out, msg.Content)
	return err
}

// Stop cancels both loops and waits for them to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.SetConnected(false)
	return nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for a.in.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := a.in.Text()
		if line == "" {
			continue
		}
		msg := models.InboundMessage{
			Channel: models.ChannelLoopback,
			ChatID:  DefaultChatID,
			Content: line,
		}
		if err := a.bus.PublishInbound(ctx, msg); err != nil {
			a.SetError(err)
			return
		}
	}
	if err := a.in.Err(); err != nil {
		a.SetError(err)
	}
}

