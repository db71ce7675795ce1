package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubProvider struct {
	name string
	err  error
	// chunkErr, if set, is delivered as a mid-stream chunk error instead of
	// a synchronous Complete error.
	chunkErr error
}

func (s *stubProvider) Name() string         { return s.name }
func (s *stubProvider) Models() []Model      { return nil }
func (s *stubProvider) SupportsTools() bool  { return true }
func (s *stubProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan *CompletionChunk, 2)
	if s.chunkErr != nil {
		out <- &CompletionChunk{Error: s.chunkErr}
	} else {
		out <- &CompletionChunk{Text: "ok", Done: true}
	}
	close(out)
	return out, nil
}

func drain(t *testing.T, chunks <-chan *CompletionChunk) {
	t.Helper()
	for range chunks {
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	failing := &stubProvider{name: "flaky", err: errors.New("boom")}
	cb := NewCircuitBreaker(failing, 3, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := cb.Complete(context.Background(), &CompletionRequest{}); err == nil {
			t.Fatalf("attempt %d: expected underlying error", i)
		}
	}

	_, err := cb.Complete(context.Background(), &CompletionRequest{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen once threshold is reached, got %v", err)
	}
}

func TestCircuitBreakerHalfOpenRecoversOnSuccess(t *testing.T) {
	failing := &stubProvider{name: "flaky", err: errors.New("boom")}
	cb := NewCircuitBreaker(failing, 1, 10*time.Millisecond)

	if _, err := cb.Complete(context.Background(), &CompletionRequest{}); err == nil {
		t.Fatal("expected first call to fail and trip the breaker")
	}
	if _, err := cb.Complete(context.Background(), &CompletionRequest{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected breaker open immediately after tripping, got %v", err)
	}

	time.Sleep(15 * time.Millisecond)
	failing.err = nil // the probe call succeeds
	chunks, err := cb.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatalf("expected half-open probe to reach the provider, got %v", err)
	}
	drain(t, chunks)
	time.Sleep(5 * time.Millisecond) // let the forwarding goroutine record success

	if _, err := cb.Complete(context.Background(), &CompletionRequest{}); err != nil {
		t.Fatalf("expected breaker closed after a successful probe, got %v", err)
	}
}

func TestCircuitBreakerRecordsMidStreamFailure(t *testing.T) {
	failing := &stubProvider{name: "flaky", chunkErr: errors.New("stream broke")}
	cb := NewCircuitBreaker(failing, 1, time.Minute)

	chunks, err := cb.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete should succeed synchronously, error surfaces via the chunk: %v", err)
	}
	drain(t, chunks)
	time.Sleep(5 * time.Millisecond)

	if _, err := cb.Complete(context.Background(), &CompletionRequest{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected a mid-stream error to trip the breaker, got %v", err)
	}
}
