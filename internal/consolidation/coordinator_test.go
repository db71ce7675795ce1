package consolidation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunExclusiveBlocksConcurrentRun(t *testing.T) {
	c := NewCoordinator(nil)
	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = c.RunExclusive(context.Background(), "sess-1", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	err := c.RunExclusive(context.Background(), "sess-1", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	close(release)

	deadline := time.After(time.Second)
	for c.Running("sess-1") {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for run to finish")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestCancelInflightCancelsContext(t *testing.T) {
	c := NewCoordinator(nil)
	started := make(chan struct{})
	errCh := make(chan error, 1)

	go func() {
		errCh <- c.RunExclusive(context.Background(), "sess-2", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	<-started
	if !c.CancelInflight("sess-2") {
		t.Fatal("expected CancelInflight to find the running task")
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
}

func TestStartBackgroundRunsOnce(t *testing.T) {
	c := NewCoordinator(nil)
	ran := make(chan struct{}, 2)

	ok1 := c.StartBackground(context.Background(), "sess-3", func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	})
	if !ok1 {
		t.Fatal("expected first StartBackground to start")
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("background run did not execute")
	}
}
