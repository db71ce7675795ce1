package agent

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by CircuitBreaker.Complete while the breaker is
// open, short-circuiting the call instead of reaching the provider.
var ErrCircuitOpen = errors.New("llm provider circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker wraps an LLMProvider and opens after FailureThreshold
// consecutive failures, short-circuiting further calls for Cooldown before
// allowing a single half-open probe call through. It is a
// process-wide guard: one breaker should wrap the provider once, shared by
// every turn, subagent, and consolidation call site.
type CircuitBreaker struct {
	provider         LLMProvider
	failureThreshold int
	cooldown         time.Duration

	mu           sync.Mutex
	state        breakerState
	failures     int
	openedAt     time.Time
	probeRunning bool
}

// NewCircuitBreaker wraps provider. A non-positive failureThreshold or
// cooldown falls back to the defaults (5 failures, 60s cooldown).
func NewCircuitBreaker(provider LLMProvider, failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &CircuitBreaker{provider: provider, failureThreshold: failureThreshold, cooldown: cooldown}
}

// Name implements LLMProvider.
func (c *CircuitBreaker) Name() string { return c.provider.Name() }

// Models implements LLMProvider.
func (c *CircuitBreaker) Models() []Model { return c.provider.Models() }

// SupportsTools implements LLMProvider.
func (c *CircuitBreaker) SupportsTools() bool { return c.provider.SupportsTools() }

// Complete implements LLMProvider, guarding the wrapped provider's call with
// breaker state.
func (c *CircuitBreaker) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if !c.allow() {
		return nil, ErrCircuitOpen
	}

	chunks, err := c.provider.Complete(ctx, req)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	out := make(chan *CompletionChunk)
	go func() {
		defer close(out)
		failed := false
		for chunk := range chunks {
			if chunk != nil && chunk.Error != nil {
				failed = true
			}
			out <- chunk
		}
		if failed {
			c.recordFailure()
		} else {
			c.recordSuccess()
		}
	}()
	return out, nil
}

// allow reports whether a call may proceed, transitioning open -> half-open
// once the cooldown has elapsed.
func (c *CircuitBreaker) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(c.openedAt) < c.cooldown {
			return false
		}
		c.state = breakerHalfOpen
		c.probeRunning = true
		return true
	case breakerHalfOpen:
		return false
	default:
		return true
	}
}

func (c *CircuitBreaker) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == breakerHalfOpen {
		c.state = breakerOpen
		c.openedAt = time.Now()
		c.probeRunning = false
		return
	}

	c.failures++
	if c.failures >= c.failureThreshold {
		c.state = breakerOpen
		c.openedAt = time.Now()
	}
}

func (c *CircuitBreaker) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.state = breakerClosed
	c.probeRunning = false
}
