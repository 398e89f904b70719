// Package channel abstracts the connection back to a client. The dispatcher
// and collections only see this interface; the transport underneath (in
// process, websocket) is interchangeable.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/strandlabs/strand/internal/rpc"
)

// ErrClosed is returned when sending on a closed channel.
var ErrClosed = errors.New("channel is closed")

// Channel is the outbound half of a client connection. SendMessage delivers
// one envelope; Close releases the connection and is idempotent.
type Channel interface {
	SendMessage(kind, callbackID string, result any, errPayload *rpc.ErrorPayload) error
	Close() error
}

// Compile-time interface satisfaction check.
var _ Channel = (*MemChannel)(nil)

// MemChannel is an in-process channel that records every sent envelope.
// Tests and embedded callers use it in place of a network transport.
type MemChannel struct {
	mu     sync.Mutex
	sent   []rpc.Response
	notify chan struct{}
	closed bool
}

// NewMemChannel creates an open in-process channel.
func NewMemChannel() *MemChannel {
	return &MemChannel{notify: make(chan struct{}, 1)}
}

// SendMessage records the envelope and wakes any waiter.
func (c *MemChannel) SendMessage(kind, callbackID string, result any, errPayload *rpc.ErrorPayload) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.sent = append(c.sent, rpc.Response{
		Kind:       kind,
		CallbackID: callbackID,
		Result:     result,
		Err:        errPayload,
	})
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the channel closed. Safe to call more than once.
func (c *MemChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (c *MemChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Responses returns a copy of every envelope sent so far.
func (c *MemChannel) Responses() []rpc.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rpc.Response, len(c.sent))
	copy(out, c.sent)
	return out
}

// WaitResponse blocks until at least n envelopes have been sent, then
// returns them all. It fails with the context's error on cancellation.
func (c *MemChannel) WaitResponse(ctx context.Context, n int) ([]rpc.Response, error) {
	for {
		c.mu.Lock()
		if len(c.sent) >= n {
			out := make([]rpc.Response, len(c.sent))
			copy(out, c.sent)
			c.mu.Unlock()
			return out, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
