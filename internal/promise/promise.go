// Package promise implements an exactly-once-settling promise with Then and
// Catch combinators. Collections use it to model asynchronous persistence
// steps as continuations rather than additional threads.
package promise

import (
	"context"
	"sync"
)

// Promise settles exactly once with either a value or an error. The first
// Resolve or Reject wins; later settlements are no-ops.
type Promise struct {
	mu      sync.Mutex
	done    chan struct{}
	value   any
	err     error
	settled bool
}

// New creates an unsettled promise.
func New() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolved creates a promise already settled with v.
func Resolved(v any) *Promise {
	p := New()
	p.Resolve(v)
	return p
}

// Rejected creates a promise already settled with err.
func Rejected(err error) *Promise {
	p := New()
	p.Reject(err)
	return p
}

// Resolve settles the promise with a value. It reports whether this call
// performed the settlement.
func (p *Promise) Resolve(v any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.value = v
	p.settled = true
	close(p.done)
	return true
}

// Reject settles the promise with an error. It reports whether this call
// performed the settlement.
func (p *Promise) Reject(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.err = err
	p.settled = true
	close(p.done)
	return true
}

// Done returns a channel closed once the promise settles.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Peek reads the settlement without blocking. ok is false while the
// promise is still outstanding.
func (p *Promise) Peek() (v any, err error, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.settled {
		return nil, nil, false
	}
	return p.value, p.err, true
}

// Await blocks until the promise settles or ctx is cancelled.
func (p *Promise) Await(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then returns a promise that settles after this one resolves and fn runs
// on its value. A rejection skips fn and propagates. fn returning an error
// rejects the derived promise.
func (p *Promise) Then(fn func(v any) (any, error)) *Promise {
	next := New()
	go func() {
		<-p.done
		p.mu.Lock()
		v, err := p.value, p.err
		p.mu.Unlock()

		if err != nil {
			next.Reject(err)
			return
		}
		out, err := fn(v)
		if err != nil {
			next.Reject(err)
			return
		}
		next.Resolve(out)
	}()
	return next
}

// Catch returns a promise that settles after this one. A resolution passes
// through untouched; a rejection runs fn, whose return values settle the
// derived promise (recovering or re-rejecting).
func (p *Promise) Catch(fn func(err error) (any, error)) *Promise {
	next := New()
	go func() {
		<-p.done
		p.mu.Lock()
		v, err := p.value, p.err
		p.mu.Unlock()

		if err == nil {
			next.Resolve(v)
			return
		}
		out, err := fn(err)
		if err != nil {
			next.Reject(err)
			return
		}
		next.Resolve(out)
	}()
	return next
}
