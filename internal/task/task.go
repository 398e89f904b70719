// Package task implements the RPC core: a closed registry of remotely
// invocable task classes, an authorization guard over their methods, a
// bounded worker pool, and the dispatcher that routes inbound messages to
// authorized execution and back over the caller's channel.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/strandlabs/strand/internal/channel"
	"github.com/strandlabs/strand/internal/rpc"
)

// ErrUnsafeMethod is returned when a requested method is not part of a task
// class's declared remotely callable surface.
var ErrUnsafeMethod = errors.New("method is not remotely callable")

// ErrUnknownClass is returned when a class name does not resolve in the
// registry. The dispatcher drops such calls without a response.
var ErrUnknownClass = errors.New("unknown task class")

// TimeoutError reports that a call exceeded its wall-clock deadline. It
// carries the configured duration and the original message for diagnostics.
type TimeoutError struct {
	Timeout time.Duration
	Message rpc.Message
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s.%s timed out after %s", e.Message.Class, e.Message.Method, e.Timeout)
}

// Context binds one task invocation to its collaborators. A fresh instance
// exists per call and is discarded once the call settles; meta data never
// outlives the call body.
type Context struct {
	App        any
	Channel    channel.Channel
	Dispatcher *Dispatcher

	mu   sync.Mutex
	meta map[string]any
}

// Meta returns the call's meta value for key, or nil.
func (c *Context) Meta(key string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta == nil {
		return nil
	}
	return c.meta[key]
}

func (c *Context) setMeta(m map[string]any) {
	c.mu.Lock()
	c.meta = m
	c.mu.Unlock()
}

// clearMeta drops call-scoped meta so it cannot leak into an unrelated call
// running on a reused worker slot.
func (c *Context) clearMeta() {
	c.mu.Lock()
	c.meta = nil
	c.mu.Unlock()
}

// Task is a per-call task instance. Bind attaches the call context before
// any method runs.
type Task interface {
	Bind(call *Context)
}

// Base is the task base type. Task classes embed it to satisfy Task and to
// inherit the base method table.
type Base struct {
	call *Context
}

// Bind stores the call context.
func (b *Base) Bind(call *Context) {
	b.call = call
}

// Call returns the bound call context; nil before Bind.
func (b *Base) Call() *Context {
	return b.call
}

// Method executes one exposed operation on a task instance. ctx carries the
// call's deadline.
type Method func(ctx context.Context, t Task, args []any) (any, error)

// Definition describes one remotely invocable task class. Methods is the
// class's own declared surface; the base method table is merged in at
// registration and an entry here overrides a base method of the same name.
type Definition struct {
	Name    string
	New     func() Task
	Methods map[string]Method

	// Timeout overrides the dispatcher default when positive.
	Timeout time.Duration
}

// baseMethods is the method table defined on the task base type itself.
// These are callable on every registered class, sitting exactly at the
// authorization boundary: anything below or at Base is safe, anything above
// (generic object surface such as String or reflection helpers) never
// appears in a method table and is therefore always refused.
func baseMethods() map[string]Method {
	return map[string]Method{
		"ping": func(_ context.Context, _ Task, _ []any) (any, error) {
			return "pong", nil
		},
	}
}
