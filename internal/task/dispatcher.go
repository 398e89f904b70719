package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/strandlabs/strand/internal/channel"
	"github.com/strandlabs/strand/internal/rpc"
)

// DefaultTimeout is the per-call deadline when neither the dispatcher
// configuration nor the task class overrides it.
const DefaultTimeout = 60 * time.Second

// Dispatcher routes inbound RPC messages to authorized task execution and
// returns results or errors over the caller's channel. Every answered call
// receives exactly one response.
type Dispatcher struct {
	registry *Registry
	pool     *Pool
	logger   *slog.Logger
	app      any
	timeout  time.Duration

	mu    sync.Mutex
	hooks map[channel.Channel][]func()
}

// NewDispatcher creates a dispatcher. app is handed to every task context;
// timeout <= 0 selects DefaultTimeout.
func NewDispatcher(reg *Registry, pool *Pool, app any, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		registry: reg,
		pool:     pool,
		logger:   logger,
		app:      app,
		timeout:  timeout,
		hooks:    make(map[channel.Channel][]func()),
	}
}

// OnChannelClose registers a hook run when ch is closed via Close. Used to
// release channel-scoped resources such as live-query subscriptions. Hooks
// are held only until their channel closes; they run once and are then
// discarded along with the channel's entry.
func (d *Dispatcher) OnChannelClose(ch channel.Channel, fn func()) {
	d.mu.Lock()
	d.hooks[ch] = append(d.hooks[ch], fn)
	d.mu.Unlock()
}

// Dispatch submits the message for asynchronous execution and returns
// without blocking the caller.
func (d *Dispatcher) Dispatch(ch channel.Channel, msg rpc.Message) {
	d.pool.Post(func() {
		d.run(ch, msg)
	})
}

// Close runs and discards the channel's close hooks, then closes the
// channel. It is idempotent per channel: a second Close finds no hooks
// left, and Channel.Close is itself idempotent.
func (d *Dispatcher) Close(ch channel.Channel) {
	d.mu.Lock()
	hooks := d.hooks[ch]
	delete(d.hooks, ch)
	d.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	if err := ch.Close(); err != nil {
		d.logger.Warn("channel close", "error", err)
	}
}

// run executes one dispatched call on a worker slot.
func (d *Dispatcher) run(ch channel.Channel, msg rpc.Message) {
	def, err := d.registry.Resolve(msg.Class)
	if err != nil {
		// The class name never passed validation, so the call cannot be
		// answered safely. Drop it; the client's own timeout is the
		// documented recovery path.
		d.logger.Warn("dropping message for unresolvable class",
			"class", msg.Class, "method", msg.Method, "callback_id", msg.CallbackID)
		dispatchTotal.WithLabelValues(msg.Class, outcomeDropped).Inc()
		return
	}

	if !d.registry.IsSafe(msg.Class, msg.Method) {
		d.logger.Warn("refusing unsafe method",
			"class", msg.Class, "method", msg.Method, "callback_id", msg.CallbackID)
		dispatchTotal.WithLabelValues(msg.Class, outcomeUnsafe).Inc()
		d.respond(ch, msg.CallbackID, nil,
			fmt.Errorf("%w: %s.%s", ErrUnsafeMethod, msg.Class, msg.Method))
		return
	}

	timeout := d.timeout
	if def.Timeout > 0 {
		timeout = def.Timeout
	}

	call := &Context{App: d.app, Channel: ch, Dispatcher: d}
	call.setMeta(msg.Meta)
	inst := def.New()
	inst.Bind(call)

	method := def.Methods[msg.Method]
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	result, callErr := d.invoke(ctx, method, inst, msg, timeout)
	elapsed := time.Since(start)

	// Observability only; must not alter the dispatch outcome.
	d.logger.Info("task call",
		"class", msg.Class,
		"method", msg.Method,
		"elapsed_ms", elapsed.Milliseconds(),
		"args", msg.Args,
		"error", errString(callErr),
	)
	dispatchDuration.WithLabelValues(msg.Class).Observe(elapsed.Seconds())
	dispatchTotal.WithLabelValues(msg.Class, outcomeFor(callErr)).Inc()

	call.clearMeta()
	d.respond(ch, msg.CallbackID, result, callErr)
}

// invoke runs the task body under the call deadline. A body that outlives
// its deadline keeps running, but its late result is discarded; the timeout
// response has already been sent by then and stray work must be safely
// ignorable.
func (d *Dispatcher) invoke(ctx context.Context, method Method, inst Task, msg rpc.Message, timeout time.Duration) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	bodyCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("panic in task body",
					"class", msg.Class, "method", msg.Method, "panic", r)
				bodyCh <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		result, err := method(ctx, inst, msg.Args)
		bodyCh <- outcome{result: result, err: err}
	}()

	select {
	case o := <-bodyCh:
		return o.result, o.err
	case <-ctx.Done():
		return nil, &TimeoutError{Timeout: timeout, Message: msg}
	}
}

// respond sends the call's single terminal response.
func (d *Dispatcher) respond(ch channel.Channel, callbackID string, result any, callErr error) {
	var payload *rpc.ErrorPayload
	if callErr != nil {
		payload = errorPayload(callErr)
		result = nil
	}
	if err := ch.SendMessage(rpc.KindResponse, callbackID, result, payload); err != nil {
		d.logger.Error("send response", "callback_id", callbackID, "error", err)
	}
}

// errorPayload maps dispatcher and task errors onto the wire taxonomy.
func errorPayload(err error) *rpc.ErrorPayload {
	var te *TimeoutError
	switch {
	case errors.As(err, &te):
		return &rpc.ErrorPayload{
			Kind:     rpc.ErrKindTimeout,
			Message:  te.Error(),
			TimeoutS: int(te.Timeout / time.Second),
		}
	case errors.Is(err, ErrUnsafeMethod):
		return &rpc.ErrorPayload{Kind: rpc.ErrKindUnsafeMethod, Message: err.Error()}
	default:
		return &rpc.ErrorPayload{Kind: rpc.ErrKindTask, Message: err.Error()}
	}
}

func outcomeFor(err error) string {
	var te *TimeoutError
	switch {
	case err == nil:
		return outcomeCompleted
	case errors.As(err, &te):
		return outcomeTimedOut
	default:
		return outcomeFailed
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
