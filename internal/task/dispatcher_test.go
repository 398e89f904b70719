package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/strandlabs/strand/internal/channel"
	"github.com/strandlabs/strand/internal/rpc"
)

// constructed counts task instantiations so guard tests can assert a task
// was never built.
type countingTask struct {
	Base
}

func newTestDispatcher(t *testing.T, timeout time.Duration) (*Dispatcher, *Registry) {
	t.Helper()
	reg := NewRegistry()
	pool := NewPool(2, 4, testLogger())
	t.Cleanup(pool.Stop)
	d := NewDispatcher(reg, pool, nil, timeout, testLogger())
	return d, reg
}

func waitResponses(t *testing.T, ch *channel.MemChannel, n int) []rpc.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := ch.WaitResponse(ctx, n)
	if err != nil {
		t.Fatalf("waiting for %d responses: %v (got %d)", n, err, len(ch.Responses()))
	}
	return got
}

func TestDispatchEcho(t *testing.T) {
	d, reg := newTestDispatcher(t, time.Second)
	if err := reg.Register(echoDefinition()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ch := channel.NewMemChannel()
	d.Dispatch(ch, rpc.Message{
		CallbackID: "1",
		Class:      "EchoTask",
		Method:     "echo",
		Meta:       map[string]any{},
		Args:       []any{"hi"},
	})

	got := waitResponses(t, ch, 1)
	resp := got[0]
	if resp.Kind != rpc.KindResponse || resp.CallbackID != "1" {
		t.Errorf("envelope = %+v", resp)
	}
	if resp.Result != "hi" {
		t.Errorf("Result = %v, want hi", resp.Result)
	}
	if resp.Err != nil {
		t.Errorf("Err = %+v, want nil", resp.Err)
	}
}

func TestDispatchUnsafeMethodNeverConstructsTask(t *testing.T) {
	d, reg := newTestDispatcher(t, time.Second)

	constructed := 0
	def := &Definition{
		Name: "GuardedTask",
		New: func() Task {
			constructed++
			return &countingTask{}
		},
		Methods: map[string]Method{
			"safe": func(_ context.Context, _ Task, _ []any) (any, error) { return nil, nil },
		},
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ch := channel.NewMemChannel()
	// "send" lives on the generic object root, never on a task class.
	d.Dispatch(ch, rpc.Message{CallbackID: "7", Class: "GuardedTask", Method: "send"})

	got := waitResponses(t, ch, 1)
	resp := got[0]
	if resp.Result != nil {
		t.Errorf("Result = %v, want nil", resp.Result)
	}
	if resp.Err == nil || resp.Err.Kind != rpc.ErrKindUnsafeMethod {
		t.Errorf("Err = %+v, want unsafe_method", resp.Err)
	}
	if constructed != 0 {
		t.Errorf("task constructed %d times for unsafe method, want 0", constructed)
	}
}

func TestDispatchUnknownClassDropped(t *testing.T) {
	d, _ := newTestDispatcher(t, time.Second)

	ch := channel.NewMemChannel()
	d.Dispatch(ch, rpc.Message{CallbackID: "9", Class: "NoSuchTask", Method: "echo"})

	time.Sleep(50 * time.Millisecond)
	if got := ch.Responses(); len(got) != 0 {
		t.Errorf("responses = %+v, want none for unresolvable class", got)
	}
}

func TestDispatchTaskBodyError(t *testing.T) {
	d, reg := newTestDispatcher(t, time.Second)

	bodyErr := errors.New("domain failure")
	def := &Definition{
		Name: "FailTask",
		New:  func() Task { return &countingTask{} },
		Methods: map[string]Method{
			"fail": func(_ context.Context, _ Task, _ []any) (any, error) {
				return nil, bodyErr
			},
		},
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ch := channel.NewMemChannel()
	d.Dispatch(ch, rpc.Message{CallbackID: "2", Class: "FailTask", Method: "fail"})

	got := waitResponses(t, ch, 1)
	resp := got[0]
	if resp.Err == nil || resp.Err.Kind != rpc.ErrKindTask {
		t.Fatalf("Err = %+v, want task_error", resp.Err)
	}
	if resp.Err.Message != "domain failure" {
		t.Errorf("Err.Message = %q, want verbatim body error", resp.Err.Message)
	}
}

func TestDispatchTimeout(t *testing.T) {
	d, reg := newTestDispatcher(t, 50*time.Millisecond)

	def := &Definition{
		Name: "SlowTask",
		New:  func() Task { return &countingTask{} },
		Methods: map[string]Method{
			"sleep": func(ctx context.Context, _ Task, _ []any) (any, error) {
				// Would eventually succeed, but past the deadline.
				time.Sleep(500 * time.Millisecond)
				return "too late", nil
			},
		},
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ch := channel.NewMemChannel()
	d.Dispatch(ch, rpc.Message{CallbackID: "3", Class: "SlowTask", Method: "sleep"})

	got := waitResponses(t, ch, 1)
	resp := got[0]
	if resp.Err == nil || resp.Err.Kind != rpc.ErrKindTimeout {
		t.Fatalf("Err = %+v, want timeout", resp.Err)
	}
	if resp.Result != nil {
		t.Errorf("Result = %v, want nil", resp.Result)
	}

	// The stray body completes later; it must not produce a second response.
	time.Sleep(600 * time.Millisecond)
	if got := ch.Responses(); len(got) != 1 {
		t.Errorf("responses = %d after stray completion, want exactly 1", len(got))
	}
}

func TestDispatchClassTimeoutOverride(t *testing.T) {
	d, reg := newTestDispatcher(t, time.Hour)

	def := &Definition{
		Name:    "QuickDeadline",
		New:     func() Task { return &countingTask{} },
		Timeout: 30 * time.Millisecond,
		Methods: map[string]Method{
			"sleep": func(_ context.Context, _ Task, _ []any) (any, error) {
				time.Sleep(300 * time.Millisecond)
				return nil, nil
			},
		},
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ch := channel.NewMemChannel()
	d.Dispatch(ch, rpc.Message{CallbackID: "4", Class: "QuickDeadline", Method: "sleep"})

	got := waitResponses(t, ch, 1)
	if got[0].Err == nil || got[0].Err.Kind != rpc.ErrKindTimeout {
		t.Fatalf("Err = %+v, want class-level timeout", got[0].Err)
	}
}

func TestDispatchMetaScopedToCall(t *testing.T) {
	d, reg := newTestDispatcher(t, time.Second)

	metaCh := make(chan any, 2)
	def := &Definition{
		Name: "MetaTask",
		New:  func() Task { return &countingTask{} },
		Methods: map[string]Method{
			"who": func(_ context.Context, tk Task, _ []any) (any, error) {
				metaCh <- tk.(*countingTask).Call().Meta("user")
				return nil, nil
			},
		},
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ch := channel.NewMemChannel()
	d.Dispatch(ch, rpc.Message{CallbackID: "5", Class: "MetaTask", Method: "who",
		Meta: map[string]any{"user": "alice"}})
	d.Dispatch(ch, rpc.Message{CallbackID: "6", Class: "MetaTask", Method: "who"})

	waitResponses(t, ch, 2)
	seen := map[any]bool{<-metaCh: true, <-metaCh: true}
	if !seen["alice"] || !seen[nil] {
		t.Errorf("meta values = %v, want alice for one call and nil for the other", seen)
	}
}

func TestDispatchPanicBecomesTaskError(t *testing.T) {
	d, reg := newTestDispatcher(t, time.Second)

	def := &Definition{
		Name: "PanicTask",
		New:  func() Task { return &countingTask{} },
		Methods: map[string]Method{
			"boom": func(_ context.Context, _ Task, _ []any) (any, error) {
				panic("unexpected")
			},
		},
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ch := channel.NewMemChannel()
	d.Dispatch(ch, rpc.Message{CallbackID: "8", Class: "PanicTask", Method: "boom"})

	got := waitResponses(t, ch, 1)
	if got[0].Err == nil || got[0].Err.Kind != rpc.ErrKindTask {
		t.Fatalf("Err = %+v, want task_error from recovered panic", got[0].Err)
	}
}

func TestDispatchBasePing(t *testing.T) {
	d, reg := newTestDispatcher(t, time.Second)
	if err := reg.Register(echoDefinition()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ch := channel.NewMemChannel()
	d.Dispatch(ch, rpc.Message{CallbackID: "10", Class: "EchoTask", Method: "ping"})

	got := waitResponses(t, ch, 1)
	if got[0].Result != "pong" {
		t.Errorf("Result = %v, want pong", got[0].Result)
	}
}

func TestCloseIdempotentAndRunsHooks(t *testing.T) {
	d, _ := newTestDispatcher(t, time.Second)

	ch := channel.NewMemChannel()
	other := channel.NewMemChannel()

	released := 0
	otherReleased := 0
	d.OnChannelClose(ch, func() { released++ })
	d.OnChannelClose(other, func() { otherReleased++ })

	d.Close(ch)
	d.Close(ch)

	if released != 1 {
		t.Errorf("close hook ran %d times, want 1", released)
	}
	if otherReleased != 0 {
		t.Errorf("unrelated channel's hook ran %d times, want 0", otherReleased)
	}
	if !ch.Closed() {
		t.Error("channel not closed")
	}

	d.Close(other)
	if otherReleased != 1 {
		t.Errorf("other close hook ran %d times, want 1", otherReleased)
	}
}

func TestDispatchImmediateModeDeterministic(t *testing.T) {
	reg := NewRegistry()
	pool := NewImmediatePool(testLogger())
	d := NewDispatcher(reg, pool, nil, time.Second, testLogger())
	if err := reg.Register(echoDefinition()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ch := channel.NewMemChannel()
	for i, arg := range []string{"a", "b", "c"} {
		d.Dispatch(ch, rpc.Message{
			CallbackID: string(rune('1' + i)),
			Class:      "EchoTask",
			Method:     "echo",
			Args:       []any{arg},
		})
	}

	got := ch.Responses()
	if len(got) != 3 {
		t.Fatalf("responses = %d, want 3 (immediate mode returns after execution)", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].Result != want {
			t.Errorf("responses[%d].Result = %v, want %s", i, got[i].Result, want)
		}
	}
}
