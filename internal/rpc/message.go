// Package rpc defines the wire envelopes exchanged between clients and the
// task dispatcher. The encoding itself is pluggable (see the codec
// subpackage); these types only fix the message shape.
package rpc

// Message kinds.
const (
	KindResponse = "response"
	KindNotify   = "notify"
)

// Error payload kinds, mirrored in the dispatcher's error taxonomy.
const (
	ErrKindUnsafeMethod = "unsafe_method"
	ErrKindTimeout      = "timeout"
	ErrKindTask         = "task_error"
)

// Message is the inbound RPC envelope. CallbackID uniquely identifies at
// most one in-flight invocation; a message is immutable once dispatched.
type Message struct {
	CallbackID string         `json:"callback_id" cbor:"callback_id"`
	Class      string         `json:"class" cbor:"class"`
	Method     string         `json:"method" cbor:"method"`
	Meta       map[string]any `json:"meta,omitempty" cbor:"meta,omitempty"`
	Args       []any          `json:"args" cbor:"args"`
}

// ErrorPayload is the error half of a response. TimeoutS is set only for
// timeout-kind errors and carries the configured deadline for diagnostics.
type ErrorPayload struct {
	Kind     string `json:"kind" cbor:"kind"`
	Message  string `json:"message" cbor:"message"`
	TimeoutS int    `json:"timeout_s,omitempty" cbor:"timeout_s,omitempty"`
}

// Error implements the error interface so payloads decoded client-side can
// flow through ordinary error handling.
func (e *ErrorPayload) Error() string {
	return e.Message
}

// Response is the outbound envelope. Exactly one of Result and Err is
// non-nil for responses; notify-kind messages reuse the shape for
// server-initiated events.
type Response struct {
	Kind       string        `json:"kind" cbor:"kind"`
	CallbackID string        `json:"callback_id" cbor:"callback_id"`
	Result     any           `json:"result,omitempty" cbor:"result,omitempty"`
	Err        *ErrorPayload `json:"error,omitempty" cbor:"error,omitempty"`
}
