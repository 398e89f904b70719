package channel

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/strandlabs/strand/internal/rpc"
	"github.com/strandlabs/strand/internal/rpc/codec"
)

// sendBufferSize is the outbound frame buffer. Sends fail once a client
// falls this far behind.
const sendBufferSize = 64

// Compile-time interface satisfaction check.
var _ Channel = (*WSChannel)(nil)

// WSChannel adapts a websocket connection to the Channel interface.
// Envelopes are encoded with the negotiated codec and written by a single
// writer goroutine, since gorilla connections allow only one concurrent
// writer.
type WSChannel struct {
	conn  *websocket.Conn
	codec codec.Codec

	mu      sync.Mutex
	sendCh  chan []byte
	closed  bool
	closeCh chan struct{}
}

// NewWSChannel wraps an upgraded websocket connection. The caller owns the
// read side; this channel owns writes and close.
func NewWSChannel(conn *websocket.Conn, c codec.Codec) *WSChannel {
	ch := &WSChannel{
		conn:    conn,
		codec:   c,
		sendCh:  make(chan []byte, sendBufferSize),
		closeCh: make(chan struct{}),
	}
	go ch.writeLoop()
	return ch
}

func (ch *WSChannel) writeLoop() {
	msgType := websocket.TextMessage
	if ch.codec.ContentType() != "application/json" {
		msgType = websocket.BinaryMessage
	}
	for {
		select {
		case data := <-ch.sendCh:
			if err := ch.conn.WriteMessage(msgType, data); err != nil {
				ch.Close()
				return
			}
		case <-ch.closeCh:
			return
		}
	}
}

// SendMessage encodes and queues one envelope for the writer goroutine.
func (ch *WSChannel) SendMessage(kind, callbackID string, result any, errPayload *rpc.ErrorPayload) error {
	data, err := ch.codec.Marshal(rpc.Response{
		Kind:       kind,
		CallbackID: callbackID,
		Result:     result,
		Err:        errPayload,
	})
	if err != nil {
		return err
	}

	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case ch.sendCh <- data:
		return nil
	case <-ch.closeCh:
		return ErrClosed
	}
}

// ReadMessage blocks for the next inbound envelope and decodes it.
func (ch *WSChannel) ReadMessage() (rpc.Message, error) {
	var msg rpc.Message
	_, data, err := ch.conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := ch.codec.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Close tears down the connection. Safe to call more than once.
func (ch *WSChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	close(ch.closeCh)
	ch.mu.Unlock()

	return ch.conn.Close()
}
