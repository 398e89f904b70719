package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/strandlabs/strand/internal/channel"
	"github.com/strandlabs/strand/internal/rpc/codec"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the cors middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleRPC upgrades the connection to a websocket and pumps inbound
// envelopes into the dispatcher. The codec is negotiated via the ?codec=
// query parameter; json is the default.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	c := s.negotiateCodec(r)
	if c == nil {
		s.writeError(w, http.StatusBadRequest, "unsupported codec")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an error response.
		s.logger.Error("websocket upgrade", "error", err)
		return
	}

	ch := channel.NewWSChannel(conn, c)
	s.logger.Info("rpc channel open",
		"remote", conn.RemoteAddr().String(),
		"codec", c.ContentType(),
	)

	go s.readLoop(ch)
}

// readLoop feeds inbound messages to the dispatcher until the connection
// drops, then releases the channel.
func (s *Server) readLoop(ch *channel.WSChannel) {
	defer s.dispatcher.Close(ch)
	for {
		msg, err := ch.ReadMessage()
		if err != nil {
			s.logger.Info("rpc channel closed", "error", err)
			return
		}
		s.dispatcher.Dispatch(ch, msg)
	}
}

func (s *Server) negotiateCodec(r *http.Request) codec.Codec {
	switch r.URL.Query().Get("codec") {
	case "", "json":
		return s.codecs.Get("application/json")
	case "cbor":
		return s.codecs.Get("application/cbor")
	default:
		return nil
	}
}
