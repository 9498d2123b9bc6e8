package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ppiankov/hitlwatch/internal/wire"
)

// handleStream fans inbound peer envelopes out to a UI client. Client
// messages are read and discarded so close frames are noticed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("stream upgrade failed")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.console.Subscribe()
	defer unsubscribe()

	if err := wsjson.Write(ctx, conn, s.console.Status()); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
		return
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case env, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			data, err := wire.Encode(env, 0)
			if err != nil {
				s.log.Warn().Err(err).Str("type", string(env.Payload.Kind())).Msg("stream envelope not encodable")
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
			err = wsjson.Write(writeCtx, conn, json.RawMessage(data))
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
