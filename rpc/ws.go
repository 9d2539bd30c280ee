package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"buyinescrow/core/events"
	"buyinescrow/core/types"
	"buyinescrow/observability"
)

const (
	wsWriteTimeout    = 10 * time.Second
	wsSubscribeBuffer = 128
)

// handleEventsWS streams committed ledger events. The optional "type" query
// parameter filters by prefix, e.g. ?type=escrow.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("type"))
	// Subscribe before the handshake completes so no commit is missed.
	updates, cancel := s.ledger.Events().Subscribe(wsSubscribeBuffer)
	defer cancel()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	defer observability.RPC().StreamOpened()()

	ctx := conn.CloseRead(r.Context())
	err = streamEvents(ctx, conn, updates, prefix)
	if err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
		observability.RPC().StreamFailed()
		_ = conn.Close(websocket.StatusInternalError, "stream error")
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, updates <-chan events.Event, prefix string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			payload, ok := evt.(events.Payload)
			if !ok {
				continue
			}
			e := payload.Event()
			if e == nil || !strings.HasPrefix(e.Type, prefix) {
				continue
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				return err
			}
			observability.RPC().Streamed(e.Type)
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e *types.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
