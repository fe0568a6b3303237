package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"raftex/core"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
)

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor string) error {
	updates, cancel, backlog, err := s.node.EventsSubscribe(ctx, cursor)
	if err != nil {
		return err
	}
	defer cancel()

	for _, update := range backlog {
		if err := writeEventUpdate(ctx, conn, update); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEventUpdate(ctx, conn, update); err != nil {
				return err
			}
		}
	}
}

type eventUpdatePayload struct {
	Type       string            `json:"type"`
	Cursor     string            `json:"cursor"`
	Height     uint64            `json:"height"`
	Event      string            `json:"event"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func eventUpdatePayloadFrom(update core.EventUpdate) eventUpdatePayload {
	payload := eventUpdatePayload{
		Type:   "event",
		Cursor: update.Cursor,
		Height: update.Height,
	}
	if update.Event != nil {
		payload.Event = update.Event.Type
		payload.Attributes = update.Event.Attributes
	}
	return payload
}

func writeEventUpdate(ctx context.Context, conn *websocket.Conn, update core.EventUpdate) error {
	data, err := json.Marshal(eventUpdatePayloadFrom(update))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
