package settlerd

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"nhooyr.io/websocket"
)

// requestedEventType is the chain event announcing a new pending transfer.
const requestedEventType = "settlement.transfer.requested"

// EventListener follows the node's websocket event stream and pokes the
// processor when new transfers are requested. It is a latency optimisation on
// top of polling, so failures only cost freshness, never correctness.
type EventListener struct {
	wsURL string
	poke  func()
	log   *slog.Logger
}

// NewEventListener wires the stream listener; poke is invoked for every
// transfer request event.
func NewEventListener(wsURL string, poke func(), log *slog.Logger) *EventListener {
	if log == nil {
		log = slog.Default()
	}
	return &EventListener{wsURL: wsURL, poke: poke, log: log}
}

type streamPayload struct {
	Type       string            `json:"type"`
	Cursor     string            `json:"cursor"`
	Height     uint64            `json:"height"`
	Event      string            `json:"event"`
	Attributes map[string]string `json:"attributes"`
}

// Run keeps a subscription open until the context is cancelled, reconnecting
// with capped backoff after failures.
func (l *EventListener) Run(ctx context.Context) {
	if l == nil || l.wsURL == "" || l.poke == nil {
		return
	}
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.follow(ctx); err != nil && ctx.Err() == nil {
			l.log.Warn("event stream disconnected", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (l *EventListener) follow(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(dialCtx, l.wsURL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "listener stopped")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var payload streamPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			l.log.Warn("decode stream payload", "error", err)
			continue
		}
		if payload.Event == requestedEventType {
			l.poke()
		}
	}
}
