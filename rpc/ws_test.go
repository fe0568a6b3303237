package rpc

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"raftex/core/events"
)

func dialEventStream(ctx context.Context, t *testing.T, baseURL, cursor string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws/events"
	if cursor != "" {
		wsURL += "?cursor=" + url.QueryEscape(cursor)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial event stream: %v", err)
	}
	return conn
}

// readUntilEvent consumes stream payloads until one carries the wanted event
// type, failing the test on malformed frames. Every skipped payload is handed
// to inspect when provided.
func readUntilEvent(ctx context.Context, t *testing.T, conn *websocket.Conn, eventType string, inspect func(eventUpdatePayload)) eventUpdatePayload {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read event stream while waiting for %s: %v", eventType, err)
		}
		var payload eventUpdatePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("decode event payload: %v (frame %q)", err, data)
		}
		if payload.Type != "event" {
			t.Fatalf("payload type = %q, want event", payload.Type)
		}
		if payload.Cursor == "" {
			t.Fatalf("payload missing cursor: %+v", payload)
		}
		if inspect != nil {
			inspect(payload)
		}
		if payload.Event == eventType {
			return payload
		}
	}
}

func TestEventStreamDeliversBacklogAndLive(t *testing.T) {
	server, node := newTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	userBytes, user := testAccount(0x81)
	fundAccount(t, node, userBytes)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn := dialEventStream(ctx, t, ts.URL, "")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// The deposit already happened, so it must arrive from the backlog.
	deposited := readUntilEvent(ctx, t, conn, events.TypeExchangeDeposited, nil)
	if deposited.Attributes["token"] != "WBTC" || deposited.Attributes["amount"] != "1000" {
		t.Fatalf("deposited attributes = %+v", deposited.Attributes)
	}
	if deposited.Attributes["sender"] != user {
		t.Fatalf("deposited sender = %q, want %q", deposited.Attributes["sender"], user)
	}
	if deposited.Height == 0 {
		t.Fatalf("deposited height missing: %+v", deposited)
	}

	// A transition committed after the subscription must stream live.
	if _, err := node.Mint(userBytes, "WBTC", big.NewInt(3), "RUSD", big.NewInt(30), true); err != nil {
		t.Fatalf("mint: %v", err)
	}
	minted := readUntilEvent(ctx, t, conn, events.TypeExchangeMinted, nil)
	if minted.Attributes["collateralId"] != "1" || minted.Attributes["pooled"] != "true" {
		t.Fatalf("minted attributes = %+v", minted.Attributes)
	}
	if minted.Height != node.Height() {
		t.Fatalf("minted height = %d, want %d", minted.Height, node.Height())
	}
}

func TestEventStreamCursorSkipsDelivered(t *testing.T) {
	server, node := newTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	userBytes, _ := testAccount(0x82)
	fundAccount(t, node, userBytes)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	first := dialEventStream(ctx, t, ts.URL, "")
	deposited := readUntilEvent(ctx, t, first, events.TypeExchangeDeposited, nil)
	first.Close(websocket.StatusNormalClosure, "resuming")

	if _, err := node.Mint(userBytes, "WBTC", big.NewInt(3), "RUSD", big.NewInt(30), true); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Resuming from the deposit cursor must not replay anything at or before
	// it; the mint events committed afterwards still arrive.
	second := dialEventStream(ctx, t, ts.URL, deposited.Cursor)
	defer second.Close(websocket.StatusNormalClosure, "done")
	readUntilEvent(ctx, t, second, events.TypeExchangeMinted, func(payload eventUpdatePayload) {
		if payload.Cursor == deposited.Cursor {
			t.Fatalf("cursor %s replayed on resume", payload.Cursor)
		}
		if payload.Event == events.TypeExchangeDeposited || payload.Event == events.TypeAssetRegistered {
			t.Fatalf("event %s replayed past its cursor", payload.Event)
		}
	})
}
