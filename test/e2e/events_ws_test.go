/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/friendsincode/bragi_rooms/internal/events"
)

func TestEventsWebSocket(t *testing.T) {
	server := setupServer(t)
	admin := tokenFor(t, "admin", "admin")
	alice := tokenFor(t, "alice", "listener")

	resp, room := do(t, http.MethodPost, server.URL+"/api/v1/rooms", admin, `{"name":"ws room"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create room: status %d", resp.StatusCode)
	}
	roomID := room["ID"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The upgrade goes through the full middleware chain, authenticated
	// by the query token the stream endpoint accepts.
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/api/v1/rooms/" + roomID + "/events?token=" + alice
	conn, _, err := ws.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial events stream: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "done")

	// Give the handler a beat to attach its subscriptions.
	time.Sleep(100 * time.Millisecond)

	resp, _ = do(t, http.MethodPost, server.URL+"/api/v1/rooms/"+roomID+"/queue", alice,
		`{"source_ref":"video:abc123"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit track: status %d", resp.StatusCode)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	if msg.Type != string(events.EventNowPlaying) {
		t.Fatalf("expected %s event, got %s", events.EventNowPlaying, msg.Type)
	}
	if msg.Payload["room_id"] != roomID {
		t.Fatalf("event for wrong room: %v", msg.Payload["room_id"])
	}
}
