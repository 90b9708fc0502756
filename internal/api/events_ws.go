/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/bragi_rooms/internal/events"
	"github.com/friendsincode/bragi_rooms/internal/telemetry"
)

// defaultEventTypes is the set streamed when the client does not ask
// for specific types.
var defaultEventTypes = []events.EventType{
	events.EventNowPlaying,
	events.EventRoomIdle,
	events.EventRoomPaused,
	events.EventRoomResumed,
	events.EventTrackQueued,
	events.EventTrackRemoved,
	events.EventReaction,
	events.EventMuteSet,
	events.EventMuteCleared,
}

// handleEvents streams room events over a WebSocket. The connection is
// scoped to one room; events for other rooms are dropped.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if a.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "events_unavailable")
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true, // auth already happened in middleware
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusNormalClosure, "closing")

	telemetry.APIWebSocketConnections.Inc()
	defer telemetry.APIWebSocketConnections.Dec()

	eventTypes := parseEventTypes(r.URL.Query().Get("types"))

	subs := make(map[events.EventType]events.Subscriber, len(eventTypes))
	for _, et := range eventTypes {
		subs[et] = a.bus.Subscribe(et)
	}
	defer func() {
		for et, sub := range subs {
			a.bus.Unsubscribe(et, sub)
		}
	}()

	ctx := r.Context()

	type busEvent struct {
		eventType events.EventType
		payload   events.Payload
	}
	// Fan the per-type channels into one so delivery blocks on the bus
	// instead of polling. The pump goroutines exit when Unsubscribe
	// closes their channel.
	merged := make(chan busEvent, 64)
	for et, sub := range subs {
		go func(et events.EventType, sub events.Subscriber) {
			for payload := range sub {
				select {
				case merged <- busEvent{eventType: et, payload: payload}:
				case <-ctx.Done():
					return
				}
			}
		}(et, sub)
	}

	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case ev := <-merged:
			if rid, ok := ev.payload["room_id"].(string); ok && rid != roomID {
				continue
			}
			if err := writeEvent(ctx, conn, ev.eventType, ev.payload); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *ws.Conn, eventType events.EventType, payload events.Payload) error {
	msg, err := json.Marshal(map[string]any{
		"type":    string(eventType),
		"payload": payload,
	})
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, ws.MessageText, msg)
}

// parseEventTypes parses a comma separated ?types= filter.
func parseEventTypes(raw string) []events.EventType {
	if raw == "" {
		return defaultEventTypes
	}

	known := make(map[events.EventType]struct{}, len(defaultEventTypes))
	for _, et := range defaultEventTypes {
		known[et] = struct{}{}
	}

	var out []events.EventType
	for _, part := range strings.Split(raw, ",") {
		et := events.EventType(strings.TrimSpace(part))
		if _, ok := known[et]; ok {
			out = append(out, et)
		}
	}
	if len(out) == 0 {
		return defaultEventTypes
	}
	return out
}
