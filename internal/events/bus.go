/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"sync"

	"github.com/friendsincode/bragi_rooms/internal/telemetry"
)

// EventType enumerates event categories.
type EventType string

const (
	EventNowPlaying   EventType = "now_playing"
	EventRoomIdle     EventType = "room.idle"
	EventRoomPaused   EventType = "room.paused"
	EventRoomResumed  EventType = "room.resumed"
	EventTrackQueued  EventType = "track_queued"
	EventTrackRemoved EventType = "track_removed"
	EventReaction     EventType = "reaction"
	EventMuteSet      EventType = "mute.set"
	EventMuteCleared  EventType = "mute.cleared"

	// Cache invalidation events
	EventRoomCreated EventType = "cache.room_created"
	EventRoomUpdated EventType = "cache.room_updated"
	EventRoomDeleted EventType = "cache.room_deleted"

	// Audit events (for operations that need explicit audit logging)
	EventAuditAPIKeyCreate  EventType = "audit.apikey.create"
	EventAuditAPIKeyRevoke  EventType = "audit.apikey.revoke"
	EventAuditRoomCreate    EventType = "audit.room.create"
	EventAuditTrackSubmit   EventType = "audit.track.submit"
	EventAuditTrackRemove   EventType = "audit.track.remove"
	EventAuditAdvance       EventType = "audit.advance"
	EventAuditMute          EventType = "audit.mute"
	EventAuditUnmute        EventType = "audit.unmute"
	EventAuditFallbackLoad  EventType = "audit.fallback.load"
	EventAuditPlaybackPause EventType = "audit.playback.pause"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers drop events
// rather than block the publisher.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	telemetry.EventsPublishedTotal.WithLabelValues(string(eventType)).Inc()
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
