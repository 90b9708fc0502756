package eventbus

import "github.com/friendsincode/bragi_rooms/internal/events"

// MemoryBus adapts the in-process bus to the Bus interface for single-node
// deployments.
type MemoryBus struct {
	*events.Bus
}

// NewMemoryBus wraps a fresh in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{Bus: events.NewBus()}
}

// Close is a no-op for the in-process bus.
func (mb *MemoryBus) Close() error { return nil }
