/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logbuffer provides an in-memory ring buffer for capturing logs.
package logbuffer

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single log entry.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Raw       string         `json:"raw,omitempty"`
}

// Buffer is a thread-safe ring buffer for log entries.
type Buffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	head     int
	count    int
}

// New creates a new log buffer with the specified capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Buffer{
		entries:  make([]LogEntry, capacity),
		capacity: capacity,
	}
}

// Add adds a log entry to the buffer.
func (b *Buffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}
}

// Write implements io.Writer so the buffer can be attached to zerolog as an
// additional writer. Each write is expected to be one JSON log line.
func (b *Buffer) Write(p []byte) (int, error) {
	entry := parseLine(p)
	b.Add(entry)
	return len(p), nil
}

// GetAll returns all log entries in chronological order.
func (b *Buffer) GetAll() []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]LogEntry, b.count)
	if b.count == 0 {
		return result
	}

	start := 0
	if b.count == b.capacity {
		start = b.head
	}

	for i := 0; i < b.count; i++ {
		idx := (start + i) % b.capacity
		result[i] = b.entries[idx]
	}

	return result
}

// Recent returns up to n newest entries, newest last.
func (b *Buffer) Recent(n int) []LogEntry {
	all := b.GetAll()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Len reports the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

func parseLine(p []byte) LogEntry {
	raw := strings.TrimRight(string(p), "\n")
	entry := LogEntry{Timestamp: time.Now(), Raw: raw}

	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		entry.Message = raw
		return entry
	}

	if level, ok := fields["level"].(string); ok {
		entry.Level = level
		delete(fields, "level")
	}
	if msg, ok := fields["message"].(string); ok {
		entry.Message = msg
		delete(fields, "message")
	}
	if component, ok := fields["component"].(string); ok {
		entry.Component = component
		delete(fields, "component")
	}
	if ts, ok := fields["time"].(float64); ok {
		entry.Timestamp = time.Unix(int64(ts), 0)
		delete(fields, "time")
	}
	entry.Fields = fields
	return entry
}
