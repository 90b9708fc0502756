/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi_rooms/internal/events"
	"github.com/friendsincode/bragi_rooms/internal/models"
)

// Subscribable is the bus surface the audit service consumes.
type Subscribable interface {
	Subscribe(eventType events.EventType) events.Subscriber
	Unsubscribe(eventType events.EventType, sub events.Subscriber)
}

// Service handles audit logging by subscribing to events and storing audit entries.
type Service struct {
	db     *gorm.DB
	bus    Subscribable
	logger zerolog.Logger
}

// NewService creates a new audit service.
func NewService(db *gorm.DB, bus Subscribable, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// auditedEvents maps bus events to the action recorded for them.
var auditedEvents = []events.EventType{
	events.EventAuditAPIKeyCreate,
	events.EventAuditAPIKeyRevoke,
	events.EventAuditRoomCreate,
	events.EventAuditTrackSubmit,
	events.EventAuditTrackRemove,
	events.EventAuditAdvance,
	events.EventAuditMute,
	events.EventAuditUnmute,
	events.EventAuditFallbackLoad,
	events.EventAuditPlaybackPause,
}

// Start subscribes to audit events and records them until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("audit service starting")

	type subscription struct {
		eventType events.EventType
		ch        events.Subscriber
	}
	subs := make([]subscription, 0, len(auditedEvents))
	for _, et := range auditedEvents {
		subs = append(subs, subscription{eventType: et, ch: s.bus.Subscribe(et)})
	}
	defer func() {
		for _, sub := range subs {
			s.bus.Unsubscribe(sub.eventType, sub.ch)
		}
	}()

	// Fan the per-type channels into one so a single loop drains them all.
	merged := make(chan struct {
		action  string
		payload events.Payload
	}, 64)
	for _, sub := range subs {
		go func(sub subscription) {
			for payload := range sub.ch {
				select {
				case merged <- struct {
					action  string
					payload events.Payload
				}{action: string(sub.eventType), payload: payload}:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}

	s.logger.Info().Msg("audit service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("audit service stopping")
			return
		case entry := <-merged:
			s.logAuditEntry(ctx, entry.action, entry.payload)
		}
	}
}

func (s *Service) logAuditEntry(ctx context.Context, action string, payload events.Payload) {
	entry := &models.AuditLog{
		ID:     uuid.NewString(),
		Action: action,
	}

	if roomID, ok := payload["room_id"].(string); ok {
		entry.RoomID = roomID
	}
	if userID, ok := payload["user_id"].(string); ok {
		entry.UserID = userID
	}

	detail := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "room_id" || k == "user_id" {
			continue
		}
		detail[k] = v
	}
	if len(detail) > 0 {
		if data, err := json.Marshal(detail); err == nil {
			entry.Detail = string(data)
		}
	}

	if err := s.Log(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("failed to log audit entry")
	}
}

// Log records an audit entry directly (for non-event-bus actions).
func (s *Service) Log(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}

	s.logger.Debug().
		Str("action", entry.Action).
		Str("id", entry.ID).
		Msg("audit entry logged")

	return nil
}

// QueryFilters defines filters for querying audit logs.
type QueryFilters struct {
	RoomID    *string
	UserID    *string
	Action    *string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Query retrieves audit logs with filters, most recent first.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.AuditLog, int64, error) {
	var logs []models.AuditLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})

	if filters.RoomID != nil {
		query = query.Where("room_id = ?", *filters.RoomID)
	}
	if filters.UserID != nil {
		query = query.Where("user_id = ?", *filters.UserID)
	}
	if filters.Action != nil {
		query = query.Where("action = ?", *filters.Action)
	}
	if filters.StartTime != nil {
		query = query.Where("created_at >= ?", *filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("created_at <= ?", *filters.EndTime)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	} else {
		query = query.Limit(100)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	if err := query.Order("created_at DESC").Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}
