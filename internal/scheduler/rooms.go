/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi_rooms/internal/catalog"
	"github.com/friendsincode/bragi_rooms/internal/events"
	"github.com/friendsincode/bragi_rooms/internal/models"
)

// RoomParams configures a new room. Zero values fall back to the
// server-level defaults supplied at creation time.
type RoomParams struct {
	Name              string
	Description       string
	MaxPerContributor int
	FallbackEnabled   *bool
	MuteDuration      time.Duration
}

// RoomDefaults carries the configured defaults applied to new rooms.
type RoomDefaults struct {
	MaxPerContributor int
	FallbackEnabled   bool
	MuteDuration      time.Duration
}

// CreateRoom creates a room with its policy fields resolved against the
// given defaults.
func (s *Service) CreateRoom(ctx context.Context, params RoomParams, defaults RoomDefaults) (*models.Room, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, &Error{Code: CodeInvalidReference, Message: "room name is required"}
	}

	room := models.Room{
		ID:                uuid.NewString(),
		Name:              name,
		Description:       params.Description,
		MaxPerContributor: params.MaxPerContributor,
		FallbackEnabled:   defaults.FallbackEnabled,
		MuteDuration:      params.MuteDuration,
	}
	if room.MaxPerContributor <= 0 {
		room.MaxPerContributor = defaults.MaxPerContributor
	}
	if params.FallbackEnabled != nil {
		room.FallbackEnabled = *params.FallbackEnabled
	}
	if room.MuteDuration <= 0 {
		room.MuteDuration = defaults.MuteDuration
	}

	if err := s.db.WithContext(ctx).Create(&room).Error; err != nil {
		return nil, errStorage(err)
	}

	if s.cache != nil {
		s.cache.InvalidateRoomList(ctx)
	}
	s.publish(events.EventRoomCreated, events.Payload{"room_id": room.ID, "name": room.Name})
	s.publish(events.EventAuditRoomCreate, events.Payload{"room_id": room.ID, "name": room.Name})

	return &room, nil
}

// GetRoom loads a single room.
func (s *Service) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	err := s.db.WithContext(ctx).First(&room, "id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound("room")
	}
	if err != nil {
		return nil, errStorage(err)
	}
	return &room, nil
}

// ListRooms returns all rooms ordered by name.
func (s *Service) ListRooms(ctx context.Context) ([]models.Room, error) {
	if s.cache != nil {
		var cached []models.Room
		if s.cache.GetRoomList(ctx, &cached) {
			return cached, nil
		}
	}

	var rooms []models.Room
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&rooms).Error; err != nil {
		return nil, errStorage(err)
	}

	if s.cache != nil {
		s.cache.SetRoomList(ctx, rooms)
	}
	return rooms, nil
}

// FallbackTrack describes one house-playlist slot to load.
type FallbackTrack struct {
	SourceRef   string `yaml:"source_ref" json:"source_ref"`
	Title       string `yaml:"title" json:"title"`
	Author      string `yaml:"author" json:"author"`
	DurationSec *int   `yaml:"duration_sec" json:"duration_sec,omitempty"`
}

// LoadFallback replaces a room's fallback ring with the given tracks in
// order. Track rows are created with a nil contributor so fallback plays are
// attributable as house plays.
func (s *Service) LoadFallback(ctx context.Context, roomID string, tracks []FallbackTrack) (int, error) {
	unlock := s.locks.acquire(roomID)
	defer unlock()

	var loaded int
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadRoom(tx, roomID); err != nil {
			return err
		}

		if err := tx.Where("room_id = ?", roomID).Delete(&models.FallbackEntry{}).Error; err != nil {
			return errStorage(err)
		}

		now := s.now()
		for i, ft := range tracks {
			ref, err := catalog.ParseRef(ft.SourceRef)
			if err != nil {
				return errInvalidReference(ft.SourceRef, err)
			}
			title := ft.Title
			if title == "" {
				title = catalog.Placeholder(ref).Title
			}

			track := models.Track{
				ID:          uuid.NewString(),
				RoomID:      roomID,
				Source:      models.SourceFallback,
				SourceRef:   ref.ID,
				Title:       title,
				Author:      ft.Author,
				DurationSec: ft.DurationSec,
				CreatedAt:   now,
			}
			if err := tx.Create(&track).Error; err != nil {
				return errStorage(err)
			}

			entry := models.FallbackEntry{
				ID:        uuid.NewString(),
				RoomID:    roomID,
				TrackID:   track.ID,
				Position:  i + 1,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return errStorage(err)
			}
			loaded++
		}
		return nil
	})
	if txErr != nil {
		return 0, asSchedulerError(txErr)
	}

	s.invalidate(ctx, roomID)
	s.publish(events.EventAuditFallbackLoad, events.Payload{"room_id": roomID, "count": loaded})

	return loaded, nil
}

// GetFallback returns the fallback ring in play order.
func (s *Service) GetFallback(ctx context.Context, roomID string) ([]QueueItem, error) {
	var items []QueueItem
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadRoom(tx, roomID); err != nil {
			return err
		}
		var entries []models.FallbackEntry
		if err := tx.Where("room_id = ?", roomID).Order("position ASC").Find(&entries).Error; err != nil {
			return errStorage(err)
		}
		items = make([]QueueItem, 0, len(entries))
		for _, entry := range entries {
			track, err := s.loadTrack(tx, entry.TrackID)
			if err != nil {
				return err
			}
			items = append(items, QueueItem{Position: entry.Position, Track: *summarize(track)})
		}
		return nil
	})
	if txErr != nil {
		return nil, asSchedulerError(txErr)
	}
	return items, nil
}

// GetQuota returns the admission counters for a (room, user) pair.
func (s *Service) GetQuota(ctx context.Context, roomID, userID string) (*models.UserQuota, error) {
	var quota models.UserQuota
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		First(&quota).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound("quota")
	}
	if err != nil {
		return nil, errStorage(err)
	}
	return &quota, nil
}
