/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler implements the collaborative listening-room core:
// fairness-ordered admission, per-user quotas and mutes, the room playback
// state machine, the fallback ring, play history, and reaction tallies.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/bragi_rooms/internal/catalog"
	"github.com/friendsincode/bragi_rooms/internal/events"
	"github.com/friendsincode/bragi_rooms/internal/models"
	"github.com/friendsincode/bragi_rooms/internal/telemetry"
)

// Publisher is the event bus surface the scheduler needs.
type Publisher interface {
	Publish(eventType events.EventType, payload events.Payload)
}

// RoomCache is the read-model cache the scheduler serves hot reads from.
// Implemented by cache.Cache; a nil value disables caching.
type RoomCache interface {
	GetRoomList(ctx context.Context, dest any) bool
	SetRoomList(ctx context.Context, rooms any)
	GetRoomState(ctx context.Context, roomID string, dest any) bool
	SetRoomState(ctx context.Context, roomID string, state any)
	GetQueue(ctx context.Context, roomID string, dest any) bool
	SetQueue(ctx context.Context, roomID string, items any)
	GetHistory(ctx context.Context, roomID string, dest any) bool
	SetHistory(ctx context.Context, roomID string, rows any)
	InvalidateRoom(ctx context.Context, roomID string)
	InvalidateRoomList(ctx context.Context)
}

// Service orchestrates all room mutations. Every mutation serializes on the
// room's lock; different rooms proceed in parallel.
type Service struct {
	db     *gorm.DB
	bus    Publisher
	lookup catalog.Lookup
	cache  RoomCache
	logger zerolog.Logger
	locks  *roomLocks
	now    func() time.Time
}

// New creates a scheduler service. bus, lookup, and roomCache may be nil.
func New(db *gorm.DB, bus Publisher, lookup catalog.Lookup, roomCache RoomCache, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		lookup: lookup,
		cache:  roomCache,
		logger: logger.With().Str("component", "scheduler").Logger(),
		locks:  newRoomLocks(),
		now:    time.Now,
	}
}

// TrackSummary is the projection of a track returned from operations.
type TrackSummary struct {
	TrackID       string            `json:"track_id"`
	Source        models.SourceType `json:"source"`
	SourceRef     string            `json:"source_ref"`
	Title         string            `json:"title"`
	Author        string            `json:"author"`
	ThumbnailURL  string            `json:"thumbnail_url,omitempty"`
	DurationSec   *int              `json:"duration_sec,omitempty"`
	ContributorID *string           `json:"contributor_id,omitempty"`
	Dedication    string            `json:"dedication,omitempty"`
	LikeCount     int               `json:"like_count"`
	DislikeCount  int               `json:"dislike_count"`
}

func summarize(t *models.Track) *TrackSummary {
	return &TrackSummary{
		TrackID:       t.ID,
		Source:        t.Source,
		SourceRef:     t.SourceRef,
		Title:         t.Title,
		Author:        t.Author,
		ThumbnailURL:  t.ThumbnailURL,
		DurationSec:   t.DurationSec,
		ContributorID: t.ContributorID,
		Dedication:    t.Dedication,
		LikeCount:     t.LikeCount,
		DislikeCount:  t.DislikeCount,
	}
}

// SubmissionResult reports what happened to a submitted track.
type SubmissionResult struct {
	TrackID        string `json:"track_id"`
	Position       int    `json:"position,omitempty"`
	StartedPlaying bool   `json:"started_playing"`
}

// AdvanceSource identifies which source filled the playing slot.
type AdvanceSource string

const (
	AdvanceQueue    AdvanceSource = "queue"
	AdvanceFallback AdvanceSource = "fallback"
	AdvanceNone     AdvanceSource = "none"
)

// AdvanceResult reports the outcome of an advance.
type AdvanceResult struct {
	NowPlaying *TrackSummary `json:"now_playing"`
	Source     AdvanceSource `json:"source"`
}

// ReactionResult carries the recomputed tallies after a reaction toggle.
type ReactionResult struct {
	LikeCount    int `json:"like_count"`
	DislikeCount int `json:"dislike_count"`
}

// RoomStatus is the derived state-machine state.
type RoomStatus string

const (
	StatusIdle    RoomStatus = "idle"
	StatusPlaying RoomStatus = "playing"
	StatusPaused  RoomStatus = "paused"
)

// StateResult is the playback snapshot for a room.
type StateResult struct {
	RoomID      string        `json:"room_id"`
	Status      RoomStatus    `json:"status"`
	NowPlaying  *TrackSummary `json:"now_playing,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	QueueLength int           `json:"queue_length"`
	UpdatedBy   string        `json:"updated_by,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Submit validates and admits a track submission. The catalog lookup runs
// before the room lock is taken so a slow catalog cannot stall other
// submissions to the same room; lookup failure degrades to placeholder
// metadata and never fails the submission.
func (s *Service) Submit(ctx context.Context, roomID, contributorID, sourceRef, dedication string) (*SubmissionResult, error) {
	ref, err := catalog.ParseRef(sourceRef)
	if err != nil {
		telemetry.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return nil, errInvalidReference(sourceRef, err)
	}

	meta := catalog.ResolveOrPlaceholder(ctx, s.lookup, ref, s.logger)

	unlock := s.locks.acquire(roomID)
	defer unlock()

	var result SubmissionResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.loadRoom(tx, roomID)
		if err != nil {
			return err
		}

		now := s.now()
		quota, err := s.loadOrCreateQuota(tx, roomID, contributorID, now)
		if err != nil {
			return err
		}

		if quota.Muted {
			remaining := quota.MuteRemaining(now)
			if remaining > 0 {
				return errContributorMuted(remaining)
			}
			// Expired mute clears as a side effect before continuing.
			quota.Muted = false
			quota.MuteExpiresAt = nil
			if err := tx.Save(quota).Error; err != nil {
				return errStorage(err)
			}
		}

		if quota.QueuedCount >= room.MaxPerContributor {
			return errQuotaExceeded(room.MaxPerContributor)
		}

		track := models.Track{
			ID:            uuid.NewString(),
			RoomID:        roomID,
			Source:        ref.Source,
			SourceRef:     ref.ID,
			Title:         meta.Title,
			Author:        meta.Author,
			ThumbnailURL:  meta.ThumbnailURL,
			DurationSec:   meta.DurationSec,
			ContributorID: &contributorID,
			Dedication:    dedication,
			CreatedAt:     now,
		}
		if err := tx.Create(&track).Error; err != nil {
			return errStorage(err)
		}

		state, err := s.loadState(tx, roomID)
		if err != nil {
			return err
		}

		// First-in-when-idle plays immediately; same when the room sits
		// paused. The track never touches the queue, so the queued count
		// stays untouched.
		if state == nil || state.CurrentTrackID == nil || state.Paused {
			if err := s.startTrack(tx, roomID, &track, contributorID, now); err != nil {
				return err
			}
			quota.TotalPlays++
			if err := tx.Save(quota).Error; err != nil {
				return errStorage(err)
			}
			result = SubmissionResult{TrackID: track.ID, StartedPlaying: true}
			return nil
		}

		position, err := s.insertFair(tx, roomID, contributorID, track.ID, now)
		if err != nil {
			return err
		}
		quota.QueuedCount++
		if err := tx.Save(quota).Error; err != nil {
			return errStorage(err)
		}
		result = SubmissionResult{TrackID: track.ID, Position: position}
		return nil
	})
	if txErr != nil {
		telemetry.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return nil, asSchedulerError(txErr)
	}

	s.invalidate(ctx, roomID)

	if result.StartedPlaying {
		telemetry.SubmissionsTotal.WithLabelValues("started").Inc()
		s.publish(events.EventNowPlaying, events.Payload{
			"room_id":  roomID,
			"track_id": result.TrackID,
			"source":   string(AdvanceQueue),
		})
	} else {
		telemetry.SubmissionsTotal.WithLabelValues("queued").Inc()
		s.publish(events.EventTrackQueued, events.Payload{
			"room_id":  roomID,
			"track_id": result.TrackID,
			"position": result.Position,
		})
	}
	s.publish(events.EventAuditTrackSubmit, events.Payload{
		"room_id":  roomID,
		"user_id":  contributorID,
		"track_id": result.TrackID,
	})
	s.observeQueueDepth(ctx, roomID)

	return &result, nil
}

// Advance vacates the playing slot and promotes the next track: the queue
// head if one exists, otherwise the fallback ring head, otherwise the room
// goes idle. Rooms are never implicitly created here.
func (s *Service) Advance(ctx context.Context, roomID, requesterID string) (*AdvanceResult, error) {
	unlock := s.locks.acquire(roomID)
	defer unlock()

	var result AdvanceResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.loadRoom(tx, roomID)
		if err != nil {
			return err
		}
		state, err := s.loadState(tx, roomID)
		if err != nil {
			return err
		}
		if state == nil {
			return errNotFound("room state")
		}

		now := s.now()

		// Queue head first.
		var head models.QueueEntry
		err = tx.Where("room_id = ?", roomID).Order("position ASC").First(&head).Error
		switch {
		case err == nil:
			track, err := s.loadTrack(tx, head.TrackID)
			if err != nil {
				return err
			}
			if err := tx.Delete(&models.QueueEntry{}, "id = ?", head.ID).Error; err != nil {
				return errStorage(err)
			}
			if err := s.renumberQueue(tx, roomID); err != nil {
				return err
			}
			if err := s.adjustQuotaAfterPlay(tx, roomID, head.ContributorID, now); err != nil {
				return err
			}
			if err := s.startTrack(tx, roomID, track, requesterID, now); err != nil {
				return err
			}
			result = AdvanceResult{NowPlaying: summarize(track), Source: AdvanceQueue}
			return nil

		case errors.Is(err, gorm.ErrRecordNotFound):
			// Fall through to the fallback ring.
		default:
			return errStorage(err)
		}

		if room.FallbackEnabled {
			entry, err := s.rotateFallback(tx, roomID, now)
			if err != nil {
				return err
			}
			if entry != nil {
				track, err := s.loadTrack(tx, entry.TrackID)
				if err != nil {
					return err
				}
				if err := s.startTrack(tx, roomID, track, requesterID, now); err != nil {
					return err
				}
				result = AdvanceResult{NowPlaying: summarize(track), Source: AdvanceFallback}
				return nil
			}
		}

		// Nothing to play: go idle.
		state.CurrentTrackID = nil
		state.Source = ""
		state.SourceRef = ""
		state.Paused = false
		state.StartedAt = nil
		state.UpdatedBy = requesterID
		state.UpdatedAt = now
		if err := tx.Save(state).Error; err != nil {
			return errStorage(err)
		}
		result = AdvanceResult{Source: AdvanceNone}
		return nil
	})
	if txErr != nil {
		return nil, asSchedulerError(txErr)
	}

	s.invalidate(ctx, roomID)
	telemetry.AdvancesTotal.WithLabelValues(string(result.Source)).Inc()

	if result.NowPlaying != nil {
		s.publish(events.EventNowPlaying, events.Payload{
			"room_id":  roomID,
			"track_id": result.NowPlaying.TrackID,
			"source":   string(result.Source),
		})
	} else {
		s.publish(events.EventRoomIdle, events.Payload{"room_id": roomID})
	}
	s.publish(events.EventAuditAdvance, events.Payload{
		"room_id": roomID,
		"user_id": requesterID,
		"source":  string(result.Source),
	})
	s.observeQueueDepth(ctx, roomID)

	return &result, nil
}

// Remove deletes a still-queued entry. Only the original contributor or a
// moderator may remove it; the playing slot is vacated only via Advance.
func (s *Service) Remove(ctx context.Context, roomID, trackID, requesterID string, moderator bool) error {
	unlock := s.locks.acquire(roomID)
	defer unlock()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadRoom(tx, roomID); err != nil {
			return err
		}

		var entry models.QueueEntry
		err := tx.Where("room_id = ? AND track_id = ?", roomID, trackID).First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errNotFound("queued track")
		}
		if err != nil {
			return errStorage(err)
		}

		if entry.ContributorID != requesterID && !moderator {
			return errForbidden("only the contributor or a moderator may remove a queued track")
		}

		if err := tx.Delete(&models.QueueEntry{}, "id = ?", entry.ID).Error; err != nil {
			return errStorage(err)
		}
		if err := s.renumberQueue(tx, roomID); err != nil {
			return err
		}

		return s.decrementQueued(tx, roomID, entry.ContributorID, s.now())
	})
	if txErr != nil {
		return asSchedulerError(txErr)
	}

	s.invalidate(ctx, roomID)
	s.publish(events.EventTrackRemoved, events.Payload{
		"room_id":  roomID,
		"track_id": trackID,
		"user_id":  requesterID,
	})
	s.publish(events.EventAuditTrackRemove, events.Payload{
		"room_id":  roomID,
		"user_id":  requesterID,
		"track_id": trackID,
	})
	s.observeQueueDepth(ctx, roomID)

	return nil
}

// React applies an idempotent reaction toggle: same kind removes, different
// kind replaces, none creates. Tallies are recomputed from the reaction rows
// in the same transaction so concurrent toggles cannot drift the counts.
func (s *Service) React(ctx context.Context, roomID, trackID, userID string, kind models.ReactionKind) (*ReactionResult, error) {
	if kind != models.ReactionLike && kind != models.ReactionDislike {
		return nil, &Error{Code: CodeInvalidReference, Message: "unknown reaction kind"}
	}

	unlock := s.locks.acquire(roomID)
	defer unlock()

	var result ReactionResult
	effect := "set"
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		track, err := s.loadTrack(tx, trackID)
		if err != nil {
			return err
		}
		if track.RoomID != roomID {
			return errNotFound("track")
		}

		var existing models.Reaction
		err = tx.Where("track_id = ? AND user_id = ?", trackID, userID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			reaction := models.Reaction{
				ID:      uuid.NewString(),
				RoomID:  roomID,
				TrackID: trackID,
				UserID:  userID,
				Kind:    kind,
			}
			if err := tx.Create(&reaction).Error; err != nil {
				return errStorage(err)
			}
		case err != nil:
			return errStorage(err)
		case existing.Kind == kind:
			effect = "cleared"
			if err := tx.Delete(&models.Reaction{}, "id = ?", existing.ID).Error; err != nil {
				return errStorage(err)
			}
		default:
			effect = "replaced"
			existing.Kind = kind
			if err := tx.Save(&existing).Error; err != nil {
				return errStorage(err)
			}
		}

		likes, dislikes, err := s.countReactions(tx, trackID)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.Track{}).Where("id = ?", trackID).
			Updates(map[string]any{"like_count": likes, "dislike_count": dislikes}).Error; err != nil {
			return errStorage(err)
		}

		result = ReactionResult{LikeCount: likes, DislikeCount: dislikes}
		return nil
	})
	if txErr != nil {
		return nil, asSchedulerError(txErr)
	}

	s.invalidate(ctx, roomID)
	telemetry.ReactionsTotal.WithLabelValues(string(kind), effect).Inc()
	s.publish(events.EventReaction, events.Payload{
		"room_id":       roomID,
		"track_id":      trackID,
		"user_id":       userID,
		"kind":          string(kind),
		"effect":        effect,
		"like_count":    result.LikeCount,
		"dislike_count": result.DislikeCount,
	})

	return &result, nil
}

// Pause marks the current track paused without changing it.
func (s *Service) Pause(ctx context.Context, roomID, userID string) error {
	return s.setPaused(ctx, roomID, userID, true)
}

// Resume clears the paused flag.
func (s *Service) Resume(ctx context.Context, roomID, userID string) error {
	return s.setPaused(ctx, roomID, userID, false)
}

func (s *Service) setPaused(ctx context.Context, roomID, userID string, paused bool) error {
	unlock := s.locks.acquire(roomID)
	defer unlock()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := s.loadState(tx, roomID)
		if err != nil {
			return err
		}
		if state == nil || state.CurrentTrackID == nil {
			return errNotFound("playing track")
		}
		state.Paused = paused
		state.UpdatedBy = userID
		state.UpdatedAt = s.now()
		if err := tx.Save(state).Error; err != nil {
			return errStorage(err)
		}
		return nil
	})
	if txErr != nil {
		return asSchedulerError(txErr)
	}

	s.invalidate(ctx, roomID)
	if paused {
		s.publish(events.EventRoomPaused, events.Payload{"room_id": roomID, "user_id": userID})
		s.publish(events.EventAuditPlaybackPause, events.Payload{"room_id": roomID, "user_id": userID})
	} else {
		s.publish(events.EventRoomResumed, events.Payload{"room_id": roomID, "user_id": userID})
	}
	return nil
}

// GetState returns the playback snapshot for a room. Reads go through the
// cache when one is wired.
func (s *Service) GetState(ctx context.Context, roomID string) (*StateResult, error) {
	if s.cache != nil {
		var cached StateResult
		if s.cache.GetRoomState(ctx, roomID, &cached) {
			return &cached, nil
		}
	}

	var result StateResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadRoom(tx, roomID); err != nil {
			return err
		}
		state, err := s.loadState(tx, roomID)
		if err != nil {
			return err
		}

		queueLen, err := s.queueLength(tx, roomID)
		if err != nil {
			return err
		}

		result = StateResult{RoomID: roomID, Status: StatusIdle, QueueLength: queueLen}
		if state == nil || state.CurrentTrackID == nil {
			if state != nil {
				result.UpdatedBy = state.UpdatedBy
				result.UpdatedAt = state.UpdatedAt
			}
			return nil
		}

		track, err := s.loadTrack(tx, *state.CurrentTrackID)
		if err != nil {
			return err
		}
		result.NowPlaying = summarize(track)
		result.StartedAt = state.StartedAt
		result.UpdatedBy = state.UpdatedBy
		result.UpdatedAt = state.UpdatedAt
		if state.Paused {
			result.Status = StatusPaused
		} else {
			result.Status = StatusPlaying
		}
		return nil
	})
	if txErr != nil {
		return nil, asSchedulerError(txErr)
	}
	if s.cache != nil {
		s.cache.SetRoomState(ctx, roomID, &result)
	}
	return &result, nil
}

// GetQueue returns the pending entries ordered by position.
func (s *Service) GetQueue(ctx context.Context, roomID string) ([]QueueItem, error) {
	if s.cache != nil {
		var cached []QueueItem
		if s.cache.GetQueue(ctx, roomID, &cached) {
			return cached, nil
		}
	}

	var items []QueueItem
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadRoom(tx, roomID); err != nil {
			return err
		}
		entries, err := s.loadQueue(tx, roomID)
		if err != nil {
			return err
		}
		items = make([]QueueItem, 0, len(entries))
		for _, entry := range entries {
			track, err := s.loadTrack(tx, entry.TrackID)
			if err != nil {
				return err
			}
			items = append(items, QueueItem{
				Position:     entry.Position,
				FairnessRank: entry.FairnessRank,
				Track:        *summarize(track),
			})
		}
		return nil
	})
	if txErr != nil {
		return nil, asSchedulerError(txErr)
	}
	if s.cache != nil {
		s.cache.SetQueue(ctx, roomID, items)
	}
	return items, nil
}

// QueueItem pairs a queue slot with its track projection.
type QueueItem struct {
	Position     int          `json:"position"`
	FairnessRank int          `json:"fairness_rank"`
	Track        TrackSummary `json:"track"`
}

// GetHistory returns the most recent plays, newest first. limit defaults
// to 50 and is clamped to 200.
func (s *Service) GetHistory(ctx context.Context, roomID string, limit int) ([]models.PlayHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	if s.cache != nil {
		var cached []models.PlayHistory
		if s.cache.GetHistory(ctx, roomID, &cached) {
			if len(cached) > limit {
				cached = cached[:limit]
			}
			return cached, nil
		}
	}

	// Fetch the full cacheable window so one snapshot serves any limit.
	var rows []models.PlayHistory
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("started_at DESC").
		Limit(200).
		Find(&rows).Error
	if err != nil {
		return nil, errStorage(err)
	}

	if s.cache != nil {
		s.cache.SetHistory(ctx, roomID, rows)
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// Mute silences a contributor for the given duration; zero uses the room's
// configured policy.
func (s *Service) Mute(ctx context.Context, roomID, userID string, duration time.Duration, byUser string) error {
	unlock := s.locks.acquire(roomID)
	defer unlock()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.loadRoom(tx, roomID)
		if err != nil {
			return err
		}
		now := s.now()
		quota, err := s.loadOrCreateQuota(tx, roomID, userID, now)
		if err != nil {
			return err
		}
		if duration <= 0 {
			duration = room.MuteDuration
		}
		expiry := now.Add(duration)
		quota.Muted = true
		quota.MuteExpiresAt = &expiry
		if err := tx.Save(quota).Error; err != nil {
			return errStorage(err)
		}
		return nil
	})
	if txErr != nil {
		return asSchedulerError(txErr)
	}

	s.publish(events.EventMuteSet, events.Payload{"room_id": roomID, "user_id": userID, "by": byUser})
	s.publish(events.EventAuditMute, events.Payload{"room_id": roomID, "user_id": byUser, "target": userID})
	return nil
}

// Unmute clears a contributor's mute immediately.
func (s *Service) Unmute(ctx context.Context, roomID, userID, byUser string) error {
	unlock := s.locks.acquire(roomID)
	defer unlock()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadRoom(tx, roomID); err != nil {
			return err
		}
		quota, err := s.loadOrCreateQuota(tx, roomID, userID, s.now())
		if err != nil {
			return err
		}
		quota.Muted = false
		quota.MuteExpiresAt = nil
		return wrapStorage(tx.Save(quota).Error)
	})
	if txErr != nil {
		return asSchedulerError(txErr)
	}

	s.publish(events.EventMuteCleared, events.Payload{"room_id": roomID, "user_id": userID, "by": byUser})
	s.publish(events.EventAuditUnmute, events.Payload{"room_id": roomID, "user_id": byUser, "target": userID})
	return nil
}

// ---- internals ----

// insertFair computes the new entry's fairness rank, inserts it after the
// last entry whose rank is not greater, and renumbers positions densely.
// Must run inside the room lock.
func (s *Service) insertFair(tx *gorm.DB, roomID, contributorID, trackID string, now time.Time) (int, error) {
	entries, err := s.loadQueue(tx, roomID)
	if err != nil {
		return 0, err
	}

	rank := 1
	for _, entry := range entries {
		if entry.ContributorID == contributorID {
			rank++
		}
	}

	// Scan from the tail backward for the last entry with rank <= ours.
	// No such entry means ours is the lowest rank and goes to the front.
	insertAfter := -1
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].FairnessRank <= rank {
			insertAfter = i
			break
		}
	}

	newEntry := models.QueueEntry{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		TrackID:       trackID,
		FairnessRank:  rank,
		ContributorID: contributorID,
		CreatedAt:     now,
	}

	ordered := make([]models.QueueEntry, 0, len(entries)+1)
	ordered = append(ordered, entries[:insertAfter+1]...)
	ordered = append(ordered, newEntry)
	ordered = append(ordered, entries[insertAfter+1:]...)

	position := 0
	for i := range ordered {
		ordered[i].Position = i + 1
		if ordered[i].ID == newEntry.ID {
			position = ordered[i].Position
			if err := tx.Create(&ordered[i]).Error; err != nil {
				return 0, errStorage(err)
			}
			continue
		}
		if err := tx.Model(&models.QueueEntry{}).Where("id = ?", ordered[i].ID).
			Update("position", ordered[i].Position).Error; err != nil {
			return 0, errStorage(err)
		}
	}

	return position, nil
}

// renumberQueue rewrites positions densely from 1, preserving order.
func (s *Service) renumberQueue(tx *gorm.DB, roomID string) error {
	entries, err := s.loadQueue(tx, roomID)
	if err != nil {
		return err
	}
	for i, entry := range entries {
		if entry.Position == i+1 {
			continue
		}
		if err := tx.Model(&models.QueueEntry{}).Where("id = ?", entry.ID).
			Update("position", i+1).Error; err != nil {
			return errStorage(err)
		}
	}
	return nil
}

// rotateFallback promotes the ring head and moves it to the tail. Returns
// nil when the ring is empty.
func (s *Service) rotateFallback(tx *gorm.DB, roomID string, now time.Time) (*models.FallbackEntry, error) {
	var entries []models.FallbackEntry
	if err := tx.Where("room_id = ?", roomID).Order("position ASC").Find(&entries).Error; err != nil {
		return nil, errStorage(err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	head := entries[0]
	for i := 1; i < len(entries); i++ {
		if err := tx.Model(&models.FallbackEntry{}).Where("id = ?", entries[i].ID).
			Update("position", i).Error; err != nil {
			return nil, errStorage(err)
		}
	}
	if err := tx.Model(&models.FallbackEntry{}).Where("id = ?", head.ID).
		Updates(map[string]any{"position": len(entries), "updated_at": now}).Error; err != nil {
		return nil, errStorage(err)
	}

	return &head, nil
}

// startTrack transitions the room to PLAYING and appends the history row.
func (s *Service) startTrack(tx *gorm.DB, roomID string, track *models.Track, updatedBy string, now time.Time) error {
	state := models.RoomState{
		RoomID:         roomID,
		CurrentTrackID: &track.ID,
		Source:         track.Source,
		SourceRef:      track.SourceRef,
		Paused:         false,
		StartedAt:      &now,
		UpdatedBy:      updatedBy,
		UpdatedAt:      now,
	}
	// Upsert: the state row is created lazily on first submission.
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&state).Error; err != nil {
		return errStorage(err)
	}

	history := models.PlayHistory{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		TrackID:       track.ID,
		Title:         track.Title,
		Author:        track.Author,
		Source:        track.Source,
		ContributorID: track.ContributorID,
		DurationSec:   track.DurationSec,
		StartedAt:     now,
	}
	return wrapStorage(tx.Create(&history).Error)
}

func (s *Service) adjustQuotaAfterPlay(tx *gorm.DB, roomID, contributorID string, now time.Time) error {
	quota, err := s.loadOrCreateQuota(tx, roomID, contributorID, now)
	if err != nil {
		return err
	}
	if quota.QueuedCount > 0 {
		quota.QueuedCount--
	}
	quota.TotalPlays++
	return wrapStorage(tx.Save(quota).Error)
}

func (s *Service) decrementQueued(tx *gorm.DB, roomID, contributorID string, now time.Time) error {
	quota, err := s.loadOrCreateQuota(tx, roomID, contributorID, now)
	if err != nil {
		return err
	}
	if quota.QueuedCount > 0 {
		quota.QueuedCount--
	}
	return wrapStorage(tx.Save(quota).Error)
}

func (s *Service) loadRoom(tx *gorm.DB, roomID string) (*models.Room, error) {
	var room models.Room
	err := tx.First(&room, "id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound("room")
	}
	if err != nil {
		return nil, errStorage(err)
	}
	return &room, nil
}

func (s *Service) loadTrack(tx *gorm.DB, trackID string) (*models.Track, error) {
	var track models.Track
	err := tx.First(&track, "id = ?", trackID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound("track")
	}
	if err != nil {
		return nil, errStorage(err)
	}
	return &track, nil
}

// loadState returns nil when the room state row has not been created yet.
func (s *Service) loadState(tx *gorm.DB, roomID string) (*models.RoomState, error) {
	var state models.RoomState
	err := tx.First(&state, "room_id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errStorage(err)
	}
	return &state, nil
}

func (s *Service) loadOrCreateQuota(tx *gorm.DB, roomID, userID string, now time.Time) (*models.UserQuota, error) {
	var quota models.UserQuota
	err := tx.Where("room_id = ? AND user_id = ?", roomID, userID).First(&quota).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		quota = models.UserQuota{
			ID:        uuid.NewString(),
			RoomID:    roomID,
			UserID:    userID,
			CreatedAt: now,
		}
		if err := tx.Create(&quota).Error; err != nil {
			return nil, errStorage(err)
		}
		return &quota, nil
	}
	if err != nil {
		return nil, errStorage(err)
	}
	return &quota, nil
}

func (s *Service) loadQueue(tx *gorm.DB, roomID string) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	if err := tx.Where("room_id = ?", roomID).Order("position ASC").Find(&entries).Error; err != nil {
		return nil, errStorage(err)
	}
	return entries, nil
}

func (s *Service) queueLength(tx *gorm.DB, roomID string) (int, error) {
	var count int64
	if err := tx.Model(&models.QueueEntry{}).Where("room_id = ?", roomID).Count(&count).Error; err != nil {
		return 0, errStorage(err)
	}
	return int(count), nil
}

func (s *Service) countReactions(tx *gorm.DB, trackID string) (likes, dislikes int, err error) {
	var likeCount, dislikeCount int64
	if err := tx.Model(&models.Reaction{}).
		Where("track_id = ? AND kind = ?", trackID, models.ReactionLike).
		Count(&likeCount).Error; err != nil {
		return 0, 0, errStorage(err)
	}
	if err := tx.Model(&models.Reaction{}).
		Where("track_id = ? AND kind = ?", trackID, models.ReactionDislike).
		Count(&dislikeCount).Error; err != nil {
		return 0, 0, errStorage(err)
	}
	return int(likeCount), int(dislikeCount), nil
}

func (s *Service) publish(eventType events.EventType, payload events.Payload) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventType, payload)
}

func (s *Service) invalidate(ctx context.Context, roomID string) {
	if s.cache == nil {
		return
	}
	s.cache.InvalidateRoom(ctx, roomID)
}

func (s *Service) observeQueueDepth(ctx context.Context, roomID string) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("room_id = ?", roomID).Count(&count).Error; err != nil {
		return
	}
	telemetry.QueueDepth.WithLabelValues(roomID).Set(float64(count))
}

func wrapStorage(err error) error {
	if err == nil {
		return nil
	}
	return errStorage(err)
}

// asSchedulerError passes typed errors through and wraps everything else as
// a transient storage failure.
func asSchedulerError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	return errStorage(err)
}
