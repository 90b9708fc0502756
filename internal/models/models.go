package models

import (
	"strings"
	"time"
)

// RoleName enumerates the RBAC roles.
type RoleName string

const (
	RoleAdmin     RoleName = "admin"
	RoleModerator RoleName = "moderator"
	RoleListener  RoleName = "listener"
)

// SourceType identifies where a track reference points.
type SourceType string

const (
	SourceVideo    SourceType = "video"
	SourceURL      SourceType = "url"
	SourceFallback SourceType = "fallback"
)

// ReactionKind enumerates reaction values.
type ReactionKind string

const (
	ReactionLike    ReactionKind = "like"
	ReactionDislike ReactionKind = "dislike"
)

// Room is an isolated listening session with its own queue, fallback ring,
// and playback state. Policy fields are read by the scheduler, never mutated.
type Room struct {
	ID                string `gorm:"type:uuid;primaryKey"`
	Name              string `gorm:"uniqueIndex"`
	Description       string `gorm:"type:text"`
	MaxPerContributor int
	FallbackEnabled   bool
	MuteDuration      time.Duration
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Track is an immutable submission record. Like/dislike counts are derived
// aggregates recomputed from the Reaction set, never incremented in place.
type Track struct {
	ID            string     `gorm:"type:uuid;primaryKey"`
	RoomID        string     `gorm:"type:uuid;index"`
	Source        SourceType `gorm:"type:varchar(16)"`
	SourceRef     string     `gorm:"index"`
	Title         string
	Author        string
	ThumbnailURL  string
	DurationSec   *int
	ContributorID *string `gorm:"type:uuid;index"` // nil for fallback tracks
	Dedication    string  `gorm:"type:text"`
	LikeCount     int
	DislikeCount  int
	CreatedAt     time.Time
}

// QueueEntry is a pending, not-yet-played submission. Positions within a room
// are dense, starting at 1; FairnessRank is the contributor's per-submission
// ordinal used for round-robin interleaving.
type QueueEntry struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	RoomID        string `gorm:"type:uuid;index:idx_queue_room_position"`
	TrackID       string `gorm:"type:uuid;uniqueIndex"`
	Position      int    `gorm:"index:idx_queue_room_position"`
	FairnessRank  int
	ContributorID string `gorm:"type:uuid;index"`
	CreatedAt     time.Time
}

// FallbackEntry is one slot of the per-room house playlist ring. Consuming an
// entry rotates it to the tail rather than deleting it.
type FallbackEntry struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	RoomID    string `gorm:"type:uuid;index:idx_fallback_room_position"`
	TrackID   string `gorm:"type:uuid;index"`
	Position  int    `gorm:"index:idx_fallback_room_position"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoomState is the authoritative now-playing record, one row per room.
// CurrentTrackID nil means the room is idle.
type RoomState struct {
	RoomID         string     `gorm:"type:uuid;primaryKey"`
	CurrentTrackID *string    `gorm:"type:uuid"`
	Source         SourceType `gorm:"type:varchar(16)"`
	SourceRef      string
	Paused         bool
	StartedAt      *time.Time
	UpdatedBy      string `gorm:"type:uuid"`
	UpdatedAt      time.Time
}

// UserQuota tracks per (room, user) admission counters and mute state.
// QueuedCount must equal the live QueueEntry count for the pair.
type UserQuota struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	RoomID        string `gorm:"type:uuid;uniqueIndex:ux_quota_room_user"`
	UserID        string `gorm:"type:uuid;uniqueIndex:ux_quota_room_user"`
	QueuedCount   int
	TotalPlays    int
	Muted         bool
	MuteExpiresAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MuteRemaining reports how long a mute still applies at the given instant.
// Zero means the mute is inactive or already expired.
func (q UserQuota) MuteRemaining(now time.Time) time.Duration {
	if !q.Muted || q.MuteExpiresAt == nil {
		return 0
	}
	remaining := q.MuteExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PlayHistory stores one row per track that started playing. Append-only;
// the scheduler never mutates or deletes rows.
type PlayHistory struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	RoomID        string `gorm:"type:uuid;index"`
	TrackID       string `gorm:"type:uuid"`
	Title         string
	Author        string
	Source        SourceType `gorm:"type:varchar(16)"`
	ContributorID *string    `gorm:"type:uuid"` // nil for fallback plays
	DurationSec   *int
	StartedAt     time.Time `gorm:"index"`
}

// Reaction is at most one per (room, track, user).
type Reaction struct {
	ID        string       `gorm:"type:uuid;primaryKey"`
	RoomID    string       `gorm:"type:uuid;index"`
	TrackID   string       `gorm:"type:uuid;uniqueIndex:ux_reaction_track_user"`
	UserID    string       `gorm:"type:uuid;uniqueIndex:ux_reaction_track_user"`
	Kind      ReactionKind `gorm:"type:varchar(16)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// APIKey stores hashed API credentials for service callers.
type APIKey struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	UserID     string `gorm:"type:uuid;index"`
	Name       string
	KeyHash    string `gorm:"uniqueIndex"`
	KeyPrefix  string
	Roles      string `gorm:"type:varchar(128)"` // comma-separated RoleName values
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsRevoked reports whether the key has been revoked.
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// IsExpired reports whether the key is past its expiry.
func (k *APIKey) IsExpired() bool {
	return !k.ExpiresAt.IsZero() && time.Now().After(k.ExpiresAt)
}

// RoleList splits the stored comma-separated roles.
func (k *APIKey) RoleList() []string {
	if k.Roles == "" {
		return nil
	}
	parts := strings.Split(k.Roles, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// AuditLog records moderation and administrative actions.
type AuditLog struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	Action    string    `gorm:"type:varchar(64);index"`
	RoomID    string    `gorm:"type:uuid;index"`
	UserID    string    `gorm:"type:uuid;index"`
	Detail    string    `gorm:"type:text"` // JSON-encoded event payload
	CreatedAt time.Time `gorm:"index"`
}
