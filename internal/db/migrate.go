/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/friendsincode/bragi_rooms/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		// Platform-level models
		&models.APIKey{},
		&models.AuditLog{},

		// Room-level models
		&models.Room{},
		&models.RoomState{},
		&models.Track{},
		&models.QueueEntry{},
		&models.FallbackEntry{},
		&models.UserQuota{},
		&models.PlayHistory{},
		&models.Reaction{},
	); err != nil {
		return err
	}

	if err := applyPostgresQueuePositionGuard(database); err != nil {
		return err
	}
	if err := normalizeLegacyReactionKinds(database); err != nil {
		return err
	}

	return nil
}

// applyPostgresQueuePositionGuard enforces contiguous positive positions at
// the database level. Other backends rely on the scheduler's renumber pass.
func applyPostgresQueuePositionGuard(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	stmt := `
CREATE OR REPLACE FUNCTION prevent_invalid_queue_position()
RETURNS trigger
LANGUAGE plpgsql
AS $$
BEGIN
  IF NEW.position < 1 THEN
    RAISE EXCEPTION 'queue position must be positive'
      USING ERRCODE = '23514';
  END IF;

  IF EXISTS (
    SELECT 1
    FROM queue_entries qe
    WHERE qe.room_id = NEW.room_id
      AND qe.id <> NEW.id
      AND qe.position = NEW.position
  ) THEN
    RAISE EXCEPTION 'duplicate queue position % in room %', NEW.position, NEW.room_id
      USING ERRCODE = '23514';
  END IF;

  RETURN NEW;
END;
$$;

DROP TRIGGER IF EXISTS trg_prevent_invalid_queue_position ON queue_entries;

CREATE CONSTRAINT TRIGGER trg_prevent_invalid_queue_position
AFTER INSERT OR UPDATE OF room_id, position
ON queue_entries
DEFERRABLE INITIALLY DEFERRED
FOR EACH ROW
EXECUTE FUNCTION prevent_invalid_queue_position();
`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply postgres queue position guard: %w", err)
	}

	return nil
}

// normalizeLegacyReactionKinds folds older stored kinds into the current
// like/dislike vocabulary.
func normalizeLegacyReactionKinds(database *gorm.DB) error {
	if err := database.Exec("UPDATE reactions SET kind = ? WHERE LOWER(TRIM(kind)) IN ?", models.ReactionLike, []string{"up", "upvote", "like"}).Error; err != nil {
		return fmt.Errorf("normalize legacy like reactions: %w", err)
	}
	if err := database.Exec("UPDATE reactions SET kind = ? WHERE LOWER(TRIM(kind)) IN ?", models.ReactionDislike, []string{"down", "downvote", "dislike"}).Error; err != nil {
		return fmt.Errorf("normalize legacy dislike reactions: %w", err)
	}
	return nil
}
