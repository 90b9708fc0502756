/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/friendsincode/bragi_rooms/internal/db"
	"github.com/friendsincode/bragi_rooms/internal/eventbus"
	"github.com/friendsincode/bragi_rooms/internal/scheduler"
)

var fallbackCmd = &cobra.Command{
	Use:   "fallback",
	Short: "Manage room fallback playlists",
}

var fallbackLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load a fallback playlist into a room",
	Long:  "Replace a room's fallback playlist with the tracks from a YAML file",
	RunE:  runFallbackLoad,
}

var (
	fallbackRoomID string
	fallbackFile   string
)

// fallbackPlaylist is the on-disk playlist format.
type fallbackPlaylist struct {
	Tracks []scheduler.FallbackTrack `yaml:"tracks"`
}

func init() {
	rootCmd.AddCommand(fallbackCmd)
	fallbackCmd.AddCommand(fallbackLoadCmd)

	fallbackLoadCmd.Flags().StringVar(&fallbackRoomID, "room", "", "Room ID to load the playlist into (required)")
	fallbackLoadCmd.Flags().StringVar(&fallbackFile, "file", "", "Path to the playlist YAML file (required)")
	fallbackLoadCmd.MarkFlagRequired("room")
	fallbackLoadCmd.MarkFlagRequired("file")
}

func runFallbackLoad(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	raw, err := os.ReadFile(fallbackFile)
	if err != nil {
		return fmt.Errorf("read playlist: %w", err)
	}

	var playlist fallbackPlaylist
	if err := yaml.Unmarshal(raw, &playlist); err != nil {
		return fmt.Errorf("parse playlist: %w", err)
	}
	if len(playlist.Tracks) == 0 {
		return fmt.Errorf("playlist %s contains no tracks", fallbackFile)
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() { _ = db.Close(database) }()

	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	sched := scheduler.New(database, eventbus.NewMemoryBus(), nil, nil, logger)
	loaded, err := sched.LoadFallback(context.Background(), fallbackRoomID, playlist.Tracks)
	if err != nil {
		return fmt.Errorf("load fallback: %w", err)
	}

	logger.Info().
		Str("room_id", fallbackRoomID).
		Int("tracks", loaded).
		Msg("fallback playlist loaded")
	return nil
}
