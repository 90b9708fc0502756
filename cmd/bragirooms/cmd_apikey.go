/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/bragi_rooms/internal/auth"
	"github.com/friendsincode/bragi_rooms/internal/db"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key",
	Long:  "Create an API key directly in the database. Use this to bootstrap the first admin key.",
	RunE:  runAPIKeyCreate,
}

var (
	apikeyUserID     string
	apikeyName       string
	apikeyRoles      []string
	apikeyExpireDays int
)

func init() {
	rootCmd.AddCommand(apikeyCmd)
	apikeyCmd.AddCommand(apikeyCreateCmd)

	apikeyCreateCmd.Flags().StringVar(&apikeyUserID, "user", "", "User ID the key belongs to (required)")
	apikeyCreateCmd.Flags().StringVar(&apikeyName, "name", "cli", "Key name")
	apikeyCreateCmd.Flags().StringSliceVar(&apikeyRoles, "roles", []string{"admin"}, "Roles granted to the key")
	apikeyCreateCmd.Flags().IntVar(&apikeyExpireDays, "expires-days", 365, "Days until the key expires")
	apikeyCreateCmd.MarkFlagRequired("user")
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() { _ = db.Close(database) }()

	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	plaintext, key, err := auth.GenerateAPIKey(apikeyUserID, apikeyName, apikeyRoles, time.Duration(apikeyExpireDays)*24*time.Hour)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := database.Create(key).Error; err != nil {
		return fmt.Errorf("store key: %w", err)
	}

	fmt.Printf("API key created for user %s\n", apikeyUserID)
	fmt.Printf("  ID:      %s\n", key.ID)
	fmt.Printf("  Roles:   %s\n", key.Roles)
	fmt.Printf("  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println("Store this key now, it is shown only once:")
	fmt.Printf("  %s\n", plaintext)
	return nil
}
