/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return database
}

func TestRegisterCallbacks(t *testing.T) {
	database := openTestDB(t)

	if err := RegisterCallbacks(database); err != nil {
		t.Fatalf("register callbacks: %v", err)
	}

	// All four CRUD processors carry both hooks after registration.
	checks := []struct {
		name   string
		lookup func(string) func(*gorm.DB)
	}{
		{"telemetry:before_query", database.Callback().Query().Get},
		{"telemetry:after_query", database.Callback().Query().Get},
		{"telemetry:before_create", database.Callback().Create().Get},
		{"telemetry:after_create", database.Callback().Create().Get},
		{"telemetry:before_update", database.Callback().Update().Get},
		{"telemetry:after_update", database.Callback().Update().Get},
		{"telemetry:before_delete", database.Callback().Delete().Get},
		{"telemetry:after_delete", database.Callback().Delete().Get},
	}
	for _, check := range checks {
		if check.lookup(check.name) == nil {
			t.Errorf("callback %s not registered", check.name)
		}
	}
}

func TestRegisteredCallbacksObserveQueries(t *testing.T) {
	type widget struct {
		ID   string `gorm:"primaryKey"`
		Name string
	}

	database := openTestDB(t)
	if err := database.AutoMigrate(&widget{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := RegisterCallbacks(database); err != nil {
		t.Fatalf("register callbacks: %v", err)
	}

	// Exercise create and query paths through the instrumented callbacks.
	if err := database.Create(&widget{ID: "w1", Name: "one"}).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	var got widget
	if err := database.First(&got, "id = ?", "w1").Error; err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Name != "one" {
		t.Fatalf("expected name one, got %s", got.Name)
	}
}
