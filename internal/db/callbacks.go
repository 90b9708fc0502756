/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"time"

	"github.com/friendsincode/bragi_rooms/internal/telemetry"
	"gorm.io/gorm"
)

const _startTime = "gorm:start_time"

// RegisterCallbacks registers telemetry callbacks for GORM operations.
func RegisterCallbacks(db *gorm.DB) error {
	registrations := []func() error{
		func() error {
			return db.Callback().Query().Before("gorm:query").Register("telemetry:before_query", beforeCallback)
		},
		func() error {
			return db.Callback().Query().After("gorm:query").Register("telemetry:after_query", afterCallback("query"))
		},
		func() error {
			return db.Callback().Create().Before("gorm:create").Register("telemetry:before_create", beforeCallback)
		},
		func() error {
			return db.Callback().Create().After("gorm:create").Register("telemetry:after_create", afterCallback("create"))
		},
		func() error {
			return db.Callback().Update().Before("gorm:update").Register("telemetry:before_update", beforeCallback)
		},
		func() error {
			return db.Callback().Update().After("gorm:update").Register("telemetry:after_update", afterCallback("update"))
		},
		func() error {
			return db.Callback().Delete().Before("gorm:delete").Register("telemetry:before_delete", beforeCallback)
		},
		func() error {
			return db.Callback().Delete().After("gorm:delete").Register("telemetry:after_delete", afterCallback("delete"))
		},
	}

	for _, register := range registrations {
		if err := register(); err != nil {
			return err
		}
	}

	return nil
}

func beforeCallback(db *gorm.DB) {
	db.InstanceSet(_startTime, time.Now())
}

func afterCallback(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		startValue, exists := db.InstanceGet(_startTime)
		if !exists {
			return
		}
		start, ok := startValue.(time.Time)
		if !ok {
			return
		}

		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}

		telemetry.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())

		if db.Error != nil && db.Error != gorm.ErrRecordNotFound {
			telemetry.DatabaseErrorsTotal.WithLabelValues(operation, "query_error").Inc()
		}
	}
}

// UpdateConnectionMetrics refreshes pool gauges. Called periodically by the
// server's background worker.
func UpdateConnectionMetrics(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	telemetry.DatabaseConnectionsActive.Set(float64(sqlDB.Stats().OpenConnections))
}
