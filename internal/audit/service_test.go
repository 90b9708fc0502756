package audit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi_rooms/internal/events"
	"github.com/friendsincode/bragi_rooms/internal/models"
)

func newTestService(t *testing.T) (*Service, *events.Bus) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.AuditLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := events.NewBus()
	return NewService(db, bus, zerolog.Nop()), bus
}

func waitForLogs(t *testing.T, svc *Service, want int) []models.AuditLog {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		logs, total, err := svc.Query(context.Background(), QueryFilters{})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if int(total) >= want {
			return logs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d audit entries", want)
	return nil
}

func TestStartRecordsBusEvents(t *testing.T) {
	svc, bus := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)

	// Give the subscriptions a moment to attach.
	time.Sleep(50 * time.Millisecond)

	bus.Publish(events.EventAuditTrackSubmit, events.Payload{
		"room_id":  "r1",
		"user_id":  "alice",
		"track_id": "t1",
	})

	logs := waitForLogs(t, svc, 1)
	entry := logs[0]
	if entry.Action != string(events.EventAuditTrackSubmit) {
		t.Fatalf("unexpected action: %s", entry.Action)
	}
	if entry.RoomID != "r1" || entry.UserID != "alice" {
		t.Fatalf("identifiers not extracted: %+v", entry)
	}
	if entry.Detail == "" {
		t.Fatal("expected extra payload recorded in detail")
	}
}

func TestQueryFilters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	entries := []models.AuditLog{
		{Action: "audit.track.submit", RoomID: "r1", UserID: "alice"},
		{Action: "audit.track.submit", RoomID: "r2", UserID: "bob"},
		{Action: "audit.mute", RoomID: "r1", UserID: "mod"},
	}
	for i := range entries {
		if err := svc.Log(ctx, &entries[i]); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	roomID := "r1"
	logs, total, err := svc.Query(ctx, QueryFilters{RoomID: &roomID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 2 || len(logs) != 2 {
		t.Fatalf("expected 2 entries for r1, got total=%d len=%d", total, len(logs))
	}

	action := "audit.mute"
	logs, total, err = svc.Query(ctx, QueryFilters{RoomID: &roomID, Action: &action})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 1 || logs[0].UserID != "mod" {
		t.Fatalf("unexpected filtered result: total=%d %+v", total, logs)
	}
}
