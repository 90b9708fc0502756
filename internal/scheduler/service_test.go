package scheduler

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

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Room{},
		&models.RoomState{},
		&models.Track{},
		&models.QueueEntry{},
		&models.FallbackEntry{},
		&models.UserQuota{},
		&models.PlayHistory{},
		&models.Reaction{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	return New(db, events.NewBus(), nil, nil, zerolog.Nop())
}

func seedRoom(t *testing.T, s *Service, fallbackEnabled bool) *models.Room {
	t.Helper()

	enabled := fallbackEnabled
	room, err := s.CreateRoom(context.Background(), RoomParams{
		Name:            "test-room-" + t.Name(),
		FallbackEnabled: &enabled,
	}, RoomDefaults{
		MaxPerContributor: 3,
		FallbackEnabled:   true,
		MuteDuration:      10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func seedFallback(t *testing.T, s *Service, roomID string, refs ...string) {
	t.Helper()

	tracks := make([]FallbackTrack, 0, len(refs))
	for _, ref := range refs {
		tracks = append(tracks, FallbackTrack{SourceRef: ref, Title: "house " + ref})
	}
	if _, err := s.LoadFallback(context.Background(), roomID, tracks); err != nil {
		t.Fatalf("load fallback: %v", err)
	}
}

func queuePositions(t *testing.T, s *Service, roomID string) []models.QueueEntry {
	t.Helper()

	var entries []models.QueueEntry
	if err := s.db.Where("room_id = ?", roomID).Order("position ASC").Find(&entries).Error; err != nil {
		t.Fatalf("load queue: %v", err)
	}
	return entries
}

func assertDensePositions(t *testing.T, entries []models.QueueEntry) {
	t.Helper()

	for i, entry := range entries {
		if entry.Position != i+1 {
			t.Fatalf("positions not dense: index %d has position %d", i, entry.Position)
		}
	}
}

func assertQuotaConsistent(t *testing.T, s *Service, roomID string) {
	t.Helper()

	var quotas []models.UserQuota
	if err := s.db.Where("room_id = ?", roomID).Find(&quotas).Error; err != nil {
		t.Fatalf("load quotas: %v", err)
	}
	for _, quota := range quotas {
		var live int64
		if err := s.db.Model(&models.QueueEntry{}).
			Where("room_id = ? AND contributor_id = ?", roomID, quota.UserID).
			Count(&live).Error; err != nil {
			t.Fatalf("count entries: %v", err)
		}
		if int64(quota.QueuedCount) != live {
			t.Fatalf("quota drift for user %s: tracked=%d live=%d", quota.UserID, quota.QueuedCount, live)
		}
	}
}

func TestSubmit_AutoStartWhenIdle(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)
	ctx := context.Background()

	res, err := s.Submit(ctx, room.ID, "u1", "video:t1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.StartedPlaying {
		t.Fatalf("expected started_playing=true for idle room")
	}

	if entries := queuePositions(t, s, room.ID); len(entries) != 0 {
		t.Fatalf("expected empty queue after auto-start, got %d entries", len(entries))
	}

	state, err := s.GetState(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Status != StatusPlaying {
		t.Fatalf("expected playing status, got %s", state.Status)
	}
	if state.NowPlaying == nil || state.NowPlaying.TrackID != res.TrackID {
		t.Fatalf("expected submitted track to be current")
	}

	history, err := s.GetHistory(ctx, room.ID, 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 1 || history[0].TrackID != res.TrackID {
		t.Fatalf("expected one history row for the auto-started track")
	}

	quota, err := s.GetQuota(ctx, room.ID, "u1")
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if quota.QueuedCount != 0 || quota.TotalPlays != 1 {
		t.Fatalf("expected queued=0 plays=1, got queued=%d plays=%d", quota.QueuedCount, quota.TotalPlays)
	}
}

func TestSubmit_InvalidReference(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)

	tests := []string{"", "no-separator", "video:", "spotify:abc"}
	for _, ref := range tests {
		if _, err := s.Submit(context.Background(), room.ID, "u1", ref, ""); !IsCode(err, CodeInvalidReference) {
			t.Fatalf("ref %q: expected invalid_reference, got %v", ref, err)
		}
	}
}

func TestSubmit_RoomNotFound(t *testing.T) {
	s := newTestService(t)
	if _, err := s.Submit(context.Background(), "missing-room", "u1", "video:t1", ""); !IsCode(err, CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestSubmit_QuotaExceeded(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)
	ctx := context.Background()

	// First submission occupies the playing slot without counting toward
	// the queue quota; the next three fill the quota.
	for i, ref := range []string{"video:t0", "video:t1", "video:t2", "video:t3"} {
		if _, err := s.Submit(ctx, room.ID, "u1", ref, ""); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	_, err := s.Submit(ctx, room.ID, "u1", "video:t4", "")
	schedErr, ok := AsError(err)
	if !ok || schedErr.Code != CodeQuotaExceeded {
		t.Fatalf("expected quota_exceeded, got %v", err)
	}
	if schedErr.QuotaCap != 3 {
		t.Fatalf("expected cap 3 in error, got %d", schedErr.QuotaCap)
	}

	assertQuotaConsistent(t, s, room.ID)
}

func TestFairness_SingleSubmissionNotStarved(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)
	ctx := context.Background()

	// Occupy the playing slot so later submissions stay queued.
	if _, err := s.Submit(ctx, room.ID, "warmup", "video:w", ""); err != nil {
		t.Fatalf("warmup submit: %v", err)
	}

	for _, ref := range []string{"video:a1", "video:a2", "video:a3"} {
		if _, err := s.Submit(ctx, room.ID, "alice", ref, ""); err != nil {
			t.Fatalf("alice submit: %v", err)
		}
	}
	res, err := s.Submit(ctx, room.ID, "bob", "video:b1", "")
	if err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	if res.Position > 2 {
		t.Fatalf("bob's single track must not be pushed behind all of alice's: got position %d", res.Position)
	}

	entries := queuePositions(t, s, room.ID)
	if len(entries) != 4 {
		t.Fatalf("expected 4 queued entries, got %d", len(entries))
	}
	assertDensePositions(t, entries)

	// Ranks must be non-decreasing front to back.
	for i := 1; i < len(entries); i++ {
		if entries[i].FairnessRank < entries[i-1].FairnessRank {
			t.Fatalf("fairness ranks out of order at position %d", entries[i].Position)
		}
	}

	assertQuotaConsistent(t, s, room.ID)
}

func TestFairness_EqualRankPreservesArrivalOrder(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)
	ctx := context.Background()

	if _, err := s.Submit(ctx, room.ID, "warmup", "video:w", ""); err != nil {
		t.Fatalf("warmup submit: %v", err)
	}

	a1, _ := s.Submit(ctx, room.ID, "alice", "video:a1", "")
	b1, _ := s.Submit(ctx, room.ID, "bob", "video:b1", "")
	c1, _ := s.Submit(ctx, room.ID, "carol", "video:c1", "")

	entries := queuePositions(t, s, room.ID)
	order := []string{a1.TrackID, b1.TrackID, c1.TrackID}
	for i, want := range order {
		if entries[i].TrackID != want {
			t.Fatalf("equal-rank arrival order broken at position %d", i+1)
		}
	}
}

func TestRemove(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)
	ctx := context.Background()

	if _, err := s.Submit(ctx, room.ID, "warmup", "video:w", ""); err != nil {
		t.Fatalf("warmup submit: %v", err)
	}
	r1, _ := s.Submit(ctx, room.ID, "alice", "video:a1", "")
	r2, _ := s.Submit(ctx, room.ID, "alice", "video:a2", "")
	r3, _ := s.Submit(ctx, room.ID, "bob", "video:b1", "")

	// A stranger cannot remove someone else's entry.
	if err := s.Remove(ctx, room.ID, r1.TrackID, "mallory", false); !IsCode(err, CodeForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	// The contributor can remove their own entry.
	if err := s.Remove(ctx, room.ID, r1.TrackID, "alice", false); err != nil {
		t.Fatalf("Remove by contributor: %v", err)
	}

	// A moderator can remove anyone's entry.
	if err := s.Remove(ctx, room.ID, r3.TrackID, "mod", true); err != nil {
		t.Fatalf("Remove by moderator: %v", err)
	}

	// Removing a track that is not queued fails with not_found.
	if err := s.Remove(ctx, room.ID, r1.TrackID, "alice", false); !IsCode(err, CodeNotFound) {
		t.Fatalf("expected not_found for already-removed track, got %v", err)
	}

	entries := queuePositions(t, s, room.ID)
	if len(entries) != 1 || entries[0].TrackID != r2.TrackID {
		t.Fatalf("expected only alice's second track to remain queued")
	}
	assertDensePositions(t, entries)
	assertQuotaConsistent(t, s, room.ID)
}

func TestAdvance_PopsQueueHead(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)
	ctx := context.Background()

	first, _ := s.Submit(ctx, room.ID, "alice", "video:a1", "")
	second, _ := s.Submit(ctx, room.ID, "bob", "video:b1", "")

	res, err := s.Advance(ctx, room.ID, "system")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Source != AdvanceQueue {
		t.Fatalf("expected queue source, got %s", res.Source)
	}
	if res.NowPlaying == nil || res.NowPlaying.TrackID != second.TrackID {
		t.Fatalf("expected bob's queued track to play after %s", first.TrackID)
	}

	quota, err := s.GetQuota(ctx, room.ID, "bob")
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if quota.QueuedCount != 0 || quota.TotalPlays != 1 {
		t.Fatalf("expected queued=0 plays=1 for bob, got queued=%d plays=%d", quota.QueuedCount, quota.TotalPlays)
	}
	assertQuotaConsistent(t, s, room.ID)
}

func TestAdvance_MissingStateNotFound(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, true)

	// No submission yet, so no state row exists and Advance must not
	// create one implicitly.
	if _, err := s.Advance(context.Background(), room.ID, "system"); !IsCode(err, CodeNotFound) {
		t.Fatalf("expected not_found for room without state, got %v", err)
	}
}

func TestAdvance_GoesIdleWhenNothingToPlay(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)
	ctx := context.Background()

	if _, err := s.Submit(ctx, room.ID, "u1", "video:t1", ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res, err := s.Advance(ctx, room.ID, "system")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Source != AdvanceNone || res.NowPlaying != nil {
		t.Fatalf("expected none/nil, got %s/%v", res.Source, res.NowPlaying)
	}

	state, err := s.GetState(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Status != StatusIdle {
		t.Fatalf("expected idle, got %s", state.Status)
	}
}

func TestScenario_FallbackRingCycles(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, true)
	ctx := context.Background()
	seedFallback(t, s, room.ID, "video:f1", "video:f2")

	// Idle room: U1's submission starts immediately, queue stays empty.
	sub, err := s.Submit(ctx, room.ID, "u1", "video:t1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !sub.StartedPlaying {
		t.Fatalf("expected auto-start")
	}
	if entries := queuePositions(t, s, room.ID); len(entries) != 0 {
		t.Fatalf("expected empty queue")
	}

	// First advance: fallback F1 plays, F2 stays in the ring.
	adv1, err := s.Advance(ctx, room.ID, "system")
	if err != nil {
		t.Fatalf("Advance 1: %v", err)
	}
	if adv1.Source != AdvanceFallback {
		t.Fatalf("expected fallback source, got %s", adv1.Source)
	}
	if adv1.NowPlaying.SourceRef != "f1" {
		t.Fatalf("expected f1 first, got %s", adv1.NowPlaying.SourceRef)
	}

	history, err := s.GetHistory(ctx, room.ID, 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected history [T1, F1], got %d rows", len(history))
	}

	// Second advance: F2 plays, ring rotated F1 to the tail.
	adv2, err := s.Advance(ctx, room.ID, "system")
	if err != nil {
		t.Fatalf("Advance 2: %v", err)
	}
	if adv2.NowPlaying.SourceRef != "f2" {
		t.Fatalf("expected f2 second, got %s", adv2.NowPlaying.SourceRef)
	}

	// Third advance: back to F1. The ring never depletes.
	adv3, err := s.Advance(ctx, room.ID, "system")
	if err != nil {
		t.Fatalf("Advance 3: %v", err)
	}
	if adv3.Source != AdvanceFallback || adv3.NowPlaying.SourceRef != "f1" {
		t.Fatalf("expected ring to cycle back to f1, got %s/%s", adv3.Source, adv3.NowPlaying.SourceRef)
	}
}

func TestAdvance_QueueBeatsFallback(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, true)
	ctx := context.Background()
	seedFallback(t, s, room.ID, "video:f1")

	if _, err := s.Submit(ctx, room.ID, "u1", "video:t1", ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	queued, err := s.Submit(ctx, room.ID, "u2", "video:t2", "")
	if err != nil {
		t.Fatalf("Submit queued: %v", err)
	}

	res, err := s.Advance(ctx, room.ID, "system")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Source != AdvanceQueue || res.NowPlaying.TrackID != queued.TrackID {
		t.Fatalf("queued track must win over fallback, got %s", res.Source)
	}
}

func TestMuteExpiry(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)
	ctx := context.Background()

	base := time.Now()
	current := base
	s.now = func() time.Time { return current }

	if err := s.Mute(ctx, room.ID, "u1", 10*time.Minute, "mod"); err != nil {
		t.Fatalf("Mute: %v", err)
	}

	_, err := s.Submit(ctx, room.ID, "u1", "video:t1", "")
	schedErr, ok := AsError(err)
	if !ok || schedErr.Code != CodeContributorMuted {
		t.Fatalf("expected contributor_muted, got %v", err)
	}
	if schedErr.MuteRemaining <= 0 {
		t.Fatalf("expected positive remaining mute duration")
	}

	// Past the expiry the mute clears lazily on the next submit.
	current = base.Add(11 * time.Minute)
	if _, err := s.Submit(ctx, room.ID, "u1", "video:t1", ""); err != nil {
		t.Fatalf("Submit after expiry: %v", err)
	}

	quota, err := s.GetQuota(ctx, room.ID, "u1")
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if quota.Muted {
		t.Fatalf("expected mute cleared after expiry")
	}
}

func TestUnmute(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)
	ctx := context.Background()

	if err := s.Mute(ctx, room.ID, "u1", time.Hour, "mod"); err != nil {
		t.Fatalf("Mute: %v", err)
	}
	if err := s.Unmute(ctx, room.ID, "u1", "mod"); err != nil {
		t.Fatalf("Unmute: %v", err)
	}
	if _, err := s.Submit(ctx, room.ID, "u1", "video:t1", ""); err != nil {
		t.Fatalf("Submit after unmute: %v", err)
	}
}

func TestReact_IdempotentToggle(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)
	ctx := context.Background()

	sub, err := s.Submit(ctx, room.ID, "u1", "video:t1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// like once → 1
	res, err := s.React(ctx, room.ID, sub.TrackID, "u2", models.ReactionLike)
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if res.LikeCount != 1 || res.DislikeCount != 0 {
		t.Fatalf("expected 1/0, got %d/%d", res.LikeCount, res.DislikeCount)
	}

	// like again → un-react → 0
	res, err = s.React(ctx, room.ID, sub.TrackID, "u2", models.ReactionLike)
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if res.LikeCount != 0 {
		t.Fatalf("like twice must equal zero likes, got %d", res.LikeCount)
	}

	// like then dislike → replace
	if _, err := s.React(ctx, room.ID, sub.TrackID, "u2", models.ReactionLike); err != nil {
		t.Fatalf("React: %v", err)
	}
	res, err = s.React(ctx, room.ID, sub.TrackID, "u2", models.ReactionDislike)
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if res.LikeCount != 0 || res.DislikeCount != 1 {
		t.Fatalf("expected replace to yield 0/1, got %d/%d", res.LikeCount, res.DislikeCount)
	}

	// Counters on the track row match the recomputed tallies.
	var track models.Track
	if err := s.db.First(&track, "id = ?", sub.TrackID).Error; err != nil {
		t.Fatalf("load track: %v", err)
	}
	if track.LikeCount != 0 || track.DislikeCount != 1 {
		t.Fatalf("track counters drifted: %d/%d", track.LikeCount, track.DislikeCount)
	}
}

func TestReact_UnknownTrack(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)

	if _, err := s.React(context.Background(), room.ID, "missing", "u1", models.ReactionLike); !IsCode(err, CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)
	ctx := context.Background()

	// Pausing an idle room fails.
	if err := s.Pause(ctx, room.ID, "u1"); !IsCode(err, CodeNotFound) {
		t.Fatalf("expected not_found pausing idle room, got %v", err)
	}

	first, err := s.Submit(ctx, room.ID, "u1", "video:t1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Pause(ctx, room.ID, "u1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	state, err := s.GetState(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Status != StatusPaused {
		t.Fatalf("expected paused, got %s", state.Status)
	}
	if state.NowPlaying.TrackID != first.TrackID {
		t.Fatalf("pause must not change the current track")
	}

	// Submitting to a paused room starts the new track immediately.
	sub, err := s.Submit(ctx, room.ID, "u2", "video:t2", "")
	if err != nil {
		t.Fatalf("Submit to paused room: %v", err)
	}
	if !sub.StartedPlaying {
		t.Fatalf("expected submission to a paused room to start playing")
	}

	if err := s.Resume(ctx, room.ID, "u2"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	state, _ = s.GetState(ctx, room.ID)
	if state.Status != StatusPlaying {
		t.Fatalf("expected playing after resume, got %s", state.Status)
	}
}

func TestDensityAfterMixedOperations(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)
	ctx := context.Background()

	if _, err := s.Submit(ctx, room.ID, "warmup", "video:w", ""); err != nil {
		t.Fatalf("warmup submit: %v", err)
	}

	subs := make([]*SubmissionResult, 0)
	for _, pair := range []struct{ user, ref string }{
		{"alice", "video:a1"}, {"bob", "video:b1"}, {"alice", "video:a2"},
		{"carol", "video:c1"}, {"bob", "video:b2"}, {"alice", "video:a3"},
	} {
		res, err := s.Submit(ctx, room.ID, pair.user, pair.ref, "")
		if err != nil {
			t.Fatalf("submit %s: %v", pair.ref, err)
		}
		subs = append(subs, res)
	}

	if err := s.Remove(ctx, room.ID, subs[2].TrackID, "alice", false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Advance(ctx, room.ID, "system"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := s.Remove(ctx, room.ID, subs[4].TrackID, "mod", true); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	entries := queuePositions(t, s, room.ID)
	assertDensePositions(t, entries)
	assertQuotaConsistent(t, s, room.ID)
}

func TestGetQueue(t *testing.T) {
	s := newTestService(t)
	room := seedRoom(t, s, false)
	ctx := context.Background()

	if _, err := s.Submit(ctx, room.ID, "u1", "video:w", ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.Submit(ctx, room.ID, "u2", "video:q1", "dedicated to the night shift"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	items, err := s.GetQueue(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetQueue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 queued item, got %d", len(items))
	}
	if items[0].Position != 1 || items[0].Track.Dedication != "dedicated to the night shift" {
		t.Fatalf("unexpected queue item: %+v", items[0])
	}
}
