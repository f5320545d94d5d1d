package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/oriys/parallax/internal/domain"
)

var _ Persistence = (*MemoryStore)(nil)
var _ Persistence = (*PostgresStore)(nil)

func testMemoryStore() (*MemoryStore, *time.Time) {
	s := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

func testAnchor(id, sessionID string, pos [3]float64) *domain.Anchor {
	return &domain.Anchor{
		ID:            id,
		SessionID:     sessionID,
		UserID:        "u1",
		Position:      pos,
		Rotation:      [4]float64{0, 0, 0, 1},
		Confidence:    0.9,
		TrackingState: domain.TrackingActive,
		AnchorType:    domain.AnchorPersistent,
	}
}

func TestAnchorRoundTrip(t *testing.T) {
	s, _ := testMemoryStore()
	ctx := context.Background()

	in := testAnchor("a1", "sess-1", [3]float64{1, 2, 3})
	in.Metadata = map[string]any{"label": "door"}
	if err := s.InsertAnchor(ctx, in); err != nil {
		t.Fatalf("InsertAnchor: %v", err)
	}

	got, err := s.GetAnchor(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAnchor: %v", err)
	}
	if got.Position != in.Position || got.Rotation != in.Rotation {
		t.Fatalf("round trip changed pose: %+v", got)
	}
	if got.Metadata["label"] != "door" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps not defaulted")
	}

	// Returned anchor is a copy.
	got.Metadata["label"] = "window"
	again, _ := s.GetAnchor(ctx, "a1")
	if again.Metadata["label"] != "door" {
		t.Fatal("GetAnchor leaked internal state")
	}
}

func TestInsertDuplicateFails(t *testing.T) {
	s, _ := testMemoryStore()
	ctx := context.Background()

	if err := s.InsertAnchor(ctx, testAnchor("a1", "sess-1", [3]float64{0, 0, 0})); err != nil {
		t.Fatalf("InsertAnchor: %v", err)
	}
	if err := s.InsertAnchor(ctx, testAnchor("a1", "sess-1", [3]float64{0, 0, 0})); err == nil {
		t.Fatal("duplicate insert should fail")
	}
}

func TestUpdateUnknownAnchor(t *testing.T) {
	s, _ := testMemoryStore()
	err := s.UpdateAnchor(context.Background(), testAnchor("ghost", "sess-1", [3]float64{0, 0, 0}))
	if !errors.Is(err, domain.ErrAnchorNotFound) {
		t.Fatalf("UpdateAnchor = %v, want ErrAnchorNotFound", err)
	}
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	s, now := testMemoryStore()
	ctx := context.Background()

	in := testAnchor("a1", "sess-1", [3]float64{0, 0, 0})
	if err := s.InsertAnchor(ctx, in); err != nil {
		t.Fatalf("InsertAnchor: %v", err)
	}
	created := now.UTC()

	*now = now.Add(time.Minute)
	upd := testAnchor("a1", "sess-1", [3]float64{5, 5, 5})
	upd.UpdatedAt = *now
	if err := s.UpdateAnchor(ctx, upd); err != nil {
		t.Fatalf("UpdateAnchor: %v", err)
	}

	got, _ := s.GetAnchor(ctx, "a1")
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("CreatedAt changed on update: %v", got.CreatedAt)
	}
	if got.Position != [3]float64{5, 5, 5} {
		t.Fatalf("position not updated: %v", got.Position)
	}
}

func TestListSessionAnchorsOrdered(t *testing.T) {
	s, now := testMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"first", "second", "third"} {
		a := testAnchor(id, "sess-1", [3]float64{float64(i), 0, 0})
		a.CreatedAt = now.Add(time.Duration(i) * time.Second)
		if err := s.InsertAnchor(ctx, a); err != nil {
			t.Fatalf("InsertAnchor %s: %v", id, err)
		}
	}
	if err := s.InsertAnchor(ctx, testAnchor("other", "sess-2", [3]float64{})); err != nil {
		t.Fatalf("InsertAnchor other: %v", err)
	}

	got, err := s.ListSessionAnchors(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListSessionAnchors: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d anchors, want 3", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].ID != want {
			t.Fatalf("anchors[%d] = %q, want %q", i, got[i].ID, want)
		}
	}
}

func TestFindNearbyFiltersAndOrders(t *testing.T) {
	s, now := testMemoryStore()
	ctx := context.Background()

	near := testAnchor("near", "sess-1", [3]float64{1, 0, 0})
	far := testAnchor("far", "sess-1", [3]float64{4, 3, 0}) // 5m in 2-D
	tooFar := testAnchor("too-far", "sess-1", [3]float64{100, 100, 0})
	paused := testAnchor("paused", "sess-1", [3]float64{0.5, 0, 0})
	paused.TrackingState = domain.TrackingPaused
	expired := testAnchor("expired", "sess-1", [3]float64{0.2, 0, 0})
	past := now.Add(-time.Hour)
	expired.ExpiresAt = &past
	// z is ignored by the 2-D search.
	highZ := testAnchor("high-z", "sess-1", [3]float64{2, 0, 900})

	for _, a := range []*domain.Anchor{near, far, tooFar, paused, expired, highZ} {
		if err := s.InsertAnchor(ctx, a); err != nil {
			t.Fatalf("InsertAnchor %s: %v", a.ID, err)
		}
	}

	got, err := s.FindNearby(ctx, [3]float64{0, 0, 0}, 10, 50)
	if err != nil {
		t.Fatalf("FindNearby: %v", err)
	}
	want := []string{"near", "high-z", "far"}
	if len(got) != len(want) {
		ids := make([]string, len(got))
		for i, a := range got {
			ids[i] = a.ID
		}
		t.Fatalf("FindNearby returned %v, want %v", ids, want)
	}
	for i, a := range got {
		if a.ID != want[i] {
			t.Fatalf("result[%d] = %q, want %q", i, a.ID, want[i])
		}
	}

	// Limit is respected after ordering.
	got, _ = s.FindNearby(ctx, [3]float64{0, 0, 0}, 10, 1)
	if len(got) != 1 || got[0].ID != "near" {
		t.Fatalf("limited FindNearby = %v", got)
	}
}

func TestShareUpsertAndHistory(t *testing.T) {
	s, _ := testMemoryStore()
	ctx := context.Background()

	if err := s.InsertAnchor(ctx, testAnchor("a1", "sess-1", [3]float64{})); err != nil {
		t.Fatalf("InsertAnchor: %v", err)
	}

	grant := &domain.ShareGrant{AnchorID: "a1", SharedWithUser: "u2", GrantedBy: "u1", Permission: domain.ShareRead}
	if err := s.ShareAnchor(ctx, grant); err != nil {
		t.Fatalf("ShareAnchor: %v", err)
	}
	// Re-sharing upgrades in place instead of duplicating.
	upgrade := &domain.ShareGrant{AnchorID: "a1", SharedWithUser: "u2", GrantedBy: "u1", Permission: domain.ShareWrite}
	if err := s.ShareAnchor(ctx, upgrade); err != nil {
		t.Fatalf("ShareAnchor upgrade: %v", err)
	}

	grants, err := s.SharedWith(ctx, "u2")
	if err != nil {
		t.Fatalf("SharedWith: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("got %d grants, want 1 (upsert)", len(grants))
	}
	if grants[0].Permission != domain.ShareWrite {
		t.Fatalf("permission = %q, want write after upsert", grants[0].Permission)
	}

	hist, err := s.History(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	shared := 0
	for _, e := range hist {
		if e.Action == domain.HistoryShared {
			shared++
		}
	}
	if shared != 2 {
		t.Fatalf("history has %d shared rows, want 2", shared)
	}
}

func TestShareUnknownAnchor(t *testing.T) {
	s, _ := testMemoryStore()
	err := s.ShareAnchor(context.Background(), &domain.ShareGrant{AnchorID: "ghost", SharedWithUser: "u2", GrantedBy: "u1"})
	if !errors.Is(err, domain.ErrAnchorNotFound) {
		t.Fatalf("ShareAnchor = %v, want ErrAnchorNotFound", err)
	}
}

func TestSharedWithSkipsExpiredGrants(t *testing.T) {
	s, now := testMemoryStore()
	ctx := context.Background()

	if err := s.InsertAnchor(ctx, testAnchor("a1", "sess-1", [3]float64{})); err != nil {
		t.Fatalf("InsertAnchor: %v", err)
	}
	soon := now.Add(time.Minute)
	grant := &domain.ShareGrant{AnchorID: "a1", SharedWithUser: "u2", GrantedBy: "u1", ExpiresAt: &soon}
	if err := s.ShareAnchor(ctx, grant); err != nil {
		t.Fatalf("ShareAnchor: %v", err)
	}

	*now = now.Add(2 * time.Minute)
	grants, _ := s.SharedWith(ctx, "u2")
	if len(grants) != 0 {
		t.Fatalf("expired grant still visible: %+v", grants)
	}
}

func TestHistoryOrderAndLimit(t *testing.T) {
	s, now := testMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry := &domain.HistoryEntry{
			AnchorID:  "a1",
			Action:    domain.HistoryUpdated,
			UserID:    "u1",
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendHistory(ctx, entry); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	hist, err := s.History(ctx, "a1", 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("got %d entries, want 3", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Timestamp.After(hist[i-1].Timestamp) {
			t.Fatal("history not newest-first")
		}
	}
}

func TestCleanupExpired(t *testing.T) {
	s, now := testMemoryStore()
	ctx := context.Background()

	live := testAnchor("live", "sess-1", [3]float64{})
	dead1 := testAnchor("dead1", "sess-1", [3]float64{})
	dead2 := testAnchor("dead2", "sess-1", [3]float64{})
	past := now.Add(-time.Minute)
	dead1.ExpiresAt = &past
	dead2.ExpiresAt = &past
	future := now.Add(time.Hour)
	live.ExpiresAt = &future

	for _, a := range []*domain.Anchor{live, dead1, dead2} {
		if err := s.InsertAnchor(ctx, a); err != nil {
			t.Fatalf("InsertAnchor %s: %v", a.ID, err)
		}
	}
	if err := s.ShareAnchor(ctx, &domain.ShareGrant{AnchorID: "dead1", SharedWithUser: "u2", GrantedBy: "u1"}); err != nil {
		t.Fatalf("ShareAnchor: %v", err)
	}

	count, err := s.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if count != 2 {
		t.Fatalf("cleaned %d anchors, want 2", count)
	}
	if _, err := s.GetAnchor(ctx, "live"); err != nil {
		t.Fatalf("live anchor removed: %v", err)
	}
	if grants, _ := s.SharedWith(ctx, "u2"); len(grants) != 0 {
		t.Fatal("grants on expired anchor survived cleanup")
	}
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	s, _ := testMemoryStore()
	ctx := context.Background()

	done := make(chan error, 20)
	for i := 0; i < 10; i++ {
		go func(i int) {
			done <- s.InsertAnchor(ctx, testAnchor(fmt.Sprintf("a%d", i), "sess-1", [3]float64{float64(i), 0, 0}))
		}(i)
		go func() {
			_, err := s.FindNearby(ctx, [3]float64{0, 0, 0}, 100, 50)
			done <- err
		}()
	}
	for i := 0; i < 20; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent op failed: %v", err)
		}
	}
	anchors, _ := s.ListSessionAnchors(ctx, "sess-1")
	if len(anchors) != 10 {
		t.Fatalf("got %d anchors, want 10", len(anchors))
	}
}
