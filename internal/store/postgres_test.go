package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/parallax/internal/domain"
)

// newTestPostgresStore connects to the database named by
// PARALLAX_TEST_DATABASE_URL, skipping when none is configured.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("PARALLAX_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skipf("Skipping postgres test: PARALLAX_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, dsn, 4)
	if err != nil {
		t.Skipf("Skipping postgres test: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresAnchorLifecycle(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	sessionID := uuid.NewString()
	anchor := testAnchor(id, sessionID, [3]float64{1.5, -2.25, 7.75})
	anchor.Metadata = map[string]any{"label": "door"}
	t.Cleanup(func() { _ = s.DeleteAnchor(ctx, id) })

	if err := s.InsertAnchor(ctx, anchor); err != nil {
		t.Fatalf("InsertAnchor: %v", err)
	}

	got, err := s.GetAnchor(ctx, id)
	if err != nil {
		t.Fatalf("GetAnchor: %v", err)
	}
	if got.Position != anchor.Position {
		t.Fatalf("position = %v, want %v (z must survive the metadata round trip)", got.Position, anchor.Position)
	}
	if got.Metadata["label"] != "door" {
		t.Fatalf("metadata = %+v", got.Metadata)
	}
	if _, leaked := got.Metadata["z_coordinate"]; leaked {
		t.Fatal("storage key z_coordinate leaked into returned metadata")
	}

	got.Position[0] = 9
	got.UpdatedAt = time.Now()
	if err := s.UpdateAnchor(ctx, got); err != nil {
		t.Fatalf("UpdateAnchor: %v", err)
	}

	list, err := s.ListSessionAnchors(ctx, sessionID)
	if err != nil {
		t.Fatalf("ListSessionAnchors: %v", err)
	}
	if len(list) != 1 || list[0].Position[0] != 9 {
		t.Fatalf("list = %+v", list)
	}

	if err := s.DeleteAnchor(ctx, id); err != nil {
		t.Fatalf("DeleteAnchor: %v", err)
	}
	if _, err := s.GetAnchor(ctx, id); !errors.Is(err, domain.ErrAnchorNotFound) {
		t.Fatalf("GetAnchor after delete = %v, want ErrAnchorNotFound", err)
	}
}

func TestPostgresFindNearby(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	sessionID := uuid.NewString()
	near := testAnchor(uuid.NewString(), sessionID, [3]float64{100.5, 100, 0})
	far := testAnchor(uuid.NewString(), sessionID, [3]float64{104, 103, 0})
	out := testAnchor(uuid.NewString(), sessionID, [3]float64{500, 500, 0})
	for _, a := range []*domain.Anchor{near, far, out} {
		if err := s.InsertAnchor(ctx, a); err != nil {
			t.Fatalf("InsertAnchor: %v", err)
		}
		id := a.ID
		t.Cleanup(func() { _ = s.DeleteAnchor(ctx, id) })
	}

	got, err := s.FindNearby(ctx, [3]float64{100, 100, 0}, 10, 50)
	if err != nil {
		t.Fatalf("FindNearby: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d anchors, want 2", len(got))
	}
	if got[0].ID != near.ID || got[1].ID != far.ID {
		t.Fatalf("order = [%s %s], want nearest first", got[0].ID, got[1].ID)
	}
}

func TestPostgresShareAndCleanup(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	anchor := testAnchor(id, uuid.NewString(), [3]float64{0, 0, 0})
	past := time.Now().Add(-time.Minute)
	anchor.ExpiresAt = &past
	if err := s.InsertAnchor(ctx, anchor); err != nil {
		t.Fatalf("InsertAnchor: %v", err)
	}
	t.Cleanup(func() { _ = s.DeleteAnchor(ctx, id) })

	grant := &domain.ShareGrant{AnchorID: id, SharedWithUser: "u2", GrantedBy: "u1", Permission: domain.ShareRead}
	if err := s.ShareAnchor(ctx, grant); err != nil {
		t.Fatalf("ShareAnchor: %v", err)
	}
	hist, err := s.History(ctx, id, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) == 0 || hist[0].Action != domain.HistoryShared {
		t.Fatalf("history = %+v, want shared row", hist)
	}

	count, err := s.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if count < 1 {
		t.Fatalf("cleanup removed %d anchors, want at least the expired one", count)
	}
	if _, err := s.GetAnchor(ctx, id); !errors.Is(err, domain.ErrAnchorNotFound) {
		t.Fatalf("expired anchor survived cleanup: %v", err)
	}
}

func TestPostgresHealthy(t *testing.T) {
	s := newTestPostgresStore(t)
	if err := s.Healthy(context.Background()); err != nil {
		t.Fatalf("Healthy: %v", err)
	}
}
