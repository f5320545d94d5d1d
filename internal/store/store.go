// Package store is the durable layer for spatial anchors. Sessions are
// ephemeral; anchors, sharing grants, and the mutation history survive
// process restarts in PostgreSQL.
package store

import (
	"context"

	"github.com/oriys/parallax/internal/domain"
)

// Persistence is what the anchor manager needs from storage. The pgx
// implementation backs production; the memory implementation backs tests
// and single-node dev setups without a database.
type Persistence interface {
	Close() error
	Ping(ctx context.Context) error
	Healthy(ctx context.Context) error

	InsertAnchor(ctx context.Context, anchor *domain.Anchor) error
	UpdateAnchor(ctx context.Context, anchor *domain.Anchor) error
	GetAnchor(ctx context.Context, id string) (*domain.Anchor, error)
	DeleteAnchor(ctx context.Context, id string) error
	ListSessionAnchors(ctx context.Context, sessionID string) ([]*domain.Anchor, error)
	FindNearby(ctx context.Context, pos [3]float64, radius float64, limit int) ([]*domain.Anchor, error)

	ShareAnchor(ctx context.Context, grant *domain.ShareGrant) error
	SharedWith(ctx context.Context, userID string) ([]*domain.ShareGrant, error)

	AppendHistory(ctx context.Context, entry *domain.HistoryEntry) error
	History(ctx context.Context, anchorID string, limit int) ([]*domain.HistoryEntry, error)

	CleanupExpired(ctx context.Context) (int64, error)
}
