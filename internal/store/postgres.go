package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/parallax/internal/metrics"
	"github.com/oriys/parallax/internal/observability"
)

// PostgresStore persists anchors with pgx. Anchor positions are stored as
// x,y columns with a point() expression GiST index; z rides along in
// metadata under "z_coordinate". Nearby queries are therefore 2-D, which
// is the accepted trade-off for indexable radius search.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

// Healthy runs the trivial liveness query used by the health endpoint.
func (s *PostgresStore) Healthy(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("postgres health check: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS spatial_anchors (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			x DOUBLE PRECISION NOT NULL,
			y DOUBLE PRECISION NOT NULL,
			rotation_x DOUBLE PRECISION NOT NULL,
			rotation_y DOUBLE PRECISION NOT NULL,
			rotation_z DOUBLE PRECISION NOT NULL,
			rotation_w DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			tracking_state TEXT NOT NULL DEFAULT 'tracking',
			anchor_type TEXT NOT NULL DEFAULT 'persistent',
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spatial_anchors_position ON spatial_anchors USING GIST (point(x, y))`,
		`CREATE INDEX IF NOT EXISTS idx_spatial_anchors_session ON spatial_anchors(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_spatial_anchors_user ON spatial_anchors(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_spatial_anchors_type ON spatial_anchors(anchor_type)`,
		`CREATE INDEX IF NOT EXISTS idx_spatial_anchors_expires ON spatial_anchors(expires_at) WHERE expires_at IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS anchor_shares (
			anchor_id TEXT NOT NULL REFERENCES spatial_anchors(id) ON DELETE CASCADE,
			shared_with_user TEXT NOT NULL,
			granted_by TEXT NOT NULL,
			permission_level TEXT NOT NULL DEFAULT 'read',
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (anchor_id, shared_with_user)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anchor_shares_user ON anchor_shares(shared_with_user)`,
		`CREATE TABLE IF NOT EXISTS anchor_history (
			id BIGSERIAL PRIMARY KEY,
			anchor_id TEXT NOT NULL,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL,
			before_state JSONB,
			after_state JSONB,
			metadata_diff JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anchor_history_anchor ON anchor_history(anchor_id, created_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// instrument opens a db span and returns ctx plus the finish func that
// closes the span and publishes query latency.
func (s *PostgresStore) instrument(ctx context.Context, operation string) (context.Context, func()) {
	ctx, span := observability.StartSpan(ctx, "db."+operation)
	start := time.Now()
	return ctx, func() {
		span.End()
		metrics.RecordDBQuery(operation, time.Since(start).Milliseconds())
	}
}
