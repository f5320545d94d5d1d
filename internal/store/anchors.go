package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/parallax/internal/domain"
)

const anchorColumns = `id, session_id, user_id, x, y, rotation_x, rotation_y, rotation_z, rotation_w,
	confidence, tracking_state, anchor_type, metadata, created_at, updated_at, expires_at`

func (s *PostgresStore) InsertAnchor(ctx context.Context, anchor *domain.Anchor) error {
	ctx, finish := s.instrument(ctx, "insert_anchor")
	defer finish()

	if anchor.ID == "" || anchor.SessionID == "" {
		return fmt.Errorf("anchor id and session id are required")
	}
	now := time.Now()
	if anchor.CreatedAt.IsZero() {
		anchor.CreatedAt = now
	}
	if anchor.UpdatedAt.IsZero() {
		anchor.UpdatedAt = now
	}

	meta, err := encodeMetadata(anchor)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO spatial_anchors (id, session_id, user_id, x, y,
			rotation_x, rotation_y, rotation_z, rotation_w,
			confidence, tracking_state, anchor_type, metadata,
			created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15, $16)
	`, anchor.ID, anchor.SessionID, anchor.UserID,
		anchor.Position[0], anchor.Position[1],
		anchor.Rotation[0], anchor.Rotation[1], anchor.Rotation[2], anchor.Rotation[3],
		anchor.Confidence, string(anchor.TrackingState), string(anchor.AnchorType), meta,
		anchor.CreatedAt, anchor.UpdatedAt, anchor.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert anchor: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAnchor(ctx context.Context, anchor *domain.Anchor) error {
	ctx, finish := s.instrument(ctx, "update_anchor")
	defer finish()

	meta, err := encodeMetadata(anchor)
	if err != nil {
		return err
	}

	ct, err := s.pool.Exec(ctx, `
		UPDATE spatial_anchors SET
			x = $2, y = $3,
			rotation_x = $4, rotation_y = $5, rotation_z = $6, rotation_w = $7,
			confidence = $8, tracking_state = $9, metadata = $10::jsonb,
			updated_at = $11, expires_at = $12
		WHERE id = $1
	`, anchor.ID,
		anchor.Position[0], anchor.Position[1],
		anchor.Rotation[0], anchor.Rotation[1], anchor.Rotation[2], anchor.Rotation[3],
		anchor.Confidence, string(anchor.TrackingState), meta,
		anchor.UpdatedAt, anchor.ExpiresAt)
	if err != nil {
		return fmt.Errorf("update anchor: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAnchorNotFound, anchor.ID)
	}
	return nil
}

func (s *PostgresStore) GetAnchor(ctx context.Context, id string) (*domain.Anchor, error) {
	ctx, finish := s.instrument(ctx, "get_anchor")
	defer finish()

	row := s.pool.QueryRow(ctx, `
		SELECT `+anchorColumns+`
		FROM spatial_anchors
		WHERE id = $1
	`, id)
	anchor, err := scanAnchor(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", domain.ErrAnchorNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get anchor: %w", err)
	}
	return anchor, nil
}

func (s *PostgresStore) DeleteAnchor(ctx context.Context, id string) error {
	ctx, finish := s.instrument(ctx, "delete_anchor")
	defer finish()

	ct, err := s.pool.Exec(ctx, `DELETE FROM spatial_anchors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete anchor: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAnchorNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ListSessionAnchors(ctx context.Context, sessionID string) ([]*domain.Anchor, error) {
	ctx, finish := s.instrument(ctx, "list_session_anchors")
	defer finish()

	rows, err := s.pool.Query(ctx, `
		SELECT `+anchorColumns+`
		FROM spatial_anchors
		WHERE session_id = $1
		ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session anchors: %w", err)
	}
	defer rows.Close()
	return collectAnchors(rows)
}

// FindNearby runs the indexed 2-D radius query: inside the circle, not
// expired, actively tracking, nearest first.
func (s *PostgresStore) FindNearby(ctx context.Context, pos [3]float64, radius float64, limit int) ([]*domain.Anchor, error) {
	ctx, finish := s.instrument(ctx, "find_nearby")
	defer finish()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+anchorColumns+`
		FROM spatial_anchors
		WHERE point(x, y) <@ circle(point($1, $2), $3)
		  AND (expires_at IS NULL OR expires_at > NOW())
		  AND tracking_state = 'tracking'
		ORDER BY point(x, y) <-> point($1, $2)
		LIMIT $4
	`, pos[0], pos[1], radius, limit)
	if err != nil {
		return nil, fmt.Errorf("find nearby anchors: %w", err)
	}
	defer rows.Close()
	return collectAnchors(rows)
}

// ShareAnchor upserts the grant and writes the history row in one
// transaction, so a grant never exists without its audit trail.
func (s *PostgresStore) ShareAnchor(ctx context.Context, grant *domain.ShareGrant) error {
	ctx, finish := s.instrument(ctx, "share_anchor")
	defer finish()

	if grant.AnchorID == "" || grant.SharedWithUser == "" {
		return fmt.Errorf("anchor id and recipient are required")
	}
	if !grant.Permission.IsValid() {
		grant.Permission = domain.ShareRead
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO anchor_shares (anchor_id, shared_with_user, granted_by, permission_level, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (anchor_id, shared_with_user) DO UPDATE SET
			granted_by = EXCLUDED.granted_by,
			permission_level = EXCLUDED.permission_level,
			expires_at = EXCLUDED.expires_at
	`, grant.AnchorID, grant.SharedWithUser, grant.GrantedBy, string(grant.Permission), grant.ExpiresAt, grant.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert share grant: %w", err)
	}

	after, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("marshal share grant: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO anchor_history (anchor_id, action, user_id, after_state, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`, grant.AnchorID, string(domain.HistoryShared), grant.GrantedBy, after, grant.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert share history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit share: %w", err)
	}
	return nil
}

func (s *PostgresStore) SharedWith(ctx context.Context, userID string) ([]*domain.ShareGrant, error) {
	ctx, finish := s.instrument(ctx, "shared_with")
	defer finish()

	rows, err := s.pool.Query(ctx, `
		SELECT anchor_id, shared_with_user, granted_by, permission_level, expires_at, created_at
		FROM anchor_shares
		WHERE shared_with_user = $1
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list shared anchors: %w", err)
	}
	defer rows.Close()

	var grants []*domain.ShareGrant
	for rows.Next() {
		var g domain.ShareGrant
		var perm string
		if err := rows.Scan(&g.AnchorID, &g.SharedWithUser, &g.GrantedBy, &perm, &g.ExpiresAt, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan share grant: %w", err)
		}
		g.Permission = domain.SharePermission(perm)
		grants = append(grants, &g)
	}
	return grants, rows.Err()
}

func (s *PostgresStore) AppendHistory(ctx context.Context, entry *domain.HistoryEntry) error {
	ctx, finish := s.instrument(ctx, "append_history")
	defer finish()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO anchor_history (anchor_id, action, user_id, before_state, after_state, metadata_diff, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7)
	`, entry.AnchorID, string(entry.Action), entry.UserID,
		nullableJSON(entry.Before), nullableJSON(entry.After), nullableJSON(entry.MetadataDiff), entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append anchor history: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, anchorID string, limit int) ([]*domain.HistoryEntry, error) {
	ctx, finish := s.instrument(ctx, "anchor_history")
	defer finish()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, anchor_id, action, user_id, before_state, after_state, metadata_diff, created_at
		FROM anchor_history
		WHERE anchor_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, anchorID, limit)
	if err != nil {
		return nil, fmt.Errorf("anchor history: %w", err)
	}
	defer rows.Close()

	var entries []*domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var action string
		if err := rows.Scan(&e.ID, &e.AnchorID, &action, &e.UserID, &e.Before, &e.After, &e.MetadataDiff, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.Action = domain.HistoryAction(action)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// CleanupExpired deletes expired anchors and stale grants in one
// transaction. Grants on deleted anchors go with the cascade; the count
// reported is anchors only.
func (s *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	ctx, finish := s.instrument(ctx, "cleanup_expired")
	defer finish()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM anchor_shares
		WHERE expires_at IS NOT NULL AND expires_at <= NOW()
	`); err != nil {
		return 0, fmt.Errorf("cleanup expired grants: %w", err)
	}

	ct, err := tx.Exec(ctx, `
		DELETE FROM spatial_anchors
		WHERE expires_at IS NOT NULL AND expires_at <= NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired anchors: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return ct.RowsAffected(), nil
}

// encodeMetadata folds the z coordinate into the metadata blob, since the
// position columns are 2-D.
func encodeMetadata(anchor *domain.Anchor) ([]byte, error) {
	meta := make(map[string]any, len(anchor.Metadata)+1)
	for k, v := range anchor.Metadata {
		meta[k] = v
	}
	meta["z_coordinate"] = anchor.Position[2]
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal anchor metadata: %w", err)
	}
	return data, nil
}

// decodeMetadata restores z from the blob and strips the storage key so
// callers see the metadata they wrote.
func decodeMetadata(raw []byte, anchor *domain.Anchor) error {
	if len(raw) == 0 {
		return nil
	}
	meta := map[string]any{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("unmarshal anchor metadata: %w", err)
	}
	if z, ok := meta["z_coordinate"].(float64); ok {
		anchor.Position[2] = z
	}
	delete(meta, "z_coordinate")
	if len(meta) > 0 {
		anchor.Metadata = meta
	}
	return nil
}

func scanAnchor(row pgx.Row) (*domain.Anchor, error) {
	var a domain.Anchor
	var trackingState, anchorType string
	var meta []byte
	err := row.Scan(&a.ID, &a.SessionID, &a.UserID,
		&a.Position[0], &a.Position[1],
		&a.Rotation[0], &a.Rotation[1], &a.Rotation[2], &a.Rotation[3],
		&a.Confidence, &trackingState, &anchorType, &meta,
		&a.CreatedAt, &a.UpdatedAt, &a.ExpiresAt)
	if err != nil {
		return nil, err
	}
	a.TrackingState = domain.TrackingState(trackingState)
	a.AnchorType = domain.AnchorType(anchorType)
	if err := decodeMetadata(meta, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAnchors(rows pgx.Rows) ([]*domain.Anchor, error) {
	var anchors []*domain.Anchor
	for rows.Next() {
		anchor, err := scanAnchor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		anchors = append(anchors, anchor)
	}
	return anchors, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
