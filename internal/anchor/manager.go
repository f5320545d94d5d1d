// Package anchor owns the live anchor set. Reads and relay fan-out are
// served from memory; every mutation is written through to the store so
// anchors outlive the session that placed them.
package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/logging"
	"github.com/oriys/parallax/internal/metrics"
	"github.com/oriys/parallax/internal/store"
)

const (
	// DefaultMaxPerSession caps anchors per session.
	DefaultMaxPerSession = 100
	// DefaultTemporaryTTL is how long a temporary anchor lives when the
	// creator gives no explicit lifetime.
	DefaultTemporaryTTL = 24 * time.Hour
)

// CreateRequest carries the creator-supplied anchor fields.
type CreateRequest struct {
	AnchorID   string // optional, minted when empty
	SessionID  string
	UserID     string
	Position   [3]float64
	Rotation   [4]float64
	AnchorType domain.AnchorType
	Metadata   map[string]any
	Lifetime   time.Duration // optional explicit expiry, overrides the type default
}

// UpdateRequest is a partial anchor update. Nil fields keep their value;
// metadata is shallow-merged into the existing map.
type UpdateRequest struct {
	Position      *[3]float64
	Rotation      *[4]float64
	Confidence    *float64
	TrackingState *domain.TrackingState
	Metadata      map[string]any
}

// Query filters the live anchor set.
type Query struct {
	SessionID     string
	UserID        string
	AnchorType    domain.AnchorType
	TrackingState domain.TrackingState
	MinConfidence float64
	Position      *[3]float64
	Radius        float64
	Limit         int
}

// ExpiredAnchor names an anchor removed by the expiry sweep, so the
// caller can broadcast the deletion into its session.
type ExpiredAnchor struct {
	AnchorID  string
	SessionID string
}

// Manager is the in-memory anchor table with store write-through.
type Manager struct {
	mu           sync.RWMutex
	anchors      map[string]*domain.Anchor
	sessionIndex map[string]map[string]struct{}
	dirty        map[string]struct{}

	store         store.Persistence
	maxPerSession int
	temporaryTTL  time.Duration
	now           func() time.Time
}

// NewManager creates a manager backed by the given persistence.
func NewManager(persistence store.Persistence, maxPerSession int, temporaryTTL time.Duration) *Manager {
	if maxPerSession <= 0 {
		maxPerSession = DefaultMaxPerSession
	}
	if temporaryTTL <= 0 {
		temporaryTTL = DefaultTemporaryTTL
	}
	return &Manager{
		anchors:       make(map[string]*domain.Anchor),
		sessionIndex:  make(map[string]map[string]struct{}),
		dirty:         make(map[string]struct{}),
		store:         persistence,
		maxPerSession: maxPerSession,
		temporaryTTL:  temporaryTTL,
		now:           time.Now,
	}
}

// Create validates the session cap, persists the anchor, then inserts it
// into memory. A persistence failure leaves memory untouched.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*domain.Anchor, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrValidation)
	}

	id := req.AnchorID
	if id == "" {
		id = uuid.NewString()
	} else if err := domain.ValidateAnchorID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	anchorType := req.AnchorType
	if !anchorType.IsValid() {
		anchorType = domain.AnchorPersistent
	}

	now := m.now()
	anchor := &domain.Anchor{
		ID:            id,
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		Position:      req.Position,
		Rotation:      req.Rotation,
		Confidence:    1.0,
		TrackingState: domain.TrackingActive,
		AnchorType:    anchorType,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	switch {
	case req.Lifetime > 0:
		t := now.Add(req.Lifetime)
		anchor.ExpiresAt = &t
	case anchorType == domain.AnchorTemporary:
		t := now.Add(m.temporaryTTL)
		anchor.ExpiresAt = &t
	}

	m.mu.Lock()
	if _, exists := m.anchors[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: anchor %s already exists", domain.ErrValidation, id)
	}
	if len(m.sessionIndex[req.SessionID]) >= m.maxPerSession {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s holds %d anchors", domain.ErrAnchorLimit, req.SessionID, m.maxPerSession)
	}
	m.mu.Unlock()

	if err := m.store.InsertAnchor(ctx, anchor); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	m.mu.Lock()
	m.anchors[id] = anchor
	idx, ok := m.sessionIndex[req.SessionID]
	if !ok {
		idx = make(map[string]struct{})
		m.sessionIndex[req.SessionID] = idx
	}
	idx[id] = struct{}{}
	count := len(idx)
	m.mu.Unlock()

	m.appendHistory(ctx, id, domain.HistoryCreated, req.UserID, nil, anchor)
	metrics.Global().RecordAnchor("created")
	metrics.SetSessionAnchorCount(req.SessionID, count)
	return anchor.Clone(), nil
}

// Update applies a partial update and persists it. A store failure keeps
// the memory change and marks the anchor dirty for the shutdown flush.
func (m *Manager) Update(ctx context.Context, id string, req UpdateRequest) (*domain.Anchor, error) {
	m.mu.Lock()
	anchor, ok := m.anchors[id]
	if !ok {
		m.mu.Unlock()
		return nil, domain.ErrAnchorNotFound
	}

	before := anchor.Clone()
	if req.Position != nil {
		anchor.Position = *req.Position
	}
	if req.Rotation != nil {
		anchor.Rotation = *req.Rotation
	}
	if req.Confidence != nil {
		anchor.Confidence = *req.Confidence
	}
	if req.TrackingState != nil {
		anchor.TrackingState = *req.TrackingState
	}
	if req.Metadata != nil {
		if anchor.Metadata == nil {
			anchor.Metadata = make(map[string]any, len(req.Metadata))
		}
		for k, v := range req.Metadata {
			anchor.Metadata[k] = v
		}
	}
	anchor.UpdatedAt = m.now()
	updated := anchor.Clone()
	m.mu.Unlock()

	if err := m.store.UpdateAnchor(ctx, updated); err != nil {
		m.mu.Lock()
		m.dirty[id] = struct{}{}
		m.mu.Unlock()
		logging.Op().Warn("anchor update not persisted", "anchor", id, "error", err)
	} else {
		m.mu.Lock()
		delete(m.dirty, id)
		m.mu.Unlock()
	}

	m.appendHistory(ctx, id, domain.HistoryUpdated, updated.UserID, before, updated)
	metrics.Global().RecordAnchor("updated")
	return updated, nil
}

// Delete removes an anchor everywhere. Deleting an unknown id is a no-op
// so retried deletes and races with the sweeper stay quiet.
func (m *Manager) Delete(ctx context.Context, id, byUser string) (*domain.Anchor, error) {
	m.mu.Lock()
	anchor, ok := m.anchors[id]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	m.removeLocked(anchor)
	count := len(m.sessionIndex[anchor.SessionID])
	m.mu.Unlock()

	if err := m.store.DeleteAnchor(ctx, id); err != nil {
		logging.Op().Warn("anchor delete not persisted", "anchor", id, "error", err)
	}
	m.appendHistory(ctx, id, domain.HistoryDeleted, byUser, anchor, nil)
	metrics.Global().RecordAnchor("deleted")
	m.publishSessionCount(anchor.SessionID, count)
	return anchor.Clone(), nil
}

// Get returns a copy of the anchor, or ErrAnchorNotFound.
func (m *Manager) Get(id string) (*domain.Anchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	anchor, ok := m.anchors[id]
	if !ok {
		return nil, domain.ErrAnchorNotFound
	}
	// An anchor past its expiry is gone even if the sweep has not run yet.
	if anchor.Expired(m.now()) {
		return nil, domain.ErrAnchorNotFound
	}
	return anchor.Clone(), nil
}

// BySession returns the session's anchors ordered by creation time, which
// keeps initial sync batches deterministic.
func (m *Manager) BySession(sessionID string) []*domain.Anchor {
	m.mu.RLock()
	ids := m.sessionIndex[sessionID]
	out := make([]*domain.Anchor, 0, len(ids))
	for id := range ids {
		if anchor, ok := m.anchors[id]; ok {
			out = append(out, anchor.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of live anchors in a session.
func (m *Manager) Count(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessionIndex[sessionID])
}

// Find answers the query. A radius search without a session filter is
// delegated to the store's indexed 2-D lookup; everything else scans the
// live set and sorts by full 3-D distance when a position is given.
func (m *Manager) Find(ctx context.Context, q Query) ([]*domain.Anchor, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Position != nil && q.Radius > 0 && q.SessionID == "" {
		return m.store.FindNearby(ctx, *q.Position, q.Radius, q.Limit)
	}

	now := m.now()
	m.mu.RLock()
	var candidates []*domain.Anchor
	if q.SessionID != "" {
		for id := range m.sessionIndex[q.SessionID] {
			if anchor, ok := m.anchors[id]; ok {
				candidates = append(candidates, anchor)
			}
		}
	} else {
		for _, anchor := range m.anchors {
			candidates = append(candidates, anchor)
		}
	}

	var matches []*domain.Anchor
	for _, anchor := range candidates {
		if anchor.Expired(now) {
			continue
		}
		if q.UserID != "" && anchor.UserID != q.UserID {
			continue
		}
		if q.AnchorType != "" && anchor.AnchorType != q.AnchorType {
			continue
		}
		if q.TrackingState != "" && anchor.TrackingState != q.TrackingState {
			continue
		}
		if anchor.Confidence < q.MinConfidence {
			continue
		}
		if q.Position != nil && q.Radius > 0 && domain.Distance(anchor.Position, *q.Position) > q.Radius {
			continue
		}
		matches = append(matches, anchor.Clone())
	}
	m.mu.RUnlock()

	if q.Position != nil {
		pos := *q.Position
		sort.Slice(matches, func(i, j int) bool {
			return domain.Distance(matches[i].Position, pos) < domain.Distance(matches[j].Position, pos)
		})
	}
	if len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// SweepExpired drops every anchor past its expiry and reports what went,
// so the caller can broadcast deletions to the affected sessions. The
// store-side cleanup runs once for the whole batch.
func (m *Manager) SweepExpired(ctx context.Context) []ExpiredAnchor {
	now := m.now()

	m.mu.Lock()
	var expired []ExpiredAnchor
	sessions := make(map[string]int)
	for id, anchor := range m.anchors {
		if anchor.Expired(now) {
			m.removeLocked(anchor)
			expired = append(expired, ExpiredAnchor{AnchorID: id, SessionID: anchor.SessionID})
			sessions[anchor.SessionID] = len(m.sessionIndex[anchor.SessionID])
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}

	if _, err := m.store.CleanupExpired(ctx); err != nil {
		logging.Op().Warn("expired anchor cleanup failed", "error", err)
	}
	for _, e := range expired {
		m.appendHistory(ctx, e.AnchorID, domain.HistoryExpired, "", nil, nil)
		metrics.Global().RecordAnchor("expired")
	}
	for sessionID, count := range sessions {
		m.publishSessionCount(sessionID, count)
	}
	logging.Op().Info("expired anchors swept", "count", len(expired))
	return expired
}

// Flush retries persistence for anchors whose last write failed. Called
// on shutdown; best effort.
func (m *Manager) Flush(ctx context.Context) {
	m.mu.Lock()
	dirty := make([]*domain.Anchor, 0, len(m.dirty))
	for id := range m.dirty {
		if anchor, ok := m.anchors[id]; ok {
			dirty = append(dirty, anchor.Clone())
		}
	}
	m.mu.Unlock()

	for _, anchor := range dirty {
		if err := m.store.UpdateAnchor(ctx, anchor); err != nil {
			logging.Op().Warn("dirty anchor flush failed", "anchor", anchor.ID, "error", err)
			continue
		}
		m.mu.Lock()
		delete(m.dirty, anchor.ID)
		m.mu.Unlock()
	}
}

// DropSession forgets a session's anchors in memory without touching the
// store. Persistent anchors stay durable; the live set just stops serving
// a session that no longer exists.
func (m *Manager) DropSession(sessionID string) {
	m.mu.Lock()
	for id := range m.sessionIndex[sessionID] {
		delete(m.anchors, id)
		delete(m.dirty, id)
	}
	delete(m.sessionIndex, sessionID)
	m.mu.Unlock()
	metrics.DeleteSessionAnchorCount(sessionID)
}

func (m *Manager) removeLocked(anchor *domain.Anchor) {
	delete(m.anchors, anchor.ID)
	delete(m.dirty, anchor.ID)
	if idx, ok := m.sessionIndex[anchor.SessionID]; ok {
		delete(idx, anchor.ID)
		if len(idx) == 0 {
			delete(m.sessionIndex, anchor.SessionID)
		}
	}
}

func (m *Manager) publishSessionCount(sessionID string, count int) {
	if count == 0 {
		metrics.DeleteSessionAnchorCount(sessionID)
		return
	}
	metrics.SetSessionAnchorCount(sessionID, count)
}

func (m *Manager) appendHistory(ctx context.Context, anchorID string, action domain.HistoryAction, userID string, before, after *domain.Anchor) {
	entry := &domain.HistoryEntry{
		AnchorID:  anchorID,
		Action:    action,
		UserID:    userID,
		Timestamp: m.now(),
	}
	if before != nil {
		if data, err := json.Marshal(before); err == nil {
			entry.Before = data
		}
	}
	if after != nil {
		if data, err := json.Marshal(after); err == nil {
			entry.After = data
		}
	}
	if err := m.store.AppendHistory(ctx, entry); err != nil {
		logging.Op().Warn("anchor history append failed", "anchor", anchorID, "action", string(action), "error", err)
	}
}
