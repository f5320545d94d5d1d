package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/oriys/parallax/internal/domain"
)

// MemoryStore is the in-process Persistence used by tests and database-less
// dev runs. Semantics mirror the postgres implementation, including the
// 2-D nearby search.
type MemoryStore struct {
	mu      sync.RWMutex
	anchors map[string]*domain.Anchor
	grants  map[string]map[string]*domain.ShareGrant // anchor id -> recipient -> grant
	history []*domain.HistoryEntry
	histSeq int64
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		anchors: make(map[string]*domain.Anchor),
		grants:  make(map[string]map[string]*domain.ShareGrant),
		now:     time.Now,
	}
}

func (s *MemoryStore) Close() error                   { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Healthy(ctx context.Context) error { return nil }

func (s *MemoryStore) InsertAnchor(ctx context.Context, anchor *domain.Anchor) error {
	if anchor.ID == "" || anchor.SessionID == "" {
		return fmt.Errorf("anchor id and session id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.anchors[anchor.ID]; exists {
		return fmt.Errorf("insert anchor: duplicate id %s", anchor.ID)
	}
	now := s.now()
	cp := anchor.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	s.anchors[cp.ID] = cp
	return nil
}

func (s *MemoryStore) UpdateAnchor(ctx context.Context, anchor *domain.Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.anchors[anchor.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAnchorNotFound, anchor.ID)
	}
	cp := anchor.Clone()
	cp.CreatedAt = prev.CreatedAt
	s.anchors[cp.ID] = cp
	return nil
}

func (s *MemoryStore) GetAnchor(ctx context.Context, id string) (*domain.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	anchor, ok := s.anchors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAnchorNotFound, id)
	}
	return anchor.Clone(), nil
}

func (s *MemoryStore) DeleteAnchor(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.anchors[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrAnchorNotFound, id)
	}
	delete(s.anchors, id)
	delete(s.grants, id)
	return nil
}

func (s *MemoryStore) ListSessionAnchors(ctx context.Context, sessionID string) ([]*domain.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Anchor
	for _, anchor := range s.anchors {
		if anchor.SessionID == sessionID {
			out = append(out, anchor.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) FindNearby(ctx context.Context, pos [3]float64, radius float64, limit int) ([]*domain.Anchor, error) {
	if limit <= 0 {
		limit = 50
	}
	now := s.now()

	s.mu.RLock()
	type hit struct {
		anchor *domain.Anchor
		dist   float64
	}
	var hits []hit
	for _, anchor := range s.anchors {
		if anchor.Expired(now) || anchor.TrackingState != domain.TrackingActive {
			continue
		}
		dx := anchor.Position[0] - pos[0]
		dy := anchor.Position[1] - pos[1]
		dist := math.Hypot(dx, dy)
		if dist <= radius {
			hits = append(hits, hit{anchor.Clone(), dist})
		}
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]*domain.Anchor, len(hits))
	for i, h := range hits {
		out[i] = h.anchor
	}
	return out, nil
}

func (s *MemoryStore) ShareAnchor(ctx context.Context, grant *domain.ShareGrant) error {
	if grant.AnchorID == "" || grant.SharedWithUser == "" {
		return fmt.Errorf("anchor id and recipient are required")
	}
	if !grant.Permission.IsValid() {
		grant.Permission = domain.ShareRead
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.anchors[grant.AnchorID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrAnchorNotFound, grant.AnchorID)
	}
	g := *grant
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	byUser, ok := s.grants[g.AnchorID]
	if !ok {
		byUser = make(map[string]*domain.ShareGrant)
		s.grants[g.AnchorID] = byUser
	}
	byUser[g.SharedWithUser] = &g

	s.histSeq++
	s.history = append(s.history, &domain.HistoryEntry{
		ID:        s.histSeq,
		AnchorID:  g.AnchorID,
		Action:    domain.HistoryShared,
		UserID:    g.GrantedBy,
		Timestamp: g.CreatedAt,
	})
	return nil
}

func (s *MemoryStore) SharedWith(ctx context.Context, userID string) ([]*domain.ShareGrant, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.ShareGrant
	for _, byUser := range s.grants {
		if g, ok := byUser[userID]; ok {
			if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
				continue
			}
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendHistory(ctx context.Context, entry *domain.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.histSeq++
	e.ID = s.histSeq
	s.history = append(s.history, &e)
	return nil
}

func (s *MemoryStore) History(ctx context.Context, anchorID string, limit int) ([]*domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.HistoryEntry
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		if s.history[i].AnchorID == anchorID {
			cp := *s.history[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CleanupExpired(ctx context.Context) (int64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for id, anchor := range s.anchors {
		if anchor.Expired(now) {
			delete(s.anchors, id)
			delete(s.grants, id)
			count++
		}
	}
	for anchorID, byUser := range s.grants {
		for user, g := range byUser {
			if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
				delete(byUser, user)
			}
		}
		if len(byUser) == 0 {
			delete(s.grants, anchorID)
		}
	}
	return count, nil
}
