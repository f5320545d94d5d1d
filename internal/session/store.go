// Package session holds the live session table. Sessions are memory only
// and die with the process; durable state (anchors, share history) lives
// in the store package.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/metrics"
)

const (
	// DefaultMaxPlayers caps a session unless the creator asks for less.
	DefaultMaxPlayers = 8
	// DefaultIdleTimeout is how long every member may stay silent before
	// the sweeper retires the session.
	DefaultIdleTimeout = 90 * time.Second
)

// CreateOptions shape a new session.
type CreateOptions struct {
	MaxPlayers           int
	ColocalizationMethod domain.ColocalizationMethod
	CreatorUserID        string
}

// LeaveResult reports what a removal changed.
type LeaveResult struct {
	Removed   *domain.Player
	NewHostID string // non-empty when the host role moved
	Remaining int
}

// Store is the in-memory session table. A user is a member of at most one
// session at a time; the reverse index enforces that on Join.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*domain.Session
	userSession map[string]string
	joinSeq     int64

	maxPlayers  int
	idleTimeout time.Duration
	now         func() time.Time
}

// NewStore creates an empty session table.
func NewStore(maxPlayers int, idleTimeout time.Duration) *Store {
	if maxPlayers <= 0 {
		maxPlayers = DefaultMaxPlayers
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Store{
		sessions:    make(map[string]*domain.Session),
		userSession: make(map[string]string),
		maxPlayers:  maxPlayers,
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Create allocates a session. The creator is recorded as the intended host
// but is not a member until they join over the relay.
func (s *Store) Create(opts CreateOptions) *domain.Session {
	maxPlayers := opts.MaxPlayers
	if maxPlayers <= 0 || maxPlayers > s.maxPlayers {
		maxPlayers = s.maxPlayers
	}
	method := opts.ColocalizationMethod
	if !method.IsValid() {
		method = domain.ColocalizeQRCode
	}

	sess := &domain.Session{
		ID:                   uuid.NewString(),
		CreatedAt:            s.now(),
		HostUserID:           opts.CreatorUserID,
		MaxPlayers:           maxPlayers,
		ColocalizationMethod: method,
		Players:              make(map[string]*domain.Player),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	total := len(s.sessions)
	s.mu.Unlock()

	metrics.Global().RecordSessionCreated()
	metrics.SetActiveSessions(total)
	return snapshot(sess)
}

// Join admits a player. The first member becomes host regardless of who
// created the session, so a code joiner arriving before the creator still
// leaves the session in a hosted state. A user already in another session
// is silently removed from it first.
func (s *Store) Join(sessionID string, player *domain.Player) (*domain.Session, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if _, member := sess.Players[player.UserID]; !member && len(sess.Players) >= sess.MaxPlayers {
		return nil, domain.ErrSessionFull
	}

	if prevID, ok := s.userSession[player.UserID]; ok && prevID != sessionID {
		if prev, ok := s.sessions[prevID]; ok {
			s.removeLocked(prev, player.UserID)
		}
	}

	s.joinSeq++
	p := *player
	p.JoinTime = now
	p.JoinSeq = s.joinSeq
	p.LastPing = now
	p.IsHost = false

	sess.Players[p.UserID] = &p
	s.userSession[p.UserID] = sessionID

	if len(sess.Players) == 1 {
		p.IsHost = true
		sess.HostUserID = p.UserID
	} else if sess.HostUserID == p.UserID {
		p.IsHost = true
	}

	return snapshot(sess), nil
}

// Leave removes a player and re-elects the host if needed. The caller is
// responsible for deleting the session when Remaining hits zero.
func (s *Store) Leave(sessionID, userID string) (LeaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return LeaveResult{}, domain.ErrSessionNotFound
	}
	removed, ok := sess.Players[userID]
	if !ok {
		return LeaveResult{}, domain.ErrUserNotInSession
	}

	s.removeLocked(sess, userID)
	res := LeaveResult{Removed: removed, Remaining: len(sess.Players)}

	if removed.IsHost && len(sess.Players) > 0 {
		res.NewHostID = s.electHostLocked(sess)
		metrics.Global().RecordHostTransfer()
	}
	return res, nil
}

// Touch records inbound activity for a player.
func (s *Store) Touch(sessionID, userID string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		if p, ok := sess.Players[userID]; ok {
			p.LastPing = now
		}
	}
}

// SetPose stores the player's most recent pose.
func (s *Store) SetPose(sessionID, userID string, pose *domain.Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		if p, ok := sess.Players[userID]; ok {
			p.Pose = pose
		}
	}
}

// SetCoordinateSystem publishes the shared frame and marks the session
// colocalized. Only the relay calls this, after host checks.
func (s *Store) SetCoordinateSystem(sessionID string, cs *domain.CoordinateSystem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.CoordinateSystem = cs
	sess.IsColocalized = cs != nil
	return nil
}

// SetColocalized flips a single player's colocalization flag.
func (s *Store) SetColocalized(sessionID, userID string, colocalized bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	p, ok := sess.Players[userID]
	if !ok {
		return domain.ErrUserNotInSession
	}
	p.Colocalized = colocalized
	return nil
}

// Get returns a snapshot of the session.
func (s *Store) Get(sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return snapshot(sess), nil
}

// ByUser returns the session the user is currently in.
func (s *Store) ByUser(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.userSession[userID]
	return id, ok
}

// Roster returns the members ordered by join sequence.
func (s *Store) Roster(sessionID string) ([]domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	roster := make([]domain.Player, 0, len(sess.Players))
	for _, p := range sess.Players {
		roster = append(roster, *p)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].JoinSeq < roster[j].JoinSeq })
	return roster, nil
}

// CountHostedBy reports how many live sessions name the user as host.
// Session creation quotas check this.
func (s *Store) CountHostedBy(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.HostUserID == userID {
			n++
		}
	}
	return n
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Delete removes a session outright, clearing reverse index entries.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		for userID := range sess.Players {
			delete(s.userSession, userID)
		}
		delete(s.sessions, sessionID)
	}
	total := len(s.sessions)
	s.mu.Unlock()

	if ok {
		metrics.Global().RecordSessionClosed()
		metrics.SetActiveSessions(total)
	}
}

// Sweep removes empty sessions and sessions where every member has been
// silent past the idle threshold. Returns the ids removed so the caller
// can release share codes and drop lingering connections.
func (s *Store) Sweep() []string {
	now := s.now()
	cutoff := now.Add(-s.idleTimeout)

	s.mu.Lock()
	var dead []string
	for id, sess := range s.sessions {
		if len(sess.Players) == 0 {
			dead = append(dead, id)
			continue
		}
		idle := true
		for _, p := range sess.Players {
			if p.LastPing.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		for userID := range s.sessions[id].Players {
			delete(s.userSession, userID)
		}
		delete(s.sessions, id)
	}
	total := len(s.sessions)
	s.mu.Unlock()

	for range dead {
		metrics.Global().RecordSessionClosed()
	}
	if len(dead) > 0 {
		metrics.SetActiveSessions(total)
	}
	return dead
}

func (s *Store) removeLocked(sess *domain.Session, userID string) {
	delete(sess.Players, userID)
	delete(s.userSession, userID)
}

// electHostLocked promotes the earliest-joined remaining player, breaking
// ties by user id so every node elects the same host.
func (s *Store) electHostLocked(sess *domain.Session) string {
	var next *domain.Player
	for _, p := range sess.Players {
		if next == nil {
			next = p
			continue
		}
		if p.JoinSeq < next.JoinSeq || (p.JoinSeq == next.JoinSeq && p.UserID < next.UserID) {
			next = p
		}
	}
	if next == nil {
		return ""
	}
	next.IsHost = true
	sess.HostUserID = next.UserID
	return next.UserID
}

// snapshot copies the session so callers can read it without holding the
// store lock. Player and coordinate values are copied; pose pointers are
// shared but never mutated in place.
func snapshot(sess *domain.Session) *domain.Session {
	out := *sess
	out.Players = make(map[string]*domain.Player, len(sess.Players))
	for id, p := range sess.Players {
		cp := *p
		out.Players[id] = &cp
	}
	if sess.CoordinateSystem != nil {
		cs := *sess.CoordinateSystem
		out.CoordinateSystem = &cs
	}
	return &out
}
