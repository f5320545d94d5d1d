// Package relay owns the WebSocket fan-out plane: admission, per-session
// client registries, message dispatch, and liveness sweeping. One Hub
// serves the whole process; each accepted socket gets a reader (the HTTP
// handler goroutine) and a writer draining a bounded outbound queue.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/oriys/parallax/internal/anchor"
	"github.com/oriys/parallax/internal/anchorsync"
	"github.com/oriys/parallax/internal/auth"
	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/fusion"
	"github.com/oriys/parallax/internal/logging"
	"github.com/oriys/parallax/internal/metrics"
	"github.com/oriys/parallax/internal/ratelimit"
	"github.com/oriys/parallax/internal/session"
	"github.com/oriys/parallax/internal/sharecode"
	"github.com/oriys/parallax/internal/wire"
)

// Close codes beyond the RFC set: authentication and authorization
// failures at admission.
const (
	CloseAuthFailed   websocket.StatusCode = 4001
	CloseAccessDenied websocket.StatusCode = 4003
)

// Config tunes the hub. Zero values fall back to defaults.
type Config struct {
	// Heartbeat is the sweep interval for idle detection.
	Heartbeat time.Duration
	// IdleTimeout removes clients silent for longer than this.
	IdleTimeout time.Duration
	// QueueSize bounds each client's outbound queue.
	QueueSize int
	// MaxMessageBytes caps a single inbound frame.
	MaxMessageBytes int64
}

// DefaultConfig returns the production relay settings.
func DefaultConfig() Config {
	return Config{
		Heartbeat:       30 * time.Second,
		IdleTimeout:     90 * time.Second,
		QueueSize:       64,
		MaxMessageBytes: 64 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Heartbeat <= 0 {
		c.Heartbeat = d.Heartbeat
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	return c
}

// Deps wires the hub to the rest of the process.
type Deps struct {
	Sessions *session.Store
	Codes    *sharecode.Directory
	Anchors  *anchor.Manager
	Sync     *anchorsync.Coordinator
	Fusion   *fusion.Hub
	Tokens   *auth.Manager
	Limiter  *ratelimit.Limiter
}

// Hub is the connection registry and broadcast engine.
type Hub struct {
	cfg       Config
	deps      Deps
	validator *wire.Validator

	mu      sync.RWMutex
	clients map[string]map[string]*client // session id -> user id -> client
	total   int

	now func() time.Time

	done      chan struct{}
	closeOnce sync.Once
	sweepWG   sync.WaitGroup
}

// NewHub builds the hub and starts its idle sweeper.
func NewHub(cfg Config, deps Deps) *Hub {
	h := &Hub{
		cfg:       cfg.withDefaults(),
		deps:      deps,
		validator: wire.NewValidator(),
		clients:   make(map[string]map[string]*client),
		now:       time.Now,
		done:      make(chan struct{}),
	}
	h.sweepWG.Add(1)
	go h.sweepLoop()
	return h
}

// register adds the client to the session registry, displacing any stale
// connection for the same user.
func (h *Hub) register(c *client) {
	var stale *client

	h.mu.Lock()
	sess := h.clients[c.sessionID]
	if sess == nil {
		sess = make(map[string]*client)
		h.clients[c.sessionID] = sess
	}
	if prev, ok := sess[c.userID]; ok {
		stale = prev
	}
	sess[c.userID] = c
	h.total = h.countLocked()
	total := h.total
	h.mu.Unlock()

	if stale != nil {
		stale.shutdown()
	}
	metrics.Global().RecordConnectionOpened()
	metrics.SetActiveClients(total)
}

func (h *Hub) countLocked() int {
	n := 0
	for _, sess := range h.clients {
		n += len(sess)
	}
	return n
}

// lookup returns the registered client for a user, if any.
func (h *Hub) lookup(sessionID, userID string) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[sessionID][userID]
	return c, ok
}

// drop tears a client down: registry removal, session leave, peer
// notifications, and empty-session cleanup. Exactly one caller wins; the
// reader goroutine invokes it on exit.
func (h *Hub) drop(c *client, reason string) {
	c.shutdown()

	h.mu.Lock()
	sess, ok := h.clients[c.sessionID]
	if !ok || sess[c.userID] != c {
		// Already removed, or displaced by a newer connection for the
		// same user; the newer one owns the session membership now.
		h.mu.Unlock()
		return
	}
	delete(sess, c.userID)
	if len(sess) == 0 {
		delete(h.clients, c.sessionID)
	}
	h.total = h.countLocked()
	total := h.total
	h.mu.Unlock()

	h.deps.Sync.Detach(c.sessionID, c.userID)
	h.deps.Fusion.Drop(c.sessionID, c.userID)
	h.deps.Limiter.Forget(context.Background(), ratelimit.KeyForUser(c.userID))

	res, err := h.deps.Sessions.Leave(c.sessionID, c.userID)
	if err == nil && res.Removed != nil {
		now := h.now().UnixMilli()
		h.broadcast(c.sessionID, c.userID, &wire.UserLeft{
			Type:      wire.TypeUserLeft,
			UserID:    c.userID,
			Reason:    reason,
			Timestamp: now,
		}, nil)
		if res.NewHostID != "" {
			h.broadcast(c.sessionID, "", &wire.HostChanged{
				Type:      wire.TypeHostChanged,
				UserID:    res.NewHostID,
				Timestamp: now,
			}, nil)
		}
		if res.Remaining == 0 {
			h.reapSession(c.sessionID)
		}
	}

	metrics.Global().RecordConnectionClosed()
	metrics.SetActiveClients(total)
	logging.Op().Info("client disconnected",
		"session_id", c.sessionID, "user_id", c.userID, "reason", reason)
}

// reapSession releases everything owned by a now-empty session.
func (h *Hub) reapSession(sessionID string) {
	h.deps.Sessions.Delete(sessionID)
	h.deps.Codes.Release(sessionID)
	h.deps.Anchors.DropSession(sessionID)
	h.deps.Fusion.DropSession(sessionID)
}

// broadcast marshals msg once and enqueues it to every session member
// except exceptUserID. filter, when non-nil, further narrows recipients
// by their membership state. Returns the recipient count.
func (h *Hub) broadcast(sessionID, exceptUserID string, msg any, filter func(domain.Player) bool) int {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Op().Error("marshal broadcast", "error", err)
		return 0
	}

	var allowed map[string]bool
	if filter != nil {
		roster, err := h.deps.Sessions.Roster(sessionID)
		if err != nil {
			return 0
		}
		allowed = make(map[string]bool, len(roster))
		for _, p := range roster {
			if filter(p) {
				allowed[p.UserID] = true
			}
		}
	}

	h.mu.RLock()
	recipients := make([]*client, 0, len(h.clients[sessionID]))
	for userID, cl := range h.clients[sessionID] {
		if userID == exceptUserID {
			continue
		}
		if allowed != nil && !allowed[userID] {
			continue
		}
		recipients = append(recipients, cl)
	}
	h.mu.RUnlock()

	for _, cl := range recipients {
		cl.Enqueue(data)
	}
	return len(recipients)
}

// sweepLoop disconnects clients idle past the timeout. Liveness is driven
// by inbound frames; a silent socket eventually falls out even when the
// TCP connection looks healthy.
func (h *Hub) sweepLoop() {
	defer h.sweepWG.Done()
	ticker := time.NewTicker(h.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.sweepIdle()
		}
	}
}

func (h *Hub) sweepIdle() {
	now := h.now()

	h.mu.RLock()
	var idle []*client
	for _, sess := range h.clients {
		for _, cl := range sess {
			if cl.idleSince(now) > h.cfg.IdleTimeout {
				idle = append(idle, cl)
			}
		}
	}
	h.mu.RUnlock()

	for _, cl := range idle {
		logging.Op().Info("dropping idle client",
			"session_id", cl.sessionID, "user_id", cl.userID, "idle", cl.idleSince(now).String())
		cl.shutdown()
	}
}

// Clients reports the connected client count.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// Shutdown stops the sweeper and closes every socket with a going-away
// code. Writers drain their queues before the connections die.
func (h *Hub) Shutdown(ctx context.Context) {
	h.closeOnce.Do(func() { close(h.done) })
	h.sweepWG.Wait()

	h.mu.RLock()
	all := make([]*client, 0, h.total)
	for _, sess := range h.clients {
		for _, cl := range sess {
			all = append(all, cl)
		}
	}
	h.mu.RUnlock()

	for _, cl := range all {
		cl.conn.Close(websocket.StatusGoingAway, "server shutting down")
		cl.shutdown()
	}

	// Readers own cleanup; give them until the deadline to finish.
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	if d, ok := ctx.Deadline(); ok {
		deadline.Reset(time.Until(d))
	}
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for {
		if h.Clients() == 0 {
			return
		}
		select {
		case <-deadline.C:
			return
		case <-poll.C:
		}
	}
}
