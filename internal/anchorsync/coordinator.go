// Package anchorsync fans anchor mutations out to the session's connected
// clients. It tracks who is attached to each session and which anchor ids
// each client has subscribed to; the relay attaches clients at admission
// and routes subscribe/unsubscribe frames here.
//
// Fan-out rules: creates and updates reach peers that subscribed to the
// anchor id; deletes reach every peer so stale subscriptions get cleaned
// up. The originator never receives its own mutation back. Concurrent
// edits resolve last-writer-wins in server receive order.
package anchorsync

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/oriys/parallax/internal/anchor"
	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/logging"
	"github.com/oriys/parallax/internal/metrics"
	"github.com/oriys/parallax/internal/wire"
)

// DefaultBatchSize pages initial_anchors frames.
const DefaultBatchSize = 100

// Sink is the delivery side of an attached client. Enqueue must not
// block; it reports false when the client can no longer accept frames.
type Sink interface {
	Enqueue(data []byte) bool
}

type client struct {
	userID string
	sink   Sink

	mu   sync.Mutex
	subs map[string]struct{}
}

func (c *client) subscribe(anchorID string) {
	c.mu.Lock()
	c.subs[anchorID] = struct{}{}
	c.mu.Unlock()
}

func (c *client) unsubscribe(anchorID string) {
	c.mu.Lock()
	delete(c.subs, anchorID)
	c.mu.Unlock()
}

func (c *client) subscribed(anchorID string) bool {
	c.mu.Lock()
	_, ok := c.subs[anchorID]
	c.mu.Unlock()
	return ok
}

// Coordinator is the per-process sync registry. Safe for concurrent use.
type Coordinator struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*client

	anchors   *anchor.Manager
	batchSize int
	now       func() time.Time
}

// New builds a coordinator over the anchor manager. batchSize <= 0 uses
// DefaultBatchSize.
func New(anchors *anchor.Manager, batchSize int) *Coordinator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Coordinator{
		sessions:  make(map[string]map[string]*client),
		anchors:   anchors,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Attach registers a client and pages the session's current anchor set to
// it as initial_anchors batches. A session with no anchors emits nothing;
// the admission snapshot already told the client the set is empty.
func (c *Coordinator) Attach(sessionID, userID string, sink Sink) {
	cl := &client{userID: userID, sink: sink, subs: make(map[string]struct{})}

	c.mu.Lock()
	sess := c.sessions[sessionID]
	if sess == nil {
		sess = make(map[string]*client)
		c.sessions[sessionID] = sess
	}
	sess[userID] = cl
	c.mu.Unlock()

	anchors := c.anchors.BySession(sessionID)
	total := len(anchors)
	if total == 0 {
		return
	}
	batches := (total + c.batchSize - 1) / c.batchSize
	for i := 0; i < batches; i++ {
		end := (i + 1) * c.batchSize
		if end > total {
			end = total
		}
		c.send(cl, &wire.InitialAnchorBatch{
			Type:         wire.TypeInitialAnchors,
			BatchIndex:   i,
			TotalBatches: batches,
			TotalAnchors: total,
			Anchors:      anchors[i*c.batchSize : end],
		})
		metrics.RecordSyncMessage("initial_anchors")
	}
}

// Detach removes a client. Safe to call for unknown clients.
func (c *Coordinator) Detach(sessionID, userID string) {
	c.mu.Lock()
	if sess, ok := c.sessions[sessionID]; ok {
		delete(sess, userID)
		if len(sess) == 0 {
			delete(c.sessions, sessionID)
		}
	}
	c.mu.Unlock()
}

// Subscribe adds the anchor id to the client's set and answers with the
// current anchor state, nil when the id is unknown.
func (c *Coordinator) Subscribe(sessionID, userID, anchorID string) {
	c.mu.RLock()
	cl := c.sessions[sessionID][userID]
	c.mu.RUnlock()
	if cl == nil {
		return
	}
	cl.subscribe(anchorID)

	a, _ := c.anchors.Get(anchorID)
	c.send(cl, &wire.AnchorStateReply{
		Type:     wire.TypeAnchorState,
		AnchorID: anchorID,
		Anchor:   a,
	})
	metrics.RecordSyncMessage("subscribe_anchor")
}

// Unsubscribe drops the anchor id from the client's set.
func (c *Coordinator) Unsubscribe(sessionID, userID, anchorID string) {
	c.mu.RLock()
	cl := c.sessions[sessionID][userID]
	c.mu.RUnlock()
	if cl == nil {
		return
	}
	cl.unsubscribe(anchorID)
	metrics.RecordSyncMessage("unsubscribe_anchor")
}

// AnchorCreated fans a fresh anchor out to subscribed peers.
func (c *Coordinator) AnchorCreated(sessionID, originUserID string, a *domain.Anchor) {
	c.broadcast(sessionID, originUserID, wire.TypeAnchorCreated, a.ID, a, true)
	metrics.RecordSyncMessage("anchor_created")
}

// AnchorUpdated fans a mutation out to subscribed peers.
func (c *Coordinator) AnchorUpdated(sessionID, originUserID string, a *domain.Anchor) {
	c.broadcast(sessionID, originUserID, wire.TypeAnchorUpdated, a.ID, a, true)
	metrics.RecordSyncMessage("anchor_updated")
}

// AnchorDeleted reaches every peer regardless of subscription so clients
// drop references and subscriptions to the dead id.
func (c *Coordinator) AnchorDeleted(sessionID, originUserID, anchorID string) {
	c.broadcast(sessionID, originUserID, wire.TypeAnchorDeleted, anchorID, nil, false)
	metrics.RecordSyncMessage("anchor_deleted")

	// Dead ids no longer need per-client bookkeeping.
	c.mu.RLock()
	for _, cl := range c.sessions[sessionID] {
		cl.unsubscribe(anchorID)
	}
	c.mu.RUnlock()
}

func (c *Coordinator) broadcast(sessionID, originUserID string, t wire.Type, anchorID string, a *domain.Anchor, needSub bool) {
	c.mu.RLock()
	recipients := make([]*client, 0, len(c.sessions[sessionID]))
	for _, cl := range c.sessions[sessionID] {
		if cl.userID == originUserID {
			continue
		}
		if needSub && !cl.subscribed(anchorID) {
			continue
		}
		recipients = append(recipients, cl)
	}
	c.mu.RUnlock()

	if len(recipients) == 0 {
		return
	}
	event := &wire.AnchorEvent{
		Type:      t,
		AnchorID:  anchorID,
		UserID:    originUserID,
		Anchor:    a,
		Timestamp: c.now().UnixMilli(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		logging.Op().Error("marshal anchor event", "type", string(t), "error", err)
		return
	}
	for _, cl := range recipients {
		if !cl.sink.Enqueue(data) {
			logging.Op().Debug("sync enqueue refused", "session_id", sessionID, "user_id", cl.userID)
		}
	}
}

func (c *Coordinator) send(cl *client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Op().Error("marshal sync message", "error", err)
		return
	}
	cl.sink.Enqueue(data)
}

// Sessions reports how many sessions have attached clients.
func (c *Coordinator) Sessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Clients reports the attached client count for one session.
func (c *Coordinator) Clients(sessionID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions[sessionID])
}
