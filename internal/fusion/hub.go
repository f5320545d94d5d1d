package fusion

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
)

// Hub owns one Tracker per (session, player) pair. The relay and the
// localization endpoints resolve trackers through it so both paths feed
// the same filter.
type Hub struct {
	cfg      Config
	trackers *xsync.Map[string, *Tracker]
}

// NewHub builds an empty hub; trackers are created on first use.
func NewHub(cfg Config) *Hub {
	return &Hub{
		cfg:      cfg.withDefaults(),
		trackers: xsync.NewMap[string, *Tracker](),
	}
}

func key(sessionID, userID string) string {
	return sessionID + "/" + userID
}

// Tracker returns the player's tracker, creating it when absent.
func (h *Hub) Tracker(sessionID, userID string) *Tracker {
	t, _ := h.trackers.LoadOrCompute(key(sessionID, userID), func() (*Tracker, bool) {
		return NewTracker(h.cfg), false
	})
	return t
}

// Peek returns the tracker without creating one.
func (h *Hub) Peek(sessionID, userID string) (*Tracker, bool) {
	return h.trackers.Load(key(sessionID, userID))
}

// Drop discards a player's tracker, typically on disconnect.
func (h *Hub) Drop(sessionID, userID string) {
	h.trackers.Delete(key(sessionID, userID))
}

// DropSession discards every tracker belonging to a session.
func (h *Hub) DropSession(sessionID string) {
	prefix := sessionID + "/"
	h.trackers.Range(func(k string, _ *Tracker) bool {
		if strings.HasPrefix(k, prefix) {
			h.trackers.Delete(k)
		}
		return true
	})
}

// Len reports the number of live trackers.
func (h *Hub) Len() int {
	return h.trackers.Size()
}
