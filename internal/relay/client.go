package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/logging"
)

// writeTimeout bounds a single frame write. A peer that cannot drain a
// frame inside it is treated like a failed send.
const writeTimeout = 5 * time.Second

// client is one connected socket. The reader runs in the HTTP handler
// goroutine; a dedicated writer drains the outbound queue so slow peers
// never block a broadcast.
type client struct {
	hub *Hub

	conn        *websocket.Conn
	sessionID   string
	userID      string
	displayName string
	isAnonymous bool
	perms       domain.Permissions

	out      chan []byte
	lastSeen atomic.Int64 // unix nanoseconds

	cancel    context.CancelFunc // tears down the read loop
	closeOnce sync.Once
	gone      atomic.Bool // set once the client must not receive more frames

	wg sync.WaitGroup // writer goroutine
}

func newClient(hub *Hub, conn *websocket.Conn, sessionID string, id *domain.Identity, perms domain.Permissions, cancel context.CancelFunc) *client {
	c := &client{
		hub:         hub,
		conn:        conn,
		sessionID:   sessionID,
		userID:      id.ID,
		displayName: id.DisplayName,
		isAnonymous: id.IsAnonymous(),
		perms:       perms,
		out:         make(chan []byte, hub.cfg.QueueSize),
		cancel:      cancel,
	}
	c.touch(hub.now())
	return c
}

func (c *client) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

func (c *client) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

// Enqueue hands a frame to the writer. It never blocks: a full queue
// means the peer stopped draining, so the client is marked for
// disconnection and the frame dropped. Implements anchorsync.Sink.
func (c *client) Enqueue(data []byte) bool {
	if c.gone.Load() {
		return false
	}
	select {
	case c.out <- data:
		return true
	default:
		logging.Op().Warn("outbound queue full, dropping client",
			"session_id", c.sessionID, "user_id", c.userID)
		c.shutdown()
		return false
	}
}

// send marshals and enqueues a server emission.
func (c *client) send(msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Op().Error("marshal outbound frame", "error", err)
		return false
	}
	return c.Enqueue(data)
}

// writeLoop is the single writer for this socket, preserving FIFO order
// per recipient. It exits when the queue closes or a write fails.
func (c *client) writeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case data, ok := <-c.out:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.shutdown()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// shutdown stops the reader, which owns all cleanup. Safe to call from
// any goroutine, any number of times.
func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		c.gone.Store(true)
		c.cancel()
	})
}
