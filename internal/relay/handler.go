package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/oriys/parallax/internal/auth"
	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/logging"
	"github.com/oriys/parallax/internal/sharecode"
	"github.com/oriys/parallax/internal/wire"
)

// Handler exposes the hub over HTTP.
type Handler struct {
	hub *Hub
}

// NewHandler wraps a hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes mounts the WebSocket entrypoint.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{target}", h.handleSocket)
}

// handleSocket runs admission and then becomes the socket's read loop.
// Close codes: 1003 malformed target, 4001 authentication, 4003 policy
// (unknown session, unknown code, banned, or full).
func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logging.Op().Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.hub.cfg.MaxMessageBytes)

	target := strings.TrimSpace(r.PathValue("target"))
	sessionID, status, reason := h.resolveTarget(target)
	if status != 0 {
		conn.Close(status, reason)
		return
	}

	identity, err := h.authenticate(r)
	if err != nil {
		conn.Close(CloseAuthFailed, "authentication failed")
		return
	}
	perms := auth.PermissionsFor(identity)
	if !perms.CanJoin {
		conn.Close(CloseAccessDenied, "access denied")
		return
	}

	player := &domain.Player{
		UserID:      identity.ID,
		DisplayName: identity.DisplayName,
		Permissions: perms,
		IsAnonymous: identity.IsAnonymous(),
	}
	sess, err := h.hub.deps.Sessions.Join(sessionID, player)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionFull):
			conn.Close(CloseAccessDenied, "session full")
		case errors.Is(err, domain.ErrSessionNotFound):
			conn.Close(CloseAccessDenied, "session not found")
		default:
			conn.Close(websocket.StatusInternalError, "join failed")
		}
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := newClient(h.hub, conn, sessionID, identity, perms, cancel)

	// The admission snapshot must be the first frame on this socket, so
	// it goes into the queue before the client becomes broadcast-visible.
	c.send(h.snapshot(sess, c))

	c.wg.Add(1)
	go c.writeLoop(ctx)

	h.hub.register(c)
	h.hub.deps.Sync.Attach(sessionID, c.userID, c)

	h.hub.broadcast(sessionID, c.userID, &wire.UserJoined{
		Type:        wire.TypeUserJoined,
		UserID:      c.userID,
		DisplayName: c.displayName,
		IsHost:      sess.HostUserID == c.userID,
		Timestamp:   h.hub.now().UnixMilli(),
	}, nil)

	logging.Op().Info("client connected",
		"session_id", sessionID, "user_id", c.userID, "anonymous", c.isAnonymous)

	h.readLoop(ctx, c)

	h.hub.drop(c, "disconnect")
	c.wg.Wait()
}

// resolveTarget classifies the path segment as a share code or session id.
// A non-zero status means the socket should close with it.
func (h *Handler) resolveTarget(target string) (sessionID string, status websocket.StatusCode, reason string) {
	if target == "" {
		return "", websocket.StatusUnsupportedData, "missing session id or share code"
	}
	if sharecode.IsCode(target) {
		id, err := h.hub.deps.Codes.Resolve(target)
		if err != nil {
			return "", CloseAccessDenied, "unknown share code"
		}
		return id, 0, ""
	}
	if _, err := uuid.Parse(target); err != nil {
		return "", websocket.StatusUnsupportedData, "malformed session id"
	}
	return target, 0, ""
}

// authenticate parses the token from the query string or Authorization
// header; absent tokens mint an anonymous identity.
func (h *Handler) authenticate(r *http.Request) (*domain.Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
			token = strings.TrimPrefix(bearer, "Bearer ")
		}
	}
	if token == "" {
		return auth.NewAnonymousIdentity(), nil
	}
	return h.hub.deps.Tokens.Parse(r.Context(), token)
}

// snapshot builds the session_state frame for a freshly admitted client.
func (h *Handler) snapshot(sess *domain.Session, c *client) *wire.SessionState {
	state := &wire.SessionState{
		Type:                 wire.TypeSessionState,
		SessionID:            sess.ID,
		HostUserID:           sess.HostUserID,
		ColocalizationMethod: sess.ColocalizationMethod,
		CoordinateSystem:     sess.CoordinateSystem,
		IsColocalized:        sess.IsColocalized,
		YourUserID:           c.userID,
		IsHost:               sess.HostUserID == c.userID,
		Anchors:              h.hub.deps.Anchors.BySession(sess.ID),
	}
	if code, ok := h.hub.deps.Codes.CodeFor(sess.ID); ok {
		state.ShareCode = code
	}
	if roster, err := h.hub.deps.Sessions.Roster(sess.ID); err == nil {
		state.Players = make([]wire.RosterEntry, 0, len(roster))
		for _, p := range roster {
			state.Players = append(state.Players, wire.RosterEntry{
				UserID:      p.UserID,
				DisplayName: p.DisplayName,
				IsHost:      p.IsHost,
				Colocalized: p.Colocalized,
			})
		}
	}
	return state
}
