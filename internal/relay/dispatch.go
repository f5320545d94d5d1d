package relay

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/parallax/internal/anchor"
	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/logging"
	"github.com/oriys/parallax/internal/metrics"
	"github.com/oriys/parallax/internal/ratelimit"
	"github.com/oriys/parallax/internal/wire"
)

// readLoop pulls frames off the socket in arrival order: rate limit,
// validate, touch liveness, dispatch. Per-message failures answer with an
// error frame and keep the socket open; only transport errors exit.
func (h *Handler) readLoop(ctx context.Context, c *client) {
	hub := h.hub
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		start := hub.now()

		decision := hub.deps.Limiter.Allow(ctx, ratelimit.KeyForUser(c.userID))
		if !decision.Allowed {
			metrics.Global().RecordRateLimited(decision.Scope)
			c.send(wire.NewError(domain.CodeRateLimitExceeded, "rate limit exceeded", decision.Scope))
			continue
		}

		msg, verr := hub.validator.Validate(data)
		if verr != nil {
			metrics.Global().RecordValidationFailure(frameType(data, msg), verr.Reason)
			c.send(wire.NewError(verr.Code, verr.Reason, verr.Details))
			continue
		}

		now := hub.now()
		c.touch(now)
		hub.deps.Sessions.Touch(c.sessionID, c.userID)
		hub.deps.Codes.Extend(c.sessionID)

		relayed := h.dispatch(ctx, c, msg, now)
		metrics.Global().RecordMessage(string(msg.MessageType()), hub.now().Sub(start).Microseconds(), relayed)
	}
}

// frameType extracts a type label for metrics without trusting the frame.
func frameType(data []byte, msg wire.Message) string {
	if msg != nil {
		return string(msg.MessageType())
	}
	if len(data) == 0 {
		return "empty"
	}
	return "unknown"
}

// dispatch routes one validated frame. Returns whether anything was
// relayed to peers.
func (h *Handler) dispatch(ctx context.Context, c *client, msg wire.Message, now time.Time) bool {
	switch m := msg.(type) {
	case *wire.PoseUpdate:
		return h.onPoseUpdate(c, m, now)
	case *wire.AnchorCreate:
		return h.onAnchorCreate(ctx, c, m, now)
	case *wire.AnchorUpdate:
		return h.onAnchorUpdate(ctx, c, m, now)
	case *wire.AnchorDelete:
		return h.onAnchorDelete(ctx, c, m, now)
	case *wire.ColocalizationData:
		return h.onColocalization(c, m, now)
	case *wire.ChatMessage:
		count := h.hub.broadcast(c.sessionID, c.userID, &wire.ChatBroadcast{
			Type:        wire.TypeChatMessage,
			UserID:      c.userID,
			DisplayName: c.displayName,
			Message:     m.Message,
			Timestamp:   now.UnixMilli(),
		}, nil)
		return count > 0
	case *wire.Ping:
		c.send(&wire.Pong{
			Type:       wire.TypePong,
			ServerTime: now.UnixMilli(),
			ClientTime: m.ClientTime,
			Timestamp:  now.UnixMilli(),
		})
		return false
	case *wire.Pong:
		// Liveness was already refreshed by the read pipeline.
		return false
	case *wire.SubscribeAnchor:
		h.hub.deps.Sync.Subscribe(c.sessionID, c.userID, m.AnchorID)
		return false
	case *wire.UnsubscribeAnchor:
		h.hub.deps.Sync.Unsubscribe(c.sessionID, c.userID, m.AnchorID)
		return false
	default:
		c.send(wire.NewError(domain.CodeValidationError, "unsupported message type", string(msg.MessageType())))
		return false
	}
}

// onPoseUpdate stores the sample, feeds fusion, and relays the pose to
// colocalized peers only; everyone else has no shared frame to put it in.
func (h *Handler) onPoseUpdate(c *client, m *wire.PoseUpdate, now time.Time) bool {
	confidence := 1.0
	if m.Confidence != nil {
		confidence = *m.Confidence
	}
	state := m.TrackingState
	if state == "" {
		state = domain.TrackingActive
	}

	pose := &domain.Pose{
		Timestamp:     time.UnixMilli(m.Timestamp),
		Position:      m.Position,
		Rotation:      m.Rotation,
		Confidence:    confidence,
		TrackingState: state,
		Source:        domain.SourceSLAM,
	}
	h.hub.deps.Sessions.SetPose(c.sessionID, c.userID, pose)
	h.hub.deps.Fusion.Tracker(c.sessionID, c.userID).Submit(*pose)

	count := h.hub.broadcast(c.sessionID, c.userID, &wire.PoseBroadcast{
		Type:          wire.TypePoseUpdate,
		UserID:        c.userID,
		Position:      m.Position,
		Rotation:      m.Rotation,
		TrackingState: state,
		Confidence:    confidence,
		Timestamp:     now.UnixMilli(),
	}, func(p domain.Player) bool { return p.Colocalized })
	return count > 0
}

func (h *Handler) onAnchorCreate(ctx context.Context, c *client, m *wire.AnchorCreate, now time.Time) bool {
	if !c.perms.CanCreateAnchors {
		c.send(wire.NewError(domain.CodePermissionDenied, "anchor creation not permitted", ""))
		return false
	}

	var lifetime time.Duration
	if m.Lifetime > 0 {
		lifetime = time.Duration(m.Lifetime) * time.Second
	}
	a, err := h.hub.deps.Anchors.Create(ctx, anchor.CreateRequest{
		AnchorID:   m.AnchorID,
		SessionID:  c.sessionID,
		UserID:     c.userID,
		Position:   m.Position,
		Rotation:   m.Rotation,
		AnchorType: m.AnchorType,
		Metadata:   m.Metadata,
		Lifetime:   lifetime,
	})
	if err != nil {
		c.send(anchorError(err))
		return false
	}

	// The creator gets a direct confirmation carrying the minted id; the
	// sync engine covers subscribed peers.
	c.send(&wire.AnchorEvent{
		Type:      wire.TypeAnchorCreated,
		AnchorID:  a.ID,
		UserID:    c.userID,
		Anchor:    a,
		Timestamp: now.UnixMilli(),
	})
	h.hub.deps.Sync.AnchorCreated(c.sessionID, c.userID, a)
	return true
}

func (h *Handler) onAnchorUpdate(ctx context.Context, c *client, m *wire.AnchorUpdate, now time.Time) bool {
	if !h.canTouchAnchor(c, m.AnchorID) {
		c.send(wire.NewError(domain.CodePermissionDenied, "anchor update not permitted", m.AnchorID))
		return false
	}

	a, err := h.hub.deps.Anchors.Update(ctx, m.AnchorID, anchor.UpdateRequest{
		Position:      m.Position,
		Rotation:      m.Rotation,
		Confidence:    m.Confidence,
		TrackingState: m.TrackingState,
		Metadata:      m.Metadata,
	})
	if err != nil {
		c.send(anchorError(err))
		return false
	}

	h.hub.deps.Sync.AnchorUpdated(c.sessionID, c.userID, a)
	return true
}

func (h *Handler) onAnchorDelete(ctx context.Context, c *client, m *wire.AnchorDelete, now time.Time) bool {
	if !h.canTouchAnchor(c, m.AnchorID) {
		c.send(wire.NewError(domain.CodePermissionDenied, "anchor delete not permitted", m.AnchorID))
		return false
	}

	a, err := h.hub.deps.Anchors.Delete(ctx, m.AnchorID, c.userID)
	if err != nil {
		c.send(anchorError(err))
		return false
	}
	if a == nil {
		// Idempotent delete of an unknown id; nothing to announce.
		return false
	}

	h.hub.deps.Sync.AnchorDeleted(c.sessionID, c.userID, m.AnchorID)
	return true
}

// canTouchAnchor applies the mutation policy: creators may always touch
// their own anchors; others need the delete/moderate grant.
func (h *Handler) canTouchAnchor(c *client, anchorID string) bool {
	a, err := h.hub.deps.Anchors.Get(anchorID)
	if err != nil || a == nil {
		// Let the manager produce the not-found answer.
		return true
	}
	if a.UserID == c.userID {
		return true
	}
	return c.perms.CanDeleteAnchors || c.perms.CanModerate
}

// onColocalization handles alignment progress. Host frames carrying a
// coordinate system re-anchor the session; everyone may update their own
// colocalized flag; an embedded absolute fix feeds fusion.
func (h *Handler) onColocalization(c *client, m *wire.ColocalizationData, now time.Time) bool {
	hub := h.hub

	if m.Colocalized != nil {
		if err := hub.deps.Sessions.SetColocalized(c.sessionID, c.userID, *m.Colocalized); err != nil {
			logging.Op().Debug("set colocalized", "user_id", c.userID, "error", err)
		}
	}

	if m.Position != nil && m.Rotation != nil {
		confidence := 1.0
		if m.Confidence != nil {
			confidence = *m.Confidence
		}
		hub.deps.Fusion.Tracker(c.sessionID, c.userID).Submit(domain.Pose{
			Timestamp:     now,
			Position:      *m.Position,
			Rotation:      *m.Rotation,
			Confidence:    confidence,
			TrackingState: domain.TrackingActive,
			Source:        domain.SourceVPS,
		})
	}

	if m.CoordinateSystem == nil {
		return false
	}
	sess, err := hub.deps.Sessions.Get(c.sessionID)
	if err != nil || sess.HostUserID != c.userID {
		// Only the host publishes the shared frame; silently ignore the
		// payload but keep the colocalized flag update above.
		return false
	}
	if err := hub.deps.Sessions.SetCoordinateSystem(c.sessionID, m.CoordinateSystem); err != nil {
		return false
	}
	hub.deps.Sessions.SetColocalized(c.sessionID, c.userID, true)

	count := hub.broadcast(c.sessionID, c.userID, &wire.CoordinateSystemUpdate{
		Type:             wire.TypeCoordinateSystem,
		Method:           m.Method,
		CoordinateSystem: m.CoordinateSystem,
		Timestamp:        now.UnixMilli(),
	}, nil)
	return count > 0
}

// anchorError maps manager failures to protocol error frames.
func anchorError(err error) *wire.ErrorMessage {
	switch {
	case errors.Is(err, domain.ErrAnchorLimit):
		return wire.NewError(domain.CodeAnchorLimitExceeded, "anchor limit exceeded", err.Error())
	case errors.Is(err, domain.ErrAnchorNotFound):
		return wire.NewError(domain.CodeAnchorNotFound, "anchor not found", "")
	case errors.Is(err, domain.ErrValidation):
		return wire.NewError(domain.CodeValidationError, "invalid anchor payload", err.Error())
	case errors.Is(err, domain.ErrPermissionDenied):
		return wire.NewError(domain.CodePermissionDenied, "not permitted", "")
	case errors.Is(err, domain.ErrPersistence):
		return wire.NewError(domain.CodePersistenceError, "anchor store unavailable", "")
	default:
		return wire.NewError(domain.CodeInternal, "internal error", "")
	}
}
