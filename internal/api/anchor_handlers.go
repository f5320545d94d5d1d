package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/oriys/parallax/internal/anchor"
	"github.com/oriys/parallax/internal/auth"
	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/wire"
)

// placementRules carries the protocol bounds for positions and rotations,
// shared with the WebSocket validator.
var placementRules = wire.NewValidator()

// requireIdentity fetches the authenticated caller, writing a 401 when the
// request somehow bypassed the auth middleware.
func requireIdentity(w http.ResponseWriter, r *http.Request) *domain.Identity {
	identity := auth.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, domain.CodeAuthFailed, "authentication required")
	}
	return identity
}

// CreateAnchor handles POST /api/v1/anchors. The caller must hold a seat
// in the target session (or be its recorded creator awaiting admission).
func (h *Handler) CreateAnchor(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}

	var req struct {
		AnchorID   string         `json:"anchor_id"`
		SessionID  string         `json:"session_id"`
		Position   [3]float64     `json:"position"`
		Rotation   [4]float64     `json:"rotation"`
		AnchorType string         `json:"anchor_type"`
		Metadata   map[string]any `json:"metadata"`
		Lifetime   int64          `json:"lifetime"` // seconds
	}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidJSON, "invalid JSON")
		return
	}

	perms := auth.PermissionsFor(identity)
	if !perms.CanCreateAnchors {
		writeError(w, http.StatusForbidden, domain.CodePermissionDenied, "anchor creation not permitted")
		return
	}

	sess, err := h.Sessions.Get(req.SessionID)
	if err != nil {
		respondError(w, err)
		return
	}
	if _, member := sess.Players[identity.ID]; !member && sess.HostUserID != identity.ID {
		writeError(w, http.StatusForbidden, domain.CodePermissionDenied, "not a member of this session")
		return
	}

	if err := placementRules.CheckPlacement(req.Position, req.Rotation); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidationError, err.Error())
		return
	}

	var lifetime time.Duration
	if req.Lifetime > 0 {
		lifetime = time.Duration(req.Lifetime) * time.Second
	}
	a, err := h.Anchors.Create(r.Context(), anchor.CreateRequest{
		AnchorID:   req.AnchorID,
		SessionID:  req.SessionID,
		UserID:     identity.ID,
		Position:   req.Position,
		Rotation:   req.Rotation,
		AnchorType: domain.AnchorType(req.AnchorType),
		Metadata:   req.Metadata,
		Lifetime:   lifetime,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	if h.Sync != nil {
		h.Sync.AnchorCreated(a.SessionID, identity.ID, a)
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAnchor handles GET /api/v1/anchors/{id}.
func (h *Handler) GetAnchor(w http.ResponseWriter, r *http.Request) {
	a, err := h.Anchors.Get(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// UpdateAnchor handles PUT /api/v1/anchors/{id}: a partial mutation.
// Absent fields keep their values; metadata is shallow-merged.
func (h *Handler) UpdateAnchor(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	id := r.PathValue("id")

	var req struct {
		Position      *[3]float64    `json:"position"`
		Rotation      *[4]float64    `json:"rotation"`
		Confidence    *float64       `json:"confidence"`
		TrackingState *string        `json:"tracking_state"`
		Metadata      map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidJSON, "invalid JSON")
		return
	}

	if !h.canTouchAnchor(identity, id) {
		writeError(w, http.StatusForbidden, domain.CodePermissionDenied, "anchor update not permitted")
		return
	}
	if err := checkPartialPlacement(req.Position, req.Rotation); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidationError, err.Error())
		return
	}

	var state *domain.TrackingState
	if req.TrackingState != nil {
		s := domain.TrackingState(*req.TrackingState)
		state = &s
	}
	a, err := h.Anchors.Update(r.Context(), id, anchor.UpdateRequest{
		Position:      req.Position,
		Rotation:      req.Rotation,
		Confidence:    req.Confidence,
		TrackingState: state,
		Metadata:      req.Metadata,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	if h.Sync != nil {
		h.Sync.AnchorUpdated(a.SessionID, identity.ID, a)
	}
	writeJSON(w, http.StatusOK, a)
}

// DeleteAnchor handles DELETE /api/v1/anchors/{id}. Deleting an unknown id
// succeeds; the operation is idempotent.
func (h *Handler) DeleteAnchor(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	id := r.PathValue("id")

	if !h.canTouchAnchor(identity, id) {
		writeError(w, http.StatusForbidden, domain.CodePermissionDenied, "anchor delete not permitted")
		return
	}

	a, err := h.Anchors.Delete(r.Context(), id, identity.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	if a != nil && h.Sync != nil {
		h.Sync.AnchorDeleted(a.SessionID, identity.ID, id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueryAnchors handles POST /api/v1/anchors/query.
func (h *Handler) QueryAnchors(w http.ResponseWriter, r *http.Request) {
	if identity := requireIdentity(w, r); identity == nil {
		return
	}

	var req struct {
		SessionID     string      `json:"session_id"`
		UserID        string      `json:"user_id"`
		AnchorType    string      `json:"anchor_type"`
		TrackingState string      `json:"tracking_state"`
		MinConfidence float64     `json:"min_confidence"`
		Position      *[3]float64 `json:"position"`
		Radius        float64     `json:"radius"`
		Limit         int         `json:"limit"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidJSON, "invalid JSON")
		return
	}

	anchors, err := h.Anchors.Find(r.Context(), anchor.Query{
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		AnchorType:    domain.AnchorType(req.AnchorType),
		TrackingState: domain.TrackingState(req.TrackingState),
		MinConfidence: req.MinConfidence,
		Position:      req.Position,
		Radius:        req.Radius,
		Limit:         req.Limit,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"anchors": anchors,
		"count":   len(anchors),
	})
}

// SessionAnchors handles GET /api/v1/sessions/{id}/anchors.
func (h *Handler) SessionAnchors(w http.ResponseWriter, r *http.Request) {
	if identity := requireIdentity(w, r); identity == nil {
		return
	}
	sessionID := r.PathValue("id")

	anchors := h.Anchors.BySession(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"anchors":    anchors,
		"count":      len(anchors),
	})
}

// NearbyAnchors handles GET /api/v1/anchors/nearby?x&y&z&radius&limit.
func (h *Handler) NearbyAnchors(w http.ResponseWriter, r *http.Request) {
	if identity := requireIdentity(w, r); identity == nil {
		return
	}

	q := r.URL.Query()
	var pos [3]float64
	for i, name := range []string{"x", "y", "z"} {
		v, err := strconv.ParseFloat(q.Get(name), 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, domain.CodeValidationError, name+" must be a number")
			return
		}
		pos[i] = v
	}
	radius, err := strconv.ParseFloat(q.Get("radius"), 64)
	if err != nil || radius <= 0 {
		writeError(w, http.StatusBadRequest, domain.CodeValidationError, "radius must be a positive number")
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, domain.CodeValidationError, "limit must be a non-negative integer")
			return
		}
	}

	anchors, err := h.Anchors.Find(r.Context(), anchor.Query{
		Position: &pos,
		Radius:   radius,
		Limit:    limit,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"anchors": anchors,
		"count":   len(anchors),
	})
}

// ShareAnchor handles POST /api/v1/anchors/{id}/share. The grant is
// attributed to the authenticated caller; anonymous identities may not
// grant access.
func (h *Handler) ShareAnchor(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	if identity.IsAnonymous() {
		writeError(w, http.StatusForbidden, domain.CodePermissionDenied, "anonymous users cannot share anchors")
		return
	}
	id := r.PathValue("id")

	var req struct {
		SharedWithUser string `json:"shared_with_user"`
		Permission     string `json:"permission_level"`
		ExpiresIn      int64  `json:"expires_in"` // seconds, 0 = no expiry
	}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidJSON, "invalid JSON")
		return
	}
	if req.SharedWithUser == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationError, "shared_with_user is required")
		return
	}
	permission := domain.SharePermission(req.Permission)
	if req.Permission == "" {
		permission = domain.ShareRead
	}
	if !permission.IsValid() {
		writeError(w, http.StatusBadRequest, domain.CodeValidationError, "invalid permission_level")
		return
	}

	a, err := h.Anchors.Get(id)
	if err != nil {
		respondError(w, err)
		return
	}
	if a.UserID != identity.ID && !auth.PermissionsFor(identity).CanModerate {
		writeError(w, http.StatusForbidden, domain.CodePermissionDenied, "only the anchor owner may share it")
		return
	}

	grant := &domain.ShareGrant{
		AnchorID:       a.ID,
		SharedWithUser: req.SharedWithUser,
		GrantedBy:      identity.ID,
		Permission:     permission,
		CreatedAt:      time.Now().UTC(),
	}
	if req.ExpiresIn > 0 {
		t := grant.CreatedAt.Add(time.Duration(req.ExpiresIn) * time.Second)
		grant.ExpiresAt = &t
	}
	if err := h.Persist.ShareAnchor(r.Context(), grant); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

// SharedAnchors handles GET /api/v1/users/{id}/shared-anchors. Callers see
// their own grants; moderators may inspect anyone's.
func (h *Handler) SharedAnchors(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	userID := r.PathValue("id")
	if userID != identity.ID && !auth.PermissionsFor(identity).CanModerate {
		writeError(w, http.StatusForbidden, domain.CodePermissionDenied, "cannot view another user's grants")
		return
	}

	grants, err := h.Persist.SharedWith(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}

	// Resolve each grant against the durable store; anchors shared from a
	// previous process life are not in the live set.
	type sharedAnchor struct {
		Anchor     *domain.Anchor         `json:"anchor"`
		Permission domain.SharePermission `json:"permission_level"`
		GrantedBy  string                 `json:"granted_by"`
	}
	out := make([]sharedAnchor, 0, len(grants))
	for _, g := range grants {
		a, err := h.Persist.GetAnchor(r.Context(), g.AnchorID)
		if err != nil {
			continue
		}
		out = append(out, sharedAnchor{Anchor: a, Permission: g.Permission, GrantedBy: g.GrantedBy})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"anchors": out,
		"count":   len(out),
	})
}

// canTouchAnchor applies the mutation policy shared with the relay:
// creators may always touch their own anchors; others need the
// delete/moderate grant. Unknown ids pass so the manager can produce the
// not-found answer.
func (h *Handler) canTouchAnchor(identity *domain.Identity, anchorID string) bool {
	a, err := h.Anchors.Get(anchorID)
	if err != nil || a == nil {
		return true
	}
	if a.UserID == identity.ID {
		return true
	}
	perms := auth.PermissionsFor(identity)
	return perms.CanDeleteAnchors || perms.CanModerate
}

// checkPartialPlacement validates whichever placement fields an update
// carries.
func checkPartialPlacement(position *[3]float64, rotation *[4]float64) error {
	pos := [3]float64{}
	rot := [4]float64{0, 0, 0, 1}
	if position != nil {
		pos = *position
	}
	if rotation != nil {
		rot = *rotation
	}
	return placementRules.CheckPlacement(pos, rot)
}
