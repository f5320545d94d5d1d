package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/oriys/parallax/internal/auth"
	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/logging"
	"github.com/oriys/parallax/internal/session"
	"github.com/oriys/parallax/internal/sharecode"
)

// maxDisplayNameLen caps caller-chosen display names.
const maxDisplayNameLen = 64

// CreateSession handles POST /api/v1/session/create (authenticated).
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, domain.CodeAuthFailed, "authentication required")
		return
	}

	var req struct {
		MaxPlayers           int    `json:"max_players"`
		ColocalizationMethod string `json:"colocalization_method"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidJSON, "invalid JSON")
		return
	}

	perms := auth.PermissionsFor(identity)
	if h.Sessions.CountHostedBy(identity.ID) >= perms.MaxSessions {
		writeError(w, http.StatusForbidden, domain.CodePermissionDenied, "session quota reached")
		return
	}

	sess := h.Sessions.Create(session.CreateOptions{
		MaxPlayers:           req.MaxPlayers,
		ColocalizationMethod: domain.ColocalizationMethod(req.ColocalizationMethod),
		CreatorUserID:        identity.ID,
	})
	logging.Op().Info("session created", "session_id", sess.ID, "user_id", identity.ID)

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":            sess.ID,
		"max_players":           sess.MaxPlayers,
		"colocalization_method": sess.ColocalizationMethod,
	})
}

// CreateAnonymousSession handles POST /api/v1/session/anonymous/create.
// It mints a guest identity and a share code. The creator is recorded as
// the intended host but occupies no roster seat until they connect.
func (h *Handler) CreateAnonymousSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxPlayers           int    `json:"max_players"`
		ColocalizationMethod string `json:"colocalization_method"`
		DisplayName          string `json:"display_name"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidJSON, "invalid JSON")
		return
	}

	creator := auth.NewAnonymousIdentity()
	if ok := applyDisplayName(creator, req.DisplayName); !ok {
		writeError(w, http.StatusBadRequest, domain.CodeValidationError, "display name too long")
		return
	}

	sess := h.Sessions.Create(session.CreateOptions{
		MaxPlayers:           req.MaxPlayers,
		ColocalizationMethod: domain.ColocalizationMethod(req.ColocalizationMethod),
		CreatorUserID:        creator.ID,
	})

	code, err := h.Codes.Assign(sess.ID)
	if err != nil {
		h.Sessions.Delete(sess.ID)
		logging.Op().Error("share code mint failed", "session_id", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, "internal error")
		return
	}
	logging.Op().Info("anonymous session created",
		"session_id", sess.ID, "share_code", code, "user_id", creator.ID)

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"share_code": code,
		"creator": map[string]string{
			"user_id":      creator.ID,
			"display_name": creator.DisplayName,
		},
		"expires_in":  int64(h.Codes.TTL().Seconds()),
		"max_players": sess.MaxPlayers,
	})
}

// JoinAnonymousSession handles POST /api/v1/session/anonymous/join.
// Codes are matched case-insensitively.
func (h *Handler) JoinAnonymousSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code        string `json:"code"`
		DisplayName string `json:"display_name"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidJSON, "invalid JSON")
		return
	}

	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if !sharecode.IsCode(code) {
		writeError(w, http.StatusBadRequest, domain.CodeValidationError, "malformed share code")
		return
	}
	sessionID, err := h.Codes.Resolve(code)
	if err != nil {
		respondError(w, err)
		return
	}

	joiner := auth.NewAnonymousIdentity()
	if ok := applyDisplayName(joiner, req.DisplayName); !ok {
		writeError(w, http.StatusBadRequest, domain.CodeValidationError, "display name too long")
		return
	}

	player := &domain.Player{
		UserID:      joiner.ID,
		DisplayName: joiner.DisplayName,
		Permissions: auth.PermissionsFor(joiner),
		IsAnonymous: true,
	}
	sess, err := h.Sessions.Join(sessionID, player)
	if err != nil {
		respondError(w, err)
		return
	}

	// A successful join proves the code circulates; keep it alive.
	h.Codes.Extend(sessionID)
	logging.Op().Info("anonymous player joined", "session_id", sessionID, "user_id", joiner.ID)

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   sess.ID,
		"user":         joiner,
		"share_code":   code,
		"session_info": sess.Summarize(),
	})
}

// SessionSummary handles GET /api/session/{target}, where target is a
// session id or a share code.
func (h *Handler) SessionSummary(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.PathValue("target"))

	sessionID := target
	if code := strings.ToUpper(target); sharecode.IsCode(code) {
		id, err := h.Codes.Resolve(code)
		if err != nil {
			respondError(w, err)
			return
		}
		sessionID = id
	} else if _, err := uuid.Parse(target); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidationError, "malformed session id or share code")
		return
	}

	sess, err := h.Sessions.Get(sessionID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Summarize())
}

// applyDisplayName overrides the minted display name when the caller chose
// one. Returns false when the name exceeds the cap.
func applyDisplayName(id *domain.Identity, name string) bool {
	name = strings.TrimSpace(name)
	if len(name) > maxDisplayNameLen {
		return false
	}
	if name != "" {
		id.DisplayName = name
	}
	return true
}
