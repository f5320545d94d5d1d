package api

import (
	"errors"
	"net/http"

	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/mapassets"
)

// codeMapNotFound is the error code for lookups of maps that do not exist.
const codeMapNotFound = "MAP_NOT_FOUND"

// ListMaps handles GET /api/v1/maps.
func (h *Handler) ListMaps(w http.ResponseWriter, r *http.Request) {
	if identity := requireIdentity(w, r); identity == nil {
		return
	}
	if h.Maps == nil {
		writeError(w, http.StatusServiceUnavailable, domain.CodeUpstreamUnavailable, "map storage not configured")
		return
	}

	maps, err := h.Maps.List(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, domain.CodeUpstreamUnavailable, "map storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"maps":  maps,
		"count": len(maps),
	})
}

// GetMap handles GET /api/v1/maps/{id}.
func (h *Handler) GetMap(w http.ResponseWriter, r *http.Request) {
	if identity := requireIdentity(w, r); identity == nil {
		return
	}
	if h.Maps == nil {
		writeError(w, http.StatusServiceUnavailable, domain.CodeUpstreamUnavailable, "map storage not configured")
		return
	}

	meta, err := h.Maps.Metadata(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, mapassets.ErrObjectNotFound):
		writeError(w, http.StatusNotFound, codeMapNotFound, "map not found")
		return
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, domain.CodeValidationError, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, domain.CodeUpstreamUnavailable, "map storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}
