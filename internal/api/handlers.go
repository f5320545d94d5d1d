package api

import (
	"context"
	"net/http"
	"time"

	"github.com/oriys/parallax/internal/anchor"
	"github.com/oriys/parallax/internal/anchorsync"
	"github.com/oriys/parallax/internal/auth"
	"github.com/oriys/parallax/internal/cache"
	"github.com/oriys/parallax/internal/fusion"
	"github.com/oriys/parallax/internal/mapassets"
	"github.com/oriys/parallax/internal/metrics"
	"github.com/oriys/parallax/internal/session"
	"github.com/oriys/parallax/internal/sharecode"
	"github.com/oriys/parallax/internal/store"
	"github.com/oriys/parallax/internal/vps"
)

// healthProbeTimeout bounds each dependency check so a wedged backend
// cannot hang the orchestrator's probe.
const healthProbeTimeout = 2 * time.Second

// Handler handles control plane HTTP requests.
type Handler struct {
	Sessions *session.Store
	Codes    *sharecode.Directory
	Anchors  *anchor.Manager
	Sync     *anchorsync.Coordinator
	Fusion   *fusion.Hub
	Tokens   *auth.Manager
	Persist  store.Persistence
	Cache    cache.Cache
	VPS      *vps.Client
	Maps     *mapassets.Library
}

// RegisterRoutes registers all control plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Session lifecycle
	mux.HandleFunc("POST /api/v1/session/create", h.CreateSession)
	mux.HandleFunc("POST /api/v1/session/anonymous/create", h.CreateAnonymousSession)
	mux.HandleFunc("POST /api/v1/session/anonymous/join", h.JoinAnonymousSession)
	mux.HandleFunc("GET /api/session/{target}", h.SessionSummary)

	// Anchor REST
	mux.HandleFunc("POST /api/v1/anchors", h.CreateAnchor)
	mux.HandleFunc("GET /api/v1/anchors/nearby", h.NearbyAnchors)
	mux.HandleFunc("GET /api/v1/anchors/{id}", h.GetAnchor)
	mux.HandleFunc("PUT /api/v1/anchors/{id}", h.UpdateAnchor)
	mux.HandleFunc("DELETE /api/v1/anchors/{id}", h.DeleteAnchor)
	mux.HandleFunc("POST /api/v1/anchors/query", h.QueryAnchors)
	mux.HandleFunc("POST /api/v1/anchors/{id}/share", h.ShareAnchor)
	mux.HandleFunc("GET /api/v1/sessions/{id}/anchors", h.SessionAnchors)
	mux.HandleFunc("GET /api/v1/users/{id}/shared-anchors", h.SharedAnchors)

	// Localization
	mux.HandleFunc("POST /api/v1/localize", h.Localize)
	mux.HandleFunc("POST /api/v1/localization/imu", h.IngestIMU)

	// Map assets
	mux.HandleFunc("GET /api/v1/maps", h.ListMaps)
	mux.HandleFunc("GET /api/v1/maps/{id}", h.GetMap)

	// Ops
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /api/v1/stats", metrics.Global().JSONHandler())
	mux.Handle("GET /api/v1/stats/timeseries", metrics.Global().TimeSeriesHandler())
}

// Health handles GET /health: a composite over the durable dependencies.
// Unconfigured components report "disabled" and do not degrade the status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	components := map[string]string{
		"postgres": "disabled",
		"redis":    "disabled",
		"storage":  "disabled",
	}
	healthy := true

	if h.Persist != nil {
		components["postgres"] = probe(h.Persist.Healthy(ctx), &healthy)
	}
	if h.Cache != nil {
		components["redis"] = probe(h.Cache.Ping(ctx), &healthy)
	}
	if h.Maps != nil {
		components["storage"] = probe(h.Maps.Healthy(ctx), &healthy)
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":         overall,
		"components":     components,
		"sessions":       h.Sessions.Count(),
		"uptime_seconds": int64(time.Since(metrics.StartTime()).Seconds()),
		"timestamp":      time.Now().UnixMilli(),
	})
}

func probe(err error, healthy *bool) string {
	if err != nil {
		*healthy = false
		return err.Error()
	}
	return "ok"
}
