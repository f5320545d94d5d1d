package api

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/logging"
	"github.com/oriys/parallax/internal/metrics"
	"github.com/oriys/parallax/internal/vio"
	"github.com/oriys/parallax/internal/vps"
)

// Localize handles POST /api/v1/localize: forwards one camera frame to the
// visual positioning upstream and, on a fix, feeds the caller's pose
// tracker so the fused estimate picks it up.
func (h *Handler) Localize(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}

	if h.VPS == nil || !h.VPS.Configured() {
		writeError(w, http.StatusServiceUnavailable, domain.CodeUpstreamUnavailable, "localization upstream not configured")
		return
	}

	var req struct {
		ImageBase64      string        `json:"image_base64"`
		Intrinsics       [3][3]float64 `json:"intrinsics"`
		ApproxLocation   *[3]float64   `json:"approx_location"`
		MapID            string        `json:"map_id"`
		QualityThreshold float64       `json:"quality_threshold"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidJSON, "invalid JSON")
		return
	}
	if req.ImageBase64 == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationError, "image_base64 is required")
		return
	}

	start := time.Now()
	resp, err := h.VPS.Localize(r.Context(), &vps.LocalizeRequest{
		ImageBase64:      req.ImageBase64,
		Intrinsics:       req.Intrinsics,
		ApproxLocation:   req.ApproxLocation,
		MapID:            req.MapID,
		QualityThreshold: req.QualityThreshold,
	})
	metrics.RecordLocalizeDuration("vps", time.Since(start).Milliseconds())
	switch {
	case errors.Is(err, vps.ErrNoFix):
		writeJSON(w, http.StatusOK, map[string]any{
			"localized": false,
			"timestamp": time.Now().UnixMilli(),
		})
		return
	case errors.Is(err, vps.ErrUnavailable):
		logging.Op().Warn("vps upstream unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, domain.CodeUpstreamUnavailable, "localization upstream unavailable")
		return
	case err != nil:
		respondError(w, err)
		return
	}

	// Feed the fix into the caller's tracker when they hold a session seat.
	// The tracker applies its own confidence gate.
	fused := false
	if h.Fusion != nil {
		if sessionID, ok := h.Sessions.ByUser(identity.ID); ok {
			fused = h.Fusion.Tracker(sessionID, identity.ID).Submit(domain.Pose{
				Timestamp:     time.Now(),
				Position:      resp.Pose.Position,
				Rotation:      resp.Pose.Quaternion,
				Confidence:    resp.Confidence,
				TrackingState: domain.TrackingActive,
				Source:        domain.SourceVPS,
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"localized":        true,
		"pose":             resp.Pose,
		"confidence":       resp.Confidence,
		"error_estimate_m": resp.ErrorEstimateM,
		"feature_matches":  resp.FeatureMatches,
		"map_id":           resp.MapID,
		"fused":            fused,
		"timestamp":        time.Now().UnixMilli(),
	})
}

// IngestIMU handles POST /api/v1/localization/imu: runs a batch of inertial
// samples through the caller's dead-reckoning filter. Individual bad
// samples are skipped, not fatal; the response reports both counts.
func (h *Handler) IngestIMU(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
		Samples   []struct {
			Timestamp int64      `json:"timestamp"` // unix ms
			Accel     [3]float64 `json:"accel"`
			Gyro      [3]float64 `json:"gyro"`
		} `json:"samples"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidJSON, "invalid JSON")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationError, "session_id is required")
		return
	}
	if len(req.Samples) == 0 {
		writeError(w, http.StatusBadRequest, domain.CodeValidationError, "samples must not be empty")
		return
	}

	sess, err := h.Sessions.Get(req.SessionID)
	if err != nil {
		respondError(w, err)
		return
	}
	if _, member := sess.Players[identity.ID]; !member {
		respondError(w, domain.ErrUserNotInSession)
		return
	}

	start := time.Now()
	tracker := h.Fusion.Tracker(sess.ID, identity.ID)
	processed, rejected := 0, 0
	var state vio.State
	for _, s := range req.Samples {
		if !finiteTriple(s.Accel) || !finiteTriple(s.Gyro) {
			rejected++
			continue
		}
		st, err := tracker.ProcessIMU(vio.Sample{
			Timestamp: time.UnixMilli(s.Timestamp),
			Accel:     s.Accel,
			Gyro:      s.Gyro,
		})
		if err != nil {
			rejected++
			continue
		}
		state = st
		processed++
	}
	metrics.RecordLocalizeDuration("vio", time.Since(start).Milliseconds())
	if processed == 0 {
		writeError(w, http.StatusBadRequest, domain.CodeValidationError, "no usable samples")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"user_id":    identity.ID,
		"processed":  processed,
		"rejected":   rejected,
		"state":      state,
	})
}

func finiteTriple(v [3]float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
