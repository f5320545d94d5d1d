// Package vps carries the typed contract of the external visual
// positioning upstream and a thin HTTP client for it. The solver itself
// lives outside this repo; we only speak its request/response shapes.
package vps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/parallax/internal/metrics"
	"github.com/oriys/parallax/internal/observability"
)

// ErrUnavailable wraps transport failures and non-200 upstream answers.
// The control plane maps it to 503 UPSTREAM_UNAVAILABLE.
var ErrUnavailable = errors.New("vps upstream unavailable")

// ErrNoFix is returned when the upstream answered but could not produce a
// pose (no response pose, zero confidence, or an error string in the body).
var ErrNoFix = errors.New("vps could not localize")

// LocalizeRequest asks the upstream to solve a camera pose from one frame.
type LocalizeRequest struct {
	ImageBase64      string        `json:"image_base64"`
	Intrinsics       [3][3]float64 `json:"intrinsics"`
	ApproxLocation   *[3]float64   `json:"approx_location,omitempty"`
	MapID            string        `json:"map_id,omitempty"`
	QualityThreshold float64       `json:"quality_threshold,omitempty"`
}

// PoseEstimate is the solved camera pose in map coordinates. The upstream
// reports the same rotation three ways; quaternion is authoritative here.
type PoseEstimate struct {
	Position       [3]float64    `json:"position"`
	Quaternion     [4]float64    `json:"quaternion"` // xyzw
	Euler          [3]float64    `json:"euler,omitempty"`
	RotationMatrix [3][3]float64 `json:"rotation_matrix,omitempty"`
}

// LocalizeResponse is the upstream's answer.
type LocalizeResponse struct {
	Pose           *PoseEstimate `json:"pose"`
	Confidence     float64       `json:"confidence"`
	ErrorEstimateM float64       `json:"error_estimate_m,omitempty"`
	FeatureMatches int           `json:"feature_matches,omitempty"`
	QualityScore   float64       `json:"quality_score,omitempty"`
	MapID          string        `json:"map_id,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the VPS upstream.
type Client struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
}

// NewClient creates a VPS client. A zero timeout defaults to 10 s; pose
// solving is slow but a frame older than that is useless to the caller.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}
}

// Configured reports whether an upstream URL is set.
func (c *Client) Configured() bool {
	return c.cfg.BaseURL != ""
}

// Localize posts one frame to the upstream and returns the solved pose.
func (c *Client) Localize(ctx context.Context, req *LocalizeRequest) (*LocalizeResponse, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: no upstream configured", ErrUnavailable)
	}

	ctx, span := observability.StartSpan(ctx, "vps.localize",
		observability.AttrUpstream.String(c.cfg.BaseURL),
		attribute.String("vps.map_id", req.MapID),
		attribute.Int("vps.image_bytes", len(req.ImageBase64)),
	)
	defer span.End()
	start := c.now()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/localize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	observability.InjectHTTPHeaders(ctx, httpReq.Header)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: upstream returned status %d: %s", ErrUnavailable, resp.StatusCode, respBody)
		observability.SetSpanError(span, err)
		return nil, err
	}

	var out LocalizeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrNoFix, out.Error)
	}
	if out.Pose == nil || out.Confidence <= 0 {
		return nil, ErrNoFix
	}

	metrics.RecordLocalizeDuration("vps", c.now().Sub(start).Milliseconds())
	observability.SetSpanOK(span)
	return &out, nil
}
