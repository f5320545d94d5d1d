package domain

import (
	"math"
	"time"
)

// PoseSource identifies which tracking pipeline produced a pose sample.
type PoseSource string

const (
	SourceSLAM      PoseSource = "slam"
	SourceVIO       PoseSource = "vio"
	SourceVPS       PoseSource = "vps"
	SourcePredicted PoseSource = "predicted"
)

func (s PoseSource) IsValid() bool {
	switch s {
	case SourceSLAM, SourceVIO, SourceVPS, SourcePredicted:
		return true
	}
	return false
}

// TrackingState reports the health of a tracking pipeline or anchor.
type TrackingState string

const (
	TrackingActive  TrackingState = "tracking"
	TrackingPaused  TrackingState = "paused"
	TrackingStopped TrackingState = "stopped"
	TrackingLimited TrackingState = "limited"
	TrackingLost    TrackingState = "lost"

	// TrackingInitializing is reported by the inertial filter while it is
	// still collecting stationary samples. Anchors never carry it.
	TrackingInitializing TrackingState = "initializing"
)

// IsValid reports whether the state is one of the anchor states.
// Anchors only move between tracking, paused, and stopped; limited and
// lost belong to the VIO lifecycle.
func (t TrackingState) IsValid() bool {
	switch t {
	case TrackingActive, TrackingPaused, TrackingStopped:
		return true
	}
	return false
}

// Pose is a timestamped 6-DoF pose with source attribution.
type Pose struct {
	Timestamp       time.Time     `json:"timestamp"`
	Position        [3]float64    `json:"position"`
	Rotation        [4]float64    `json:"rotation"` // unit quaternion, xyzw
	Velocity        *[3]float64   `json:"velocity,omitempty"`
	AngularVelocity *[3]float64   `json:"angular_velocity,omitempty"`
	Confidence      float64       `json:"confidence"`
	TrackingState   TrackingState `json:"tracking_state"`
	Source          PoseSource    `json:"source"`
	IsPrediction    bool          `json:"is_prediction,omitempty"`
}

// QuaternionNorm returns the Euclidean norm of a quaternion.
func QuaternionNorm(q [4]float64) float64 {
	return math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
}

// QuaternionIsUnit reports whether q is unit length within tol.
func QuaternionIsUnit(q [4]float64, tol float64) bool {
	n := QuaternionNorm(q)
	return math.Abs(n-1) < tol
}

// NormalizeQuaternion scales q to unit length. A zero quaternion becomes
// identity rather than NaN.
func NormalizeQuaternion(q [4]float64) [4]float64 {
	n := QuaternionNorm(q)
	if n == 0 {
		return [4]float64{0, 0, 0, 1}
	}
	return [4]float64{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// Distance returns the Euclidean distance between two positions.
func Distance(a, b [3]float64) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
