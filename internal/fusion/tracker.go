// Package fusion blends pose estimates from SLAM, visual-inertial
// odometry, and VPS fixes into a single best pose per player. Each
// connected player owns a Tracker; the relay feeds it slam samples from
// pose_update frames, the IMU endpoint drives its attached vio filter,
// and the localize endpoint injects vps fixes.
package fusion

import (
	"sync"
	"time"

	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/metrics"
	"github.com/oriys/parallax/internal/vio"
)

// Config tunes gating and freshness. Zero values fall back to defaults.
type Config struct {
	// SLAMMinConfidence gates slam samples.
	SLAMMinConfidence float64
	// VIOMinConfidence gates vio samples. VIO is only consulted while no
	// fresh slam sample exists; slam wins whenever both are active.
	VIOMinConfidence float64
	// VPSMinConfidence gates absolute vps fixes.
	VPSMinConfidence float64
	// Freshness invalidates the current pose once it is older than this.
	Freshness time.Duration
	// QualityDecay is the linear age falloff applied to the quality score.
	QualityDecay time.Duration
	// RingSize bounds the sample history kept for prediction. Minimum 2.
	RingSize int
}

// DefaultConfig returns the production gating thresholds.
func DefaultConfig() Config {
	return Config{
		SLAMMinConfidence: 0.7,
		VIOMinConfidence:  0.5,
		VPSMinConfidence:  0.6,
		Freshness:         time.Second,
		QualityDecay:      2 * time.Second,
		RingSize:          32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SLAMMinConfidence <= 0 {
		c.SLAMMinConfidence = d.SLAMMinConfidence
	}
	if c.VIOMinConfidence <= 0 {
		c.VIOMinConfidence = d.VIOMinConfidence
	}
	if c.VPSMinConfidence <= 0 {
		c.VPSMinConfidence = d.VPSMinConfidence
	}
	if c.Freshness <= 0 {
		c.Freshness = d.Freshness
	}
	if c.QualityDecay <= 0 {
		c.QualityDecay = d.QualityDecay
	}
	if c.RingSize < 2 {
		c.RingSize = d.RingSize
	}
	return c
}

// Tracker fuses one player's pose streams. Safe for concurrent use.
type Tracker struct {
	mu  sync.Mutex
	cfg Config

	current    domain.Pose
	currentAt  time.Time // server receive time, immune to device clock skew
	hasCurrent bool

	// ring holds accepted samples for prediction, newest last.
	ring  []domain.Pose
	head  int
	count int

	lastSLAM time.Time
	lastVIO  time.Time

	filter *vio.Filter
	now    func() time.Time
}

// NewTracker builds a tracker with its own inertial filter.
func NewTracker(cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		cfg:    cfg,
		ring:   make([]domain.Pose, cfg.RingSize),
		filter: vio.New(vio.Config{}),
		now:    time.Now,
	}
}

// Submit offers a pose sample. It returns true when the sample passed the
// source gate and became the current pose.
func (t *Tracker) Submit(p domain.Pose) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	switch p.Source {
	case domain.SourceSLAM:
		if p.Confidence < t.cfg.SLAMMinConfidence {
			return false
		}
		t.lastSLAM = now
	case domain.SourceVIO:
		if p.Confidence < t.cfg.VIOMinConfidence {
			return false
		}
		// SLAM wins while it is alive; vio only fills slam outages.
		if t.slamActive(now) {
			return false
		}
		t.lastVIO = now
	case domain.SourceVPS:
		if p.Confidence < t.cfg.VPSMinConfidence {
			return false
		}
	default:
		return false
	}

	t.accept(p, now)
	metrics.RecordFusionSelection(string(p.Source))
	return true
}

func (t *Tracker) slamActive(now time.Time) bool {
	return !t.lastSLAM.IsZero() && now.Sub(t.lastSLAM) <= t.cfg.Freshness
}

func (t *Tracker) accept(p domain.Pose, now time.Time) {
	t.current = p
	t.currentAt = now
	t.hasCurrent = true

	t.ring[(t.head+t.count)%len(t.ring)] = p
	if t.count < len(t.ring) {
		t.count++
	} else {
		t.head = (t.head + 1) % len(t.ring)
	}
}

// Current returns the fused pose. ok is false when no sample has been
// accepted or the latest one has gone stale.
func (t *Tracker) Current() (domain.Pose, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasCurrent || t.now().Sub(t.currentAt) > t.cfg.Freshness {
		return domain.Pose{}, false
	}
	return t.current, true
}

// Quality scores the current estimate: last confidence with a linear age
// falloff, boosted 1.2x when both slam and vio contributed recently,
// capped at 1.
func (t *Tracker) Quality() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasCurrent {
		return 0
	}
	now := t.now()
	age := now.Sub(t.currentAt)
	if age < 0 {
		age = 0
	}
	decay := 1 - age.Seconds()/t.cfg.QualityDecay.Seconds()
	if decay <= 0 {
		return 0
	}

	q := t.current.Confidence * decay
	recently := t.cfg.Freshness
	if !t.lastSLAM.IsZero() && !t.lastVIO.IsZero() &&
		now.Sub(t.lastSLAM) <= recently && now.Sub(t.lastVIO) <= recently {
		q *= 1.2
	}
	if q > 1 {
		q = 1
	}
	return q
}

// PredictAt extrapolates the pose to a future instant from the velocity
// between the last two accepted samples. Rotation is held constant and
// confidence attenuated by 0.8. ok is false with fewer than two samples.
func (t *Tracker) PredictAt(at time.Time) (domain.Pose, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count < 2 {
		return domain.Pose{}, false
	}
	last := t.ring[(t.head+t.count-1)%len(t.ring)]
	prev := t.ring[(t.head+t.count-2)%len(t.ring)]

	dt := last.Timestamp.Sub(prev.Timestamp).Seconds()
	if dt <= 0 {
		return domain.Pose{}, false
	}
	horizon := at.Sub(last.Timestamp).Seconds()

	var vel [3]float64
	for i := 0; i < 3; i++ {
		vel[i] = (last.Position[i] - prev.Position[i]) / dt
	}

	p := last
	for i := 0; i < 3; i++ {
		p.Position[i] += vel[i] * horizon
	}
	p.Velocity = &vel
	p.Timestamp = at
	p.Confidence = last.Confidence * 0.8
	p.Source = domain.SourcePredicted
	p.IsPrediction = true
	metrics.RecordFusionSelection(string(domain.SourcePredicted))
	return p, true
}

// ProcessIMU drives the attached inertial filter and, when the filter is
// tracking, folds its state back in as a vio sample.
func (t *Tracker) ProcessIMU(s vio.Sample) (vio.State, error) {
	err := t.filter.ProcessIMU(s)
	st := t.filter.State()

	if st.TrackingState != domain.TrackingInitializing {
		q := st.Quaternion
		t.Submit(domain.Pose{
			Timestamp: s.Timestamp,
			Position:  st.Position,
			// Filter quaternions are wxyz, poses carry xyzw.
			Rotation:      [4]float64{q[1], q[2], q[3], q[0]},
			Velocity:      &st.Velocity,
			Confidence:    st.Confidence,
			TrackingState: st.TrackingState,
			Source:        domain.SourceVIO,
		})
	}
	return st, err
}
