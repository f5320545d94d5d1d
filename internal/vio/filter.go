// Package vio implements a 19-state extended Kalman filter over raw IMU
// and sparse visual observations. One Filter instance tracks one device;
// the fusion layer owns a filter per connected player and folds its output
// back into the pose stream as a vio-sourced sample.
//
// State layout (indices into the 19-vector):
//
//	0..2   position (m, world frame)
//	3..6   orientation quaternion (wxyz, body to world)
//	7..9   velocity (m/s, world frame)
//	10..12 angular velocity (rad/s, body frame)
//	13..15 accelerometer bias (m/s^2)
//	16..18 gyroscope bias (rad/s)
package vio

import (
	"errors"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/oriys/parallax/internal/domain"
)

const (
	stateDim = 19

	idxPos  = 0
	idxQuat = 3
	idxVel  = 7
	idxAng  = 10
	idxBA   = 13
	idxBG   = 16

	// gravity is the expected accelerometer magnitude at rest.
	gravity = 9.81

	// maxDt rejects integration across sample gaps. A dropped packet burst
	// produces one rejected step, then the stream resumes cleanly.
	maxDt = 100 * time.Millisecond
)

var (
	// ErrNotInitialized is returned by operations that need a converged
	// filter while it is still collecting stationary samples.
	ErrNotInitialized = errors.New("vio: filter not initialized")

	// ErrBadTimestep flags a sample whose dt falls outside (0, 100ms].
	ErrBadTimestep = errors.New("vio: timestep outside (0, 100ms]")

	// ErrInsufficientFeatures is returned when a visual update carries
	// fewer than four correspondences. The predicted state is preserved.
	ErrInsufficientFeatures = errors.New("vio: need at least 4 correspondences")

	// ErrSingularInnovation is returned when the innovation covariance
	// cannot be solved. The predicted state is preserved.
	ErrSingularInnovation = errors.New("vio: singular innovation covariance")
)

// Sample is one raw IMU reading.
type Sample struct {
	Timestamp time.Time
	Accel     [3]float64 // specific force, body frame (m/s^2)
	Gyro      [3]float64 // angular rate, body frame (rad/s)
}

// Correspondence pairs a known 3-D world point with its observed 2-D
// pixel location in the current camera frame.
type Correspondence struct {
	World [3]float64
	Image [2]float64
}

// Intrinsics holds the pinhole camera parameters used by visual updates.
type Intrinsics struct {
	Fx, Fy float64
	Cx, Cy float64
}

// State is a read-only snapshot of the filter output.
type State struct {
	Position        [3]float64           `json:"position"`
	Quaternion      [4]float64           `json:"quaternion"` // wxyz
	Velocity        [3]float64           `json:"velocity"`
	AngularVelocity [3]float64           `json:"angular_velocity"`
	AccelBias       [3]float64           `json:"accel_bias"`
	GyroBias        [3]float64           `json:"gyro_bias"`
	PositionCov     float64              `json:"position_cov"`    // trace of the 3x3 position block
	OrientationCov  float64              `json:"orientation_cov"` // trace of the 4x4 quaternion block
	Confidence      float64              `json:"confidence"`
	TrackingState   domain.TrackingState `json:"tracking_state"`
	Timestamp       time.Time            `json:"timestamp"`
}

// Config tunes initialization and noise densities. Zero values fall back
// to the defaults.
type Config struct {
	// InitSamples is the minimum window collected before alignment.
	InitSamples int
	// StationaryRatio is the fraction of the window that must be still.
	StationaryRatio float64

	// Process noise densities, applied as Q*dt during prediction.
	PosNoise       float64
	OriNoise       float64
	VelNoise       float64
	AngNoise       float64
	AccelBiasNoise float64
	GyroBiasNoise  float64

	// PixelNoise is the measurement standard deviation in pixels.
	PixelNoise float64
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		InitSamples:     50,
		StationaryRatio: 0.8,
		PosNoise:        1e-6,
		OriNoise:        1e-6,
		VelNoise:        1e-2,
		AngNoise:        1e-2,
		AccelBiasNoise:  1e-6,
		GyroBiasNoise:   1e-8,
		PixelNoise:      2.0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitSamples <= 0 {
		c.InitSamples = d.InitSamples
	}
	if c.StationaryRatio <= 0 || c.StationaryRatio > 1 {
		c.StationaryRatio = d.StationaryRatio
	}
	if c.PosNoise <= 0 {
		c.PosNoise = d.PosNoise
	}
	if c.OriNoise <= 0 {
		c.OriNoise = d.OriNoise
	}
	if c.VelNoise <= 0 {
		c.VelNoise = d.VelNoise
	}
	if c.AngNoise <= 0 {
		c.AngNoise = d.AngNoise
	}
	if c.AccelBiasNoise <= 0 {
		c.AccelBiasNoise = d.AccelBiasNoise
	}
	if c.GyroBiasNoise <= 0 {
		c.GyroBiasNoise = d.GyroBiasNoise
	}
	if c.PixelNoise <= 0 {
		c.PixelNoise = d.PixelNoise
	}
	return c
}

// Filter is the EKF. All methods are safe for concurrent use, though the
// expected pattern is one IMU feeder per device.
type Filter struct {
	mu  sync.Mutex
	cfg Config

	initialized bool
	window      []Sample // pre-init collection buffer

	x        *mat.VecDense // 19 state
	p        *mat.Dense    // 19x19 covariance
	lastTime time.Time
}

// New returns an uninitialized filter that starts collecting samples.
func New(cfg Config) *Filter {
	cfg = cfg.withDefaults()
	return &Filter{
		cfg:    cfg,
		window: make([]Sample, 0, cfg.InitSamples),
		x:      mat.NewVecDense(stateDim, nil),
		p:      mat.NewDense(stateDim, stateDim, nil),
	}
}

// Initialized reports whether alignment has completed.
func (f *Filter) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// Reset discards all state and returns the filter to sample collection.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = false
	f.window = f.window[:0]
	f.x.Zero()
	f.p.Zero()
	f.lastTime = time.Time{}
}

// ProcessIMU feeds one sample. Before initialization the sample joins the
// alignment window; once enough of the window is stationary the filter
// aligns and subsequent samples run the prediction step.
func (f *Filter) ProcessIMU(s Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.initialized {
		f.collect(s)
		return nil
	}
	return f.predict(s)
}

// collect buffers a sample and attempts alignment. A window that is too
// shaky slides forward one sample so a later still period can qualify.
func (f *Filter) collect(s Sample) {
	f.window = append(f.window, s)
	if len(f.window) < f.cfg.InitSamples {
		return
	}

	still := 0
	for _, w := range f.window {
		if stationary(w) {
			still++
		}
	}
	if float64(still) < f.cfg.StationaryRatio*float64(len(f.window)) {
		f.window = f.window[1:]
		return
	}

	f.initialize()
}

func stationary(s Sample) bool {
	return math.Abs(norm3(s.Accel)-gravity) < 0.5 && norm3(s.Gyro) < 0.1
}

// initialize aligns the initial orientation against mean gravity and seeds
// the biases from the stationary window.
func (f *Filter) initialize() {
	var meanA, meanW [3]float64
	for _, s := range f.window {
		for i := 0; i < 3; i++ {
			meanA[i] += s.Accel[i]
			meanW[i] += s.Gyro[i]
		}
	}
	n := float64(len(f.window))
	for i := 0; i < 3; i++ {
		meanA[i] /= n
		meanW[i] /= n
	}

	// At rest the accelerometer reads the gravity reaction, so the mean
	// accel direction is body-frame "up". Rotate it onto world +Z.
	q := quatBetween(normalize3(meanA), [3]float64{0, 0, 1})

	// Expected body-frame reading for that orientation; the remainder is
	// accelerometer bias.
	expected := rotateInverse(q, [3]float64{0, 0, gravity})
	var ba [3]float64
	for i := 0; i < 3; i++ {
		ba[i] = meanA[i] - expected[i]
	}

	f.x.Zero()
	f.x.SetVec(idxQuat+0, q[0])
	f.x.SetVec(idxQuat+1, q[1])
	f.x.SetVec(idxQuat+2, q[2])
	f.x.SetVec(idxQuat+3, q[3])
	for i := 0; i < 3; i++ {
		f.x.SetVec(idxBA+i, ba[i])
		f.x.SetVec(idxBG+i, meanW[i])
	}

	f.p.Zero()
	setDiagBlock(f.p, idxPos, 3, 1.0)
	setDiagBlock(f.p, idxQuat, 4, 0.1)
	setDiagBlock(f.p, idxVel, 3, 0.1)
	setDiagBlock(f.p, idxAng, 3, 0.1)
	setDiagBlock(f.p, idxBA, 3, 0.01)
	setDiagBlock(f.p, idxBG, 3, 0.001)

	f.lastTime = f.window[len(f.window)-1].Timestamp
	f.window = f.window[:0]
	f.initialized = true
}

// predict integrates one IMU step and propagates covariance.
func (f *Filter) predict(s Sample) error {
	dt := s.Timestamp.Sub(f.lastTime).Seconds()
	if dt <= 0 {
		return ErrBadTimestep
	}
	if dt > maxDt.Seconds() {
		// Resynchronize on the new timestamp so the stream recovers after
		// a gap instead of rejecting forever.
		f.lastTime = s.Timestamp
		return ErrBadTimestep
	}

	q := f.quat()
	var aCorr, wCorr [3]float64
	for i := 0; i < 3; i++ {
		aCorr[i] = s.Accel[i] - f.x.AtVec(idxBA+i)
		wCorr[i] = s.Gyro[i] - f.x.AtVec(idxBG+i)
	}

	// World-frame acceleration with gravity removed.
	aWorld := rotate(q, aCorr)
	aWorld[2] -= gravity

	for i := 0; i < 3; i++ {
		pos := f.x.AtVec(idxPos+i) + f.x.AtVec(idxVel+i)*dt
		vel := f.x.AtVec(idxVel+i) + aWorld[i]*dt
		f.x.SetVec(idxPos+i, pos)
		f.x.SetVec(idxVel+i, vel)
		f.x.SetVec(idxAng+i, wCorr[i])
	}

	dq := quatFromRotationVector([3]float64{wCorr[0] * dt, wCorr[1] * dt, wCorr[2] * dt})
	f.setQuat(quatNormalize(quatMul(q, dq)))

	f.propagate(dt)
	f.lastTime = s.Timestamp
	return nil
}

// propagate applies P <- F P F^T + Q*dt with the sparse transition
// Jacobian: position couples to velocity, quaternion to angular rate.
func (f *Filter) propagate(dt float64) {
	ft := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		ft.Set(i, i, 1)
	}
	for i := 0; i < 3; i++ {
		ft.Set(idxPos+i, idxVel+i, dt)
	}
	// dq/domega = 0.5*dt*Xi(q), the quaternion kinematics matrix.
	q := f.quat()
	xi := [4][3]float64{
		{-q[1], -q[2], -q[3]},
		{q[0], -q[3], q[2]},
		{q[3], q[0], -q[1]},
		{-q[2], q[1], q[0]},
	}
	for r := 0; r < 4; r++ {
		for c := 0; c < 3; c++ {
			ft.Set(idxQuat+r, idxAng+c, 0.5*dt*xi[r][c])
		}
	}

	var fp, fpft mat.Dense
	fp.Mul(ft, f.p)
	fpft.Mul(&fp, ft.T())
	f.p.Copy(&fpft)

	addDiagBlock(f.p, idxPos, 3, f.cfg.PosNoise*dt)
	addDiagBlock(f.p, idxQuat, 4, f.cfg.OriNoise*dt)
	addDiagBlock(f.p, idxVel, 3, f.cfg.VelNoise*dt)
	addDiagBlock(f.p, idxAng, 3, f.cfg.AngNoise*dt)
	addDiagBlock(f.p, idxBA, 3, f.cfg.AccelBiasNoise*dt)
	addDiagBlock(f.p, idxBG, 3, f.cfg.GyroBiasNoise*dt)

	f.symmetrize()
}

// VisualUpdate corrects the state against 2-D observations of known 3-D
// points through a pinhole model. Fewer than four correspondences or a
// singular innovation covariance leave the predicted state untouched.
func (f *Filter) VisualUpdate(corr []Correspondence, intr Intrinsics) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.initialized {
		return ErrNotInitialized
	}
	if len(corr) < 4 {
		return ErrInsufficientFeatures
	}

	m := 2 * len(corr)
	h := mat.NewDense(m, stateDim, nil)
	nu := mat.NewVecDense(m, nil)

	q := f.quat()
	pos := [3]float64{f.x.AtVec(idxPos), f.x.AtVec(idxPos + 1), f.x.AtVec(idxPos + 2)}

	for i, c := range corr {
		d := [3]float64{c.World[0] - pos[0], c.World[1] - pos[1], c.World[2] - pos[2]}
		pc := rotateInverse(q, d) // world point in camera frame
		if pc[2] <= 1e-6 {
			// Point behind or on the image plane carries no information.
			continue
		}

		u := intr.Fx*pc[0]/pc[2] + intr.Cx
		v := intr.Fy*pc[1]/pc[2] + intr.Cy
		nu.SetVec(2*i, c.Image[0]-u)
		nu.SetVec(2*i+1, c.Image[1]-v)

		// d(u,v)/d(camera point)
		z2 := pc[2] * pc[2]
		duv := [2][3]float64{
			{intr.Fx / pc[2], 0, -intr.Fx * pc[0] / z2},
			{0, intr.Fy / pc[2], -intr.Fy * pc[1] / z2},
		}

		// Camera point w.r.t. position: d(R^T (w - p))/dp = -R^T.
		rt := rotationMatrixTranspose(q)
		for r := 0; r < 2; r++ {
			for c2 := 0; c2 < 3; c2++ {
				var s float64
				for k := 0; k < 3; k++ {
					s += duv[r][k] * -rt[k][c2]
				}
				h.Set(2*i+r, idxPos+c2, s)
			}
		}

		// Camera point w.r.t. quaternion components.
		jq := rotateInverseJacobian(q, d)
		for r := 0; r < 2; r++ {
			for c2 := 0; c2 < 4; c2++ {
				var s float64
				for k := 0; k < 3; k++ {
					s += duv[r][k] * jq[k][c2]
				}
				h.Set(2*i+r, idxQuat+c2, s)
			}
		}
	}

	// S = H P H^T + R
	var ph, s mat.Dense
	ph.Mul(f.p, h.T())
	s.Mul(h, &ph)
	r := f.cfg.PixelNoise * f.cfg.PixelNoise
	for i := 0; i < m; i++ {
		s.Set(i, i, s.At(i, i)+r)
	}

	// K = P H^T S^-1 via solve: S K^T = H P.
	var hp, kt mat.Dense
	hp.Mul(h, f.p)
	if err := kt.Solve(&s, &hp); err != nil {
		return ErrSingularInnovation
	}

	var dx mat.VecDense
	dx.MulVec(kt.T(), nu)
	f.x.AddVec(f.x, &dx)

	// P = (I - K H) P
	var kh mat.Dense
	kh.Mul(kt.T(), h)
	ikh := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		ikh.Set(i, i, 1)
	}
	ikh.Sub(ikh, &kh)
	var np mat.Dense
	np.Mul(ikh, f.p)
	f.p.Copy(&np)
	f.symmetrize()

	f.setQuat(quatNormalize(f.quat()))
	return nil
}

// State returns the current snapshot. Before initialization the state is
// zero-valued with TrackingInitializing.
func (f *Filter) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := State{
		Quaternion:    [4]float64{1, 0, 0, 0},
		TrackingState: domain.TrackingInitializing,
		Timestamp:     f.lastTime,
	}
	if !f.initialized {
		return st
	}

	for i := 0; i < 3; i++ {
		st.Position[i] = f.x.AtVec(idxPos + i)
		st.Velocity[i] = f.x.AtVec(idxVel + i)
		st.AngularVelocity[i] = f.x.AtVec(idxAng + i)
		st.AccelBias[i] = f.x.AtVec(idxBA + i)
		st.GyroBias[i] = f.x.AtVec(idxBG + i)
	}
	for i := 0; i < 4; i++ {
		st.Quaternion[i] = f.x.AtVec(idxQuat + i)
	}
	for i := 0; i < 3; i++ {
		st.PositionCov += f.p.At(idxPos+i, idxPos+i)
	}
	for i := 0; i < 4; i++ {
		st.OrientationCov += f.p.At(idxQuat+i, idxQuat+i)
	}

	st.Confidence = clamp(1-(st.PositionCov+st.OrientationCov)/10, 0, 1)
	switch {
	case st.Confidence >= 0.7:
		st.TrackingState = domain.TrackingActive
	case st.Confidence >= 0.3:
		st.TrackingState = domain.TrackingLimited
	default:
		st.TrackingState = domain.TrackingLost
	}
	return st
}

func (f *Filter) quat() [4]float64 {
	return [4]float64{
		f.x.AtVec(idxQuat),
		f.x.AtVec(idxQuat + 1),
		f.x.AtVec(idxQuat + 2),
		f.x.AtVec(idxQuat + 3),
	}
}

func (f *Filter) setQuat(q [4]float64) {
	for i := 0; i < 4; i++ {
		f.x.SetVec(idxQuat+i, q[i])
	}
}

// symmetrize removes the numerical asymmetry that repeated multiplication
// introduces, keeping the covariance positive-semi-definite.
func (f *Filter) symmetrize() {
	for i := 0; i < stateDim; i++ {
		for j := i + 1; j < stateDim; j++ {
			v := (f.p.At(i, j) + f.p.At(j, i)) / 2
			f.p.Set(i, j, v)
			f.p.Set(j, i, v)
		}
	}
}

func setDiagBlock(p *mat.Dense, off, n int, v float64) {
	for i := 0; i < n; i++ {
		p.Set(off+i, off+i, v)
	}
}

func addDiagBlock(p *mat.Dense, off, n int, v float64) {
	for i := 0; i < n; i++ {
		p.Set(off+i, off+i, p.At(off+i, off+i)+v)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
