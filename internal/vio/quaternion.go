package vio

import "math"

// Quaternions here are wxyz and represent body-to-world rotations. The
// wire format elsewhere is xyzw; conversion happens at the fusion layer.

func norm3(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func normalize3(v [3]float64) [3]float64 {
	n := norm3(v)
	if n == 0 {
		return [3]float64{0, 0, 1}
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}

func cross3(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot3(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

// quatBetween returns the rotation carrying unit vector a onto unit
// vector b via the Rodrigues axis-angle construction.
func quatBetween(a, b [3]float64) [4]float64 {
	d := clamp(dot3(a, b), -1, 1)
	if d > 1-1e-9 {
		return [4]float64{1, 0, 0, 0}
	}
	if d < -1+1e-9 {
		// Antiparallel: rotate pi around any axis orthogonal to a.
		axis := cross3(a, [3]float64{1, 0, 0})
		if norm3(axis) < 1e-9 {
			axis = cross3(a, [3]float64{0, 1, 0})
		}
		axis = normalize3(axis)
		return [4]float64{0, axis[0], axis[1], axis[2]}
	}
	axis := normalize3(cross3(a, b))
	angle := math.Acos(d)
	s := math.Sin(angle / 2)
	return [4]float64{math.Cos(angle / 2), axis[0] * s, axis[1] * s, axis[2] * s}
}

// quatFromRotationVector converts an axis-angle vector (axis scaled by
// angle, e.g. omega*dt) to a quaternion.
func quatFromRotationVector(v [3]float64) [4]float64 {
	angle := norm3(v)
	if angle < 1e-12 {
		// Small-angle form avoids dividing by a vanishing norm.
		return quatNormalize([4]float64{1, v[0] / 2, v[1] / 2, v[2] / 2})
	}
	s := math.Sin(angle/2) / angle
	return [4]float64{math.Cos(angle / 2), v[0] * s, v[1] * s, v[2] * s}
}

func quatMul(a, b [4]float64) [4]float64 {
	return [4]float64{
		a[0]*b[0] - a[1]*b[1] - a[2]*b[2] - a[3]*b[3],
		a[0]*b[1] + a[1]*b[0] + a[2]*b[3] - a[3]*b[2],
		a[0]*b[2] - a[1]*b[3] + a[2]*b[0] + a[3]*b[1],
		a[0]*b[3] + a[1]*b[2] - a[2]*b[1] + a[3]*b[0],
	}
}

func quatNormalize(q [4]float64) [4]float64 {
	n := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n == 0 {
		return [4]float64{1, 0, 0, 0}
	}
	return [4]float64{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// rotate applies the body-to-world rotation q to v.
func rotate(q [4]float64, v [3]float64) [3]float64 {
	u := [3]float64{q[1], q[2], q[3]}
	uv := cross3(u, v)
	uuv := cross3(u, uv)
	return [3]float64{
		v[0] + 2*(q[0]*uv[0]+uuv[0]),
		v[1] + 2*(q[0]*uv[1]+uuv[1]),
		v[2] + 2*(q[0]*uv[2]+uuv[2]),
	}
}

// rotateInverse applies the world-to-body rotation (conjugate of q) to v.
func rotateInverse(q [4]float64, v [3]float64) [3]float64 {
	return rotate([4]float64{q[0], -q[1], -q[2], -q[3]}, v)
}

// rotationMatrixTranspose returns R(q)^T, the world-to-body matrix.
func rotationMatrixTranspose(q [4]float64) [3][3]float64 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y + w*z), 2 * (x*z - w*y)},
		{2 * (x*y - w*z), 1 - 2*(x*x+z*z), 2 * (y*z + w*x)},
		{2 * (x*z + w*y), 2 * (y*z - w*x), 1 - 2*(x*x+y*y)},
	}
}

// rotateInverseJacobian is d(R(q)^T d)/dq, a 3x4 block used by the visual
// measurement Jacobian. Rows index the camera-frame point, columns the
// quaternion components wxyz.
func rotateInverseJacobian(q [4]float64, d [3]float64) [3][4]float64 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	d1, d2, d3 := d[0], d[1], d[2]
	return [3][4]float64{
		{
			2*z*d2 - 2*y*d3,
			2*y*d2 + 2*z*d3,
			-4*y*d1 + 2*x*d2 - 2*w*d3,
			-4*z*d1 + 2*w*d2 + 2*x*d3,
		},
		{
			-2*z*d1 + 2*x*d3,
			2*y*d1 - 4*x*d2 + 2*w*d3,
			2*x*d1 + 2*z*d3,
			-2*w*d1 - 4*z*d2 + 2*y*d3,
		},
		{
			2*y*d1 - 2*x*d2,
			2*z*d1 - 2*w*d2 - 4*x*d3,
			2*w*d1 + 2*z*d2 - 4*y*d3,
			2*x*d1 + 2*y*d2,
		},
	}
}
