// Package spatialmath defines the rigid transform math used across the
// estimation stack. Poses are backed by unit dual quaternions.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/dualquat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose represents a rigid transform in SE(3), i.e. a rotation followed by a
// translation. It is an immutable value type. The zero value is the identity
// transform.
type Pose struct {
	dq dualquat.Number
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{dq: dualquat.Number{Real: quat.Number{Real: 1}}}
}

// NewPose returns the pose with the given translation and rotation. The
// rotation quaternion is normalized if necessary.
func NewPose(pt r3.Vector, rot quat.Number) Pose {
	if n := quat.Abs(rot); math.Abs(n-1) > 1e-12 {
		rot = quat.Scale(1/n, rot)
	}
	tq := quat.Number{Imag: pt.X, Jmag: pt.Y, Kmag: pt.Z}
	return Pose{dq: dualquat.Number{
		Real: rot,
		Dual: quat.Scale(0.5, quat.Mul(tq, rot)),
	}}
}

// NewPoseFromAxisAngle returns the pose with the given translation and a
// rotation given as an R3 axis-angle vector whose direction is the rotation
// axis and whose magnitude is the angle in radians.
func NewPoseFromAxisAngle(pt, aa r3.Vector) Pose {
	return NewPose(pt, quatFromAxisAngle(aa))
}

func (p Pose) transform() dualquat.Number {
	if p.dq.Real == (quat.Number{}) {
		return dualquat.Number{Real: quat.Number{Real: 1}}
	}
	return p.dq
}

// Point returns the translation component of the pose.
func (p Pose) Point() r3.Vector {
	dq := p.transform()
	tq := quat.Scale(2, quat.Mul(dq.Dual, quat.Conj(dq.Real)))
	return r3.Vector{X: tq.Imag, Y: tq.Jmag, Z: tq.Kmag}
}

// Rotation returns the rotation component of the pose as a unit quaternion.
func (p Pose) Rotation() quat.Number {
	return p.transform().Real
}

// TransformPoint applies the pose to a point, rotating and then translating
// it.
func (p Pose) TransformPoint(v r3.Vector) r3.Vector {
	dq := p.transform()
	vq := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	rq := quat.Mul(quat.Mul(dq.Real, vq), quat.Conj(dq.Real))
	return r3.Vector{X: rq.Imag, Y: rq.Jmag, Z: rq.Kmag}.Add(p.Point())
}

// String implements fmt.Stringer.
func (p Pose) String() string {
	pt := p.Point()
	aa := quatToAxisAngle(p.Rotation())
	return fmt.Sprintf("t=(%.4f, %.4f, %.4f) aa=(%.4f, %.4f, %.4f)",
		pt.X, pt.Y, pt.Z, aa.X, aa.Y, aa.Z)
}

// Compose returns the pose equivalent to applying b in the frame of a. The
// result is renormalized to counter accumulated floating point drift.
func Compose(a, b Pose) Pose {
	out := dualquat.Mul(a.transform(), b.transform())
	if math.Abs(quat.Abs(out.Real)-1) > 1e-10 {
		p := Pose{dq: out}
		return NewPose(p.Point(), out.Real)
	}
	return Pose{dq: out}
}

// Inverse returns the pose that undoes p.
func Inverse(p Pose) Pose {
	return Pose{dq: dualquat.ConjQuat(p.transform())}
}

// Exp maps a 6-dimensional chart vector to a pose. The first three entries
// are the translation and the last three an R3 axis-angle rotation vector.
// It is the exact inverse of Log.
func Exp(xi []float64) Pose {
	return NewPoseFromAxisAngle(
		r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]},
		r3.Vector{X: xi[3], Y: xi[4], Z: xi[5]},
	)
}

// Log maps a pose to its 6-dimensional chart vector, translation first.
func Log(p Pose) []float64 {
	pt := p.Point()
	aa := quatToAxisAngle(p.Rotation())
	return []float64{pt.X, pt.Y, pt.Z, aa.X, aa.Y, aa.Z}
}

// Delta returns the chart vector taking a to b, expressed in the frame of a.
func Delta(a, b Pose) []float64 {
	return Log(Compose(Inverse(a), b))
}

// Retract perturbs p by the given chart vector in its own frame. Retract and
// Delta are mutually consistent: Delta(p, Retract(p, xi)) == xi.
func Retract(p Pose, xi []float64) Pose {
	return Compose(p, Exp(xi))
}

// PoseAlmostEqual reports whether two poses agree to within tol, measured as
// translation distance plus quaternion distance.
func PoseAlmostEqual(a, b Pose, tol float64) bool {
	if a.Point().Sub(b.Point()).Norm() > tol {
		return false
	}
	qa, qb := a.Rotation(), b.Rotation()
	if quat.Abs(quat.Sub(qa, qb)) <= tol {
		return true
	}
	return quat.Abs(quat.Add(qa, qb)) <= tol
}

func quatFromAxisAngle(aa r3.Vector) quat.Number {
	theta := aa.Norm()
	if theta < 1e-12 {
		return quat.Number{Real: 1}
	}
	axis := aa.Mul(1 / theta)
	s := math.Sin(theta / 2)
	return quat.Number{
		Real: math.Cos(theta / 2),
		Imag: axis.X * s,
		Jmag: axis.Y * s,
		Kmag: axis.Z * s,
	}
}

func quatToAxisAngle(q quat.Number) r3.Vector {
	// Canonicalize so the recovered angle lands in [0, pi].
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	vec := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	denom := vec.Norm()
	if denom < 1e-12 {
		return r3.Vector{}
	}
	theta := 2 * math.Atan2(denom, q.Real)
	return vec.Mul(theta / denom)
}
