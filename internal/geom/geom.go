// Package geom holds the small amount of continuous-space math the sim
// needs: rays, axis-aligned boxes, orthonormal magnet bases and rotation
// deltas. Vectors and rotations come from gonum; everything here is a thin,
// allocation-free layer on top.
package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const Eps = 1e-9

// Ray is an origin plus a unit direction.
type Ray struct {
	Origin r3.Vec
	Dir    r3.Vec
}

func NewRay(origin, dir r3.Vec) Ray {
	return Ray{Origin: origin, Dir: r3.Unit(dir)}
}

func (r Ray) At(t float64) r3.Vec {
	return r3.Add(r.Origin, r3.Scale(t, r.Dir))
}

// ClosestT returns the parameter of the point on the ray closest to p,
// clamped to t >= 0.
func (r Ray) ClosestT(p r3.Vec) float64 {
	t := r3.Dot(r3.Sub(p, r.Origin), r.Dir)
	if t < 0 {
		return 0
	}
	return t
}

// AABB is an axis-aligned box. Min must be componentwise <= Max.
type AABB struct {
	Min r3.Vec
	Max r3.Vec
}

func (b AABB) Center() r3.Vec {
	return r3.Scale(0.5, r3.Add(b.Min, b.Max))
}

func (b AABB) Size() r3.Vec {
	return r3.Sub(b.Max, b.Min)
}

func (b AABB) Translate(v r3.Vec) AABB {
	return AABB{Min: r3.Add(b.Min, v), Max: r3.Add(b.Max, v)}
}

func (b AABB) Expand(m float64) AABB {
	d := r3.Vec{X: m, Y: m, Z: m}
	return AABB{Min: r3.Sub(b.Min, d), Max: r3.Add(b.Max, d)}
}

func (b AABB) Contains(p r3.Vec) bool {
	return p.X >= b.Min.X-Eps && p.X <= b.Max.X+Eps &&
		p.Y >= b.Min.Y-Eps && p.Y <= b.Max.Y+Eps &&
		p.Z >= b.Min.Z-Eps && p.Z <= b.Max.Z+Eps
}

func (b AABB) Intersects(o AABB) bool {
	return b.Min.X <= o.Max.X && b.Max.X >= o.Min.X &&
		b.Min.Y <= o.Max.Y && b.Max.Y >= o.Min.Y &&
		b.Min.Z <= o.Max.Z && b.Max.Z >= o.Min.Z
}

func (b AABB) ClosestPoint(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: Clamp(p.X, b.Min.X, b.Max.X),
		Y: Clamp(p.Y, b.Min.Y, b.Max.Y),
		Z: Clamp(p.Z, b.Min.Z, b.Max.Z),
	}
}

// IntersectRay is the standard slab test. Returns the entry distance along
// the ray, or ok=false when the ray misses or the hit is beyond maxDist.
func (b AABB) IntersectRay(r Ray, maxDist float64) (float64, bool) {
	tmin := 0.0
	tmax := maxDist
	for axis := 0; axis < 3; axis++ {
		var o, d, lo, hi float64
		switch axis {
		case 0:
			o, d, lo, hi = r.Origin.X, r.Dir.X, b.Min.X, b.Max.X
		case 1:
			o, d, lo, hi = r.Origin.Y, r.Dir.Y, b.Min.Y, b.Max.Y
		default:
			o, d, lo, hi = r.Origin.Z, r.Dir.Z, b.Min.Z, b.Max.Z
		}
		if math.Abs(d) < Eps {
			if o < lo || o > hi {
				return 0, false
			}
			continue
		}
		t1 := (lo - o) / d
		t2 := (hi - o) / d
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		if t1 > tmin {
			tmin = t1
		}
		if t2 < tmax {
			tmax = t2
		}
		if tmin > tmax {
			return 0, false
		}
	}
	return tmin, true
}

// Pose is a rigid transform: rotate then translate.
type Pose struct {
	Pos r3.Vec
	Rot r3.Rotation
}

func IdentityPose() Pose {
	return Pose{Rot: IdentityRotation()}
}

func (p Pose) Apply(local r3.Vec) r3.Vec {
	return r3.Add(p.Pos, p.Rot.Rotate(local))
}

func (p Pose) ApplyDir(local r3.Vec) r3.Vec {
	return p.Rot.Rotate(local)
}

// ToLocal inverts Apply: the local point that maps to the given world point.
func (p Pose) ToLocal(world r3.Vec) r3.Vec {
	return InverseRotation(p.Rot).Rotate(r3.Sub(world, p.Pos))
}

// Basis is an orthonormal frame in world space: a position plus forward,
// right and up unit vectors.
type Basis struct {
	Pos     r3.Vec
	Forward r3.Vec
	Right   r3.Vec
	Up      r3.Vec
}

func (b Basis) ToLocal(p r3.Vec) r3.Vec {
	d := r3.Sub(p, b.Pos)
	return r3.Vec{
		X: r3.Dot(d, b.Right),
		Y: r3.Dot(d, b.Up),
		Z: r3.Dot(d, b.Forward),
	}
}

func (b Basis) ToWorld(local r3.Vec) r3.Vec {
	v := r3.Add(
		r3.Add(r3.Scale(local.X, b.Right), r3.Scale(local.Y, b.Up)),
		r3.Scale(local.Z, b.Forward),
	)
	return r3.Add(b.Pos, v)
}

// Transformed returns the basis moved through a pose.
func (b Basis) Transformed(p Pose) Basis {
	return Basis{
		Pos:     p.Apply(b.Pos),
		Forward: p.ApplyDir(b.Forward),
		Right:   p.ApplyDir(b.Right),
		Up:      p.ApplyDir(b.Up),
	}
}

// TransformAABB returns the world-space axis-aligned bound of a local box
// moved through a pose (bound of the eight rotated corners).
func TransformAABB(p Pose, b AABB) AABB {
	first := true
	var out AABB
	for _, x := range []float64{b.Min.X, b.Max.X} {
		for _, y := range []float64{b.Min.Y, b.Max.Y} {
			for _, z := range []float64{b.Min.Z, b.Max.Z} {
				c := p.Apply(r3.Vec{X: x, Y: y, Z: z})
				if first {
					out = AABB{Min: c, Max: c}
					first = false
					continue
				}
				out.Min.X = math.Min(out.Min.X, c.X)
				out.Min.Y = math.Min(out.Min.Y, c.Y)
				out.Min.Z = math.Min(out.Min.Z, c.Z)
				out.Max.X = math.Max(out.Max.X, c.X)
				out.Max.Y = math.Max(out.Max.Y, c.Y)
				out.Max.Z = math.Max(out.Max.Z, c.Z)
			}
		}
	}
	return out
}

// ProjectOnPlane projects p onto the plane through origin with the given
// unit normal.
func ProjectOnPlane(p, origin, normal r3.Vec) r3.Vec {
	d := r3.Dot(r3.Sub(p, origin), normal)
	return r3.Sub(p, r3.Scale(d, normal))
}

func IdentityRotation() r3.Rotation {
	return r3.Rotation(quat.Number{Real: 1})
}

// InverseRotation returns the rotation undoing r. Assumes unit quaternions,
// which every rotation in this package is.
func InverseRotation(r r3.Rotation) r3.Rotation {
	q := quat.Number(r)
	return r3.Rotation(quat.Number{Real: q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag})
}

// RotationBetween returns the minimal rotation taking unit vector a to unit
// vector b.
func RotationBetween(a, b r3.Vec) r3.Rotation {
	d := r3.Dot(a, b)
	if d > 1-Eps {
		return IdentityRotation()
	}
	if d < -1+Eps {
		// Opposite vectors: pick any perpendicular axis.
		axis := r3.Cross(a, r3.Vec{X: 1})
		if r3.Norm(axis) < Eps {
			axis = r3.Cross(a, r3.Vec{Y: 1})
		}
		return r3.NewRotation(math.Pi, r3.Unit(axis))
	}
	axis := r3.Unit(r3.Cross(a, b))
	return r3.NewRotation(math.Acos(Clamp(d, -1, 1)), axis)
}

// Compose applies a after b.
func Compose(a, b r3.Rotation) r3.Rotation {
	return r3.Rotation(quat.Mul(quat.Number(a), quat.Number(b)))
}

// AngleBetweenRotations returns the absolute rotation angle, in radians,
// between two orientations. Range [0, pi].
func AngleBetweenRotations(a, b r3.Rotation) float64 {
	qa := quat.Number(a)
	qb := quat.Number(b)
	dot := qa.Real*qb.Real + qa.Imag*qb.Imag + qa.Jmag*qb.Jmag + qa.Kmag*qb.Kmag
	dot = Clamp(math.Abs(dot), 0, 1)
	return 2 * math.Acos(dot)
}

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Remap maps v from [inLo,inHi] to [outLo,outHi] without clamping.
func Remap(v, inLo, inHi, outLo, outHi float64) float64 {
	return outLo + (v-inLo)*(outHi-outLo)/(inHi-inLo)
}

func ApproxEqual(a, b r3.Vec, tol float64) bool {
	return math.Abs(a.X-b.X) <= tol && math.Abs(a.Y-b.Y) <= tol && math.Abs(a.Z-b.Z) <= tol
}

func Dist(a, b r3.Vec) float64 {
	return r3.Norm(r3.Sub(a, b))
}
