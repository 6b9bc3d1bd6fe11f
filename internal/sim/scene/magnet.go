package scene

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"snapforge/internal/geom"
	"snapforge/internal/sim/catalogs"
)

// MagnetID and PlaceableID are arena handles. Zero means "none".
type MagnetID uint32
type PlaceableID uint32

type Alignment int

const (
	AlignWorldUp Alignment = iota
	AlignMagnetForward
	AlignMagnetRight
	AlignMagnetUp
	AlignMagnetFace
)

type RotateAxis int

const (
	RotateWorldUp RotateAxis = iota
	RotateAligned
	RotateNone
)

func ParseAlignment(s string) (Alignment, error) {
	switch s {
	case "", "WORLD_UP":
		return AlignWorldUp, nil
	case "MAGNET_FORWARD":
		return AlignMagnetForward, nil
	case "MAGNET_RIGHT":
		return AlignMagnetRight, nil
	case "MAGNET_UP":
		return AlignMagnetUp, nil
	case "MAGNET_FACE":
		return AlignMagnetFace, nil
	}
	return 0, fmt.Errorf("unsupported alignment %q", s)
}

func ParseRotateAxis(s string) (RotateAxis, error) {
	switch s {
	case "", "WORLD_UP":
		return RotateWorldUp, nil
	case "ALIGNED":
		return RotateAligned, nil
	case "NONE":
		return RotateNone, nil
	}
	return 0, fmt.Errorf("unsupported rotate_axis %q", s)
}

// Magnet is a snap point (or quantized snap surface, when Grid) on a
// placeable. The local frame is relative to the owning placeable's origin;
// world-space queries go through Registry.MagnetBasis.
type Magnet struct {
	ID    MagnetID
	Owner PlaceableID
	Name  string

	Identity   IdentitySet
	AcceptFrom IdentitySet
	RejectFrom IdentitySet
	SnapTo     IdentitySet

	Grid    bool
	GridDiv [2]float64
	Bounds  geom.AABB // grid surface, local space

	Local      geom.Basis
	Alignment  Alignment
	RotateAxis RotateAxis
}

func newMagnet(def catalogs.MagnetDef, index map[string]uint16) (*Magnet, error) {
	m := &Magnet{Name: def.Name, Grid: def.Grid, GridDiv: def.GridDivisions}

	var err error
	if m.Identity, err = NewIdentitySet(index, def.Identity); err != nil {
		return nil, fmt.Errorf("magnet %s: %w", def.Name, err)
	}
	if m.AcceptFrom, err = NewIdentitySet(index, def.AcceptFrom); err != nil {
		return nil, fmt.Errorf("magnet %s: %w", def.Name, err)
	}
	if m.RejectFrom, err = NewIdentitySet(index, def.RejectFrom); err != nil {
		return nil, fmt.Errorf("magnet %s: %w", def.Name, err)
	}
	if m.SnapTo, err = NewIdentitySet(index, def.SnapTo); err != nil {
		return nil, fmt.Errorf("magnet %s: %w", def.Name, err)
	}

	if m.Alignment, err = ParseAlignment(def.Alignment); err != nil {
		return nil, fmt.Errorf("magnet %s: %w", def.Name, err)
	}
	if m.RotateAxis, err = ParseRotateAxis(def.RotateAxis); err != nil {
		return nil, fmt.Errorf("magnet %s: %w", def.Name, err)
	}

	fwd := vec3(def.Forward)
	up := vec3(def.Up)
	if r3.Norm(fwd) < geom.Eps {
		fwd = r3.Vec{Z: 1}
	}
	if r3.Norm(up) < geom.Eps {
		up = r3.Vec{Y: 1}
	}
	fwd = r3.Unit(fwd)
	// Re-orthogonalize up against forward.
	up = r3.Sub(up, r3.Scale(r3.Dot(up, fwd), fwd))
	if r3.Norm(up) < geom.Eps {
		up = r3.Vec{X: 1}
	}
	up = r3.Unit(up)
	m.Local = geom.Basis{
		Pos:     vec3(def.Pos),
		Forward: fwd,
		Up:      up,
		Right:   r3.Cross(up, fwd),
	}
	m.Bounds = geom.AABB{Min: vec3(def.Bounds[0]), Max: vec3(def.Bounds[1])}
	return m, nil
}

func vec3(a [3]float64) r3.Vec {
	return r3.Vec{X: a[0], Y: a[1], Z: a[2]}
}

// TargetAcceptsSeeker resolves the target magnet's passive accept/reject
// filters against a seeker identity set. An empty whitelist accepts nothing
// unless a blacklist exists.
func TargetAcceptsSeeker(seeker IdentitySet, target *Magnet) bool {
	hasAccept := !target.AcceptFrom.Empty()
	hasReject := !target.RejectFrom.Empty()
	switch {
	case hasAccept && hasReject:
		return seeker.Intersects(target.AcceptFrom) && !seeker.Intersects(target.RejectFrom)
	case hasReject:
		return !seeker.Intersects(target.RejectFrom)
	case hasAccept:
		return seeker.Intersects(target.AcceptFrom)
	default:
		return false
	}
}

// SeekerWantsTarget is the active wishlist check. Grids never actively seek.
func SeekerWantsTarget(seeker, target *Magnet) bool {
	if seeker.Grid || seeker.SnapTo.Empty() {
		return false
	}
	return seeker.SnapTo.Intersects(target.Identity)
}

// CanSnapTo is the gate used for physical contact validity: the seeker must
// want the target, the target must accept the seeker, and when the seeker
// authored filter lists of its own the target must pass them too. A seeker
// with no lists does not filter the reverse direction.
func CanSnapTo(from, to *Magnet) bool {
	if from.SnapTo.Empty() {
		return false
	}
	if !SeekerWantsTarget(from, to) || !TargetAcceptsSeeker(from.Identity, to) {
		return false
	}
	if from.AcceptFrom.Empty() && from.RejectFrom.Empty() {
		return true
	}
	return TargetAcceptsSeeker(to.Identity, from)
}

// NearestSnapPosition returns the world-space snap position for a query
// point, plus the grid-local offset (zero for point magnets). The world
// basis must be the magnet's current frame.
func (m *Magnet) NearestSnapPosition(basis geom.Basis, p r3.Vec) (r3.Vec, r3.Vec) {
	if !m.Grid {
		return basis.Pos, r3.Vec{}
	}
	proj := geom.ProjectOnPlane(p, basis.Pos, basis.Forward)
	local := basis.ToLocal(proj)
	local = m.Bounds.ClosestPoint(local)
	local.X = quantizeInRange(local.X, 1/m.GridDiv[0], m.Bounds.Min.X, m.Bounds.Max.X)
	local.Y = quantizeInRange(local.Y, 1/m.GridDiv[1], m.Bounds.Min.Y, m.Bounds.Max.Y)
	local.Z = 0
	return basis.ToWorld(local), local
}

// quantizeInRange rounds v to the nearest multiple of step, then pulls it
// back inside [lo, hi] by whole steps so the result is always a multiple
// within range. That keeps the operation idempotent at the bounds.
func quantizeInRange(v, step, lo, hi float64) float64 {
	q := math.Round(v/step) * step
	if q < lo {
		q = math.Ceil(lo/step-geom.Eps) * step
	}
	if q > hi {
		q = math.Floor(hi/step+geom.Eps) * step
	}
	return q
}
