package builder

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"snapforge/internal/geom"
	"snapforge/internal/sim/scene"
	"snapforge/internal/sim/spatial"
)

// bestWorldMagnet picks the compatible world magnet nearest to the surface
// hit point. Candidates come back from the spatial index in ascending
// (distance, key) order, so a strict comparison keeps the first-found
// candidate on ties.
func (b *Builder) bestWorldMagnet(p *scene.Placeable, point r3.Vec) (*scene.Magnet, r3.Vec, bool) {
	radius := b.tune.OverlapRadius * p.OverlapScale
	idUnion := b.reg.IdentityUnion(p)
	wantUnion := b.reg.SnapToUnion(p)
	if wantUnion.Empty() {
		return nil, r3.Vec{}, false
	}

	var (
		best       *scene.Magnet
		bestOffset r3.Vec
		bestDist   = math.Inf(1)
	)
	for _, c := range b.space.SphereOverlap(point, radius, spatial.LayerMagnet) {
		m := b.reg.MagnetForKey(c.Key)
		if m == nil || m.Owner == p.ID {
			continue
		}
		owner := b.reg.Get(m.Owner)
		if owner == nil || !owner.Placed {
			continue
		}
		if !wantUnion.Intersects(m.Identity) {
			continue
		}
		if !scene.TargetAcceptsSeeker(idUnion, m) {
			continue
		}

		snapPos, offset := m.NearestSnapPosition(b.reg.MagnetBasis(m.ID), point)

		// End-handle placement must keep a minimum distance to the start,
		// otherwise confirming twice in place makes a zero-length connector.
		if p.Connector && b.confirmCount == 1 &&
			geom.Dist(snapPos, b.connStart) < b.tune.MinConnectorLength {
			continue
		}

		if d := geom.Dist(snapPos, point); d < bestDist {
			best = m
			bestOffset = offset
			bestDist = d
		}
	}
	if best == nil {
		return nil, r3.Vec{}, false
	}
	return best, bestOffset, true
}

// ownCandidate is one scored own-magnet option for a chosen world magnet.
type ownCandidate struct {
	id      scene.MagnetID
	pose    geom.Pose
	posR    float64
	angleR  float64
	blend   float64
	camDist float64
}

// bestOwnMagnet picks which of the ghost's own magnets snaps onto the world
// magnet and returns the resulting pose.
func (b *Builder) bestOwnMagnet(p *scene.Placeable, wm *scene.Magnet, offset r3.Vec) (scene.MagnetID, geom.Pose, bool) {
	worldBasis := b.reg.MagnetBasis(wm.ID)
	snapPos := worldBasis.Pos
	if wm.Grid {
		snapPos = worldBasis.ToWorld(offset)
	}

	matching := b.matchingOwnMagnets(p, wm)
	if len(matching) == 0 {
		return 0, geom.Pose{}, false
	}

	// Match center: where the matching magnets end up on average, in the
	// candidate's tentative pose. Rated against the original hit point.
	var localCenter r3.Vec
	for _, id := range matching {
		localCenter = r3.Add(localCenter, b.reg.Magnet(id).Local.Pos)
	}
	localCenter = r3.Scale(1/float64(len(matching)), localCenter)

	radius := b.tune.OverlapRadius * p.OverlapScale
	weight := geom.Remap(geom.Clamp(b.tune.SnapBias, -1, 1), -1, 1, 0, 1)

	var best *ownCandidate
	for _, id := range matching {
		own := b.reg.Magnet(id)
		pose := b.snappedPose(p, own, wm, snapPos)
		if b.poseBlocked(p, pose) {
			continue
		}

		center := pose.Apply(localCenter)
		posR := geom.Dist(center, b.hit.Pos) / radius
		if !b.facesCamera(center) {
			// Full-range penalty pushes the far side of the surface to the
			// bottom of the ranking.
			posR += 1
		}
		cand := ownCandidate{
			id:      id,
			pose:    pose,
			posR:    posR,
			angleR:  geom.AngleBetweenRotations(p.Pose.Rot, pose.Rot) / math.Pi,
			camDist: geom.Dist(center, b.camera),
		}
		cand.blend = geom.Lerp(cand.posR, cand.angleR, weight)

		switch {
		case best == nil:
			best = &cand
		case cand.blend < best.blend-geom.Eps:
			best = &cand
		case math.Abs(cand.blend-best.blend) <= geom.Eps &&
			math.Abs(cand.posR-best.posR) <= b.tune.CameraTieEpsilon &&
			cand.camDist < best.camDist:
			best = &cand
		}
	}
	if best != nil {
		return best.id, best.pose, true
	}

	// Every aligned pose was blocked. Try the simpler heuristic: slide the
	// ghost along the hit-to-magnet ray keeping its current rotation.
	return b.ownMagnetAlongRay(p, matching, snapPos)
}

func (b *Builder) matchingOwnMagnets(p *scene.Placeable, wm *scene.Magnet) []scene.MagnetID {
	var out []scene.MagnetID
	for _, id := range p.Magnets {
		if p.Connector {
			// Handles place one at a time: start first, then end.
			if b.confirmCount == 0 && id != p.StartHandle {
				continue
			}
			if b.confirmCount == 1 && id != p.EndHandle {
				continue
			}
		}
		own := b.reg.Magnet(id)
		if scene.CanSnapTo(own, wm) || scene.CanSnapTo(wm, own) {
			out = append(out, id)
		}
	}
	return out
}

func (b *Builder) ownMagnetAlongRay(p *scene.Placeable, matching []scene.MagnetID, snapPos r3.Vec) (scene.MagnetID, geom.Pose, bool) {
	dir := r3.Sub(snapPos, b.hit.Pos)
	if r3.Norm(dir) < geom.Eps {
		dir = r3.Vec{Y: 1}
	}
	ray := geom.NewRay(b.hit.Pos, dir)

	var (
		bestID   scene.MagnetID
		bestPose geom.Pose
		bestT    = math.Inf(1)
		found    bool
	)
	for _, id := range matching {
		own := b.reg.Magnet(id)
		rot := p.Pose.Rot
		pose := geom.Pose{Pos: r3.Sub(snapPos, rot.Rotate(own.Local.Pos)), Rot: rot}
		if b.poseBlocked(p, pose) {
			continue
		}
		if t := ray.ClosestT(pose.Pos); t < bestT {
			bestID = id
			bestPose = pose
			bestT = t
			found = true
		}
	}
	return bestID, bestPose, found
}

// facesCamera reports whether a point sits on the camera's side of the
// current hit surface.
func (b *Builder) facesCamera(p r3.Vec) bool {
	side := r3.Dot(r3.Sub(p, b.hit.Pos), b.hit.Normal)
	camSide := r3.Dot(r3.Sub(b.camera, b.hit.Pos), b.hit.Normal)
	return side*camSide >= 0
}

// snappedPose computes the ghost pose putting own onto the world magnet,
// honoring the world magnet's alignment and rotate-axis contract plus the
// scroll-accumulated heading.
func (b *Builder) snappedPose(p *scene.Placeable, own *scene.Magnet, wm *scene.Magnet, snapPos r3.Vec) geom.Pose {
	worldBasis := b.reg.MagnetBasis(wm.ID)

	currentFwd := p.Pose.ApplyDir(own.Local.Forward)
	desired := currentFwd
	switch wm.Alignment {
	case scene.AlignMagnetFace:
		desired = r3.Scale(-1, worldBasis.Forward)
	case scene.AlignMagnetForward:
		desired = worldBasis.Forward
	case scene.AlignMagnetRight:
		desired = worldBasis.Right
	case scene.AlignMagnetUp:
		desired = worldBasis.Up
	case scene.AlignWorldUp:
		// Keep the current heading, level the magnet against world up.
		flat := r3.Vec{X: currentFwd.X, Z: currentFwd.Z}
		if r3.Norm(flat) > geom.Eps {
			desired = r3.Unit(flat)
		}
	}

	rot := geom.Compose(geom.RotationBetween(currentFwd, desired), p.Pose.Rot)

	var axis r3.Vec
	switch wm.RotateAxis {
	case scene.RotateWorldUp:
		axis = r3.Vec{Y: 1}
	case scene.RotateAligned:
		axis = desired
	case scene.RotateNone:
	}
	if r3.Norm(axis) > geom.Eps && math.Abs(b.heading) > geom.Eps {
		rot = geom.Compose(r3.NewRotation(b.heading, r3.Unit(axis)), rot)
	}

	return geom.Pose{Pos: r3.Sub(snapPos, rot.Rotate(own.Local.Pos)), Rot: rot}
}

// withinSnapEpsilon verifies the constructed pose actually lands the own
// magnet on the world magnet's (re-quantized) snap position.
func (b *Builder) withinSnapEpsilon(p *scene.Placeable, ownID scene.MagnetID, wm *scene.Magnet, offset r3.Vec, pose geom.Pose) bool {
	own := b.reg.Magnet(ownID)
	ownWorld := pose.Apply(own.Local.Pos)
	snapPos, _ := wm.NearestSnapPosition(b.reg.MagnetBasis(wm.ID), ownWorld)
	return geom.Dist(ownWorld, snapPos) <= b.tune.SnapEpsilon
}
