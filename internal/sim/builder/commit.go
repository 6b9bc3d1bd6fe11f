package builder

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"snapforge/internal/geom"
	"snapforge/internal/protocol"
	"snapforge/internal/sim/catalogs"
	"snapforge/internal/sim/scene"
)

// commitPlacing finalizes the ghost on a confirm press. Failure reasons are
// classified in priority order: blocked, no-snap, unaffordable,
// not-player-placeable.
func (b *Builder) commitPlacing(frame uint64) {
	p := b.reg.Get(b.ghost)
	if p == nil || !b.hasHit {
		return
	}

	if b.blocked {
		b.reject(protocol.ErrBlocked, frame)
		return
	}
	if p.MustSnap && !b.snapped {
		b.reject(protocol.ErrNoSnap, frame)
		return
	}

	if p.Connector && b.confirmCount == 0 {
		// First confirm of a connector: record the start, nothing is
		// deducted until the end handle lands.
		if !b.ledger.CanAfford(p.PlacementCost) {
			b.reject(protocol.ErrNoResource, frame)
			return
		}
		if !p.PlayerPlaceable {
			b.reject(protocol.ErrNotPlaceable, frame)
			return
		}
		b.connStart = b.reg.MagnetBasis(p.StartHandle).Pos
		b.confirmCount = 1
		b.emit(protocol.Event{
			"event":  "connector_started",
			"id":     uint32(p.ID),
			"prefab": p.Prefab,
			"frame":  frame,
		})
		return
	}

	cost := p.PlacementCost
	var connEnd r3.Vec
	if p.Connector {
		connEnd = b.reg.MagnetBasis(p.EndHandle).Pos
		length := geom.Dist(b.connStart, connEnd)
		if length < b.tune.MinConnectorLength {
			b.reject(protocol.ErrNoSnap, frame)
			return
		}
		cost = scaleCost(p.PlacementCost, ceilAtLeastOne(length))
	}

	claim, ok := b.ledger.TryClaim(cost)
	if !ok {
		b.reject(protocol.ErrNoResource, frame)
		return
	}
	if !p.PlayerPlaceable {
		claim.Cancel()
		b.reject(protocol.ErrNotPlaceable, frame)
		return
	}
	claim.Commit()

	if p.Connector {
		// Both handles must sit on their confirmed anchors before contact
		// discovery runs.
		b.reg.SetConnectorSpan(p.ID, b.connStart, connEnd)
	}
	b.reg.Place(p.ID, frame)
	b.emit(protocol.Event{
		"event":  "placed",
		"id":     uint32(p.ID),
		"prefab": p.Prefab,
		"frame":  frame,
	})
	b.markWorldChanged(frame)

	// Continue placing with a fresh ghost of the same prefab.
	b.ghost = 0
	b.confirmCount = 0
	b.snapped = false
	b.spawnGhost(frame)
}

// commitDeleting removes the aimed instance. Failure reasons in priority
// order: no-aim, not-deletable, unaffordable.
func (b *Builder) commitDeleting(frame uint64) {
	target := b.deleteTarget()
	if target == nil {
		b.reject(protocol.ErrNoTarget, frame)
		return
	}
	if !target.PlayerDeletable {
		b.reject(protocol.ErrNotDeletable, frame)
		return
	}

	refund := scaleCostFactor(target.PlacementCost, target.RefundFactor)
	if !b.ledger.CanAfford(target.DeletionCost) || !b.ledger.CanPut(refund) {
		b.reject(protocol.ErrNoResource, frame)
		return
	}

	claim, ok := b.ledger.TryClaim(target.DeletionCost)
	if !ok {
		b.reject(protocol.ErrNoResource, frame)
		return
	}
	claim.Commit()
	b.ledger.TryPut(refund)

	if b.focus == target.ID {
		b.clearFocus()
	}
	b.reg.Delete(target.ID, frame)
	b.emit(protocol.Event{
		"event":  "deleted",
		"id":     uint32(target.ID),
		"prefab": target.Prefab,
		"frame":  frame,
	})
	b.markWorldChanged(frame)
}

func (b *Builder) deleteTarget() *scene.Placeable {
	if b.focus != 0 {
		if p := b.reg.Get(b.focus); p != nil && p.Placed {
			return p
		}
	}
	if b.hasHit {
		if p := b.reg.PlaceableForKey(b.hit.Key); p != nil && p.Placed {
			return p
		}
	}
	return nil
}

func scaleCost(cost []catalogs.ResourceCount, n int) []catalogs.ResourceCount {
	out := make([]catalogs.ResourceCount, 0, len(cost))
	for _, rc := range cost {
		out = append(out, catalogs.ResourceCount{Resource: rc.Resource, Count: rc.Count * n})
	}
	return out
}

func scaleCostFactor(cost []catalogs.ResourceCount, factor float64) []catalogs.ResourceCount {
	var out []catalogs.ResourceCount
	for _, rc := range cost {
		n := int(math.Floor(float64(rc.Count) * factor))
		if n > 0 {
			out = append(out, catalogs.ResourceCount{Resource: rc.Resource, Count: n})
		}
	}
	return out
}
