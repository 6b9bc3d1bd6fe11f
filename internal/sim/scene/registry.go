package scene

import (
	"fmt"
	"log"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"snapforge/internal/geom"
	"snapforge/internal/sim/catalogs"
	"snapforge/internal/sim/spatial"
	"snapforge/internal/sim/tuning"
)

// Collider key namespaces. Keys below magnetKeyBase are free for the
// session's own surfaces (ground planes etc).
const (
	magnetKeyBase    uint64 = 1 << 40
	placeableKeyBase uint64 = 2 << 40
)

func MagnetKey(id MagnetID) uint64       { return magnetKeyBase | uint64(id) }
func PlaceableKey(id PlaceableID) uint64 { return placeableKeyBase | uint64(id) }

// Registry is the arena that owns every placeable and magnet. All
// cross-references are id handles resolved through it, which keeps the
// contact graph cycle-free and the connectivity search trivial.
type Registry struct {
	cats  *catalogs.Catalogs
	space *spatial.Index
	tune  tuning.Tuning
	log   *log.Logger

	placeables map[PlaceableID]*Placeable
	magnets    map[MagnetID]*Magnet

	nextPlaceable uint32
	nextMagnet    uint32
}

func NewRegistry(cats *catalogs.Catalogs, space *spatial.Index, tune tuning.Tuning, logger *log.Logger) *Registry {
	return &Registry{
		cats:       cats,
		space:      space,
		tune:       tune,
		log:        logger,
		placeables: map[PlaceableID]*Placeable{},
		magnets:    map[MagnetID]*Magnet{},
	}
}

func (r *Registry) Space() *spatial.Index { return r.space }

// Instantiate creates a ghost instance of a catalog prefab. Colliders stay
// unregistered until Place.
func (r *Registry) Instantiate(prefab string, pose geom.Pose) (*Placeable, error) {
	def, ok := r.cats.Placeables.ByID[prefab]
	if !ok {
		return nil, fmt.Errorf("unknown placeable %q", prefab)
	}

	r.nextPlaceable++
	p := &Placeable{
		ID:              PlaceableID(r.nextPlaceable),
		Prefab:          prefab,
		Pose:            pose,
		CanFloat:        def.CanFloat,
		MustSnap:        def.MustSnap,
		Connector:       def.Connector,
		PlacementCost:   def.PlacementCost,
		DeletionCost:    def.DeletionCost,
		RefundFactor:    def.RefundFactor,
		OverlapScale:    def.OverlapScale,
		PlayerPlaceable: def.PlayerPlaceable,
		PlayerDeletable: def.PlayerDeletable,
		BlockShape: geom.AABB{
			Min: vec3(def.BlockShape[0]),
			Max: vec3(def.BlockShape[1]),
		},
		Contacts: map[MagnetID]MagnetID{},
	}
	if p.OverlapScale <= 0 {
		p.OverlapScale = 1
	}

	for _, md := range def.Magnets {
		m, err := newMagnet(md, r.cats.Identities.Index)
		if err != nil {
			return nil, fmt.Errorf("placeable %q: %w", prefab, err)
		}
		r.nextMagnet++
		m.ID = MagnetID(r.nextMagnet)
		m.Owner = p.ID
		r.magnets[m.ID] = m
		p.Magnets = append(p.Magnets, m.ID)
		if def.Connector {
			if md.Name == def.StartHandle {
				p.StartHandle = m.ID
			}
			if md.Name == def.EndHandle {
				p.EndHandle = m.ID
			}
		}
	}

	r.placeables[p.ID] = p
	p.fireStarted()
	return p, nil
}

func (r *Registry) Get(id PlaceableID) *Placeable { return r.placeables[id] }
func (r *Registry) Magnet(id MagnetID) *Magnet    { return r.magnets[id] }

func (r *Registry) MagnetForKey(key uint64) *Magnet {
	if key&magnetKeyBase == 0 || key&placeableKeyBase != 0 {
		return nil
	}
	return r.magnets[MagnetID(key&^magnetKeyBase)]
}

func (r *Registry) PlaceableForKey(key uint64) *Placeable {
	if key&placeableKeyBase == 0 {
		return nil
	}
	return r.placeables[PlaceableID(key&^placeableKeyBase)]
}

func (r *Registry) SetPose(id PlaceableID, pose geom.Pose) {
	p := r.placeables[id]
	if p == nil {
		return
	}
	p.Pose = pose
	if p.Placed {
		// Placed instances never move today, but keep colliders honest.
		r.registerColliders(p)
	}
	p.fireUpdated()
}

// SetConnectorSpan stretches a connector ghost between its two confirmed
// endpoints: the pose moves to the midpoint and each handle magnet is offset
// so it sits exactly on its anchor. Contact discovery at Place then sees both
// handles on their anchors, which is what makes IsConnected true.
func (r *Registry) SetConnectorSpan(id PlaceableID, start, end r3.Vec) {
	p := r.placeables[id]
	if p == nil || !p.Connector || p.Placed {
		return
	}
	p.Pose.Pos = r3.Scale(0.5, r3.Add(start, end))
	if m := r.magnets[p.StartHandle]; m != nil {
		m.Local.Pos = p.Pose.ToLocal(start)
	}
	if m := r.magnets[p.EndHandle]; m != nil {
		m.Local.Pos = p.Pose.ToLocal(end)
	}
	p.fireUpdated()
}

// MagnetBasis returns the magnet's current world frame.
func (r *Registry) MagnetBasis(id MagnetID) geom.Basis {
	m := r.magnets[id]
	if m == nil {
		return geom.Basis{}
	}
	p := r.placeables[m.Owner]
	if p == nil {
		return m.Local
	}
	return m.Local.Transformed(p.Pose)
}

// NearestSnapPosition resolves the world snap position of a magnet for a
// query point; grids return their quantized point plus the local offset.
func (r *Registry) NearestSnapPosition(id MagnetID, p r3.Vec) (r3.Vec, r3.Vec) {
	m := r.magnets[id]
	if m == nil {
		return r3.Vec{}, r3.Vec{}
	}
	return m.NearestSnapPosition(r.MagnetBasis(id), p)
}

func (r *Registry) WorldBlockShape(p *Placeable) geom.AABB {
	return geom.TransformAABB(p.Pose, p.BlockShape)
}

// IdentityUnion is the union of identity tokens across all of p's magnets.
func (r *Registry) IdentityUnion(p *Placeable) IdentitySet {
	var s IdentitySet
	for _, mid := range p.Magnets {
		s.UnionWith(r.magnets[mid].Identity)
	}
	return s
}

// SnapToUnion is the union of snap-to wishlists across p's non-grid magnets.
func (r *Registry) SnapToUnion(p *Placeable) IdentitySet {
	var s IdentitySet
	for _, mid := range p.Magnets {
		m := r.magnets[mid]
		if m.Grid {
			continue
		}
		s.UnionWith(m.SnapTo)
	}
	return s
}

// Place finalizes a ghost: one-way, idempotent. Colliders are registered,
// stable-ground is cached, contacts are discovered and connectivity is
// scheduled for the next step.
func (r *Registry) Place(id PlaceableID, frame uint64) {
	p := r.placeables[id]
	if p == nil || p.Placed {
		return
	}
	def := r.cats.Placeables.ByID[p.Prefab]
	p.Placed = true
	p.StableGround = def.StableGround
	r.registerColliders(p)
	r.discoverContacts(p, frame)
	p.checkAt = frame + 1
	p.firePlaced()
}

// Delete tears a placed instance down. Contacts break immediately so
// partners get their connectivity recompute; the instance itself is removed
// on the next step, mirroring a collision-exit cycle.
func (r *Registry) Delete(id PlaceableID, frame uint64) {
	p := r.placeables[id]
	if p == nil {
		return
	}
	r.breakAllContacts(p, frame)
	p.fireDeleted()
	p.removeAt = frame + 1
}

// Abort discards a ghost immediately.
func (r *Registry) Abort(id PlaceableID) {
	p := r.placeables[id]
	if p == nil {
		return
	}
	p.fireAborted()
	r.remove(p)
}

// SetFocused toggles the focus-highlight layer bit on a placed instance's
// block collider so delete-mode raycasts keep hitting it.
func (r *Registry) SetFocused(id PlaceableID, focused bool) {
	layer := spatial.LayerPlaced
	if focused {
		layer |= spatial.LayerFocus
	}
	r.space.SetLayer(PlaceableKey(id), layer)
}

// Step advances deferred work: removals, debounced connectivity recomputes
// and float-destroy countdowns. Iteration order is sorted ids.
func (r *Registry) Step(frame uint64) {
	for _, id := range r.sortedPlaceableIDs() {
		p := r.placeables[id]
		if p == nil {
			continue
		}

		if p.removeAt != 0 && frame >= p.removeAt {
			r.remove(p)
			continue
		}

		if p.checkAt != 0 && frame >= p.checkAt {
			p.checkAt = 0
			r.recomputeConnectivity(p, frame)
		}

		if p.destroyAt != 0 && frame >= p.destroyAt {
			if p.connected {
				p.destroyAt = 0
				continue
			}
			// Floating debris fell off and nobody reattached it.
			r.log.Printf("placeable %d (%s) disconnected past grace period, destroying", p.ID, p.Prefab)
			r.breakAllContacts(p, frame)
			p.fireDeleted()
			r.remove(p)
		}
	}
}

func (r *Registry) recomputeConnectivity(p *Placeable, frame uint64) {
	if !p.Placed || p.removeAt != 0 {
		return
	}
	connected := r.connectedToGround(p)
	if connected != p.connected {
		p.connected = connected
		p.fireConnectedChanged(connected)
	}
	switch {
	case connected:
		p.destroyAt = 0
	case !p.CanFloat && p.destroyAt == 0:
		p.destroyAt = frame + uint64(r.tune.FloatDestroyFrames)
	}
}

// connectedToGround is a breadth-first search over the touching-magnet
// graph: a placeable is connected when it, or anything transitively touching
// it, can float or sits on stable ground.
func (r *Registry) connectedToGround(start *Placeable) bool {
	if start.CanFloat || start.StableGround {
		return true
	}
	visited := map[PlaceableID]bool{start.ID: true}
	queue := []PlaceableID{start.ID}
	for len(queue) > 0 {
		cur := r.placeables[queue[0]]
		queue = queue[1:]
		if cur == nil {
			continue
		}
		// Deterministic neighbor order.
		foreign := make([]MagnetID, 0, len(cur.Contacts))
		for fm := range cur.Contacts {
			foreign = append(foreign, fm)
		}
		sort.Slice(foreign, func(i, j int) bool { return foreign[i] < foreign[j] })
		for _, fm := range foreign {
			m := r.magnets[fm]
			if m == nil {
				continue
			}
			n := r.placeables[m.Owner]
			if n == nil || visited[n.ID] {
				continue
			}
			if n.CanFloat || n.StableGround {
				return true
			}
			visited[n.ID] = true
			queue = append(queue, n.ID)
		}
	}
	return false
}

func (r *Registry) registerColliders(p *Placeable) {
	r.space.Set(spatial.Collider{
		Key:   PlaceableKey(p.ID),
		Layer: spatial.LayerPlaced,
		Box:   r.WorldBlockShape(p),
	})
	for _, mid := range p.Magnets {
		m := r.magnets[mid]
		basis := r.MagnetBasis(mid)
		c := spatial.Collider{Key: MagnetKey(mid), Layer: spatial.LayerMagnet}
		if m.Grid {
			c.Box = gridWorldBox(m, basis)
		} else {
			c.IsPoint = true
			c.Point = basis.Pos
		}
		r.space.Set(c)
	}
}

func (r *Registry) unregisterColliders(p *Placeable) {
	r.space.Remove(PlaceableKey(p.ID))
	for _, mid := range p.Magnets {
		r.space.Remove(MagnetKey(mid))
	}
}

// gridWorldBox bounds a grid magnet's snap surface in world space.
func gridWorldBox(m *Magnet, basis geom.Basis) geom.AABB {
	first := true
	var out geom.AABB
	b := m.Bounds
	for _, x := range []float64{b.Min.X, b.Max.X} {
		for _, y := range []float64{b.Min.Y, b.Max.Y} {
			for _, z := range []float64{b.Min.Z, b.Max.Z} {
				c := basis.ToWorld(r3.Vec{X: x, Y: y, Z: z})
				if first {
					out = geom.AABB{Min: c, Max: c}
					first = false
					continue
				}
				if c.X < out.Min.X {
					out.Min.X = c.X
				}
				if c.Y < out.Min.Y {
					out.Min.Y = c.Y
				}
				if c.Z < out.Min.Z {
					out.Min.Z = c.Z
				}
				if c.X > out.Max.X {
					out.Max.X = c.X
				}
				if c.Y > out.Max.Y {
					out.Max.Y = c.Y
				}
				if c.Z > out.Max.Z {
					out.Max.Z = c.Z
				}
			}
		}
	}
	return out
}

// discoverContacts finds magnets of other placed instances touching p's
// magnets. Touch = within snap epsilon of the magnet's snap position and
// snappable in at least one direction.
func (r *Registry) discoverContacts(p *Placeable, frame uint64) {
	for _, mid := range p.Magnets {
		own := r.magnets[mid]
		basis := r.MagnetBasis(mid)
		near := r.space.SphereOverlap(basis.Pos, r.tune.SnapEpsilon*2, spatial.LayerMagnet)
		for _, c := range near {
			other := r.MagnetForKey(c.Key)
			if other == nil || other.Owner == p.ID {
				continue
			}
			op := r.placeables[other.Owner]
			if op == nil || !op.Placed || op.removeAt != 0 {
				continue
			}
			snapPos, _ := other.NearestSnapPosition(r.MagnetBasis(other.ID), basis.Pos)
			if geom.Dist(snapPos, basis.Pos) > r.tune.SnapEpsilon {
				continue
			}
			if !CanSnapTo(own, other) && !CanSnapTo(other, own) {
				continue
			}
			r.beginContact(p, own, op, other, frame)
		}
	}
}

func (r *Registry) beginContact(p *Placeable, own *Magnet, op *Placeable, other *Magnet, frame uint64) {
	p.Contacts[other.ID] = own.ID
	op.Contacts[own.ID] = other.ID
	p.checkAt = frame + 1
	op.checkAt = frame + 1
}

func (r *Registry) breakAllContacts(p *Placeable, frame uint64) {
	for foreign, own := range p.Contacts {
		m := r.magnets[foreign]
		if m == nil {
			continue
		}
		if op := r.placeables[m.Owner]; op != nil {
			delete(op.Contacts, own)
			op.checkAt = frame + 1
		}
	}
	p.Contacts = map[MagnetID]MagnetID{}
}

func (r *Registry) remove(p *Placeable) {
	r.unregisterColliders(p)
	for _, mid := range p.Magnets {
		delete(r.magnets, mid)
	}
	delete(r.placeables, p.ID)
}

func (r *Registry) sortedPlaceableIDs() []PlaceableID {
	ids := make([]PlaceableID, 0, len(r.placeables))
	for id := range r.placeables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot rows for digests and the placement index.
type PlacedRecord struct {
	ID     PlaceableID `json:"id"`
	Prefab string      `json:"prefab"`
	Pos    [3]float64  `json:"pos"`
	Placed bool        `json:"placed"`
}

// Records returns a deterministic summary of every live instance.
func (r *Registry) Records() []PlacedRecord {
	ids := r.sortedPlaceableIDs()
	out := make([]PlacedRecord, 0, len(ids))
	for _, id := range ids {
		p := r.placeables[id]
		out = append(out, PlacedRecord{
			ID:     p.ID,
			Prefab: p.Prefab,
			Pos:    [3]float64{p.Pose.Pos.X, p.Pose.Pos.Y, p.Pose.Pos.Z},
			Placed: p.Placed,
		})
	}
	return out
}
