package scene

import (
	"snapforge/internal/geom"
	"snapforge/internal/sim/catalogs"
)

// Listeners are explicit observer lists, invoked in registration order.
type Listeners struct {
	OnStarted          []func(PlaceableID)
	OnUpdated          []func(PlaceableID)
	OnPlaced           []func(PlaceableID)
	OnDeleted          []func(PlaceableID)
	OnAborted          []func(PlaceableID)
	OnConnectedChanged []func(PlaceableID, bool)
}

// Placeable is one placed-or-placing object instance. Instances start in
// ghost mode (no colliders registered) and become permanent via
// Registry.Place, which is a one-way transition.
type Placeable struct {
	ID     PlaceableID
	Prefab string
	Pose   geom.Pose

	Magnets []MagnetID

	CanFloat    bool
	MustSnap    bool
	Connector   bool
	StartHandle MagnetID
	EndHandle   MagnetID

	PlacementCost []catalogs.ResourceCount
	DeletionCost  []catalogs.ResourceCount
	RefundFactor  float64

	OverlapScale    float64
	PlayerPlaceable bool
	PlayerDeletable bool

	// StableGround is cached at placement time.
	StableGround bool
	BlockShape   geom.AABB // local space

	Placed bool

	// Contacts maps a touching foreign magnet to the own magnet it touches.
	Contacts map[MagnetID]MagnetID

	Listeners Listeners

	connected bool
	checkAt   uint64 // frame at which a connectivity recompute is due; 0 = none
	destroyAt uint64 // float-destroy deadline; 0 = none
	removeAt  uint64 // deferred removal after delete; 0 = none
}

// Connected reports the cached connectivity verdict. Only meaningful for
// placed instances; ghosts are never part of the contact graph.
func (p *Placeable) Connected() bool { return p.connected }

// IsConnected reports whether both connector handles are in contact. Only
// meaningful when Connector is set.
func (p *Placeable) IsConnected() bool {
	if !p.Connector {
		return false
	}
	start, end := false, false
	for _, own := range p.Contacts {
		if own == p.StartHandle {
			start = true
		}
		if own == p.EndHandle {
			end = true
		}
	}
	return start && end
}

func (p *Placeable) fireStarted() {
	for _, f := range p.Listeners.OnStarted {
		f(p.ID)
	}
}

func (p *Placeable) fireUpdated() {
	for _, f := range p.Listeners.OnUpdated {
		f(p.ID)
	}
}

func (p *Placeable) firePlaced() {
	for _, f := range p.Listeners.OnPlaced {
		f(p.ID)
	}
}

func (p *Placeable) fireDeleted() {
	for _, f := range p.Listeners.OnDeleted {
		f(p.ID)
	}
}

func (p *Placeable) fireAborted() {
	for _, f := range p.Listeners.OnAborted {
		f(p.ID)
	}
}

func (p *Placeable) fireConnectedChanged(connected bool) {
	for _, f := range p.Listeners.OnConnectedChanged {
		f(p.ID, connected)
	}
}
