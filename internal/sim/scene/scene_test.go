package scene

import (
	"io"
	"log"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"snapforge/internal/geom"
	"snapforge/internal/sim/catalogs"
	"snapforge/internal/sim/spatial"
	"snapforge/internal/sim/tuning"
)

func testCatalogs(t *testing.T) *catalogs.Catalogs {
	t.Helper()
	cats, err := catalogs.FromDefs(
		[]catalogs.ResourceDef{{ID: "scrap"}},
		[]catalogs.PlaceableDef{
			{
				ID:              "foundation",
				StableGround:    true,
				PlayerPlaceable: true,
				PlayerDeletable: true,
				BlockShape:      [2][3]float64{{-1, -0.5, -1}, {1, 0.5, 1}},
				Magnets: []catalogs.MagnetDef{{
					Name:          "top",
					Identity:      []string{"surface"},
					AcceptFrom:    []string{"plug"},
					Grid:          true,
					GridDivisions: [2]float64{2, 2},
					Bounds:        [2][3]float64{{-1, -1, 0}, {1, 1, 0}},
					Pos:           [3]float64{0, 0.5, 0},
					Forward:       [3]float64{0, 1, 0},
					Up:            [3]float64{0, 0, 1},
				}},
			},
			{
				ID:              "block",
				PlayerPlaceable: true,
				PlayerDeletable: true,
				MustSnap:        true,
				BlockShape:      [2][3]float64{{-0.4, -0.5, -0.4}, {0.4, 0.5, 0.4}},
				Magnets: []catalogs.MagnetDef{{
					Name:     "base",
					Identity: []string{"plug"},
					SnapTo:   []string{"surface"},
					Pos:      [3]float64{0, -0.5, 0},
					Forward:  [3]float64{0, -1, 0},
					Up:       [3]float64{0, 0, 1},
				}},
			},
		},
	)
	if err != nil {
		t.Fatalf("FromDefs: %v", err)
	}
	return cats
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	tune := tuning.Defaults()
	tune.FloatDestroyFrames = 3
	return NewRegistry(testCatalogs(t), spatial.NewIndex(), tune, log.New(io.Discard, "", 0))
}

func mustInstantiate(t *testing.T, r *Registry, prefab string, pos r3.Vec) *Placeable {
	t.Helper()
	p, err := r.Instantiate(prefab, geom.Pose{Pos: pos, Rot: geom.IdentityRotation()})
	if err != nil {
		t.Fatalf("Instantiate %s: %v", prefab, err)
	}
	return p
}

func identSet(t *testing.T, cats *catalogs.Catalogs, tokens ...string) IdentitySet {
	t.Helper()
	s, err := NewIdentitySet(cats.Identities.Index, tokens)
	if err != nil {
		t.Fatalf("NewIdentitySet: %v", err)
	}
	return s
}

func TestTargetAcceptsSeeker(t *testing.T) {
	cats, err := catalogs.FromDefs(nil, []catalogs.PlaceableDef{{
		ID: "fixture",
		Magnets: []catalogs.MagnetDef{{
			Name:     "m",
			Identity: []string{"a", "b", "c"},
		}},
	}})
	if err != nil {
		t.Fatalf("FromDefs: %v", err)
	}
	mk := func(accept, reject []string) *Magnet {
		m := &Magnet{}
		m.AcceptFrom, _ = NewIdentitySet(cats.Identities.Index, accept)
		m.RejectFrom, _ = NewIdentitySet(cats.Identities.Index, reject)
		return m
	}
	seekA := identSet(t, cats, "a")
	seekB := identSet(t, cats, "b")

	cases := []struct {
		name   string
		target *Magnet
		seeker IdentitySet
		want   bool
	}{
		{"no lists accepts nothing", mk(nil, nil), seekA, false},
		{"whitelist match", mk([]string{"a"}, nil), seekA, true},
		{"whitelist miss", mk([]string{"a"}, nil), seekB, false},
		{"blacklist only, not listed", mk(nil, []string{"b"}), seekA, true},
		{"blacklist only, listed", mk(nil, []string{"b"}), seekB, false},
		{"both lists, reject wins", mk([]string{"a"}, []string{"a"}), seekA, false},
		{"both lists, accepted", mk([]string{"a", "b"}, []string{"c"}), seekB, true},
	}
	for _, tc := range cases {
		if got := TargetAcceptsSeeker(tc.seeker, tc.target); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestCanSnapToRequiresBothDirections(t *testing.T) {
	cats := testCatalogs(t)
	mk := func(identity, accept, snapTo []string, grid bool) *Magnet {
		m := &Magnet{Grid: grid}
		m.Identity, _ = NewIdentitySet(cats.Identities.Index, identity)
		m.AcceptFrom, _ = NewIdentitySet(cats.Identities.Index, accept)
		m.SnapTo, _ = NewIdentitySet(cats.Identities.Index, snapTo)
		return m
	}

	plug := mk([]string{"plug"}, nil, []string{"surface"}, false)
	surface := mk([]string{"surface"}, []string{"plug"}, nil, true)

	// A seeker with no lists of its own does not filter the reverse direction.
	if !CanSnapTo(plug, surface) {
		t.Error("plug->surface should succeed: surface accepts plug")
	}
	if CanSnapTo(surface, plug) {
		t.Error("grids never actively seek")
	}

	// Once the seeker authors a reject list, the target must pass it.
	plug.RejectFrom, _ = NewIdentitySet(cats.Identities.Index, []string{"surface"})
	if CanSnapTo(plug, surface) {
		t.Error("plug rejecting surface must block the contact")
	}

	// Sub-predicate failure always fails the gate.
	mute := mk([]string{"plug"}, nil, nil, false)
	if CanSnapTo(mute, surface) {
		t.Error("empty snap_to must never snap")
	}
}

func TestGridQuantizeIdempotent(t *testing.T) {
	r := testRegistry(t)

	f := mustInstantiate(t, r, "foundation", r3.Vec{})
	r.Place(f.ID, 1)

	top := r.Magnet(f.Magnets[0])
	basis := r.MagnetBasis(top.ID)

	probe := r3.Vec{X: 0.31, Y: 2.0, Z: -0.9}
	snap1, _ := top.NearestSnapPosition(basis, probe)
	snap2, _ := top.NearestSnapPosition(basis, snap1)
	if !geom.ApproxEqual(snap1, snap2, 1e-9) {
		t.Fatalf("snap not idempotent: %v -> %v", snap1, snap2)
	}

	// Grid steps are 1/divisions; local coords must be multiples of 0.5.
	_, local := top.NearestSnapPosition(basis, probe)
	for _, v := range []float64{local.X, local.Y} {
		if rem := math.Mod(math.Abs(v)+1e-9, 0.5); rem > 2e-9 {
			t.Errorf("local coord %v is not on the 0.5 grid", v)
		}
	}
	if local.Z != 0 {
		t.Errorf("grid local Z = %v, want 0", local.Z)
	}

	// Points far outside the surface clamp to the bounds.
	far, _ := top.NearestSnapPosition(basis, r3.Vec{X: 50, Y: 1, Z: 50})
	lf := basis.ToLocal(far)
	if lf.X > 1+1e-9 || lf.Y > 1+1e-9 {
		t.Errorf("snap escaped bounds: %v", lf)
	}
}

func TestPlaceDiscoversContacts(t *testing.T) {
	r := testRegistry(t)

	f := mustInstantiate(t, r, "foundation", r3.Vec{})
	r.Place(f.ID, 1)

	// Block whose base magnet lands exactly on the foundation surface.
	b := mustInstantiate(t, r, "block", r3.Vec{Y: 1})
	r.Place(b.ID, 2)

	if len(b.Contacts) != 1 {
		t.Fatalf("block contacts = %d, want 1", len(b.Contacts))
	}
	if len(f.Contacts) != 1 {
		t.Fatalf("foundation contacts = %d, want 1", len(f.Contacts))
	}
	for foreign, own := range b.Contacts {
		if r.Magnet(foreign).Owner != f.ID {
			t.Errorf("contact points at owner %d, want %d", r.Magnet(foreign).Owner, f.ID)
		}
		if own != b.Magnets[0] {
			t.Errorf("contact own magnet = %d, want %d", own, b.Magnets[0])
		}
	}
}

func TestConnectivityAndFloatDestroy(t *testing.T) {
	r := testRegistry(t)

	var connEvents []bool
	f := mustInstantiate(t, r, "foundation", r3.Vec{})
	r.Place(f.ID, 1)
	r.Step(2)

	b := mustInstantiate(t, r, "block", r3.Vec{Y: 1})
	b.Listeners.OnConnectedChanged = append(b.Listeners.OnConnectedChanged,
		func(_ PlaceableID, c bool) { connEvents = append(connEvents, c) })
	r.Place(b.ID, 3)
	r.Step(4)

	if !b.Connected() {
		t.Fatal("block should be connected through the stable-ground foundation")
	}
	if len(connEvents) != 1 || !connEvents[0] {
		t.Fatalf("connected events = %v, want [true]", connEvents)
	}

	// Remove the ground. Block disconnects and starts its countdown.
	r.Delete(f.ID, 10)
	r.Step(11)
	if b.Connected() {
		t.Fatal("block should be disconnected after the foundation is gone")
	}
	if len(connEvents) != 2 || connEvents[1] {
		t.Fatalf("connected events = %v, want [true false]", connEvents)
	}

	deleted := false
	b.Listeners.OnDeleted = append(b.Listeners.OnDeleted, func(PlaceableID) { deleted = true })

	// FloatDestroyFrames is 3 in this fixture; countdown started at frame 11.
	r.Step(12)
	r.Step(13)
	if deleted {
		t.Fatal("destroyed before the grace period elapsed")
	}
	r.Step(14)
	if !deleted {
		t.Fatal("floating block should be destroyed after the grace period")
	}
	if r.Get(b.ID) != nil {
		t.Fatal("destroyed block still registered")
	}
}

func TestReattachCancelsCountdown(t *testing.T) {
	r := testRegistry(t)

	f := mustInstantiate(t, r, "foundation", r3.Vec{})
	r.Place(f.ID, 1)
	b := mustInstantiate(t, r, "block", r3.Vec{Y: 1})
	r.Place(b.ID, 2)
	r.Step(3)

	r.Delete(f.ID, 5)
	r.Step(6) // countdown starts

	// New ground arrives under the block before the deadline.
	f2 := mustInstantiate(t, r, "foundation", r3.Vec{})
	r.Place(f2.ID, 7)
	r.Step(8)

	if !b.Connected() {
		t.Fatal("block should reconnect through the new foundation")
	}
	for frame := uint64(9); frame < 20; frame++ {
		r.Step(frame)
	}
	if r.Get(b.ID) == nil {
		t.Fatal("reconnected block must not be destroyed")
	}
}

func TestAbortRemovesGhost(t *testing.T) {
	r := testRegistry(t)
	b := mustInstantiate(t, r, "block", r3.Vec{Y: 1})
	aborted := false
	b.Listeners.OnAborted = append(b.Listeners.OnAborted, func(PlaceableID) { aborted = true })
	r.Abort(b.ID)
	if !aborted {
		t.Fatal("abort listener not fired")
	}
	if r.Get(b.ID) != nil {
		t.Fatal("aborted ghost still registered")
	}
}

func TestPlaceIsOneWayAndIdempotent(t *testing.T) {
	r := testRegistry(t)
	f := mustInstantiate(t, r, "foundation", r3.Vec{})
	placed := 0
	f.Listeners.OnPlaced = append(f.Listeners.OnPlaced, func(PlaceableID) { placed++ })
	r.Place(f.ID, 1)
	r.Place(f.ID, 2)
	if placed != 1 {
		t.Fatalf("OnPlaced fired %d times, want 1", placed)
	}
}
