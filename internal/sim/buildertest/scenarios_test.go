package buildertest

import (
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"snapforge/internal/geom"
	"snapforge/internal/protocol"
	"snapforge/internal/sim/catalogs"
	"snapforge/internal/sim/scene"
	"snapforge/internal/sim/session"
	"snapforge/internal/sim/tuning"
)

func geomPoseAt(x, y, z float64) geom.Pose {
	return geom.Pose{Pos: r3.Vec{X: x, Y: y, Z: z}, Rot: geom.IdentityRotation()}
}

func testCatalogs(t *testing.T) *catalogs.Catalogs {
	t.Helper()
	cats, err := catalogs.FromDefs(
		[]catalogs.ResourceDef{{ID: "scrap"}, {ID: "wire"}},
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
					AcceptFrom:    []string{"plug", "lug"},
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
				MustSnap:        true,
				PlayerPlaceable: true,
				PlayerDeletable: true,
				PlacementCost:   []catalogs.ResourceCount{{Resource: "scrap", Count: 5}},
				RefundFactor:    0.5,
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
			{
				ID:              "cable",
				Connector:       true,
				MustSnap:        true,
				PlayerPlaceable: true,
				PlayerDeletable: true,
				StartHandle:     "a",
				EndHandle:       "b",
				PlacementCost:   []catalogs.ResourceCount{{Resource: "wire", Count: 2}},
				BlockShape:      [2][3]float64{{-0.1, 0, -0.1}, {0.1, 0.2, 0.1}},
				Magnets: []catalogs.MagnetDef{
					{
						Name:     "a",
						Identity: []string{"lug"},
						SnapTo:   []string{"surface"},
						Pos:      [3]float64{0, 0, 0},
						Forward:  [3]float64{0, -1, 0},
						Up:       [3]float64{0, 0, 1},
					},
					{
						Name:     "b",
						Identity: []string{"lug"},
						SnapTo:   []string{"surface"},
						Pos:      [3]float64{0, 0, 0},
						Forward:  [3]float64{0, -1, 0},
						Up:       [3]float64{0, 0, 1},
					},
				},
			},
			{
				ID:              "monument",
				PlayerPlaceable: false,
				PlayerDeletable: false,
				BlockShape:      [2][3]float64{{-1, 0, -1}, {1, 2, 1}},
			},
		},
	)
	if err != nil {
		t.Fatalf("FromDefs: %v", err)
	}
	return cats
}

func testConfig(start ...catalogs.ResourceCount) session.Config {
	tune := tuning.Defaults()
	tune.FloatDestroyFrames = 5
	tune.WorldChangedFrames = 3
	return session.Config{
		ID:             "test",
		Tuning:         tune,
		StartResources: start,
	}
}

func hasEvent(msg protocol.StateMsg, name string) bool {
	_, ok := findEvent(msg, name)
	return ok
}

func findEvent(msg protocol.StateMsg, name string) (protocol.Event, bool) {
	for _, ev := range msg.Events {
		if ev["event"] == name {
			return ev, true
		}
	}
	return protocol.Event{}, false
}

func rejectionCode(msg protocol.StateMsg) string {
	if ev, ok := findEvent(msg, "rejected"); ok {
		code, _ := ev["code"].(string)
		return code
	}
	return ""
}

func resourceCount(msg protocol.StateMsg, resource string) int {
	for _, rc := range msg.Resources {
		if rc.Resource == resource {
			return rc.Count
		}
	}
	return 0
}

func placedCount(h *Harness, prefab string) int {
	n := 0
	for _, rec := range h.S.Registry().Records() {
		if rec.Prefab == prefab && rec.Placed {
			n++
		}
	}
	return n
}

// placeAt selects the prefab and confirms one placement at (x, z).
func placeAt(h *Harness, prefab string, x, z float64) protocol.StateMsg {
	in := h.AimFromAbove(x, z)
	in.HotkeyIndex = h.Hotkey(prefab)
	h.Step(in)

	in = h.AimFromAbove(x, z)
	h.Step(in)

	in = h.AimFromAbove(x, z)
	in.ConfirmPressed = true
	return h.Step(in)
}

func TestPlaceOnGroundAndSnapOnGrid(t *testing.T) {
	h := NewHarness(t, testConfig(catalogs.ResourceCount{Resource: "scrap", Count: 20}), testCatalogs(t), "b1")

	st := placeAt(h, "foundation", 0, 0)
	if !hasEvent(st, "placed") {
		t.Fatalf("foundation not placed, events: %v", st.Events)
	}
	if placedCount(h, "foundation") != 1 {
		t.Fatal("registry has no placed foundation")
	}

	// The block requires a snap and the foundation grid provides it.
	in := h.AimFromAbove(0.3, 0.2)
	in.HotkeyIndex = h.Hotkey("block")
	h.Step(in)
	st = h.Step(h.AimFromAbove(0.3, 0.2))
	if st.Ghost == nil || !st.Ghost.Snapped {
		t.Fatalf("block ghost not snapped over the grid: %+v", st.Ghost)
	}
	// Quantized to the 0.5 grid.
	if x := st.Ghost.Pos[0]; x != 0.5 {
		t.Errorf("ghost x = %v, want quantized 0.5", x)
	}

	in = h.AimFromAbove(0.3, 0.2)
	in.ConfirmPressed = true
	st = h.Step(in)
	if !hasEvent(st, "placed") {
		t.Fatalf("block not placed, events: %v", st.Events)
	}
	if got := resourceCount(st, "scrap"); got != 15 {
		t.Errorf("scrap after placement = %d, want 15", got)
	}

	// Placement respawns a fresh ghost of the same prefab.
	if st.Ghost == nil || st.Ghost.Prefab != "block" {
		t.Fatalf("no fresh ghost after placement: %+v", st.Ghost)
	}
}

func TestAffordabilityGating(t *testing.T) {
	// One short of the block's cost of 5.
	h := NewHarness(t, testConfig(catalogs.ResourceCount{Resource: "scrap", Count: 4}), testCatalogs(t), "b1")

	if st := placeAt(h, "foundation", 0, 0); !hasEvent(st, "placed") {
		t.Fatalf("free foundation rejected: %v", st.Events)
	}

	st := placeAt(h, "block", 0, 0)
	if code := rejectionCode(st); code != protocol.ErrNoResource {
		t.Fatalf("rejection code = %q, want %q (events: %v)", code, protocol.ErrNoResource, st.Events)
	}
	if hasEvent(st, "placed") {
		t.Fatal("unaffordable placement went through")
	}
	if got := resourceCount(st, "scrap"); got != 4 {
		t.Errorf("ledger changed on failed placement: scrap = %d, want 4", got)
	}
	if placedCount(h, "block") != 0 {
		t.Error("block present in registry after rejected placement")
	}
}

func TestMustSnapRejectedOffGrid(t *testing.T) {
	h := NewHarness(t, testConfig(catalogs.ResourceCount{Resource: "scrap", Count: 20}), testCatalogs(t), "b1")

	// No foundation anywhere: the block has nothing to snap to.
	st := placeAt(h, "block", 0, 0)
	if code := rejectionCode(st); code != protocol.ErrNoSnap {
		t.Fatalf("rejection code = %q, want %q", code, protocol.ErrNoSnap)
	}
}

func TestNotPlaceableTool(t *testing.T) {
	h := NewHarness(t, testConfig(), testCatalogs(t), "b1")

	in := h.AimFromAbove(0, 0)
	in.HotkeyIndex = h.Hotkey("monument")
	st := h.Step(in)
	if code := rejectionCode(st); code != protocol.ErrNotPlaceable {
		t.Fatalf("rejection code = %q, want %q", code, protocol.ErrNotPlaceable)
	}
	if st.Builder.State == "PLACING" {
		t.Fatal("builder entered placing with a non-placeable tool")
	}
}

func TestConnectorTwoPhaseConfirm(t *testing.T) {
	h := NewHarness(t, testConfig(
		catalogs.ResourceCount{Resource: "scrap", Count: 20},
		catalogs.ResourceCount{Resource: "wire", Count: 20},
	), testCatalogs(t), "b1")

	if st := placeAt(h, "foundation", 0, 0); !hasEvent(st, "placed") {
		t.Fatalf("foundation 1: %v", st.Events)
	}
	if st := placeAt(h, "foundation", 4, 0); !hasEvent(st, "placed") {
		t.Fatalf("foundation 2: %v", st.Events)
	}

	// First confirm at A: counter advances, nothing deducted, no new ghost.
	in := h.AimFromAbove(0, 0)
	in.HotkeyIndex = h.Hotkey("cable")
	h.Step(in)
	h.Step(h.AimFromAbove(0, 0))

	in = h.AimFromAbove(0, 0)
	in.ConfirmPressed = true
	st := h.Step(in)
	if !hasEvent(st, "connector_started") {
		t.Fatalf("no connector_started event: %v", st.Events)
	}
	if st.Builder.ConfirmCount != 1 {
		t.Fatalf("confirm_count = %d, want 1", st.Builder.ConfirmCount)
	}
	if got := resourceCount(st, "wire"); got != 20 {
		t.Fatalf("wire deducted on first confirm: %d", got)
	}
	ghostID := st.Ghost.ID

	// Second confirm at B, 4 units away: cost 2 x ceil(4) = 8, new ghost.
	h.Step(h.AimFromAbove(4, 0))
	in = h.AimFromAbove(4, 0)
	in.ConfirmPressed = true
	st = h.Step(in)
	if !hasEvent(st, "placed") {
		t.Fatalf("connector not placed: %v", st.Events)
	}
	if got := resourceCount(st, "wire"); got != 12 {
		t.Errorf("wire after connector = %d, want 12", got)
	}
	if st.Builder.ConfirmCount != 0 {
		t.Errorf("confirm_count not reset: %d", st.Builder.ConfirmCount)
	}
	if st.Ghost == nil || st.Ghost.ID == ghostID {
		t.Error("no fresh ghost after connector placement")
	}

	// The placed cable spans the two anchors: both handles in contact.
	ev, _ := findEvent(st, "placed")
	cableID, _ := ev["id"].(float64)
	cable := h.S.Registry().Get(scene.PlaceableID(cableID))
	if cable == nil {
		t.Fatal("placed connector not in registry")
	}
	if !cable.IsConnected() {
		t.Errorf("connector handles not in contact, contacts = %v", cable.Contacts)
	}
	if got := cable.Pose.Pos.X; got != 2 {
		t.Errorf("connector pose x = %v, want midpoint 2", got)
	}
}

func TestConnectorMinLength(t *testing.T) {
	h := NewHarness(t, testConfig(
		catalogs.ResourceCount{Resource: "wire", Count: 20},
	), testCatalogs(t), "b1")

	if st := placeAt(h, "foundation", 0, 0); !hasEvent(st, "placed") {
		t.Fatalf("foundation: %v", st.Events)
	}

	in := h.AimFromAbove(0, 0)
	in.HotkeyIndex = h.Hotkey("cable")
	h.Step(in)
	h.Step(h.AimFromAbove(0, 0))
	in = h.AimFromAbove(0, 0)
	in.ConfirmPressed = true
	h.Step(in)

	// Confirming again in place: every candidate is inside the minimum
	// connector length, so the end handle cannot snap.
	st := h.Step(h.AimFromAbove(0, 0))
	if st.Ghost.Snapped {
		t.Fatal("end handle snapped within min connector length")
	}
	in = h.AimFromAbove(0, 0)
	in.ConfirmPressed = true
	st = h.Step(in)
	if code := rejectionCode(st); code != protocol.ErrNoSnap {
		t.Fatalf("rejection code = %q, want %q", code, protocol.ErrNoSnap)
	}
	if got := resourceCount(st, "wire"); got != 20 {
		t.Errorf("wire deducted on rejected connector: %d", got)
	}
}

func TestDeleteRefundsAndRemoves(t *testing.T) {
	h := NewHarness(t, testConfig(catalogs.ResourceCount{Resource: "scrap", Count: 10}), testCatalogs(t), "b1")

	if st := placeAt(h, "foundation", 0, 0); !hasEvent(st, "placed") {
		t.Fatalf("foundation: %v", st.Events)
	}
	st := placeAt(h, "block", 0.3, 0.2)
	if !hasEvent(st, "placed") {
		t.Fatalf("block: %v", st.Events)
	}
	if got := resourceCount(st, "scrap"); got != 5 {
		t.Fatalf("scrap after block = %d, want 5", got)
	}

	// Delete mode: aim at the block on top of the foundation.
	in := h.AimFromAbove(0.5, 0)
	in.CancelPressed = true // leave placing first
	h.Step(in)
	in = h.AimFromAbove(0.5, 0)
	in.DeletePressed = true
	st = h.Step(in)
	if st.Builder.State != "DELETING" {
		t.Fatalf("state = %s, want DELETING", st.Builder.State)
	}
	st = h.Step(h.AimFromAbove(0.5, 0))
	if st.Builder.FocusID == 0 {
		t.Fatal("no focus on the aimed block")
	}

	in = h.AimFromAbove(0.5, 0)
	in.ConfirmPressed = true
	st = h.Step(in)
	if !hasEvent(st, "deleted") {
		t.Fatalf("no deleted event: %v", st.Events)
	}
	// Refund: floor(5 * 0.5) = 2.
	if got := resourceCount(st, "scrap"); got != 7 {
		t.Errorf("scrap after delete = %d, want 7", got)
	}

	h.StepNoop()
	if placedCount(h, "block") != 0 {
		t.Error("deleted block still in registry")
	}
}

func TestDeleteNotDeletable(t *testing.T) {
	h := NewHarness(t, testConfig(), testCatalogs(t), "b1")

	// Seed a monument directly; the builder cannot place one.
	reg := h.S.Registry()
	p, err := reg.Instantiate("monument", geomPoseAt(0, 0, 0))
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	reg.Place(p.ID, h.S.CurrentFrame())
	h.StepNoop()

	in := h.AimFromAbove(0, 0)
	in.DeletePressed = true
	h.Step(in)
	h.Step(h.AimFromAbove(0, 0))

	in = h.AimFromAbove(0, 0)
	in.ConfirmPressed = true
	st := h.Step(in)
	if code := rejectionCode(st); code != protocol.ErrNotDeletable {
		t.Fatalf("rejection code = %q, want %q", code, protocol.ErrNotDeletable)
	}
	if placedCount(h, "monument") != 1 {
		t.Fatal("monument deleted anyway")
	}
}

func TestDeleteNoTarget(t *testing.T) {
	h := NewHarness(t, testConfig(), testCatalogs(t), "b1")

	in := h.AimFromAbove(0, 0)
	in.DeletePressed = true
	h.Step(in)

	// Aiming at bare ground: a surface hit but no placed instance.
	in = h.AimFromAbove(0, 0)
	in.ConfirmPressed = true
	st := h.Step(in)
	if code := rejectionCode(st); code != protocol.ErrNoTarget {
		t.Fatalf("rejection code = %q, want %q", code, protocol.ErrNoTarget)
	}
}

func TestFloatDestroyCountdown(t *testing.T) {
	h := NewHarness(t, testConfig(catalogs.ResourceCount{Resource: "scrap", Count: 20}), testCatalogs(t), "b1")

	if st := placeAt(h, "foundation", 0, 0); !hasEvent(st, "placed") {
		t.Fatalf("foundation: %v", st.Events)
	}
	if st := placeAt(h, "block", 0.4, 0); !hasEvent(st, "placed") {
		t.Fatalf("block: %v", st.Events)
	}

	// Delete the foundation from the side the block does not cover.
	in := h.AimFromAbove(-0.8, 0)
	in.CancelPressed = true
	h.Step(in)
	in = h.AimFromAbove(-0.8, 0)
	in.DeletePressed = true
	h.Step(in)
	h.Step(h.AimFromAbove(-0.8, 0))
	in = h.AimFromAbove(-0.8, 0)
	in.ConfirmPressed = true
	st := h.Step(in)
	if !hasEvent(st, "deleted") {
		t.Fatalf("foundation not deleted: %v", st.Events)
	}

	// FloatDestroyFrames is 5: the block must survive the early frames and
	// vanish after the deadline.
	h.StepN(3)
	if placedCount(h, "block") != 1 {
		t.Fatal("block destroyed before the grace period elapsed")
	}
	h.StepN(6)
	if placedCount(h, "block") != 0 {
		t.Fatal("floating block survived past the grace period")
	}
}

func TestWorldChangedDebounce(t *testing.T) {
	h := NewHarness(t, testConfig(catalogs.ResourceCount{Resource: "scrap", Count: 20}), testCatalogs(t), "b1")

	st := placeAt(h, "foundation", 0, 0)
	if hasEvent(st, "world_changed") {
		t.Fatal("world_changed fired before the debounce elapsed")
	}

	// WorldChangedFrames is 3; the aggregated notification arrives once.
	seen := 0
	for i := 0; i < 6; i++ {
		if hasEvent(h.StepNoop(), "world_changed") {
			seen++
		}
	}
	if seen != 1 {
		t.Fatalf("world_changed events = %d, want 1", seen)
	}
}

func TestDeterministicDigests(t *testing.T) {
	run := func() []string {
		h := NewHarness(t, testConfig(catalogs.ResourceCount{Resource: "scrap", Count: 20}), testCatalogs(t), "b1")
		var digests []string
		collect := func(st protocol.StateMsg) { digests = append(digests, st.StateDigest) }

		collect(placeAt(h, "foundation", 0, 0))
		collect(placeAt(h, "block", 0.3, 0.2))
		collect(placeAt(h, "block", -0.6, 0.4))
		for i := 0; i < 4; i++ {
			collect(h.StepNoop())
		}
		return digests
	}

	a := run()
	b := run()
	if len(a) != len(b) {
		t.Fatalf("digest count mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] == "" {
			t.Fatalf("empty digest at %d", i)
		}
		if a[i] != b[i] {
			t.Fatalf("digest mismatch at %d: %s vs %s", i, a[i], b[i])
		}
	}
}
