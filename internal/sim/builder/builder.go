// Package builder drives the per-frame placement and deletion cycle: an
// explicit state machine consuming one input snapshot per frame and calling
// into the scene registry, the spatial index and the resource ledger.
package builder

import (
	"log"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"snapforge/internal/geom"
	"snapforge/internal/protocol"
	"snapforge/internal/sim/catalogs"
	"snapforge/internal/sim/ledger"
	"snapforge/internal/sim/scene"
	"snapforge/internal/sim/spatial"
	"snapforge/internal/sim/tuning"
)

type State int

const (
	StateInitial State = iota
	StateReady
	StatePlacing
	StateDeleting
	StateDisabled
	StateFinal
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateReady:
		return "READY"
	case StatePlacing:
		return "PLACING"
	case StateDeleting:
		return "DELETING"
	case StateDisabled:
		return "DISABLED"
	case StateFinal:
		return "FINAL"
	}
	return "UNKNOWN"
}

// SubState reflects whether the current frame's raycast hit anything.
type SubState int

const (
	SubNone SubState = iota
	SubIsHit
	SubNoHit
)

func (s SubState) String() string {
	switch s {
	case SubIsHit:
		return "IS_HIT"
	case SubNoHit:
		return "NO_HIT"
	}
	return ""
}

type Trigger int

const (
	TriggerStart Trigger = iota
	TriggerEnable
	TriggerDisable
	TriggerStartPlacing
	TriggerStartDeleting
	TriggerCancel
	TriggerToolDeselected
	TriggerIsHit
	TriggerNoHit
	TriggerUpdate
	TriggerConfirmed
	TriggerInstanceLost
	TriggerFinal
)

// EventSink receives the builder's user-facing notifications.
type EventSink func(protocol.Event)

type Builder struct {
	reg    *scene.Registry
	space  spatial.Provider
	ledger *ledger.Store
	cats   *catalogs.Catalogs
	tune   tuning.Tuning
	log    *log.Logger
	emit   EventSink

	state State
	sub   SubState

	prefab       string
	ghost        scene.PlaceableID
	confirmCount int
	connStart    r3.Vec

	snapped bool
	blocked bool
	heading float64 // scroll-accumulated rotation about the snap axis

	focus scene.PlaceableID

	hit    spatial.Hit
	hasHit bool
	camera r3.Vec

	lastVersion  uint64
	cameraLocked bool
	deleteHold   bool // delete mode entered via the held button

	// World-changed debounce: deadline frame, 0 = idle.
	worldChangedAt uint64
}

func New(reg *scene.Registry, space spatial.Provider, led *ledger.Store, cats *catalogs.Catalogs, tune tuning.Tuning, logger *log.Logger, emit EventSink) *Builder {
	if emit == nil {
		emit = func(protocol.Event) {}
	}
	return &Builder{
		reg:    reg,
		space:  space,
		ledger: led,
		cats:   cats,
		tune:   tune,
		log:    logger,
		emit:   emit,
		state:  StateInitial,
	}
}

func (b *Builder) State() State          { return b.state }
func (b *Builder) SubState() SubState    { return b.sub }
func (b *Builder) Prefab() string        { return b.prefab }
func (b *Builder) ConfirmCount() int     { return b.confirmCount }
func (b *Builder) Snapped() bool         { return b.snapped }
func (b *Builder) Blocked() bool         { return b.blocked }
func (b *Builder) CameraLocked() bool    { return b.cameraLocked }
func (b *Builder) Ghost() *scene.Placeable {
	if b.ghost == 0 {
		return nil
	}
	return b.reg.Get(b.ghost)
}
func (b *Builder) Focus() scene.PlaceableID { return b.focus }

// SelectTool sets the active prefab and enters placing. Unknown or
// non-player-placeable prefabs are rejected up front.
func (b *Builder) SelectTool(prefab string, frame uint64) bool {
	def, ok := b.cats.Placeables.ByID[prefab]
	if !ok || !def.PlayerPlaceable {
		b.reject(protocol.ErrNotPlaceable, frame)
		return false
	}
	if b.state == StatePlacing {
		b.fire(TriggerToolDeselected, frame)
	}
	b.prefab = prefab
	b.fire(TriggerStartPlacing, frame)
	return b.state == StatePlacing
}

func (b *Builder) Enable(frame uint64)  { b.fire(TriggerEnable, frame) }
func (b *Builder) Disable(frame uint64) { b.fire(TriggerDisable, frame) }
func (b *Builder) Shutdown(frame uint64) {
	b.fire(TriggerFinal, frame)
}

// Step runs the per-frame driver: raycast, safety checks, trigger firing in
// the documented order, then the debounced world-changed notification.
func (b *Builder) Step(input protocol.InputState, frame uint64) {
	if b.state == StateFinal {
		return
	}
	if b.state == StateInitial {
		b.fire(TriggerStart, frame)
	}
	if input.Version != 0 && input.Version < b.lastVersion {
		// Stale snapshot, keep the previous frame's view of the world.
		b.emit(protocol.Event{"event": "rejected", "code": protocol.ErrStale, "frame": frame})
		return
	}
	if input.Version != 0 {
		b.lastVersion = input.Version
	}
	b.camera = vec3(input.CameraPos)

	b.raycast(input)

	// Externally-destroyed ghost: resynchronize with a fresh instance.
	if b.state == StatePlacing && b.reg.Get(b.ghost) == nil {
		b.fire(TriggerInstanceLost, frame)
	}

	if input.CancelPressed {
		b.fire(TriggerCancel, frame)
	}

	b.cameraLocked = input.MenuOpen

	if input.CopyPressed && b.hasHit {
		if p := b.reg.PlaceableForKey(b.hit.Key); p != nil && p.Placed {
			b.SelectTool(p.Prefab, frame)
		}
	}

	if input.HotkeyIndex >= 0 && input.HotkeyIndex < len(b.cats.Placeables.Order) {
		b.SelectTool(b.cats.Placeables.Order[input.HotkeyIndex], frame)
	}

	// Delete mode: a press toggles it, holding the delete button forces it
	// for the duration of the hold. An explicit press wins over the hold.
	if input.DeletePressed {
		b.deleteHold = false
		if b.state == StateDeleting {
			b.fire(TriggerCancel, frame)
		} else {
			b.fire(TriggerStartDeleting, frame)
		}
	} else if input.DeleteHeld {
		if b.state == StateReady || b.state == StatePlacing {
			b.deleteHold = true
			b.fire(TriggerStartDeleting, frame)
		}
	} else if b.deleteHold {
		b.deleteHold = false
		if b.state == StateDeleting {
			if b.prefab != "" {
				b.fire(TriggerStartPlacing, frame)
			} else {
				b.fire(TriggerCancel, frame)
			}
		}
	}

	if b.hasHit {
		b.fire(TriggerIsHit, frame)
	} else {
		b.fire(TriggerNoHit, frame)
	}

	b.heading += input.ScrollDelta

	b.fire(TriggerUpdate, frame)

	if input.ConfirmPressed && !input.OverUI {
		b.fire(TriggerConfirmed, frame)
	}

	if b.worldChangedAt != 0 && frame >= b.worldChangedAt {
		b.worldChangedAt = 0
		b.emit(protocol.Event{"event": "world_changed", "frame": frame})
	}
}

func (b *Builder) raycast(input protocol.InputState) {
	b.hasHit = false
	if input.Version == 0 || input.OverUI {
		return
	}
	dir := vec3(input.RayDir)
	if r3.Norm(dir) < geom.Eps {
		return
	}
	mask := spatial.LayerSurface | spatial.LayerPlaced
	if b.state == StateDeleting {
		// Previously focused objects stay targetable through the highlight
		// layer even when something else occludes their base layer.
		mask |= spatial.LayerFocus
	}
	ray := geom.NewRay(vec3(input.RayOrigin), dir)
	b.hit, b.hasHit = b.space.Raycast(ray, b.tune.RaycastMaxDist, mask)
}

// fire dispatches one trigger against the current state. Unknown
// combinations are ignored, matching the per-frame re-evaluation model.
func (b *Builder) fire(t Trigger, frame uint64) {
	switch t {
	case TriggerStart:
		if b.state == StateInitial {
			b.transition(StateReady, frame)
		}

	case TriggerEnable:
		if b.state == StateDisabled {
			b.transition(StateReady, frame)
		}

	case TriggerDisable:
		if b.state == StateReady {
			b.transition(StateDisabled, frame)
		}

	case TriggerStartPlacing:
		if (b.state == StateReady || b.state == StateDeleting) && b.prefab != "" {
			b.clearFocus()
			b.transition(StatePlacing, frame)
			b.spawnGhost(frame)
		}

	case TriggerStartDeleting:
		if b.state == StateReady || b.state == StatePlacing {
			b.dropGhost()
			b.transition(StateDeleting, frame)
		}

	case TriggerCancel:
		if b.state == StatePlacing || b.state == StateDeleting {
			b.dropGhost()
			b.clearFocus()
			b.prefab = ""
			b.confirmCount = 0
			b.transition(StateReady, frame)
		}

	case TriggerToolDeselected:
		if b.state == StatePlacing {
			b.dropGhost()
			b.confirmCount = 0
			b.transition(StateReady, frame)
		}

	case TriggerIsHit:
		b.sub = SubIsHit

	case TriggerNoHit:
		b.sub = SubNoHit

	case TriggerUpdate:
		switch b.state {
		case StatePlacing:
			b.updatePlacing(frame)
		case StateDeleting:
			b.updateDeleting(frame)
		}

	case TriggerConfirmed:
		switch b.state {
		case StatePlacing:
			b.commitPlacing(frame)
		case StateDeleting:
			b.commitDeleting(frame)
		}

	case TriggerInstanceLost:
		if b.state == StatePlacing {
			b.log.Printf("placement instance lost, rebuilding ghost for %q", b.prefab)
			b.ghost = 0
			b.confirmCount = 0
			b.spawnGhost(frame)
		}

	case TriggerFinal:
		b.dropGhost()
		b.clearFocus()
		b.transition(StateFinal, frame)
	}
}

func (b *Builder) transition(to State, frame uint64) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.emit(protocol.Event{
		"event": "builder_state",
		"from":  from.String(),
		"to":    to.String(),
		"frame": frame,
	})
}

func (b *Builder) spawnGhost(frame uint64) {
	if b.ghost != 0 || b.prefab == "" {
		return
	}
	pose := geom.IdentityPose()
	if b.hasHit {
		pose.Pos = b.hit.Pos
	}
	p, err := b.reg.Instantiate(b.prefab, pose)
	if err != nil {
		b.log.Printf("instantiate %q: %v", b.prefab, err)
		b.reject(protocol.ErrInternal, frame)
		return
	}
	b.ghost = p.ID
	b.snapped = false
	b.blocked = false
	b.heading = 0
}

func (b *Builder) dropGhost() {
	if b.ghost != 0 {
		b.reg.Abort(b.ghost)
		b.ghost = 0
	}
	b.snapped = false
	b.blocked = false
}

func (b *Builder) clearFocus() {
	if b.focus != 0 {
		b.reg.SetFocused(b.focus, false)
		b.focus = 0
	}
}

// updatePlacing moves the ghost to the frame's best pose: snapped when a
// compatible magnet pair exists, free-floating on the hit point otherwise.
func (b *Builder) updatePlacing(frame uint64) {
	p := b.reg.Get(b.ghost)
	if p == nil {
		return
	}
	if !b.hasHit {
		b.snapped = false
		b.blocked = false
		return
	}

	pose := geom.Pose{Pos: b.hit.Pos, Rot: p.Pose.Rot}
	b.snapped = false

	if wm, offset, ok := b.bestWorldMagnet(p, b.hit.Pos); ok {
		if own, snapPose, ok := b.bestOwnMagnet(p, wm, offset); ok {
			pose = snapPose
			b.snapped = b.withinSnapEpsilon(p, own, wm, offset, snapPose)
		}
	}

	b.reg.SetPose(p.ID, pose)
	b.blocked = b.poseBlocked(p, pose)
}

// updateDeleting keeps the focus highlight on the aimed placed instance.
func (b *Builder) updateDeleting(frame uint64) {
	var target scene.PlaceableID
	if b.hasHit {
		if p := b.reg.PlaceableForKey(b.hit.Key); p != nil && p.Placed {
			target = p.ID
		}
	}
	if target == b.focus {
		return
	}
	b.clearFocus()
	if target != 0 {
		b.focus = target
		b.reg.SetFocused(target, true)
	}
}

func (b *Builder) markWorldChanged(frame uint64) {
	b.worldChangedAt = frame + uint64(b.tune.WorldChangedFrames)
}

func (b *Builder) reject(code string, frame uint64) {
	b.emit(protocol.Event{"event": "rejected", "code": code, "frame": frame})
}

func (b *Builder) poseBlocked(p *scene.Placeable, pose geom.Pose) bool {
	box := geom.TransformAABB(pose, p.BlockShape)
	// Shrink slightly so a snapped face touching its neighbor does not count
	// as overlap.
	box = box.Expand(-b.tune.SnapEpsilon)
	return b.space.IsBlocked(box, spatial.LayerPlaced)
}

func vec3(a [3]float64) r3.Vec {
	return r3.Vec{X: a[0], Y: a[1], Z: a[2]}
}

func ceilAtLeastOne(length float64) int {
	n := int(math.Ceil(length))
	if n < 1 {
		n = 1
	}
	return n
}
