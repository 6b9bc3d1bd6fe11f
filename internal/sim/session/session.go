// Package session hosts builder instances over a shared scene: one
// goroutine owns all state, advancing at a fixed frame rate and consuming
// the latest input snapshot per builder. Clients talk to it exclusively
// through channels.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"snapforge/internal/geom"
	"snapforge/internal/protocol"
	"snapforge/internal/sim/builder"
	"snapforge/internal/sim/catalogs"
	"snapforge/internal/sim/ledger"
	"snapforge/internal/sim/scene"
	"snapforge/internal/sim/spatial"
	"snapforge/internal/sim/tuning"
)

const groundKey uint64 = 1

type Config struct {
	ID     string
	Tuning tuning.Tuning

	// Starting balances granted to every joining builder.
	StartResources []catalogs.ResourceCount

	// Half-extent of the flat ground surface, world units.
	GroundHalfExtent float64
}

type JoinRequest struct {
	Name string
	Out  chan []byte
	Resp chan JoinResponse
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
}

type FrameEnvelope struct {
	BuilderID string
	Msg       protocol.FrameMsg
}

type FrameLogger interface {
	WriteFrame(entry FrameLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type FrameLogEntry struct {
	Frame  uint64          `json:"frame"`
	Joins  []RecordedJoin  `json:"joins,omitempty"`
	Leaves []string        `json:"leaves,omitempty"`
	Inputs []RecordedInput `json:"inputs,omitempty"`
	Digest string          `json:"digest"`
}

type RecordedJoin struct {
	BuilderID string `json:"builder_id"`
	Name      string `json:"name"`
}

type RecordedInput struct {
	BuilderID string              `json:"builder_id"`
	Input     protocol.InputState `json:"input"`
}

type AuditEntry struct {
	Frame     uint64 `json:"frame"`
	BuilderID string `json:"builder_id"`
	Action    string `json:"action"` // "placed", "deleted", "rejected"
	Prefab    string `json:"prefab,omitempty"`
	TargetID  uint32 `json:"target_id,omitempty"`
	Code      string `json:"code,omitempty"`
}

type builderClient struct {
	id     string
	b      *builder.Builder
	led    *ledger.Store
	out    chan []byte
	input  protocol.InputState
	events []protocol.Event
}

type Session struct {
	cfg  Config
	cats *catalogs.Catalogs
	tune tuning.Tuning
	log  *log.Logger

	space *spatial.Index
	reg   *scene.Registry

	frame atomic.Uint64

	clients map[string]*builderClient

	inbox chan FrameEnvelope
	join  chan JoinRequest
	leave chan string
	stop  chan struct{}

	nextBuilderNum atomic.Uint64

	// Optional loggers (may be nil). Implemented in internal/persistence/*.
	frameLogger FrameLogger
	auditLogger AuditLogger
}

func New(cfg Config, cats *catalogs.Catalogs, logger *log.Logger) (*Session, error) {
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("session %s: %w", cfg.ID, err)
	}
	if cfg.GroundHalfExtent <= 0 {
		cfg.GroundHalfExtent = 500
	}

	space := spatial.NewIndex()
	space.Set(spatial.Collider{
		Key:   groundKey,
		Layer: spatial.LayerSurface,
		Box: geom.AABB{
			Min: r3.Vec{X: -cfg.GroundHalfExtent, Y: -1, Z: -cfg.GroundHalfExtent},
			Max: r3.Vec{X: cfg.GroundHalfExtent, Y: 0, Z: cfg.GroundHalfExtent},
		},
	})

	s := &Session{
		cfg:     cfg,
		cats:    cats,
		tune:    cfg.Tuning,
		log:     logger,
		space:   space,
		reg:     scene.NewRegistry(cats, space, cfg.Tuning, logger),
		clients: map[string]*builderClient{},
		inbox:   make(chan FrameEnvelope, 1024),
		join:    make(chan JoinRequest, 64),
		leave:   make(chan string, 64),
		stop:    make(chan struct{}),
	}
	return s, nil
}

func (s *Session) SetFrameLogger(l FrameLogger) { s.frameLogger = l }
func (s *Session) SetAuditLogger(l AuditLogger) { s.auditLogger = l }

func (s *Session) Inbox() chan<- FrameEnvelope { return s.inbox }
func (s *Session) Join() chan<- JoinRequest    { return s.join }
func (s *Session) Leave() chan<- string        { return s.leave }

func (s *Session) CurrentFrame() uint64 { return s.frame.Load() }

// Registry exposes the scene for replay verification and tests. Only safe
// while the session loop is not running.
func (s *Session) Registry() *scene.Registry { return s.reg }

func (s *Session) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(s.tune.FrameRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingJoins []JoinRequest
	var pendingLeaves []string
	var pendingFrames []FrameEnvelope

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case req := <-s.join:
			pendingJoins = append(pendingJoins, req)
		case id := <-s.leave:
			pendingLeaves = append(pendingLeaves, id)
		case env := <-s.inbox:
			pendingFrames = append(pendingFrames, env)
		case <-ticker.C:
			s.step(pendingJoins, pendingLeaves, pendingFrames)
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingFrames = pendingFrames[:0]
		}
	}
}

func (s *Session) Stop() { close(s.stop) }

func (s *Session) step(joins []JoinRequest, leaves []string, frames []FrameEnvelope) {
	now := s.frame.Load()

	recordedLeaves := make([]string, 0, len(leaves))
	for _, id := range leaves {
		if c, ok := s.clients[id]; ok {
			c.b.Shutdown(now)
			delete(s.clients, id)
			recordedLeaves = append(recordedLeaves, id)
		}
	}
	recordedJoins := make([]RecordedJoin, 0, len(joins))
	for _, req := range joins {
		resp := s.joinBuilder(req.Name, req.Out)
		if req.Resp != nil {
			req.Resp <- resp
		}
		recordedJoins = append(recordedJoins, RecordedJoin{BuilderID: resp.Welcome.BuilderID, Name: req.Name})
	}

	// Latest input wins per builder, in inbox order.
	recordedInputs := make([]RecordedInput, 0, len(frames))
	for _, env := range frames {
		c := s.clients[env.BuilderID]
		if c == nil {
			continue
		}
		if env.Msg.Input.Version != 0 && env.Msg.Input.Version < c.input.Version {
			continue
		}
		c.input = env.Msg.Input
		recordedInputs = append(recordedInputs, RecordedInput{BuilderID: env.BuilderID, Input: env.Msg.Input})
	}

	for _, id := range s.sortedClientIDs() {
		c := s.clients[id]
		c.b.Step(c.input, now)
		// Edge-triggered fields fire once; the held fields persist until the
		// next snapshot arrives.
		c.input.ConfirmPressed = false
		c.input.CancelPressed = false
		c.input.DeletePressed = false
		c.input.CopyPressed = false
		c.input.ScrollDelta = 0
		c.input.HotkeyIndex = -1
	}

	s.reg.Step(now)

	digest := s.stateDigest(now)
	for _, id := range s.sortedClientIDs() {
		c := s.clients[id]
		msg := s.buildState(c, now, digest)
		b, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		sendLatest(c.out, b)
		c.events = c.events[:0]
	}

	if s.frameLogger != nil {
		_ = s.frameLogger.WriteFrame(FrameLogEntry{
			Frame:  now,
			Joins:  recordedJoins,
			Leaves: recordedLeaves,
			Inputs: recordedInputs,
			Digest: digest,
		})
	}

	s.frame.Add(1)
}

// StepOnce advances the session by a single frame with the same ordering
// semantics as Run. Intended for deterministic replays and tests.
func (s *Session) StepOnce(joins []JoinRequest, leaves []string, frames []FrameEnvelope) (frame uint64, digest string) {
	frame = s.frame.Load()
	s.step(joins, leaves, frames)
	return frame, s.stateDigest(frame)
}

func (s *Session) joinBuilder(name string, out chan []byte) JoinResponse {
	if name == "" {
		name = "builder"
	}
	id := fmt.Sprintf("B%d", s.nextBuilderNum.Add(1))

	led := ledger.NewStore(s.cats.Resources)
	for _, rc := range s.cfg.StartResources {
		led.Grant(rc.Resource, rc.Count)
	}

	c := &builderClient{id: id, led: led, out: out}
	c.input.HotkeyIndex = -1
	c.b = builder.New(s.reg, s.space, led, s.cats, s.tune, s.log, func(ev protocol.Event) {
		c.events = append(c.events, ev)
		s.audit(c.id, ev)
	})
	s.clients[id] = c
	s.log.Printf("builder %s joined (%s)", id, name)

	return JoinResponse{Welcome: protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       s.cfg.ID,
		BuilderID:       id,
		Params: protocol.SessionParams{
			FrameRateHz:        s.tune.FrameRateHz,
			OverlapRadius:      s.tune.OverlapRadius,
			SnapBias:           s.tune.SnapBias,
			MinConnectorLength: s.tune.MinConnectorLength,
			RaycastMaxDist:     s.tune.RaycastMaxDist,
		},
		Catalogs: protocol.CatalogDigests{
			ResourcePalette: protocol.DigestRef{
				Digest: s.cats.Resources.Digest,
				Count:  len(s.cats.Resources.Palette),
			},
			IdentityPalette: protocol.DigestRef{
				Digest: s.cats.Identities.Digest,
				Count:  len(s.cats.Identities.Palette),
			},
			PlaceablesDigest: s.cats.Placeables.Digest,
		},
	}}
}

func (s *Session) audit(builderID string, ev protocol.Event) {
	if s.auditLogger == nil {
		return
	}
	action, _ := ev["event"].(string)
	switch action {
	case "placed", "deleted", "rejected", "connector_started":
	default:
		return
	}
	entry := AuditEntry{
		Frame:     s.frame.Load(),
		BuilderID: builderID,
		Action:    action,
	}
	if p, ok := ev["prefab"].(string); ok {
		entry.Prefab = p
	}
	if id, ok := ev["id"].(uint32); ok {
		entry.TargetID = id
	}
	if code, ok := ev["code"].(string); ok {
		entry.Code = code
	}
	_ = s.auditLogger.WriteAudit(entry)
}

func (s *Session) buildState(c *builderClient, frame uint64, digest string) protocol.StateMsg {
	msg := protocol.StateMsg{
		Type:            protocol.TypeState,
		ProtocolVersion: protocol.Version,
		Frame:           frame,
		BuilderID:       c.id,
		Builder: protocol.BuilderObs{
			State:        c.b.State().String(),
			SubState:     c.b.SubState().String(),
			Prefab:       c.b.Prefab(),
			ConfirmCount: c.b.ConfirmCount(),
			FocusID:      uint32(c.b.Focus()),
		},
		StateDigest: digest,
	}
	if g := c.b.Ghost(); g != nil {
		msg.Ghost = &protocol.GhostObs{
			ID:      uint32(g.ID),
			Prefab:  g.Prefab,
			Pos:     [3]float64{g.Pose.Pos.X, g.Pose.Pos.Y, g.Pose.Pos.Z},
			Snapped: c.b.Snapped(),
			Blocked: c.b.Blocked(),
		}
	}
	for _, rc := range c.led.Balances() {
		msg.Resources = append(msg.Resources, protocol.ResourceCount{Resource: rc.Resource, Count: rc.Count})
	}
	if msg.Resources == nil {
		msg.Resources = []protocol.ResourceCount{}
	}
	msg.Events = append(msg.Events, c.events...)
	return msg
}

// stateDigest hashes the deterministic session state: placed instances in
// id order plus per-builder FSM state and balances.
func (s *Session) stateDigest(frame uint64) string {
	type builderDigest struct {
		ID        string                   `json:"id"`
		State     string                   `json:"state"`
		Prefab    string                   `json:"prefab,omitempty"`
		Confirms  int                      `json:"confirms,omitempty"`
		Resources []catalogs.ResourceCount `json:"resources"`
	}
	var bds []builderDigest
	for _, id := range s.sortedClientIDs() {
		c := s.clients[id]
		bds = append(bds, builderDigest{
			ID:        id,
			State:     c.b.State().String(),
			Prefab:    c.b.Prefab(),
			Confirms:  c.b.ConfirmCount(),
			Resources: c.led.Balances(),
		})
	}
	payload := struct {
		Frame      uint64               `json:"frame"`
		Placeables []scene.PlacedRecord `json:"placeables"`
		Builders   []builderDigest      `json:"builders"`
	}{frame, s.reg.Records(), bds}

	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (s *Session) sortedClientIDs() []string {
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// sendLatest drops the oldest pending message instead of blocking the
// session loop on a slow client.
func sendLatest(ch chan []byte, b []byte) {
	if ch == nil {
		return
	}
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
