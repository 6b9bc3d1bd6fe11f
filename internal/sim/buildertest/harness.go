// Package buildertest is a black-box test helper for driving a session via
// its exported API: joins and inputs go through StepOnce, per-builder Out
// channels carry STATE JSON. It never touches session internals, so tests
// can live outside the session package.
package buildertest

import (
	"encoding/json"
	"io"
	"log"
	"testing"

	"snapforge/internal/protocol"
	"snapforge/internal/sim/catalogs"
	"snapforge/internal/sim/session"
)

type Harness struct {
	T    *testing.T
	Cats *catalogs.Catalogs
	S    *session.Session

	DefaultBuilderID string

	clients map[string]*client
	version uint64
}

type client struct {
	builderID string
	out       chan []byte
	lastState protocol.StateMsg
}

func NewHarness(t *testing.T, cfg session.Config, cats *catalogs.Catalogs, name string) *Harness {
	t.Helper()

	s, err := session.New(cfg, cats, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}

	h := &Harness{
		T:       t,
		Cats:    cats,
		S:       s,
		clients: map[string]*client{},
	}
	h.DefaultBuilderID = h.Join(name)
	return h
}

func (h *Harness) Join(name string) string {
	h.T.Helper()

	out := make(chan []byte, 16)
	resp := make(chan session.JoinResponse, 1)
	_, _ = h.S.StepOnce([]session.JoinRequest{{Name: name, Out: out, Resp: resp}}, nil, nil)
	jr := <-resp
	if jr.Welcome.BuilderID == "" {
		h.T.Fatalf("join returned empty builder id")
	}
	c := &client{builderID: jr.Welcome.BuilderID, out: out}
	h.clients[c.builderID] = c
	h.drainAll()
	return c.builderID
}

// NextVersion hands out monotonic input versions for hand-built snapshots.
func (h *Harness) NextVersion() uint64 {
	h.version++
	return h.version
}

// AimFromAbove is the common input shape: a straight-down ray over (x, z)
// with the camera slightly offset.
func (h *Harness) AimFromAbove(x, z float64) protocol.InputState {
	return protocol.InputState{
		Version:     h.NextVersion(),
		RayOrigin:   [3]float64{x, 20, z},
		RayDir:      [3]float64{0, -1, 0},
		CameraPos:   [3]float64{x, 20, z - 5},
		HotkeyIndex: -1,
	}
}

// Hotkey returns the hotkey index selecting the given prefab.
func (h *Harness) Hotkey(prefab string) int {
	h.T.Helper()
	for i, id := range h.Cats.Placeables.Order {
		if id == prefab {
			return i
		}
	}
	h.T.Fatalf("unknown prefab %q", prefab)
	return -1
}

func (h *Harness) LastState() protocol.StateMsg {
	return h.LastStateFor(h.DefaultBuilderID)
}

func (h *Harness) LastStateFor(builderID string) protocol.StateMsg {
	h.T.Helper()
	c := h.clients[builderID]
	if c == nil {
		h.T.Fatalf("unknown builder id: %q", builderID)
	}
	return c.lastState
}

func (h *Harness) Step(input protocol.InputState) protocol.StateMsg {
	return h.StepFor(h.DefaultBuilderID, input)
}

func (h *Harness) StepFor(builderID string, input protocol.InputState) protocol.StateMsg {
	h.T.Helper()
	_, _ = h.S.StepOnce(nil, nil, []session.FrameEnvelope{{
		BuilderID: builderID,
		Msg: protocol.FrameMsg{
			Type:            protocol.TypeFrame,
			ProtocolVersion: protocol.Version,
			BuilderID:       builderID,
			Input:           input,
		},
	}})
	h.drainAll()
	return h.LastStateFor(builderID)
}

// StepNoop advances one frame without new input: builders keep acting on
// their previous snapshot.
func (h *Harness) StepNoop() protocol.StateMsg {
	h.T.Helper()
	_, _ = h.S.StepOnce(nil, nil, nil)
	h.drainAll()
	return h.LastState()
}

func (h *Harness) StepN(n int) {
	h.T.Helper()
	for i := 0; i < n; i++ {
		h.StepNoop()
	}
}

func (h *Harness) drainAll() {
	h.T.Helper()
	for _, c := range h.clients {
		var last []byte
		for {
			select {
			case b := <-c.out:
				last = b
				continue
			default:
			}
			break
		}
		if len(last) == 0 {
			continue
		}
		var msg protocol.StateMsg
		if err := json.Unmarshal(last, &msg); err != nil {
			h.T.Fatalf("unmarshal STATE: %v", err)
		}
		c.lastState = msg
	}
}
