// Package ledger tracks per-session resource balances. Costs are taken
// through two-phase claims so a multi-resource placement either deducts
// everything or nothing.
package ledger

import (
	"fmt"
	"sort"

	"snapforge/internal/sim/catalogs"
)

// Store holds the balances of one session. Single-goroutine use, like the
// rest of the sim.
type Store struct {
	amounts  map[string]int
	reserved map[string]int
	caps     map[string]int // 0 = unlimited
}

func NewStore(res catalogs.ResourceCatalog) *Store {
	s := &Store{
		amounts:  map[string]int{},
		reserved: map[string]int{},
		caps:     map[string]int{},
	}
	for id, def := range res.Defs {
		s.caps[id] = def.MaxHeld
	}
	return s
}

// Available is the spendable balance: held minus outstanding reservations.
func (s *Store) Available(resource string) int {
	return s.amounts[resource] - s.reserved[resource]
}

func (s *Store) Held(resource string) int { return s.amounts[resource] }

// Grant adds resources ignoring caps. Used for session seeding and tests.
func (s *Store) Grant(resource string, n int) {
	s.amounts[resource] += n
}

// CanAfford reports whether every line of a cost is covered by the
// available balance.
func (s *Store) CanAfford(cost []catalogs.ResourceCount) bool {
	need := map[string]int{}
	for _, rc := range cost {
		need[rc.Resource] += rc.Count
	}
	for res, n := range need {
		if s.Available(res) < n {
			return false
		}
	}
	return true
}

// Claim is an uncommitted reservation. Exactly one of Commit or Cancel must
// be called.
type Claim struct {
	store *Store
	cost  []catalogs.ResourceCount
	done  bool
}

// TryClaim reserves the full cost or nothing.
func (s *Store) TryClaim(cost []catalogs.ResourceCount) (*Claim, bool) {
	if !s.CanAfford(cost) {
		return nil, false
	}
	for _, rc := range cost {
		s.reserved[rc.Resource] += rc.Count
	}
	return &Claim{store: s, cost: cost}, true
}

// Commit converts the reservation into a deduction.
func (c *Claim) Commit() {
	if c.done {
		return
	}
	c.done = true
	for _, rc := range c.cost {
		c.store.reserved[rc.Resource] -= rc.Count
		c.store.amounts[rc.Resource] -= rc.Count
	}
}

// Cancel releases the reservation without deducting.
func (c *Claim) Cancel() {
	if c.done {
		return
	}
	c.done = true
	for _, rc := range c.cost {
		c.store.reserved[rc.Resource] -= rc.Count
	}
}

// CanPut reports whether the full put fits under every cap.
func (s *Store) CanPut(put []catalogs.ResourceCount) bool {
	add := map[string]int{}
	for _, rc := range put {
		add[rc.Resource] += rc.Count
	}
	for res, n := range add {
		cap := s.caps[res]
		if cap > 0 && s.amounts[res]+n > cap {
			return false
		}
	}
	return true
}

// TryPut adds the full amount or nothing, respecting caps.
func (s *Store) TryPut(put []catalogs.ResourceCount) bool {
	if !s.CanPut(put) {
		return false
	}
	for _, rc := range put {
		s.amounts[rc.Resource] += rc.Count
	}
	return true
}

// Balances returns a sorted snapshot for digests and state messages.
func (s *Store) Balances() []catalogs.ResourceCount {
	ids := make([]string, 0, len(s.amounts))
	for id, n := range s.amounts {
		if n != 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]catalogs.ResourceCount, 0, len(ids))
	for _, id := range ids {
		out = append(out, catalogs.ResourceCount{Resource: id, Count: s.amounts[id]})
	}
	return out
}

func (s *Store) String() string {
	return fmt.Sprintf("ledger%v", s.Balances())
}
