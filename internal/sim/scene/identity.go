package scene

import (
	"fmt"
	"math/bits"
)

// IdentitySet is an ordered bitset over the catalog's identity palette.
// Using palette indices instead of strings keeps comparisons cheap and makes
// every set operation deterministic (no map iteration anywhere).
type IdentitySet struct {
	words []uint64
}

// NewIdentitySet interns the given tokens against the palette index.
func NewIdentitySet(index map[string]uint16, tokens []string) (IdentitySet, error) {
	var s IdentitySet
	for _, tok := range tokens {
		id, ok := index[tok]
		if !ok {
			return IdentitySet{}, fmt.Errorf("unknown identity token %q", tok)
		}
		s.Add(id)
	}
	return s, nil
}

func (s *IdentitySet) Add(id uint16) {
	w := int(id) / 64
	for len(s.words) <= w {
		s.words = append(s.words, 0)
	}
	s.words[w] |= 1 << (uint(id) % 64)
}

func (s IdentitySet) Has(id uint16) bool {
	w := int(id) / 64
	if w >= len(s.words) {
		return false
	}
	return s.words[w]&(1<<(uint(id)%64)) != 0
}

func (s IdentitySet) Empty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

func (s IdentitySet) Intersects(o IdentitySet) bool {
	n := len(s.words)
	if len(o.words) < n {
		n = len(o.words)
	}
	for i := 0; i < n; i++ {
		if s.words[i]&o.words[i] != 0 {
			return true
		}
	}
	return false
}

// UnionWith folds o into s in place.
func (s *IdentitySet) UnionWith(o IdentitySet) {
	for len(s.words) < len(o.words) {
		s.words = append(s.words, 0)
	}
	for i, w := range o.words {
		s.words[i] |= w
	}
}

func (s IdentitySet) Count() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}
