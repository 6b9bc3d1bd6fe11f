// Package spatial is the sim's collision-query collaborator: raycasts,
// sphere overlaps and blocking checks against a set of registered colliders.
// Results are ordered by a stable (distance, key) contract so every caller
// that scans them gets the same answer on every run.
package spatial

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"snapforge/internal/geom"
)

type LayerMask uint32

const (
	LayerSurface LayerMask = 1 << iota
	LayerMagnet
	LayerPlaced
	LayerFocus
)

// Collider is either a point (magnet) or a box (surfaces, block shapes),
// identified by a caller-chosen key.
type Collider struct {
	Key     uint64
	Layer   LayerMask
	IsPoint bool
	Point   r3.Vec
	Box     geom.AABB
}

type Hit struct {
	Key    uint64
	Layer  LayerMask
	Pos    r3.Vec
	Normal r3.Vec
	Dist   float64
}

// Provider is the query surface the builder depends on.
type Provider interface {
	Raycast(ray geom.Ray, maxDist float64, mask LayerMask) (Hit, bool)
	SphereOverlap(p r3.Vec, radius float64, mask LayerMask) []Collider
	IsBlocked(box geom.AABB, mask LayerMask) bool
}

// Index is the in-memory implementation. Single-goroutine use only, like
// the rest of the sim.
type Index struct {
	colliders map[uint64]Collider
	keys      []uint64 // sorted; rebuilt lazily
	dirty     bool
}

func NewIndex() *Index {
	return &Index{colliders: map[uint64]Collider{}}
}

func (x *Index) Set(c Collider) {
	if _, ok := x.colliders[c.Key]; !ok {
		x.dirty = true
	}
	x.colliders[c.Key] = c
}

func (x *Index) Remove(key uint64) {
	if _, ok := x.colliders[key]; ok {
		delete(x.colliders, key)
		x.dirty = true
	}
}

func (x *Index) Get(key uint64) (Collider, bool) {
	c, ok := x.colliders[key]
	return c, ok
}

// SetLayer rewrites the layer bits of an existing collider (used for the
// focus-highlight layer while deleting).
func (x *Index) SetLayer(key uint64, layer LayerMask) {
	if c, ok := x.colliders[key]; ok {
		c.Layer = layer
		x.colliders[key] = c
	}
}

func (x *Index) sortedKeys() []uint64 {
	if x.dirty {
		x.keys = x.keys[:0]
		for k := range x.colliders {
			x.keys = append(x.keys, k)
		}
		sort.Slice(x.keys, func(i, j int) bool { return x.keys[i] < x.keys[j] })
		x.dirty = false
	}
	return x.keys
}

func (x *Index) Raycast(ray geom.Ray, maxDist float64, mask LayerMask) (Hit, bool) {
	best := Hit{Dist: math.Inf(1)}
	found := false
	for _, k := range x.sortedKeys() {
		c := x.colliders[k]
		if c.Layer&mask == 0 {
			continue
		}
		if c.IsPoint {
			// Points are not raycast targets.
			continue
		}
		d, ok := c.Box.IntersectRay(ray, maxDist)
		if !ok {
			continue
		}
		if d < best.Dist-geom.Eps {
			best = Hit{
				Key:    c.Key,
				Layer:  c.Layer,
				Pos:    ray.At(d),
				Normal: boxNormalAt(c.Box, ray.At(d)),
				Dist:   d,
			}
			found = true
		}
	}
	if !found {
		return Hit{}, false
	}
	return best, true
}

func (x *Index) SphereOverlap(p r3.Vec, radius float64, mask LayerMask) []Collider {
	type scored struct {
		c Collider
		d float64
	}
	var out []scored
	for _, k := range x.sortedKeys() {
		c := x.colliders[k]
		if c.Layer&mask == 0 {
			continue
		}
		var d float64
		if c.IsPoint {
			d = geom.Dist(c.Point, p)
		} else {
			d = geom.Dist(c.Box.ClosestPoint(p), p)
		}
		if d <= radius {
			out = append(out, scored{c, d})
		}
	}
	// Stable contract: ascending (distance, key).
	sort.Slice(out, func(i, j int) bool {
		if out[i].d != out[j].d {
			return out[i].d < out[j].d
		}
		return out[i].c.Key < out[j].c.Key
	})
	res := make([]Collider, len(out))
	for i, s := range out {
		res[i] = s.c
	}
	return res
}

func (x *Index) IsBlocked(box geom.AABB, mask LayerMask) bool {
	for _, k := range x.sortedKeys() {
		c := x.colliders[k]
		if c.Layer&mask == 0 {
			continue
		}
		if c.IsPoint {
			continue
		}
		if box.Intersects(c.Box) {
			return true
		}
	}
	return false
}

// boxNormalAt picks the axis face nearest to p. Good enough for snap-side
// decisions; exact contact normals are not needed anywhere.
func boxNormalAt(b geom.AABB, p r3.Vec) r3.Vec {
	type face struct {
		d float64
		n r3.Vec
	}
	faces := []face{
		{math.Abs(p.X - b.Min.X), r3.Vec{X: -1}},
		{math.Abs(p.X - b.Max.X), r3.Vec{X: 1}},
		{math.Abs(p.Y - b.Min.Y), r3.Vec{Y: -1}},
		{math.Abs(p.Y - b.Max.Y), r3.Vec{Y: 1}},
		{math.Abs(p.Z - b.Min.Z), r3.Vec{Z: -1}},
		{math.Abs(p.Z - b.Max.Z), r3.Vec{Z: 1}},
	}
	best := faces[0]
	for _, f := range faces[1:] {
		if f.d < best.d {
			best = f
		}
	}
	return best.n
}
