package geom

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestAABB_IntersectRay(t *testing.T) {
	b := AABB{Min: r3.Vec{X: -1, Y: -1, Z: -1}, Max: r3.Vec{X: 1, Y: 1, Z: 1}}

	r := NewRay(r3.Vec{X: -5}, r3.Vec{X: 1})
	d, ok := b.IntersectRay(r, 100)
	if !ok {
		t.Fatalf("expected hit")
	}
	if math.Abs(d-4) > 1e-9 {
		t.Fatalf("entry distance = %v, want 4", d)
	}

	if _, ok := b.IntersectRay(NewRay(r3.Vec{X: -5, Y: 3}, r3.Vec{X: 1}), 100); ok {
		t.Fatalf("parallel miss reported as hit")
	}
	if _, ok := b.IntersectRay(r, 2); ok {
		t.Fatalf("hit beyond maxDist reported as hit")
	}
}

func TestBasis_RoundTrip(t *testing.T) {
	b := Basis{
		Pos:     r3.Vec{X: 2, Y: 3, Z: 4},
		Forward: r3.Vec{Z: 1},
		Right:   r3.Vec{X: 1},
		Up:      r3.Vec{Y: 1},
	}
	p := r3.Vec{X: 5, Y: -1, Z: 2}
	back := b.ToWorld(b.ToLocal(p))
	if !ApproxEqual(p, back, 1e-9) {
		t.Fatalf("round trip %v -> %v", p, back)
	}
}

func TestRotationBetween(t *testing.T) {
	cases := []struct {
		a, b r3.Vec
	}{
		{r3.Vec{X: 1}, r3.Vec{Y: 1}},
		{r3.Vec{Z: 1}, r3.Vec{Z: 1}},
		{r3.Vec{X: 1}, r3.Vec{X: -1}},
		{r3.Unit(r3.Vec{X: 1, Y: 1}), r3.Vec{Z: 1}},
	}
	for i, c := range cases {
		rot := RotationBetween(c.a, c.b)
		got := rot.Rotate(c.a)
		if !ApproxEqual(got, c.b, 1e-9) {
			t.Fatalf("case %d: rotate(%v) = %v, want %v", i, c.a, got, c.b)
		}
	}
}

func TestAngleBetweenRotations(t *testing.T) {
	a := r3.NewRotation(math.Pi/2, r3.Vec{Y: 1})
	id := IdentityRotation()
	if got := AngleBetweenRotations(id, a); math.Abs(got-math.Pi/2) > 1e-9 {
		t.Fatalf("angle = %v, want pi/2", got)
	}
	if got := AngleBetweenRotations(a, a); got > 1e-9 {
		t.Fatalf("self angle = %v, want 0", got)
	}
}

func TestProjectOnPlane(t *testing.T) {
	p := ProjectOnPlane(r3.Vec{X: 1, Y: 5, Z: 2}, r3.Vec{}, r3.Vec{Y: 1})
	if !ApproxEqual(p, r3.Vec{X: 1, Z: 2}, 1e-9) {
		t.Fatalf("projection = %v", p)
	}
}

func TestRemap(t *testing.T) {
	for _, tc := range []struct{ v, want float64 }{
		{-1, 0},
		{0, 0.5},
		{1, 1},
		{3, 2}, // no clamping
	} {
		if got := Remap(tc.v, -1, 1, 0, 1); math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("Remap(%v) = %v, want %v", tc.v, got, tc.want)
		}
	}
}

func TestPoseToLocalRoundTrip(t *testing.T) {
	p := Pose{
		Pos: r3.Vec{X: 3, Y: -1, Z: 2},
		Rot: r3.NewRotation(math.Pi/3, r3.Unit(r3.Vec{X: 1, Y: 2, Z: -1})),
	}
	world := r3.Vec{X: -4, Y: 0.5, Z: 7}
	if got := p.Apply(p.ToLocal(world)); !ApproxEqual(got, world, 1e-9) {
		t.Fatalf("round trip = %v, want %v", got, world)
	}
}
