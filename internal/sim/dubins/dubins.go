// Package dubins computes shortest constrained-curvature paths between two
// oriented planar configurations. Pure functions, no state: the closed-form
// solutions of the six canonical three-segment words.
package dubins

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoPath is returned when no word is feasible for a configuration pair.
var ErrNoPath = errors.New("dubins: no feasible path")

// Config is an oriented point in the plane. Theta in radians.
type Config struct {
	X, Y, Theta float64
}

// Word names one of the six canonical segment orders.
type Word int

const (
	LSL Word = iota
	LSR
	RSL
	RSR
	RLR
	LRL
)

func (w Word) String() string {
	switch w {
	case LSL:
		return "LSL"
	case LSR:
		return "LSR"
	case RSL:
		return "RSL"
	case RSR:
		return "RSR"
	case RLR:
		return "RLR"
	case LRL:
		return "LRL"
	}
	return fmt.Sprintf("Word(%d)", int(w))
}

type segKind int

const (
	segL segKind = iota
	segS
	segR
)

var wordSegs = [6][3]segKind{
	LSL: {segL, segS, segL},
	LSR: {segL, segS, segR},
	RSL: {segR, segS, segL},
	RSR: {segR, segS, segR},
	RLR: {segR, segL, segR},
	LRL: {segL, segR, segL},
}

// Path is a solved word. Seg holds the three segment lengths normalized by
// Rho; Length is in world units.
type Path struct {
	Start Config
	Rho   float64
	Word  Word
	Seg   [3]float64
}

func (p *Path) Length() float64 {
	return (p.Seg[0] + p.Seg[1] + p.Seg[2]) * p.Rho
}

// Sample evaluates the configuration at arc length t, 0 <= t < Length.
func (p *Path) Sample(t float64) (Config, error) {
	if t < 0 || t >= p.Length() {
		return Config{}, fmt.Errorf("dubins: sample t=%v outside [0,%v)", t, p.Length())
	}
	tp := t / p.Rho
	segs := wordSegs[p.Word]

	q := Config{Theta: p.Start.Theta}
	for i := 0; i < 3; i++ {
		if tp < p.Seg[i] || i == 2 {
			q = step(tp, q, segs[i])
			break
		}
		q = step(p.Seg[i], q, segs[i])
		tp -= p.Seg[i]
	}
	return Config{
		X:     q.X*p.Rho + p.Start.X,
		Y:     q.Y*p.Rho + p.Start.Y,
		Theta: mod2pi(q.Theta),
	}, nil
}

// step advances a normalized configuration along one segment primitive.
func step(t float64, q Config, k segKind) Config {
	switch k {
	case segL:
		return Config{
			X:     q.X + math.Sin(q.Theta+t) - math.Sin(q.Theta),
			Y:     q.Y - math.Cos(q.Theta+t) + math.Cos(q.Theta),
			Theta: q.Theta + t,
		}
	case segR:
		return Config{
			X:     q.X - math.Sin(q.Theta-t) + math.Sin(q.Theta),
			Y:     q.Y + math.Cos(q.Theta-t) - math.Cos(q.Theta),
			Theta: q.Theta - t,
		}
	default:
		return Config{
			X:     q.X + math.Cos(q.Theta)*t,
			Y:     q.Y + math.Sin(q.Theta)*t,
			Theta: q.Theta,
		}
	}
}

// Shortest solves all six words and returns the globally shortest feasible
// one.
func Shortest(start, end Config, rho float64) (*Path, error) {
	if rho <= 0 {
		return nil, fmt.Errorf("dubins: turning radius %v must be > 0", rho)
	}
	in, err := normalize(start, end, rho)
	if err != nil {
		return nil, err
	}

	var best *Path
	bestLen := math.Inf(1)
	for w := LSL; w <= LRL; w++ {
		seg, ok := solveWord(in, w)
		if !ok {
			continue
		}
		total := seg[0] + seg[1] + seg[2]
		if total < bestLen {
			bestLen = total
			best = &Path{Start: start, Rho: rho, Word: w, Seg: seg}
		}
	}
	if best == nil {
		return nil, ErrNoPath
	}
	return best, nil
}

// Solve computes one specific word, feasible or not. Mostly useful in tests
// and debug tooling.
func Solve(start, end Config, rho float64, w Word) (*Path, error) {
	if rho <= 0 {
		return nil, fmt.Errorf("dubins: turning radius %v must be > 0", rho)
	}
	if w < LSL || w > LRL {
		return nil, fmt.Errorf("dubins: unsupported word %d", int(w))
	}
	in, err := normalize(start, end, rho)
	if err != nil {
		return nil, err
	}
	seg, ok := solveWord(in, w)
	if !ok {
		return nil, ErrNoPath
	}
	return &Path{Start: start, Rho: rho, Word: w, Seg: seg}, nil
}

// inputs is the normalized problem: distance d in rho units, headings
// alpha/beta relative to the start-to-end direction.
type inputs struct {
	alpha, beta, d float64
	sa, sb, ca, cb float64
	cab            float64
}

func normalize(start, end Config, rho float64) (inputs, error) {
	dx := end.X - start.X
	dy := end.Y - start.Y
	d := math.Hypot(dx, dy) / rho
	theta := 0.0
	if d > 0 {
		theta = mod2pi(math.Atan2(dy, dx))
	}
	in := inputs{
		alpha: mod2pi(start.Theta - theta),
		beta:  mod2pi(end.Theta - theta),
		d:     d,
	}
	in.sa, in.ca = math.Sincos(in.alpha)
	in.sb, in.cb = math.Sincos(in.beta)
	in.cab = math.Cos(in.alpha - in.beta)
	return in, nil
}

func solveWord(in inputs, w Word) ([3]float64, bool) {
	switch w {
	case LSL:
		tmp0 := in.d + in.sa - in.sb
		psq := 2 + in.d*in.d - 2*in.cab + 2*in.d*(in.sa-in.sb)
		if psq < 0 {
			return [3]float64{}, false
		}
		tmp1 := math.Atan2(in.cb-in.ca, tmp0)
		return [3]float64{mod2pi(tmp1 - in.alpha), math.Sqrt(psq), mod2pi(in.beta - tmp1)}, true

	case RSR:
		tmp0 := in.d - in.sa + in.sb
		psq := 2 + in.d*in.d - 2*in.cab + 2*in.d*(in.sb-in.sa)
		if psq < 0 {
			return [3]float64{}, false
		}
		tmp1 := math.Atan2(in.ca-in.cb, tmp0)
		return [3]float64{mod2pi(in.alpha - tmp1), math.Sqrt(psq), mod2pi(tmp1 - in.beta)}, true

	case LSR:
		psq := -2 + in.d*in.d + 2*in.cab + 2*in.d*(in.sa+in.sb)
		if psq < 0 {
			return [3]float64{}, false
		}
		p := math.Sqrt(psq)
		tmp0 := math.Atan2(-in.ca-in.cb, in.d+in.sa+in.sb) - math.Atan2(-2, p)
		return [3]float64{mod2pi(tmp0 - in.alpha), p, mod2pi(tmp0 - mod2pi(in.beta))}, true

	case RSL:
		psq := in.d*in.d - 2 + 2*in.cab - 2*in.d*(in.sa+in.sb)
		if psq < 0 {
			return [3]float64{}, false
		}
		p := math.Sqrt(psq)
		tmp0 := math.Atan2(in.ca+in.cb, in.d-in.sa-in.sb) - math.Atan2(2, p)
		return [3]float64{mod2pi(in.alpha - tmp0), p, mod2pi(in.beta - tmp0)}, true

	case RLR:
		tmp0 := (6 - in.d*in.d + 2*in.cab + 2*in.d*(in.sa-in.sb)) / 8
		if math.Abs(tmp0) > 1 {
			return [3]float64{}, false
		}
		phi := math.Atan2(in.ca-in.cb, in.d-in.sa+in.sb)
		p := mod2pi(2*math.Pi - math.Acos(tmp0))
		t := mod2pi(in.alpha - phi + mod2pi(p/2))
		return [3]float64{t, p, mod2pi(in.alpha - in.beta - t + mod2pi(p))}, true

	case LRL:
		tmp0 := (6 - in.d*in.d + 2*in.cab + 2*in.d*(in.sb-in.sa)) / 8
		if math.Abs(tmp0) > 1 {
			return [3]float64{}, false
		}
		phi := math.Atan2(in.ca-in.cb, in.d+in.sa-in.sb)
		p := mod2pi(2*math.Pi - math.Acos(tmp0))
		t := mod2pi(-in.alpha - phi + p/2)
		return [3]float64{t, p, mod2pi(mod2pi(in.beta) - in.alpha - t + mod2pi(p))}, true
	}
	return [3]float64{}, false
}

func mod2pi(theta float64) float64 {
	const twoPi = 2 * math.Pi
	m := math.Mod(theta, twoPi)
	if m < 0 {
		m += twoPi
	}
	return m
}
