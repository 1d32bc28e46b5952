package model

import (
	"math"
	"math/rand/v2"
)

// energy errors beyond this mark a transition as divergent
const maxDeltaH = 1000.0

type point struct {
	q, p, g []float64
	lp      float64
}

// nuts is one chain's No-U-Turn sampler (slice variant) with a diagonal metric.
type nuts struct {
	target    Target
	rng       *rand.Rand
	invMetric []float64
	eps       float64
	maxDepth  int
}

// transition is the outcome of one NUTS iteration.
type transition struct {
	next      point
	depth     int
	accept    float64
	divergent bool
	saturated bool
	leapfrogs int
}

func newNUTS(t Target, rng *rand.Rand, maxDepth int) *nuts {
	inv := make([]float64, t.Dim())
	for i := range inv {
		inv[i] = 1
	}
	return &nuts{target: t, rng: rng, invMetric: inv, eps: 1, maxDepth: maxDepth}
}

func (s *nuts) newPoint(q []float64) point {
	pt := point{
		q: append([]float64(nil), q...),
		p: make([]float64, len(q)),
		g: make([]float64, len(q)),
	}
	pt.lp = s.target.LogDensityGrad(pt.q, pt.g)
	return pt
}

func (s *nuts) kinetic(p []float64) float64 {
	k := 0.0
	for i, v := range p {
		k += v * v * s.invMetric[i]
	}
	return 0.5 * k
}

func (s *nuts) hamiltonian(pt point) float64 {
	h := pt.lp - s.kinetic(pt.p)
	if math.IsNaN(h) {
		return math.Inf(-1)
	}
	return h
}

func (s *nuts) resample(pt *point) {
	for i := range pt.p {
		pt.p[i] = s.rng.NormFloat64() / math.Sqrt(s.invMetric[i])
	}
}

// leapfrog returns a fresh point one step of size eps away from from.
func (s *nuts) leapfrog(from point, eps float64) point {
	n := len(from.q)
	to := point{q: make([]float64, n), p: make([]float64, n), g: make([]float64, n)}
	for i := range to.p {
		to.p[i] = from.p[i] + 0.5*eps*from.g[i]
		to.q[i] = from.q[i] + eps*s.invMetric[i]*to.p[i]
	}
	to.lp = s.target.LogDensityGrad(to.q, to.g)
	for i := range to.p {
		to.p[i] += 0.5 * eps * to.g[i]
	}
	return to
}

func (s *nuts) noUTurn(minus, plus point) bool {
	var a, b float64
	for i := range minus.q {
		dq := plus.q[i] - minus.q[i]
		a += dq * s.invMetric[i] * minus.p[i]
		b += dq * s.invMetric[i] * plus.p[i]
	}
	return a >= 0 && b >= 0
}

type subtree struct {
	minus, plus point
	prop        point
	n           int
	ok          bool
	divergent   bool
	alphaSum    float64
	nAlpha      int
}

func (s *nuts) build(from point, logu float64, dir float64, depth int, h0 float64) subtree {
	if depth == 0 {
		next := s.leapfrog(from, dir*s.eps)
		h := s.hamiltonian(next)
		t := subtree{minus: next, plus: next, prop: next, nAlpha: 1}
		if logu <= h {
			t.n = 1
		}
		t.ok = logu < h+maxDeltaH
		t.divergent = !t.ok
		t.alphaSum = math.Min(1, math.Exp(h-h0))
		return t
	}
	t := s.build(from, logu, dir, depth-1, h0)
	if !t.ok {
		return t
	}
	var t2 subtree
	if dir < 0 {
		t2 = s.build(t.minus, logu, dir, depth-1, h0)
		t.minus = t2.minus
	} else {
		t2 = s.build(t.plus, logu, dir, depth-1, h0)
		t.plus = t2.plus
	}
	if t2.n > 0 && s.rng.Float64()*float64(t.n+t2.n) < float64(t2.n) {
		t.prop = t2.prop
	}
	t.n += t2.n
	t.alphaSum += t2.alphaSum
	t.nAlpha += t2.nAlpha
	t.divergent = t.divergent || t2.divergent
	t.ok = t2.ok && s.noUTurn(t.minus, t.plus)
	return t
}

// step runs one NUTS transition from cur.
func (s *nuts) step(cur point) transition {
	start := point{q: cur.q, p: make([]float64, len(cur.q)), g: cur.g, lp: cur.lp}
	s.resample(&start)
	h0 := s.hamiltonian(start)
	logu := h0 + math.Log(s.rng.Float64())

	minus, plus := start, start
	tr := transition{next: cur}
	n := 1
	ok := true
	var alphaSum float64
	var nAlpha int
	for ok && tr.depth < s.maxDepth {
		dir := 1.0
		if s.rng.IntN(2) == 0 {
			dir = -1
		}
		var t subtree
		if dir < 0 {
			t = s.build(minus, logu, dir, tr.depth, h0)
			minus = t.minus
		} else {
			t = s.build(plus, logu, dir, tr.depth, h0)
			plus = t.plus
		}
		alphaSum += t.alphaSum
		nAlpha += t.nAlpha
		if t.divergent {
			tr.divergent = true
		}
		if t.ok && s.rng.Float64()*float64(n) < float64(t.n) {
			tr.next = t.prop
		}
		n += t.n
		ok = t.ok && s.noUTurn(minus, plus)
		tr.depth++
	}
	tr.saturated = ok && tr.depth >= s.maxDepth
	tr.leapfrogs = nAlpha
	if nAlpha > 0 {
		tr.accept = alphaSum / float64(nAlpha)
	}
	return tr
}

// findStepSize doubles or halves eps until a single leapfrog step's acceptance
// probability crosses 0.5.
func (s *nuts) findStepSize(cur point) float64 {
	eps := s.eps
	if eps <= 0 || math.IsNaN(eps) || math.IsInf(eps, 0) {
		eps = 1
	}
	start := point{q: cur.q, p: make([]float64, len(cur.q)), g: cur.g, lp: cur.lp}
	s.resample(&start)
	h0 := s.hamiltonian(start)

	ratio := func(e float64) float64 {
		return s.hamiltonian(s.leapfrog(start, e)) - h0
	}
	dir := -1.0
	if ratio(eps) > -math.Ln2 {
		dir = 1
	}
	for i := 0; i < 100; i++ {
		if dir*ratio(eps) <= -dir*math.Ln2 {
			break
		}
		eps *= math.Pow(2, dir)
		if eps < 1e-10 || eps > 1e7 {
			break
		}
	}
	return eps
}
