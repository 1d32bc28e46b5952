package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// Controls are the MCMC settings shared by every fit.
type Controls struct {
	Seed         uint64  `json:"seed"`
	Chains       int     `json:"chains"`
	Iter         int     `json:"iter"`
	Warmup       int     `json:"warmup"`
	AdaptDelta   float64 `json:"adapt_delta"`
	MaxTreeDepth int     `json:"max_treedepth"`
	Cores        int     `json:"cores"`
}

func (c Controls) validate() error {
	switch {
	case c.Chains < 1:
		return fmt.Errorf("chains must be >= 1, got %d", c.Chains)
	case c.Warmup < 0 || c.Iter <= c.Warmup:
		return fmt.Errorf("iter (%d) must exceed warmup (%d)", c.Iter, c.Warmup)
	case c.AdaptDelta <= 0 || c.AdaptDelta >= 1:
		return fmt.Errorf("adapt_delta must be in (0,1), got %g", c.AdaptDelta)
	case c.MaxTreeDepth < 1:
		return fmt.Errorf("max_treedepth must be >= 1, got %d", c.MaxTreeDepth)
	}
	return nil
}

// Chain holds the post-warmup output of one chain.
type Chain struct {
	Draws [][]float64
	LP    []float64
	Stats ChainStats
}

type ChainStats struct {
	Chain         int       `json:"chain"`
	StepSize      float64   `json:"step_size"`
	InvMetric     []float64 `json:"inv_metric,omitempty"`
	MeanAccept    float64   `json:"mean_accept"`
	Divergent     int       `json:"divergent"`
	TreeDepthHits int       `json:"treedepth_hits"`
	Leapfrogs     int       `json:"leapfrogs"`
	Elapsed       string    `json:"elapsed"`
}

// Sample runs ctl.Chains independent chains, at most ctl.Cores at a time. Each
// chain gets its own target from newTarget and the seed stream (Seed, chain),
// so results do not depend on scheduling.
func Sample(ctx context.Context, newTarget func() Target, ctl Controls, log *logrus.Entry) ([]Chain, error) {
	if err := ctl.validate(); err != nil {
		return nil, err
	}
	chains := make([]Chain, ctl.Chains)
	g, ctx := errgroup.WithContext(ctx)
	if ctl.Cores > 0 {
		g.SetLimit(ctl.Cores)
	}
	for c := range chains {
		g.Go(func() error {
			ch, err := runChain(ctx, newTarget(), ctl, c, log.WithField("chain", c+1))
			if err != nil {
				return fmt.Errorf("chain %d: %w", c+1, err)
			}
			chains[c] = ch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chains, nil
}

func runChain(ctx context.Context, target Target, ctl Controls, c int, log *logrus.Entry) (Chain, error) {
	start := time.Now()
	rng := rand.New(rand.NewPCG(ctl.Seed, uint64(c)+1))
	s := newNUTS(target, rng, ctl.MaxTreeDepth)

	cur, err := initialPoint(s)
	if err != nil {
		return Chain{}, err
	}

	s.eps = s.findStepSize(cur)
	da := newDualAveraging(ctl.AdaptDelta, s.eps)
	windows := metricWindows(ctl.Warmup)
	var window [][]float64
	wi := 0

	n := ctl.Iter - ctl.Warmup
	out := Chain{Draws: make([][]float64, 0, n), LP: make([]float64, 0, n)}
	out.Stats.Chain = c + 1
	var acceptSum float64

	for it := 0; it < ctl.Iter; it++ {
		if err := ctx.Err(); err != nil {
			return Chain{}, err
		}
		tr := s.step(cur)
		cur = tr.next

		if it < ctl.Warmup {
			s.eps = da.learn(tr.accept)
			if wi < len(windows) && it >= windows[wi].start {
				window = append(window, append([]float64(nil), cur.q...))
				if it == windows[wi].end-1 {
					s.invMetric = regularizedVariance(window)
					window = window[:0]
					wi++
					s.eps = s.findStepSize(cur)
					da.restart(s.eps)
				}
			}
			if it == ctl.Warmup-1 {
				s.eps = da.final()
				log.Debugf("warmup done: step size %.4g", s.eps)
			}
			continue
		}

		out.Draws = append(out.Draws, append([]float64(nil), cur.q...))
		out.LP = append(out.LP, cur.lp)
		acceptSum += tr.accept
		out.Stats.Leapfrogs += tr.leapfrogs
		if tr.divergent {
			out.Stats.Divergent++
		}
		if tr.saturated {
			out.Stats.TreeDepthHits++
		}
	}
	out.Stats.StepSize = s.eps
	out.Stats.InvMetric = append([]float64(nil), s.invMetric...)
	out.Stats.MeanAccept = acceptSum / float64(n)
	out.Stats.Elapsed = time.Since(start).Round(time.Millisecond).String()
	log.WithFields(logrus.Fields{
		"step_size": fmt.Sprintf("%.4g", s.eps),
		"accept":    fmt.Sprintf("%.3f", out.Stats.MeanAccept),
		"divergent": out.Stats.Divergent,
		"treedepth": out.Stats.TreeDepthHits,
		"elapsed":   out.Stats.Elapsed,
	}).Debug("chain finished")
	return out, nil
}

// initialPoint draws uniform(-2, 2) starts until the density is finite.
func initialPoint(s *nuts) (point, error) {
	q := make([]float64, s.target.Dim())
	for try := 0; try < 100; try++ {
		for i := range q {
			q[i] = s.rng.Float64()*4 - 2
		}
		pt := s.newPoint(q)
		if !math.IsInf(pt.lp, 0) && !math.IsNaN(pt.lp) && finite(pt.g) {
			return pt, nil
		}
	}
	return point{}, fmt.Errorf("no finite initial value after 100 attempts")
}

func finite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// dualAveraging tunes the step size toward a target acceptance statistic.
type dualAveraging struct {
	delta, mu         float64
	hbar, logEps, bar float64
	m                 int
}

const (
	daGamma = 0.05
	daT0    = 10.0
	daKappa = 0.75
)

func newDualAveraging(delta, eps float64) *dualAveraging {
	d := &dualAveraging{delta: delta}
	d.restart(eps)
	return d
}

func (d *dualAveraging) restart(eps float64) {
	d.mu = math.Log(10 * eps)
	d.hbar, d.bar, d.m = 0, 0, 0
	d.logEps = math.Log(eps)
}

func (d *dualAveraging) learn(accept float64) float64 {
	d.m++
	m := float64(d.m)
	w := 1 / (m + daT0)
	d.hbar = (1-w)*d.hbar + w*(d.delta-accept)
	d.logEps = d.mu - math.Sqrt(m)/daGamma*d.hbar
	k := math.Pow(m, -daKappa)
	d.bar = k*d.logEps + (1-k)*d.bar
	return math.Exp(d.logEps)
}

func (d *dualAveraging) final() float64 {
	if d.m == 0 {
		return math.Exp(d.logEps)
	}
	return math.Exp(d.bar)
}

type span struct{ start, end int }

// metricWindows lays out the slow adaptation windows of the warmup: an initial
// fast buffer, doubling windows, and a terminal fast buffer.
func metricWindows(warmup int) []span {
	if warmup < 20 {
		return nil
	}
	initBuf, termBuf, base := 75, 50, 25
	if initBuf+base+termBuf > warmup {
		initBuf = warmup * 15 / 100
		termBuf = warmup / 10
		base = warmup - initBuf - termBuf
	}
	last := warmup - termBuf
	var out []span
	for start, size := initBuf, base; start < last; size *= 2 {
		end := start + size
		if end+2*size > last {
			end = last
		}
		out = append(out, span{start, end})
		start = end
	}
	return out
}

// regularizedVariance shrinks the per-dimension sample variance toward 1e-3.
func regularizedVariance(draws [][]float64) []float64 {
	dim := len(draws[0])
	n := float64(len(draws))
	col := make([]float64, len(draws))
	out := make([]float64, dim)
	for j := 0; j < dim; j++ {
		for i, d := range draws {
			col[i] = d[j]
		}
		v := stat.Variance(col, nil)
		if math.IsNaN(v) {
			v = 1
		}
		out[j] = (n/(n+5))*v + 1e-3*(5/(n+5))
	}
	return out
}
