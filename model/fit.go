package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// Options configure one fit.
type Options struct {
	Controls
	PriorScale float64
	LKJEta     float64
	PPCDraws   int
}

type GroupInfo struct {
	Factor string `json:"factor"`
	Levels int    `json:"levels"`
	Slope  bool   `json:"slope"`
}

// PPC holds the observed outcome counts and the counts replicated from
// posterior draws, indexed by outcome (0, 1).
type PPC struct {
	Observed   [2]int   `json:"observed"`
	Replicated [][2]int `json:"replicated"`
}

// Fit is everything kept from one model run; it is what gets persisted.
type Fit struct {
	ID         string                 `json:"id"`
	Formula    Formula                `json:"formula"`
	Controls   Controls               `json:"controls"`
	PriorScale float64                `json:"prior_scale"`
	LKJEta     float64                `json:"lkj_eta"`
	NObs       int                    `json:"n_obs"`
	NDropped   int                    `json:"n_dropped"`
	Groups     []GroupInfo            `json:"groups"`
	Params     []string               `json:"params"`
	Draws      map[string][][]float64 `json:"draws"` // param -> chain -> draw
	LP         [][]float64            `json:"lp"`
	Stats      []ChainStats           `json:"stats"`
	PPC        PPC                    `json:"ppc"`
	CreatedAt  time.Time              `json:"created_at"`
	Elapsed    string                 `json:"elapsed"`
}

// FitModel samples the posterior of the design's formula.
func FitModel(ctx context.Context, d *Design, opts Options, log *logrus.Entry) (*Fit, error) {
	start := time.Now()
	post := NewPosterior(d, opts.PriorScale, opts.LKJEta)
	log.WithFields(logrus.Fields{
		"formula": d.Formula.String(),
		"n":       d.N(),
		"dropped": d.Dropped,
		"dim":     post.Dim(),
	}).Info("sampling")

	chains, err := Sample(ctx, func() Target { return post.Clone() }, opts.Controls, log)
	if err != nil {
		return nil, err
	}

	f := &Fit{
		ID:         uuid.NewString(),
		Formula:    d.Formula,
		Controls:   opts.Controls,
		PriorScale: opts.PriorScale,
		LKJEta:     opts.LKJEta,
		NObs:       d.N(),
		NDropped:   d.Dropped,
		Params:     post.ParamNames(),
		Draws:      map[string][][]float64{},
		CreatedAt:  time.Now().UTC(),
	}
	for _, g := range d.Groups {
		f.Groups = append(f.Groups, GroupInfo{Factor: g.Term.Factor, Levels: len(g.Levels), Slope: g.Term.Slope})
	}
	for _, name := range f.Params {
		f.Draws[name] = make([][]float64, len(chains))
	}
	for c, ch := range chains {
		for _, q := range ch.Draws {
			for name, v := range post.Transform(q) {
				f.Draws[name][c] = append(f.Draws[name][c], v)
			}
		}
		f.LP = append(f.LP, ch.LP)
		f.Stats = append(f.Stats, ch.Stats)
	}
	f.PPC = posteriorPredictive(post, d, chains, opts.PPCDraws, opts.Seed)
	f.Elapsed = time.Since(start).Round(time.Millisecond).String()
	return f, nil
}

// posteriorPredictive simulates outcomes from k draws spread evenly over the
// pooled chains.
func posteriorPredictive(post *Posterior, d *Design, chains []Chain, k int, seed uint64) PPC {
	var out PPC
	for _, y := range d.Y {
		out.Observed[int(y)]++
	}
	var pooled [][]float64
	for _, ch := range chains {
		pooled = append(pooled, ch.Draws...)
	}
	if k <= 0 || len(pooled) == 0 {
		return out
	}
	k = min(k, len(pooled))
	rng := rand.New(rand.NewPCG(seed, math.MaxUint32))
	for i := 0; i < k; i++ {
		q := pooled[i*len(pooled)/k]
		var rep [2]int
		for _, p := range post.Predict(q) {
			if rng.Float64() < p {
				rep[1]++
			} else {
				rep[0]++
			}
		}
		out.Replicated = append(out.Replicated, rep)
	}
	return out
}

// Summary is one row of a posterior summary table.
type Summary struct {
	Param    string
	Term     string
	Estimate float64
	EstError float64
	Q2_5     float64
	Q97_5    float64
	Rhat     float64
	BulkESS  float64
}

// Summarize reports mean, sd, 95% interval and convergence diagnostics of a parameter.
func (f *Fit) Summarize(param string) (Summary, error) {
	chains, ok := f.Draws[param]
	if !ok {
		return Summary{}, fmt.Errorf("no parameter %q in fit of %s", param, f.Formula)
	}
	all := f.Samples(param)
	if len(all) == 0 {
		return Summary{}, fmt.Errorf("parameter %q has no draws", param)
	}
	sorted := append([]float64(nil), all...)
	sort.Float64s(sorted)
	mean, sd := stat.MeanStdDev(all, nil)
	return Summary{
		Param:    param,
		Estimate: mean,
		EstError: sd,
		Q2_5:     stat.Quantile(0.025, stat.LinInterp, sorted, nil),
		Q97_5:    stat.Quantile(0.975, stat.LinInterp, sorted, nil),
		Rhat:     Rhat(chains),
		BulkESS:  BulkESS(chains),
	}, nil
}

// Samples returns the draws of param pooled in chain order.
func (f *Fit) Samples(param string) []float64 {
	var out []float64
	for _, c := range f.Draws[param] {
		out = append(out, c...)
	}
	return out
}

// FixedEffect looks up a population-level term by name ("Intercept" or the predictor).
func (f *Fit) FixedEffect(term string) (Summary, error) {
	s, err := f.Summarize(fixedParam(term))
	s.Term = term
	return s, err
}

func (f *Fit) FixedEffects() ([]Summary, error) {
	var out []Summary
	for _, term := range []string{interceptTerm, f.Formula.Predictor} {
		s, err := f.FixedEffect(term)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// RandomEffect looks up the standard deviation of term within group by name.
func (f *Fit) RandomEffect(group, term string) (Summary, error) {
	s, err := f.Summarize(sdParam(group, term))
	s.Term = term
	return s, err
}

// RandomEffects lists the standard deviations of one grouping factor.
func (f *Fit) RandomEffects(group string) ([]Summary, error) {
	for _, g := range f.Groups {
		if g.Factor != group {
			continue
		}
		terms := []string{interceptTerm}
		if g.Slope {
			terms = append(terms, f.Formula.Predictor)
		}
		var out []Summary
		for _, term := range terms {
			s, err := f.RandomEffect(group, term)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("no group %q in fit of %s", group, f.Formula)
}

// Divergences sums divergent post-warmup transitions over chains.
func (f *Fit) Divergences() int {
	n := 0
	for _, s := range f.Stats {
		n += s.Divergent
	}
	return n
}

func (f *Fit) TreeDepthHits() int {
	n := 0
	for _, s := range f.Stats {
		n += s.TreeDepthHits
	}
	return n
}
