package model

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Target is a differentiable log density on an unconstrained space.
type Target interface {
	Dim() int
	// LogDensityGrad returns log p(theta) and writes its gradient into grad.
	LogDensityGrad(theta, grad []float64) float64
}

// default brms priors for the intercept and the group standard deviations
const (
	tNu    = 3.0
	tScale = 2.5
)

// groupLayout locates one random-effect block inside theta. Offsets of -1 mark
// absent parameters.
type groupLayout struct {
	levels  int
	sdInt   int
	sdSlope int
	corr    int
	zInt    int
	zSlope  int
}

// Posterior is the non-centered logistic mixed model:
//
//	eta = b0 + b1*x + sum_g (u0_g[l] + u1_g[l]*x)
//	u0 = sd0*z0, u1 = sd1*(tanh(w)*z0 + sech(w)*z1)
//
// with theta = [b0, b1, log sd..., w..., z...]. It keeps scratch buffers, so
// every chain needs its own copy (see Clone).
type Posterior struct {
	d          *Design
	priorScale float64
	lkjEta     float64
	groups     []groupLayout
	dim        int

	eta   []float64
	r0    [][]float64
	r1    [][]float64
	u0    [][]float64
	u1    [][]float64
	intT  distuv.StudentsT
	sdT   distuv.StudentsT
	slope distuv.Normal
}

func NewPosterior(d *Design, priorScale, lkjEta float64) *Posterior {
	p := &Posterior{d: d, priorScale: priorScale, lkjEta: lkjEta}
	next := 2
	for _, g := range d.Groups {
		l := groupLayout{levels: len(g.Levels), sdInt: next, sdSlope: -1, corr: -1, zSlope: -1}
		next++
		if g.Term.Slope {
			l.sdSlope = next
			l.corr = next + 1
			next += 2
		}
		p.groups = append(p.groups, l)
	}
	for i := range p.groups {
		p.groups[i].zInt = next
		next += p.groups[i].levels
		if p.groups[i].sdSlope >= 0 {
			p.groups[i].zSlope = next
			next += p.groups[i].levels
		}
	}
	p.dim = next
	p.alloc()
	return p
}

func (p *Posterior) alloc() {
	p.eta = make([]float64, p.d.N())
	p.r0 = make([][]float64, len(p.groups))
	p.r1 = make([][]float64, len(p.groups))
	p.u0 = make([][]float64, len(p.groups))
	p.u1 = make([][]float64, len(p.groups))
	for g, l := range p.groups {
		p.r0[g] = make([]float64, l.levels)
		p.r1[g] = make([]float64, l.levels)
		p.u0[g] = make([]float64, l.levels)
		p.u1[g] = make([]float64, l.levels)
	}
	p.intT = distuv.StudentsT{Mu: 0, Sigma: tScale, Nu: tNu}
	p.sdT = distuv.StudentsT{Mu: 0, Sigma: tScale, Nu: tNu}
	p.slope = distuv.Normal{Mu: 0, Sigma: p.priorScale}
}

// Clone returns a copy sharing the design but with its own buffers.
func (p *Posterior) Clone() *Posterior {
	c := *p
	c.alloc()
	return &c
}

func (p *Posterior) Dim() int { return p.dim }

// effects fills u0/u1 from theta and returns the log prior of the group
// parameters, adding their gradient contributions into grad when non-nil.
func (p *Posterior) effects(theta, grad []float64) float64 {
	lp := 0.0
	for g, l := range p.groups {
		tau0 := theta[l.sdInt]
		sd0 := math.Exp(tau0)
		z0 := theta[l.zInt : l.zInt+l.levels]
		lp += halfTLogProb(p.sdT, sd0) + tau0
		if grad != nil {
			grad[l.sdInt] += halfTGrad(sd0)*sd0 + 1
		}
		for k, z := range z0 {
			p.u0[g][k] = sd0 * z
			lp -= 0.5 * z * z
			if grad != nil {
				grad[l.zInt+k] -= z
			}
		}
		if l.sdSlope < 0 {
			continue
		}
		tau1 := theta[l.sdSlope]
		sd1 := math.Exp(tau1)
		w := theta[l.corr]
		rho, sech, logSech := tanhSech(w)
		z1 := theta[l.zSlope : l.zSlope+l.levels]
		lp += halfTLogProb(p.sdT, sd1) + tau1
		// LKJ(eta) on the 2x2 correlation plus the tanh Jacobian: eta*log(1-rho^2)
		lp += p.lkjEta * 2 * logSech
		if grad != nil {
			grad[l.sdSlope] += halfTGrad(sd1)*sd1 + 1
			grad[l.corr] -= 2 * p.lkjEta * rho
		}
		for k := range z1 {
			p.u1[g][k] = sd1 * (rho*z0[k] + sech*z1[k])
			lp -= 0.5 * z1[k] * z1[k]
			if grad != nil {
				grad[l.zSlope+k] -= z1[k]
			}
		}
	}
	return lp
}

// linearPredictor writes eta for every observation. effects must have run.
func (p *Posterior) linearPredictor(theta, eta []float64) {
	b0, b1 := theta[0], theta[1]
	for i, x := range p.d.X {
		e := b0 + b1*x
		for g, gi := range p.d.Groups {
			k := gi.Index[i]
			e += p.u0[g][k]
			if p.groups[g].sdSlope >= 0 {
				e += p.u1[g][k] * x
			}
		}
		eta[i] = e
	}
}

func (p *Posterior) LogDensityGrad(theta, grad []float64) float64 {
	for i := range grad {
		grad[i] = 0
	}
	b0, b1 := theta[0], theta[1]
	lp := p.intT.LogProb(b0) + p.slope.LogProb(b1)
	grad[0] += tGrad(b0)
	grad[1] -= b1 / (p.priorScale * p.priorScale)

	lp += p.effects(theta, grad)
	p.linearPredictor(theta, p.eta)

	for g := range p.groups {
		clear(p.r0[g])
		clear(p.r1[g])
	}
	for i, e := range p.eta {
		y, x := p.d.Y[i], p.d.X[i]
		lp += y*e - log1pExp(e)
		r := y - sigmoid(e)
		grad[0] += r
		grad[1] += r * x
		for g, gi := range p.d.Groups {
			k := gi.Index[i]
			p.r0[g][k] += r
			p.r1[g][k] += r * x
		}
	}

	for g, l := range p.groups {
		sd0 := math.Exp(theta[l.sdInt])
		for k := 0; k < l.levels; k++ {
			grad[l.sdInt] += p.r0[g][k] * p.u0[g][k]
			grad[l.zInt+k] += sd0 * p.r0[g][k]
		}
		if l.sdSlope < 0 {
			continue
		}
		sd1 := math.Exp(theta[l.sdSlope])
		rho, sech, _ := tanhSech(theta[l.corr])
		for k := 0; k < l.levels; k++ {
			r1 := p.r1[g][k]
			z0, z1 := theta[l.zInt+k], theta[l.zSlope+k]
			grad[l.sdSlope] += r1 * p.u1[g][k]
			grad[l.zInt+k] += sd1 * rho * r1
			grad[l.zSlope+k] += sd1 * sech * r1
			// d/dw of tanh(w)*z0 + sech(w)*z1
			grad[l.corr] += r1 * sd1 * (sech*sech*z0 - sech*rho*z1)
		}
	}
	if math.IsNaN(lp) {
		return math.Inf(-1)
	}
	return lp
}

// Transform maps theta to the named population and group-level parameters.
func (p *Posterior) Transform(theta []float64) map[string]float64 {
	f := p.d.Formula
	out := map[string]float64{
		fixedParam(interceptTerm): theta[0],
		fixedParam(f.Predictor):   theta[1],
	}
	for g, l := range p.groups {
		factor := p.d.Groups[g].Term.Factor
		out[sdParam(factor, interceptTerm)] = math.Exp(theta[l.sdInt])
		if l.sdSlope >= 0 {
			out[sdParam(factor, f.Predictor)] = math.Exp(theta[l.sdSlope])
			out[corParam(factor, interceptTerm, f.Predictor)] = math.Tanh(theta[l.corr])
		}
	}
	return out
}

// ParamNames lists the keys Transform produces, in reporting order.
func (p *Posterior) ParamNames() []string {
	f := p.d.Formula
	names := []string{fixedParam(interceptTerm), fixedParam(f.Predictor)}
	for g, l := range p.groups {
		factor := p.d.Groups[g].Term.Factor
		names = append(names, sdParam(factor, interceptTerm))
		if l.sdSlope >= 0 {
			names = append(names, sdParam(factor, f.Predictor), corParam(factor, interceptTerm, f.Predictor))
		}
	}
	return names
}

// Predict returns P(y=1) for every observation under theta.
func (p *Posterior) Predict(theta []float64) []float64 {
	p.effects(theta, nil)
	eta := make([]float64, p.d.N())
	p.linearPredictor(theta, eta)
	for i, e := range eta {
		eta[i] = sigmoid(e)
	}
	return eta
}

func halfTLogProb(d distuv.StudentsT, x float64) float64 { return math.Ln2 + d.LogProb(x) }

// tGrad is d/dx log student_t(3, 0, 2.5)(x); it also serves the half-t.
func tGrad(x float64) float64 { return -(tNu + 1) * x / (tNu*tScale*tScale + x*x) }

func halfTGrad(sd float64) float64 { return tGrad(sd) }

// tanhSech returns tanh(w), sech(w) and log(sech(w)) without overflow.
func tanhSech(w float64) (float64, float64, float64) {
	a := math.Abs(w)
	logSech := math.Ln2 - a - math.Log1p(math.Exp(-2*a))
	return math.Tanh(w), math.Exp(logSech), logSech
}

func log1pExp(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
