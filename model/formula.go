// Package model fits the per-predictor Bayesian hierarchical logistic
// regressions: it turns a formula and a table into a design, samples the
// posterior with a No-U-Turn sampler and summarises the draws.
package model

import (
	"fmt"
	"strings"
)

// GroupTerm is one random-effect block: an intercept per level of Factor and,
// when Slope is set, a correlated per-level slope on the predictor.
type GroupTerm struct {
	Factor string `json:"factor"`
	Slope  bool   `json:"slope"`
}

// Formula is a single-predictor logistic mixed model.
type Formula struct {
	Response  string      `json:"response"`
	Predictor string      `json:"predictor"`
	Groups    []GroupTerm `json:"groups"`
}

func NewFormula(response, predictor string, groups []GroupTerm) Formula {
	return Formula{Response: response, Predictor: predictor, Groups: append([]GroupTerm(nil), groups...)}
}

// String renders the formula in lme4 notation, e.g.
// "Prominence ~ 1 + z_x + (1 + z_x | Speaker) + (1 | Word)".
func (f Formula) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s ~ 1 + %s", f.Response, f.Predictor)
	for _, g := range f.Groups {
		if g.Slope {
			fmt.Fprintf(&b, " + (1 + %s | %s)", f.Predictor, g.Factor)
		} else {
			fmt.Fprintf(&b, " + (1 | %s)", g.Factor)
		}
	}
	return b.String()
}

// Columns lists every table column the formula reads.
func (f Formula) Columns() []string {
	cols := []string{f.Response, f.Predictor}
	for _, g := range f.Groups {
		cols = append(cols, g.Factor)
	}
	return cols
}

// parameter names, brms style
const interceptTerm = "Intercept"

func fixedParam(term string) string { return "b_" + term }

func sdParam(group, term string) string { return "sd_" + group + "__" + term }

func corParam(group, a, b string) string { return "cor_" + group + "__" + a + "__" + b }
