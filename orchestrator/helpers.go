package orchestrator

import (
	"path/filepath"

	cfg "github.com/maastricht-university/prominence-models/config"
	"github.com/maastricht-university/prominence-models/model"
)

// Formulas builds one model per standardized predictor, all with the same
// response and random-effect structure.
func Formulas(c *cfg.Root, predictors []string) []model.Formula {
	groups := make([]model.GroupTerm, 0, len(c.Model.Groups))
	for _, g := range c.Model.Groups {
		groups = append(groups, model.GroupTerm{Factor: g.Factor, Slope: g.Slope})
	}
	out := make([]model.Formula, 0, len(predictors))
	for _, v := range predictors {
		out = append(out, model.NewFormula(c.Model.Response, v, groups))
	}
	return out
}

// slopeGroup is the first grouping factor carrying a random slope ("" if none).
func slopeGroup(c *cfg.Root) string {
	for _, g := range c.Model.Groups {
		if g.Slope {
			return g.Factor
		}
	}
	return ""
}

func fitOptions(c *cfg.Root) model.Options {
	m := c.Model
	return model.Options{
		Controls: model.Controls{
			Seed:         m.Seed,
			Chains:       m.Chains,
			Iter:         m.Iter,
			Warmup:       m.Warmup,
			AdaptDelta:   m.AdaptDelta,
			MaxTreeDepth: m.MaxTreeDepth,
			Cores:        m.Cores,
		},
		PriorScale: m.PriorScale,
		LKJEta:     m.LKJEta,
		PPCDraws:   m.PPCDraws,
	}
}

func modelPath(c *cfg.Root, predictor string) string {
	return filepath.Join(c.Paths.Models, predictor+".json.gz")
}

func plotPath(c *cfg.Root, predictor string) string {
	return filepath.Join(c.Paths.Plots, "ppc_"+predictor+".png")
}

// standardized maps raw variable names to their z-scored column names.
func standardized(c *cfg.Root) []string {
	out := make([]string, len(c.Data.Variables))
	for i, v := range c.Data.Variables {
		out[i] = c.Data.StandardizedPrefix + v
	}
	return out
}
