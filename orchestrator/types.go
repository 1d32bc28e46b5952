package orchestrator

import (
	"fmt"

	"github.com/maastricht-university/prominence-models/model"
)

// FixedEffect is the population-level estimate of one predictor.
type FixedEffect struct {
	Variable string  `json:"variable"`
	Term     string  `json:"term"`
	Estimate float64 `json:"estimate"`
	EstError float64 `json:"est_error"`
	Q2_5     float64 `json:"q2_5"`
	Q97_5    float64 `json:"q97_5"`
	Rhat     float64 `json:"rhat"`
	BulkESS  float64 `json:"bulk_ess"`
}

// RandomSlope is the by-group standard deviation of one predictor's slope.
type RandomSlope struct {
	Variable string  `json:"variable"`
	Group    string  `json:"group"`
	Term     string  `json:"term"`
	Estimate float64 `json:"estimate"`
	EstError float64 `json:"est_error"`
	Q2_5     float64 `json:"q2_5"`
	Q97_5    float64 `json:"q97_5"`
	Rhat     float64 `json:"rhat"`
	BulkESS  float64 `json:"bulk_ess"`
}

// PosteriorSamples holds one column of coefficient draws per predictor.
type PosteriorSamples struct {
	Columns []string
	Values  [][]float64
}

// Results accumulates the three output tables across the fitting loop.
type Results struct {
	Fixed   []FixedEffect
	Slopes  []RandomSlope
	Samples PosteriorSamples
}

// add appends the predictor's rows from fit, looked up by name.
func (r *Results) add(fit *model.Fit, slopeGroup string) error {
	pred := fit.Formula.Predictor
	fe, err := fit.FixedEffect(pred)
	if err != nil {
		return err
	}
	r.Fixed = append(r.Fixed, FixedEffect{
		Variable: pred,
		Term:     fe.Term,
		Estimate: fe.Estimate,
		EstError: fe.EstError,
		Q2_5:     fe.Q2_5,
		Q97_5:    fe.Q97_5,
		Rhat:     fe.Rhat,
		BulkESS:  fe.BulkESS,
	})

	if slopeGroup != "" {
		re, err := fit.RandomEffect(slopeGroup, pred)
		if err != nil {
			return err
		}
		r.Slopes = append(r.Slopes, RandomSlope{
			Variable: pred,
			Group:    slopeGroup,
			Term:     re.Term,
			Estimate: re.Estimate,
			EstError: re.EstError,
			Q2_5:     re.Q2_5,
			Q97_5:    re.Q97_5,
			Rhat:     re.Rhat,
			BulkESS:  re.BulkESS,
		})
	}

	draws := fit.Samples("b_" + pred)
	if len(draws) == 0 {
		return fmt.Errorf("no posterior draws for %s", pred)
	}
	r.Samples.Columns = append(r.Samples.Columns, pred)
	r.Samples.Values = append(r.Samples.Values, draws)
	return nil
}
