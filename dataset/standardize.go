package dataset

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// MissingCount is one line of the missing-value audit.
type MissingCount struct {
	Column     string
	Missing    int
	Proportion float64
}

type Audit struct {
	Rows    int
	Columns []MissingCount
	// rows with at least one audited column missing
	RowsAffected int
	Proportion   float64
}

// AuditMissing counts missing cells per column and the share of rows touched by any of them.
func AuditMissing(t *Table, cols []string) (Audit, error) {
	if err := t.Require(cols...); err != nil {
		return Audit{}, err
	}
	a := Audit{Rows: t.Len()}
	hit := make([]bool, t.Len())
	for _, c := range cols {
		mc := MissingCount{Column: c}
		for r := 0; r < t.Len(); r++ {
			if t.IsNA(r, c) {
				mc.Missing++
				hit[r] = true
			}
		}
		if a.Rows > 0 {
			mc.Proportion = float64(mc.Missing) / float64(a.Rows)
		}
		a.Columns = append(a.Columns, mc)
	}
	for _, h := range hit {
		if h {
			a.RowsAffected++
		}
	}
	if a.Rows > 0 {
		a.Proportion = float64(a.RowsAffected) / float64(a.Rows)
	}
	return a, nil
}

// ZScore standardizes x using the mean and sample standard deviation of its
// non-NaN entries. NaN entries stay NaN.
func ZScore(x []float64) ([]float64, float64, float64, error) {
	obs := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) {
			obs = append(obs, v)
		}
	}
	if len(obs) < 2 {
		return nil, 0, 0, fmt.Errorf("%w: %d observed values", ErrConstantColumn, len(obs))
	}
	mean, sd := stat.MeanStdDev(obs, nil)
	if sd == 0 || math.IsNaN(sd) || math.IsInf(sd, 0) {
		return nil, 0, 0, fmt.Errorf("%w: sd=%g", ErrConstantColumn, sd)
	}
	out := make([]float64, len(x))
	for i, v := range x {
		if math.IsNaN(v) {
			out[i] = v
			continue
		}
		out[i] = (v - mean) / sd
	}
	return out, mean, sd, nil
}

// Scaling records the transform applied to one column.
type Scaling struct {
	Column string
	Target string
	Mean   float64
	SD     float64
}

// Standardize appends prefix+col for every col, each scaled over the whole table.
func Standardize(t *Table, cols []string, prefix string) (*Table, []Scaling, error) {
	if err := t.Require(cols...); err != nil {
		return nil, nil, err
	}
	out := t
	scales := make([]Scaling, 0, len(cols))
	for _, c := range cols {
		x, err := t.Floats(c)
		if err != nil {
			return nil, nil, err
		}
		z, mean, sd, err := ZScore(x)
		if err != nil {
			return nil, nil, fmt.Errorf("standardize %s: %w", c, err)
		}
		name := prefix + c
		if out, err = out.WithFloatColumn(name, z); err != nil {
			return nil, nil, err
		}
		scales = append(scales, Scaling{Column: c, Target: name, Mean: mean, SD: sd})
	}
	return out, scales, nil
}
