package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/maastricht-university/prominence-models/dataset"
)

var (
	ErrNotBinary = errors.New("response is not binary")
	ErrNoRows    = errors.New("no complete rows")
)

// GroupIndex maps each observation to a level of one grouping factor.
type GroupIndex struct {
	Term   GroupTerm
	Levels []string
	Index  []int
}

// Design is the complete-case data a formula is fitted on.
type Design struct {
	Formula Formula
	Y       []float64
	X       []float64
	Groups  []GroupIndex
	Dropped int
}

func (d *Design) N() int { return len(d.Y) }

// NewDesign keeps the rows where the response, predictor and every grouping
// factor are present.
func NewDesign(t *dataset.Table, f Formula) (*Design, error) {
	if err := t.Require(f.Columns()...); err != nil {
		return nil, err
	}
	x, err := t.Floats(f.Predictor)
	if err != nil {
		return nil, err
	}
	d := &Design{Formula: f, Groups: make([]GroupIndex, len(f.Groups))}
	lookup := make([]map[string]int, len(f.Groups))
	for g, term := range f.Groups {
		d.Groups[g].Term = term
		lookup[g] = map[string]int{}
	}

rows:
	for r := 0; r < t.Len(); r++ {
		if math.IsNaN(x[r]) || t.IsNA(r, f.Response) {
			d.Dropped++
			continue
		}
		for _, term := range f.Groups {
			if t.IsNA(r, term.Factor) {
				d.Dropped++
				continue rows
			}
		}
		y, err := parseBinary(t.Cell(r, f.Response))
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", f.Response, r+1, err)
		}
		d.Y = append(d.Y, y)
		d.X = append(d.X, x[r])
		for g, term := range f.Groups {
			lvl := t.Cell(r, term.Factor)
			i, ok := lookup[g][lvl]
			if !ok {
				i = len(d.Groups[g].Levels)
				lookup[g][lvl] = i
				d.Groups[g].Levels = append(d.Groups[g].Levels, lvl)
			}
			d.Groups[g].Index = append(d.Groups[g].Index, i)
		}
	}
	if len(d.Y) == 0 {
		return nil, fmt.Errorf("%s: %w", f, ErrNoRows)
	}
	return d, nil
}

func parseBinary(s string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes":
		return 1, nil
	case "0", "false", "f", "no":
		return 0, nil
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && (v == 0 || v == 1) {
		return v, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrNotBinary, s)
}
