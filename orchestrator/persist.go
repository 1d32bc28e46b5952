package orchestrator

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/maastricht-university/prominence-models/dataset"
)

const (
	fixedEffectsFile = "fixed_effects.csv"
	samplesFile      = "posterior_samples.csv"
	slopesFile       = "random_slopes.csv"
	mergedFile       = "merged.csv"
	manifestFile     = "run.json"
)

// RunBundle is the manifest written next to the result tables.
type RunBundle struct {
	RunID       string            `json:"run_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Elapsed     string            `json:"elapsed"`
	Prominence  string            `json:"prominence"`
	Reference   string            `json:"reference"`
	Rows        int               `json:"rows"`
	Scaling     []dataset.Scaling `json:"scaling"`
	Formulas    []string          `json:"formulas"`
	Models      []string          `json:"models"`
	Plots       []string          `json:"plots"`
	Results     map[string]string `json:"results"`
}

// writeAtomic streams into a temp file in the target directory and renames it into place.
func writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("make dir for %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	return writeAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

func writeCSV(path string, header []string, rows [][]string) error {
	return writeAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return err
		}
		if err := cw.WriteAll(rows); err != nil {
			return err
		}
		return cw.Error()
	})
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func writeFixedEffects(path string, rows []FixedEffect) error {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{r.Variable, r.Term, ftoa(r.Estimate), ftoa(r.EstError), ftoa(r.Q2_5), ftoa(r.Q97_5), ftoa(r.Rhat), ftoa(r.BulkESS)})
	}
	return writeCSV(path, []string{"Variable", "Term", "Estimate", "Est.Error", "Q2.5", "Q97.5", "Rhat", "Bulk_ESS"}, out)
}

func writeRandomSlopes(path string, rows []RandomSlope) error {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{r.Variable, r.Group, r.Term, ftoa(r.Estimate), ftoa(r.EstError), ftoa(r.Q2_5), ftoa(r.Q97_5), ftoa(r.Rhat), ftoa(r.BulkESS)})
	}
	return writeCSV(path, []string{"Variable", "Group", "Term", "Estimate", "Est.Error", "Q2.5", "Q97.5", "Rhat", "Bulk_ESS"}, out)
}

// writeSamples writes one column per predictor; shorter columns are padded with NA.
func writeSamples(path string, s PosteriorSamples) error {
	n := 0
	for _, col := range s.Values {
		n = max(n, len(col))
	}
	out := make([][]string, n)
	for i := range out {
		row := make([]string, len(s.Values))
		for j, col := range s.Values {
			if i < len(col) {
				row[j] = ftoa(col[i])
			} else {
				row[j] = "NA"
			}
		}
		out[i] = row
	}
	return writeCSV(path, s.Columns, out)
}

func writeTable(path string, t *dataset.Table, delim rune) error {
	return writeAtomic(path, func(w io.Writer) error { return t.WriteCSV(w, delim) })
}

// persist writes the three result tables and returns their paths.
func persist(resultsRoot string, res *Results) (map[string]string, error) {
	paths := map[string]string{
		"fixed_effects":     filepath.Join(resultsRoot, fixedEffectsFile),
		"posterior_samples": filepath.Join(resultsRoot, samplesFile),
		"random_slopes":     filepath.Join(resultsRoot, slopesFile),
	}
	if err := writeFixedEffects(paths["fixed_effects"], res.Fixed); err != nil {
		return nil, err
	}
	if err := writeSamples(paths["posterior_samples"], res.Samples); err != nil {
		return nil, err
	}
	if err := writeRandomSlopes(paths["random_slopes"], res.Slopes); err != nil {
		return nil, err
	}
	return paths, nil
}
