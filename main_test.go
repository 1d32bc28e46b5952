package main

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	cfg "github.com/maastricht-university/prominence-models/config"
	"github.com/maastricht-university/prominence-models/model"
	"github.com/maastricht-university/prominence-models/orchestrator"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	require.NoError(t, setupViper())
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer func() { configPath = "" }()
	err := rootCmd.Execute()
	return out.String(), err
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func TestPrintTablesReportWriteErrors(t *testing.T) {
	err := printSummaries(failingWriter{}, []model.Summary{{Term: "Intercept", Estimate: 0.1}})
	require.EqualError(t, err, "closed pipe")
	err = printFixed(failingWriter{}, []orchestrator.FixedEffect{{Variable: "z_x", Estimate: 1}})
	require.EqualError(t, err, "closed pipe")
}

func TestConfigCmd(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model:\n  chains: 3\n  cores: 1\n"), 0o644))

	out, err := execute(t, "config", "--config", path)
	require.NoError(t, err)

	var got cfg.Root
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, 3, got.Model.Chains)
	assert.Equal(t, 1, got.Model.Cores)
	assert.Equal(t, cfg.Default().Data.Variables, got.Data.Variables)
}

func TestConfigCmd_BadFile(t *testing.T) {
	_, err := execute(t, "config", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestInspectCmd(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	draws := func(mu, sd float64) [][]float64 {
		out := make([][]float64, 2)
		for c := range out {
			for range 100 {
				out[c] = append(out[c], mu+sd*rng.NormFloat64())
			}
		}
		return out
	}
	groups := []model.GroupTerm{{Factor: "Speaker", Slope: true}}
	fit := &model.Fit{
		ID:       "test-fit",
		Formula:  model.NewFormula("Prominence", "z_x", groups),
		Controls: model.Controls{Chains: 2, Iter: 200, Warmup: 100},
		NObs:     60,
		Groups:   []model.GroupInfo{{Factor: "Speaker", Levels: 4, Slope: true}},
		Params:   []string{"b_Intercept", "b_z_x", "sd_Speaker__Intercept", "sd_Speaker__z_x"},
		Draws: map[string][][]float64{
			"b_Intercept":           draws(-0.2, 0.3),
			"b_z_x":                 draws(1.1, 0.2),
			"sd_Speaker__Intercept": draws(0.5, 0.1),
			"sd_Speaker__z_x":       draws(0.3, 0.05),
		},
	}
	path := filepath.Join(t.TempDir(), "z_x.json.gz")
	require.NoError(t, model.Save(path, fit))

	out, err := execute(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Prominence ~ 1 + z_x + (1 + z_x | Speaker)")
	assert.Contains(t, out, "Population-level effects:")
	assert.Contains(t, out, "~Speaker (levels: 4):")
	assert.Contains(t, out, "divergences: 0")

	_, err = execute(t, "inspect")
	require.Error(t, err)
}
