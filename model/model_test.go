package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/maastricht-university/prominence-models/dataset"
)

var testGroups = []GroupTerm{
	{Factor: "Speaker", Slope: true},
	{Factor: "Sentence"},
	{Factor: "Word"},
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(l)
}

// synthTable simulates prominence labels from a known slope for 4 speakers x
// 3 sentences x 5 words; rows listed in missing get an NA predictor.
func synthTable(t *testing.T, seed uint64, missing ...int) *dataset.Table {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, 7))
	skip := map[int]bool{}
	for _, m := range missing {
		skip[m] = true
	}
	var rows [][]string
	for s := 0; s < 4; s++ {
		slope := 1.2 + 0.3*rng.NormFloat64()
		for sen := 0; sen < 3; sen++ {
			for w := 0; w < 5; w++ {
				x := rng.NormFloat64()
				p := sigmoid(-0.2 + slope*x)
				y := "0"
				if rng.Float64() < p {
					y = "1"
				}
				xs := fmt.Sprintf("%.6f", x)
				if skip[len(rows)] {
					xs = "NA"
				}
				rows = append(rows, []string{fmt.Sprintf("spk%d", s), fmt.Sprintf("sen%d", sen), fmt.Sprintf("w%d", w), y, xs})
			}
		}
	}
	tab, err := dataset.New([]string{"Speaker", "Sentence", "Word", "Prominence", "z_x"}, rows, nil)
	require.NoError(t, err)
	return tab
}

func TestFormulaString(t *testing.T) {
	f := NewFormula("Prominence", "z_maxEWF0", testGroups)
	assert.Equal(t,
		"Prominence ~ 1 + z_maxEWF0 + (1 + z_maxEWF0 | Speaker) + (1 | Sentence) + (1 | Word)",
		f.String())
	assert.Equal(t, []string{"Prominence", "z_maxEWF0", "Speaker", "Sentence", "Word"}, f.Columns())
}

func TestNewDesign(t *testing.T) {
	tab := synthTable(t, 1, 0, 5, 17)
	d, err := NewDesign(tab, NewFormula("Prominence", "z_x", testGroups))
	require.NoError(t, err)
	assert.Equal(t, 57, d.N())
	assert.Equal(t, 3, d.Dropped)
	require.Len(t, d.Groups, 3)
	assert.Len(t, d.Groups[0].Levels, 4)
	assert.Len(t, d.Groups[1].Levels, 3)
	assert.Len(t, d.Groups[2].Levels, 5)
	for _, y := range d.Y {
		assert.True(t, y == 0 || y == 1)
	}
}

func TestNewDesign_Errors(t *testing.T) {
	tab, err := dataset.New([]string{"Speaker", "Sentence", "Word", "Prominence", "z_x"},
		[][]string{{"a", "b", "c", "maybe", "0.1"}}, nil)
	require.NoError(t, err)
	_, err = NewDesign(tab, NewFormula("Prominence", "z_x", testGroups))
	require.ErrorIs(t, err, ErrNotBinary)

	tab, err = dataset.New([]string{"Speaker", "Sentence", "Word", "Prominence", "z_x"},
		[][]string{{"a", "b", "c", "1", "NA"}}, nil)
	require.NoError(t, err)
	_, err = NewDesign(tab, NewFormula("Prominence", "z_x", testGroups))
	require.ErrorIs(t, err, ErrNoRows)

	_, err = NewDesign(tab, NewFormula("Prominence", "z_missing", testGroups))
	require.ErrorIs(t, err, dataset.ErrMissingColumn)
}

func TestParseBinary(t *testing.T) {
	for in, want := range map[string]float64{"1": 1, "0": 0, "TRUE": 1, "false": 0, " yes ": 1, "1.0": 1} {
		got, err := parseBinary(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseBinary("2")
	require.ErrorIs(t, err, ErrNotBinary)
}

func TestPosteriorGradient(t *testing.T) {
	d, err := NewDesign(synthTable(t, 2), NewFormula("Prominence", "z_x", testGroups))
	require.NoError(t, err)
	post := NewPosterior(d, 1, 1)
	// 2 fixed + Speaker (sd, sd, cor) + Sentence sd + Word sd + 4*2 + 3 + 5 latent
	require.Equal(t, 2+3+1+1+8+3+5, post.Dim())

	rng := rand.New(rand.NewPCG(3, 3))
	theta := make([]float64, post.Dim())
	for i := range theta {
		theta[i] = rng.Float64()*2 - 1
	}
	grad := make([]float64, post.Dim())
	lp := post.LogDensityGrad(theta, grad)
	require.False(t, math.IsInf(lp, 0) || math.IsNaN(lp))

	scratch := make([]float64, post.Dim())
	const h = 1e-5
	for i := range theta {
		orig := theta[i]
		theta[i] = orig + h
		up := post.LogDensityGrad(theta, scratch)
		theta[i] = orig - h
		down := post.LogDensityGrad(theta, scratch)
		theta[i] = orig
		fd := (up - down) / (2 * h)
		assert.InDelta(t, fd, grad[i], 1e-4*math.Max(1, math.Abs(fd)), "theta[%d]", i)
	}
}

func TestTransformNames(t *testing.T) {
	d, err := NewDesign(synthTable(t, 2), NewFormula("Prominence", "z_x", testGroups))
	require.NoError(t, err)
	post := NewPosterior(d, 1, 1)
	names := post.ParamNames()
	assert.Equal(t, []string{
		"b_Intercept", "b_z_x",
		"sd_Speaker__Intercept", "sd_Speaker__z_x", "cor_Speaker__Intercept__z_x",
		"sd_Sentence__Intercept", "sd_Word__Intercept",
	}, names)
	vals := post.Transform(make([]float64, post.Dim()))
	assert.Len(t, vals, len(names))
	assert.Equal(t, 1.0, vals["sd_Word__Intercept"])
	assert.Equal(t, 0.0, vals["cor_Speaker__Intercept__z_x"])
}

// stdNormal is an isotropic Gaussian target for sampler checks.
type stdNormal struct{ dim int }

func (s stdNormal) Dim() int { return s.dim }

func (s stdNormal) LogDensityGrad(theta, grad []float64) float64 {
	lp := 0.0
	for i, v := range theta {
		lp -= 0.5 * v * v
		grad[i] = -v
	}
	return lp
}

func TestSampleStandardNormal(t *testing.T) {
	ctl := Controls{Seed: 11, Chains: 2, Iter: 1500, Warmup: 500, AdaptDelta: 0.8, MaxTreeDepth: 10, Cores: 2}
	chains, err := Sample(context.Background(), func() Target { return stdNormal{dim: 3} }, ctl, quietLog())
	require.NoError(t, err)
	require.Len(t, chains, 2)

	for j := 0; j < 3; j++ {
		var per [][]float64
		var all []float64
		for _, ch := range chains {
			require.Len(t, ch.Draws, 1000)
			col := make([]float64, len(ch.Draws))
			for i, q := range ch.Draws {
				col[i] = q[j]
			}
			per = append(per, col)
			all = append(all, col...)
		}
		m, v := stat.MeanVariance(all, nil)
		assert.InDelta(t, 0, m, 0.15, "mean of dim %d", j)
		assert.InDelta(t, 1, v, 0.25, "variance of dim %d", j)
		assert.Less(t, Rhat(per), 1.05)
		assert.Greater(t, BulkESS(per), 200.0)
	}
	for _, ch := range chains {
		assert.Zero(t, ch.Stats.Divergent)
		assert.Greater(t, ch.Stats.StepSize, 0.0)
	}
}

func TestSampleDeterministic(t *testing.T) {
	ctl := Controls{Seed: 5, Chains: 3, Iter: 60, Warmup: 30, AdaptDelta: 0.9, MaxTreeDepth: 6, Cores: 3}
	a, err := Sample(context.Background(), func() Target { return stdNormal{dim: 2} }, ctl, quietLog())
	require.NoError(t, err)
	ctl.Cores = 1
	b, err := Sample(context.Background(), func() Target { return stdNormal{dim: 2} }, ctl, quietLog())
	require.NoError(t, err)
	for c := range a {
		assert.Equal(t, a[c].Draws, b[c].Draws)
	}
}

func TestSampleCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ctl := Controls{Seed: 1, Chains: 2, Iter: 100, Warmup: 50, AdaptDelta: 0.8, MaxTreeDepth: 5}
	_, err := Sample(ctx, func() Target { return stdNormal{dim: 2} }, ctl, quietLog())
	require.ErrorIs(t, err, context.Canceled)
}

func TestSampleBadControls(t *testing.T) {
	_, err := Sample(context.Background(), func() Target { return stdNormal{dim: 1} },
		Controls{Chains: 1, Iter: 10, Warmup: 10, AdaptDelta: 0.8, MaxTreeDepth: 5}, quietLog())
	require.Error(t, err)
}

func TestMetricWindows(t *testing.T) {
	w := metricWindows(1000)
	require.NotEmpty(t, w)
	assert.Equal(t, 75, w[0].start)
	assert.Equal(t, 100, w[0].end)
	assert.Equal(t, 950, w[len(w)-1].end)
	for i := 1; i < len(w); i++ {
		assert.Equal(t, w[i-1].end, w[i].start)
	}

	small := metricWindows(100)
	require.Len(t, small, 1)
	assert.Equal(t, span{15, 90}, small[0])

	assert.Nil(t, metricWindows(10))
}

func TestRhat(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	mix := make([][]float64, 4)
	stuck := make([][]float64, 4)
	for c := range mix {
		for i := 0; i < 500; i++ {
			mix[c] = append(mix[c], rng.NormFloat64())
			stuck[c] = append(stuck[c], rng.NormFloat64()+float64(3*c))
		}
	}
	assert.Less(t, Rhat(mix), 1.02)
	assert.Greater(t, BulkESS(mix), 1000.0)
	assert.Greater(t, Rhat(stuck), 1.5)
	assert.True(t, math.IsNaN(Rhat([][]float64{{1, 1, 1, 1, 1}})))
}

func TestFitModel(t *testing.T) {
	d, err := NewDesign(synthTable(t, 4, 3), NewFormula("Prominence", "z_x", testGroups))
	require.NoError(t, err)
	opts := Options{
		Controls:   Controls{Seed: 123, Chains: 2, Iter: 300, Warmup: 150, AdaptDelta: 0.9, MaxTreeDepth: 8, Cores: 2},
		PriorScale: 1,
		LKJEta:     1,
		PPCDraws:   20,
	}
	fit, err := FitModel(context.Background(), d, opts, quietLog())
	require.NoError(t, err)

	assert.NotEmpty(t, fit.ID)
	assert.Equal(t, 59, fit.NObs)
	assert.Equal(t, 1, fit.NDropped)
	assert.Len(t, fit.Samples("b_z_x"), 300)
	require.Len(t, fit.Stats, 2)

	fe, err := fit.FixedEffect("z_x")
	require.NoError(t, err)
	assert.Equal(t, "z_x", fe.Term)
	assert.LessOrEqual(t, fe.Q2_5, fe.Estimate)
	assert.LessOrEqual(t, fe.Estimate, fe.Q97_5)
	assert.Greater(t, fe.EstError, 0.0)

	all, err := fit.FixedEffects()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Intercept", all[0].Term)

	re, err := fit.RandomEffects("Speaker")
	require.NoError(t, err)
	require.Len(t, re, 2)
	assert.Equal(t, "z_x", re[1].Term)
	assert.Greater(t, re[1].Estimate, 0.0)

	_, err = fit.RandomEffect("Speaker", "nope")
	require.Error(t, err)
	_, err = fit.RandomEffects("Utterance")
	require.Error(t, err)

	assert.Equal(t, 59, fit.PPC.Observed[0]+fit.PPC.Observed[1])
	require.Len(t, fit.PPC.Replicated, 20)
	for _, r := range fit.PPC.Replicated {
		assert.Equal(t, 59, r[0]+r[1])
	}

	path := filepath.Join(t.TempDir(), "models", "z_x.json.gz")
	require.NoError(t, Save(path, fit))
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, fit.ID, back.ID)
	assert.Equal(t, fit.Samples("b_z_x"), back.Samples("b_z_x"))
	assert.Equal(t, fit.Formula, back.Formula)
	fe2, err := back.FixedEffect("z_x")
	require.NoError(t, err)
	assert.InDelta(t, fe.Estimate, fe2.Estimate, 1e-12)
}
