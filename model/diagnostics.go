package model

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Rhat is the larger of the rank-normalized split R-hat of the draws and of
// their distance to the median (bulk and tail).
func Rhat(chains [][]float64) float64 {
	if !usable(chains) {
		return math.NaN()
	}
	bulk := splitRhat(rankNormalize(split(chains)))
	tail := splitRhat(rankNormalize(split(folded(chains))))
	return math.Max(bulk, tail)
}

// BulkESS is the effective sample size of the rank-normalized split chains.
func BulkESS(chains [][]float64) float64 {
	if !usable(chains) {
		return math.NaN()
	}
	return ess(rankNormalize(split(chains)))
}

func usable(chains [][]float64) bool {
	if len(chains) == 0 || len(chains[0]) < 4 {
		return false
	}
	first := chains[0][0]
	for _, c := range chains {
		for _, v := range c {
			if v != first {
				return true
			}
		}
	}
	return false
}

// split halves every chain, dropping the middle draw of odd-length chains.
func split(chains [][]float64) [][]float64 {
	n := len(chains[0])
	for _, c := range chains {
		n = min(n, len(c))
	}
	h := n / 2
	out := make([][]float64, 0, 2*len(chains))
	for _, c := range chains {
		out = append(out, c[:h], c[n-h:n])
	}
	return out
}

func folded(chains [][]float64) [][]float64 {
	var all []float64
	for _, c := range chains {
		all = append(all, c...)
	}
	sorted := append([]float64(nil), all...)
	sort.Float64s(sorted)
	med := stat.Quantile(0.5, stat.LinInterp, sorted, nil)
	out := make([][]float64, len(chains))
	for i, c := range chains {
		out[i] = make([]float64, len(c))
		for j, v := range c {
			out[i][j] = math.Abs(v - med)
		}
	}
	return out
}

// rankNormalize replaces draws with normal scores of their pooled (average) ranks.
func rankNormalize(chains [][]float64) [][]float64 {
	type ref struct{ c, i int }
	var refs []ref
	var vals []float64
	for c, ch := range chains {
		for i, v := range ch {
			refs = append(refs, ref{c, i})
			vals = append(vals, v)
		}
	}
	order := make([]int, len(vals))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return vals[order[a]] < vals[order[b]] })

	s := float64(len(vals))
	out := make([][]float64, len(chains))
	for c, ch := range chains {
		out[c] = make([]float64, len(ch))
	}
	for i := 0; i < len(order); {
		j := i
		for j+1 < len(order) && vals[order[j+1]] == vals[order[i]] {
			j++
		}
		rank := float64(i+j)/2 + 1
		z := distuv.UnitNormal.Quantile((rank - 0.375) / (s + 0.25))
		for k := i; k <= j; k++ {
			r := refs[order[k]]
			out[r.c][r.i] = z
		}
		i = j + 1
	}
	return out
}

func splitRhat(chains [][]float64) float64 {
	n := float64(len(chains[0]))
	means := make([]float64, len(chains))
	vars := make([]float64, len(chains))
	for i, c := range chains {
		means[i], vars[i] = stat.MeanVariance(c, nil)
	}
	b := n * stat.Variance(means, nil)
	w := stat.Mean(vars, nil)
	if w == 0 {
		return math.NaN()
	}
	varPlus := (n-1)/n*w + b/n
	return math.Sqrt(varPlus / w)
}

// ess uses Geyer's initial monotone sequence on the multi-chain autocorrelation.
func ess(chains [][]float64) float64 {
	m := len(chains)
	n := len(chains[0])
	means := make([]float64, m)
	vars := make([]float64, m)
	for i, c := range chains {
		means[i], vars[i] = stat.MeanVariance(c, nil)
	}
	w := stat.Mean(vars, nil)
	varPlus := w * float64(n-1) / float64(n)
	if m > 1 {
		varPlus += stat.Variance(means, nil)
	}
	if varPlus == 0 {
		return math.NaN()
	}

	acov := func(lag int) float64 {
		sum := 0.0
		for i, c := range chains {
			mu := means[i]
			s := 0.0
			for t := 0; t+lag < n; t++ {
				s += (c[t] - mu) * (c[t+lag] - mu)
			}
			sum += s / float64(n)
		}
		return sum / float64(m)
	}
	rho := func(lag int) float64 { return 1 - (w-acov(lag))/varPlus }

	tau := -1.0
	prev := math.Inf(1)
	for k := 0; 2*k+1 < n; k++ {
		pair := rho(2*k) + rho(2*k+1)
		if pair <= 0 {
			break
		}
		pair = math.Min(pair, prev)
		prev = pair
		tau += 2 * pair
	}
	if tau <= 0 {
		tau = 1 / math.Log10(float64(m*n))
	}
	return float64(m*n) / tau
}
