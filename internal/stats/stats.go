// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stats holds the pure numeric routines used by budgets and
// experiment analysis. Nothing here allocates shared state.
package stats

import (
	"math"
	"sort"
)

// Z95 is the two-sided 95% critical value used for proportion intervals.
const Z95 = 1.96

// Abramowitz-Stegun 7.1.26 coefficients.
const (
	asA1 = 0.254829592
	asA2 = -0.284496736
	asA3 = 1.421413741
	asA4 = -1.453152027
	asA5 = 1.061405429
	asP  = 0.3275911
)

// Percentile returns the nearest-rank percentile of values, where p is in
// [0,1]. The index is floor(n*p) clamped to [0, n-1]. values need not be
// sorted and is not modified. Returns 0 for an empty slice.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return PercentileSorted(sorted, p)
}

// PercentileSorted is Percentile for input already in ascending order.
func PercentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor(float64(n) * p))
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// Percentiles holds the three percentiles budgets are measured on.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// ComputePercentiles sorts once and returns P50, P95 and P99.
func ComputePercentiles(values []float64) Percentiles {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return Percentiles{
		P50: PercentileSorted(sorted, 0.50),
		P95: PercentileSorted(sorted, 0.95),
		P99: PercentileSorted(sorted, 0.99),
	}
}

// NormalCDF approximates the standard normal cumulative distribution
// function with the Abramowitz-Stegun erf approximation (|error| < 1.5e-7).
func NormalCDF(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt2

	t := 1.0 / (1.0 + asP*x)
	poly := ((((asA5*t+asA4)*t+asA3)*t+asA2)*t + asA1) * t
	y := 1.0 - poly*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}

// ZTestResult is the outcome of a pooled two-proportion z-test.
type ZTestResult struct {
	ZScore float64 `json:"zScore"`
	PValue float64 `json:"pValue"`
}

// TwoProportionZTest compares treatment (c2/n2) against control (c1/n1)
// using the pooled standard error. A positive z means treatment converts
// better. When either sample is empty or the pooled variance is zero the
// test is undefined and ok is false.
func TwoProportionZTest(c1, n1, c2, n2 int64) (res ZTestResult, ok bool) {
	if n1 <= 0 || n2 <= 0 {
		return ZTestResult{}, false
	}
	p1 := float64(c1) / float64(n1)
	p2 := float64(c2) / float64(n2)
	pooled := float64(c1+c2) / float64(n1+n2)

	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 || math.IsNaN(se) {
		return ZTestResult{}, false
	}

	z := (p2 - p1) / se
	return ZTestResult{
		ZScore: z,
		PValue: 2 * (1 - NormalCDF(math.Abs(z))),
	}, true
}

// Interval is a closed confidence interval.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// ProportionCI returns the 95% Wald interval for conversions/n, clamped to
// [0,1]. An empty sample yields [0,0].
func ProportionCI(conversions, n int64) Interval {
	if n <= 0 {
		return Interval{}
	}
	p := float64(conversions) / float64(n)
	se := math.Sqrt(p * (1 - p) / float64(n))
	return Interval{
		Lower: math.Max(0, p-Z95*se),
		Upper: math.Min(1, p+Z95*se),
	}
}

// Rate returns conversions/n, or 0 when n is 0.
func Rate(conversions, n int64) float64 {
	if n <= 0 {
		return 0
	}
	return float64(conversions) / float64(n)
}

// RunningMean folds value into a mean that previously covered count
// observations and returns the new mean.
func RunningMean(mean float64, count int64, value float64) float64 {
	if count <= 0 {
		return value
	}
	return (mean*float64(count) + value) / float64(count+1)
}
