package forecasts

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"firerisk/internal/types"
)

// defaultThresholdSteps spans 0.00..1.00 in 0.01 increments.
const defaultThresholdSteps = 101

// RunSlice is every selected cell of one run, across all of its leads.
type RunSlice struct {
	RunTime time.Time
	Values  []float64
}

// finite returns the non-NaN, non-infinite values of vals.
func finite(vals []float64) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

func ptr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// median of an already sorted slice, averaging the two middle values when
// the length is even.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// MeanMedian reduces vals ignoring missing cells. Both results are nil when
// no valid cell remains.
func MeanMedian(vals []float64) (mean, med *float64) {
	ok := finite(vals)
	if len(ok) == 0 {
		return nil, nil
	}
	m := stat.Mean(ok, nil)
	sort.Float64s(ok)
	return ptr(m), ptr(median(ok))
}

// DefaultThresholds returns 0.00, 0.01, ..., 1.00.
func DefaultThresholds() []float64 {
	return floats.Span(make([]float64, defaultThresholdSteps), 0, 1)
}

// ParseThresholds parses a comma-separated list of levels in [0, 1]. The
// result is sorted and de-duplicated. An empty string yields the defaults.
func ParseThresholds(raw string) ([]float64, error) {
	raw = strings.TrimSpace(decodeParam(raw))
	if raw == "" {
		return DefaultThresholds(), nil
	}
	invalid := func() error {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidThresholds,
			"thresholds must be comma-separated numbers within [0, 1]", nil,
			map[string]any{"thresholds": raw})
	}

	seen := make(map[float64]bool)
	var out []float64
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || math.IsNaN(v) || v < 0 || v > 1 {
			return nil, invalid()
		}
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil, invalid()
	}
	sort.Float64s(out)
	return out, nil
}

// ExceedanceCurve is the share of valid cells at or above each threshold.
// Fraction entries are nil when Total is zero.
type ExceedanceCurve struct {
	Fraction []*float64 `json:"fraction"`
	Count    []int      `json:"count"`
	Total    int        `json:"total"`
}

// DatedExceedance is one curve per calendar date.
type DatedExceedance struct {
	Dates    []string     `json:"dates"`
	Fraction [][]*float64 `json:"fraction"`
	Count    [][]int      `json:"count"`
	Total    []int        `json:"total"`
}

// Exceedance holds pooled and per-date curves for the same thresholds.
type Exceedance struct {
	Thresholds []float64       `json:"thresholds"`
	Overall    ExceedanceCurve `json:"overall"`
	ByDate     DatedExceedance `json:"by_date"`
}

func countAtOrAbove(vals []float64, thresholds []float64) (counts []int, total int) {
	counts = make([]int, len(thresholds))
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		total++
		for j, t := range thresholds {
			if v >= t {
				counts[j]++
			}
		}
	}
	return counts, total
}

func fractions(counts []int, total int) []*float64 {
	out := make([]*float64, len(counts))
	if total == 0 {
		return out
	}
	for i, c := range counts {
		out[i] = ptr(float64(c) / float64(total))
	}
	return out
}

// ExceedanceFractions computes, per threshold, the fraction of valid cells
// with value >= threshold, pooled over all runs and grouped by the UTC date
// of each run. Missing cells never enter a denominator.
func ExceedanceFractions(runs []RunSlice, thresholds []float64) Exceedance {
	res := Exceedance{
		Thresholds: thresholds,
		Overall:    ExceedanceCurve{Count: make([]int, len(thresholds))},
		ByDate: DatedExceedance{
			Dates:    []string{},
			Fraction: [][]*float64{},
			Count:    [][]int{},
			Total:    []int{},
		},
	}

	byDate := make(map[string][]int)
	totals := make(map[string]int)
	for _, r := range runs {
		counts, total := countAtOrAbove(r.Values, thresholds)
		d := FormatDate(r.RunTime)
		if _, ok := byDate[d]; !ok {
			byDate[d] = make([]int, len(thresholds))
		}
		for j, c := range counts {
			byDate[d][j] += c
			res.Overall.Count[j] += c
		}
		totals[d] += total
		res.Overall.Total += total
	}
	res.Overall.Fraction = fractions(res.Overall.Count, res.Overall.Total)

	for d := range byDate {
		res.ByDate.Dates = append(res.ByDate.Dates, d)
	}
	sort.Strings(res.ByDate.Dates)
	for _, d := range res.ByDate.Dates {
		res.ByDate.Count = append(res.ByDate.Count, byDate[d])
		res.ByDate.Total = append(res.ByDate.Total, totals[d])
		res.ByDate.Fraction = append(res.ByDate.Fraction, fractions(byDate[d], totals[d]))
	}
	return res
}

// ExpectedSeries is the per-date sum of cell values and its running total.
type ExpectedSeries struct {
	Dates      []string  `json:"dates"`
	Sums       []float64 `json:"expected_sum"`
	Cumulative []float64 `json:"cumulative_expected"`
}

// ExpectedSum sums every valid cell of each run, adds runs sharing a UTC
// date, and accumulates across dates in ascending order.
func ExpectedSum(runs []RunSlice) ExpectedSeries {
	perDate := make(map[string]float64)
	for _, r := range runs {
		perDate[FormatDate(r.RunTime)] += floats.Sum(finite(r.Values))
	}

	res := ExpectedSeries{Dates: make([]string, 0, len(perDate))}
	for d := range perDate {
		res.Dates = append(res.Dates, d)
	}
	sort.Strings(res.Dates)
	res.Sums = make([]float64, len(res.Dates))
	for i, d := range res.Dates {
		res.Sums[i] = perDate[d]
	}
	res.Cumulative = make([]float64, len(res.Sums))
	floats.CumSum(res.Cumulative, res.Sums)
	return res
}

// Difference returns end - start per cell, shaped [lat][lon]. Non-finite
// results are nil.
func Difference(start, end []float64, nLat, nLon int) [][]*float64 {
	out := make([][]*float64, nLat)
	for y := 0; y < nLat; y++ {
		row := make([]*float64, nLon)
		for x := 0; x < nLon; x++ {
			i := y*nLon + x
			if i < len(start) && i < len(end) {
				row[x] = ptr(end[i] - start[i])
			}
		}
		out[y] = row
	}
	return out
}
