// Package pipeline turns raw aligned metric series into fixed-width feature
// vectors for the forecasting and anomaly models.
package pipeline

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/heliosml/helios/pkg/models"
)

// MisalignedInputError reports samples that are not evenly spaced by the
// configured bucket interval
type MisalignedInputError struct {
	Metric   string
	Expected time.Duration
	Got      time.Duration
}

func (e *MisalignedInputError) Error() string {
	return fmt.Sprintf("misaligned input for %s: expected %s spacing, got %s", e.Metric, e.Expected, e.Got)
}

// Engineer builds feature vectors from aligned series. The feature set (names
// and order) is fixed at construction time, so every vector from the same
// Engineer has the same shape. Stateless and safe for concurrent use.
type Engineer struct {
	interval       time.Duration
	metrics        []string // tracked metrics, sorted for deterministic order
	lagOffsets     []int
	rollingWindows []int
	minMaxWindow   int
	pctOffsets     []int
	pctClamp       float64 // max magnitude for percent-change
	ratioNumerator string
	ratioDenom     string

	names []string
}

// NewEngineer creates a feature engineer for the given tracked metrics.
// The cross-metric ratio is numerator/denominator (typically CPU over memory);
// it falls back to a neutral 1.0 when the denominator metric is absent.
func NewEngineer(interval time.Duration, metrics []string) *Engineer {
	sorted := append([]string(nil), metrics...)
	sort.Strings(sorted)

	e := &Engineer{
		interval:       interval,
		metrics:        sorted,
		lagOffsets:     []int{1, 3, 6, 12},
		rollingWindows: []int{3, 6, 12},
		minMaxWindow:   6,
		pctOffsets:     []int{1, 3},
		pctClamp:       10.0,
		ratioNumerator: models.MetricCPUUtilization,
		ratioDenom:     models.MetricMemoryUtilization,
	}
	e.names = e.featureNames()
	return e
}

// MinHistory is the number of buckets needed before padding kicks in
func (e *Engineer) MinHistory() int {
	return e.lagOffsets[len(e.lagOffsets)-1]
}

// FeatureNames returns the fixed, ordered feature set
func (e *Engineer) FeatureNames() []string {
	return append([]string(nil), e.names...)
}

func (e *Engineer) featureNames() []string {
	var names []string
	names = append(names,
		"hour", "hour_sin", "hour_cos",
		"day_of_week", "dow_sin", "dow_cos",
		"is_weekend", "is_business_hours",
	)
	for _, m := range e.metrics {
		for _, lag := range e.lagOffsets {
			names = append(names, fmt.Sprintf("%s_lag_%d", m, lag))
		}
		for _, w := range e.rollingWindows {
			names = append(names, fmt.Sprintf("%s_roll_mean_%d", m, w))
			names = append(names, fmt.Sprintf("%s_roll_std_%d", m, w))
		}
		names = append(names, fmt.Sprintf("%s_roll_min_%d", m, e.minMaxWindow))
		names = append(names, fmt.Sprintf("%s_roll_max_%d", m, e.minMaxWindow))
		for _, off := range e.pctOffsets {
			names = append(names, fmt.Sprintf("%s_pct_change_%d", m, off))
		}
	}
	names = append(names, fmt.Sprintf("%s_to_%s_ratio", e.ratioNumerator, e.ratioDenom))
	return names
}

// Transform builds the feature vector for the bucket at the given timestamp.
// Per-metric features are computed from samples strictly before that bucket,
// so the vector never contains the value being predicted or scored. Missing
// history is padded by replicating the earliest sample; the result never
// contains NaN or Inf.
func (e *Engineer) Transform(series models.AlignedSeries, at time.Time) (models.FeatureVector, error) {
	history := make(map[string][]float64, len(e.metrics))
	for _, m := range e.metrics {
		values, err := e.historyBefore(m, series[m], at)
		if err != nil {
			return models.FeatureVector{}, err
		}
		history[m] = values
	}

	values := make([]float64, 0, len(e.names))
	values = append(values, e.temporalFeatures(at)...)
	for _, m := range e.metrics {
		values = append(values, e.metricFeatures(history[m])...)
	}
	values = append(values, e.crossRatio(history))

	return models.FeatureVector{Names: e.names, Values: values}, nil
}

// TransformAll builds one feature vector per bucket of the primary metric's
// series, for training. The returned timestamps parallel the vectors.
func (e *Engineer) TransformAll(series models.AlignedSeries) ([]models.FeatureVector, []time.Time, error) {
	primary := series[e.primaryMetric()]
	if len(primary) == 0 {
		return nil, nil, fmt.Errorf("no samples for metric %s", e.primaryMetric())
	}

	vectors := make([]models.FeatureVector, 0, len(primary))
	stamps := make([]time.Time, 0, len(primary))
	for _, sample := range primary {
		fv, err := e.Transform(series, sample.Timestamp)
		if err != nil {
			return nil, nil, err
		}
		vectors = append(vectors, fv)
		stamps = append(stamps, sample.Timestamp)
	}
	return vectors, stamps, nil
}

func (e *Engineer) primaryMetric() string {
	for _, m := range e.metrics {
		if m == e.ratioNumerator {
			return m
		}
	}
	return e.metrics[0]
}

// historyBefore returns the values strictly before at, oldest first, verifying
// alignment and padding the front so at least MinHistory values are available.
func (e *Engineer) historyBefore(metric string, s models.Series, at time.Time) ([]float64, error) {
	var values []float64
	var prev time.Time
	for _, sample := range s {
		if !prev.IsZero() {
			if gap := sample.Timestamp.Sub(prev); gap != e.interval {
				return nil, &MisalignedInputError{Metric: metric, Expected: e.interval, Got: gap}
			}
		}
		prev = sample.Timestamp
		if sample.Timestamp.Before(at) {
			values = append(values, sample.Value)
		}
	}
	// Pad with the earliest value (or zero for a fully absent metric) so the
	// vector is always complete.
	need := e.MinHistory()
	if len(values) < need {
		fill := 0.0
		if len(values) > 0 {
			fill = values[0]
		}
		pad := make([]float64, need-len(values))
		for i := range pad {
			pad[i] = fill
		}
		values = append(pad, values...)
	}
	return values, nil
}

func (e *Engineer) temporalFeatures(at time.Time) []float64 {
	hour := float64(at.Hour())
	dow := float64(int(at.Weekday()))

	isWeekend := 0.0
	if at.Weekday() == time.Saturday || at.Weekday() == time.Sunday {
		isWeekend = 1.0
	}
	isBusiness := 0.0
	if at.Hour() >= 9 && at.Hour() <= 17 {
		isBusiness = 1.0
	}

	return []float64{
		hour,
		math.Sin(2 * math.Pi * hour / 24),
		math.Cos(2 * math.Pi * hour / 24),
		dow,
		math.Sin(2 * math.Pi * dow / 7),
		math.Cos(2 * math.Pi * dow / 7),
		isWeekend,
		isBusiness,
	}
}

func (e *Engineer) metricFeatures(values []float64) []float64 {
	n := len(values)
	out := make([]float64, 0, len(e.lagOffsets)+2*len(e.rollingWindows)+2+len(e.pctOffsets))

	lagValue := func(offset int) float64 {
		// offset 1 is the newest historical value
		return values[n-offset]
	}

	for _, lag := range e.lagOffsets {
		out = append(out, lagValue(lag))
	}
	for _, w := range e.rollingWindows {
		window := values[n-w:]
		mean, std := meanStd(window)
		out = append(out, sanitize(mean), sanitize(std))
	}
	window := values[n-e.minMaxWindow:]
	lo, hi := minMax(window)
	out = append(out, lo, hi)
	for _, off := range e.pctOffsets {
		out = append(out, e.pctChange(lagValue(1), lagValue(1+off)))
	}
	return out
}

// pctChange computes (newer-older)/older, clamped so a zero or near-zero
// denominator never produces Inf or NaN.
func (e *Engineer) pctChange(newer, older float64) float64 {
	if math.Abs(older) < 1e-12 {
		if math.Abs(newer) < 1e-12 {
			return 0
		}
		if newer > 0 {
			return e.pctClamp
		}
		return -e.pctClamp
	}
	change := (newer - older) / older
	if change > e.pctClamp {
		return e.pctClamp
	}
	if change < -e.pctClamp {
		return -e.pctClamp
	}
	return sanitize(change)
}

func (e *Engineer) crossRatio(history map[string][]float64) float64 {
	num, okNum := history[e.ratioNumerator]
	den, okDen := history[e.ratioDenom]
	if !okNum || !okDen || len(num) == 0 || len(den) == 0 {
		return 1.0
	}
	d := den[len(den)-1]
	if math.Abs(d) < 1e-12 {
		return 1.0
	}
	return sanitize(num[len(num)-1] / d)
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	sumSq := 0.0
	for _, v := range values {
		diff := v - mean
		sumSq += diff * diff
	}
	return mean, math.Sqrt(sumSq / float64(len(values)))
}

func minMax(values []float64) (float64, float64) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
