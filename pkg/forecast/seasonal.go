package forecast

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/heliosml/helios/pkg/models"
)

// Seasonal decomposes a series into a linear trend plus daily and weekly
// seasonal components. It only pays off with weeks of history: trained on
// fewer than two daily cycles it widens its bounds instead of failing, and
// its held-out MAPE will usually lose the auto-selection to Baseline.
type Seasonal struct {
	meta   models.ModelMetadata
	params seasonalParams
}

type seasonalParams struct {
	Target      string        `json:"target"`
	Interval    time.Duration `json:"interval"`
	Origin      time.Time     `json:"origin"`
	TrainLen    int           `json:"train_len"`
	Slope       float64       `json:"slope"`
	Intercept   float64       `json:"intercept"`
	Daily       []float64     `json:"daily"`  // index: bucket-of-day
	Weekly      [7]float64    `json:"weekly"` // index: day-of-week
	LevelOffset float64       `json:"level_offset"`
	ResidualStd float64       `json:"residual_std"`
	Cycles      float64       `json:"cycles"` // complete daily cycles seen
	Widen       float64       `json:"widen"`  // bound multiplier, >1 when under-trained
}

// seasonalOffsetWindow is how many trailing residuals feed the level
// correction; it matches the baseline's level anchor.
const seasonalOffsetWindow = baselineLevelWindow

// FitSeasonal trains a Seasonal forecaster on an aligned series. Fails with
// InsufficientDataError when fewer than MinTrainingSamples are supplied.
func FitSeasonal(series models.Series, opts FitOptions) (*Seasonal, error) {
	if len(series) < MinTrainingSamples {
		return nil, &InsufficientDataError{Need: MinTrainingSamples, Got: len(series)}
	}
	if opts.Interval <= 0 || opts.Interval > 24*time.Hour {
		return nil, fmt.Errorf("seasonal model requires a sub-day bucket interval, got %s", opts.Interval)
	}

	holdout := len(series) / 5
	if holdout < 1 {
		holdout = 1
	}
	trainParams := fitSeasonalParams(series[:len(series)-holdout], opts)
	evaluation := evaluateSeasonal(trainParams, series[len(series)-holdout:])

	params := fitSeasonalParams(series, opts)

	return &Seasonal{
		meta: models.ModelMetadata{
			Workload:       opts.Workload,
			Kind:           models.KindSeasonal,
			TargetMetric:   opts.Target,
			Version:        uuid.New().String(),
			TrainedAt:      time.Now().UTC(),
			TrainingWindow: time.Duration(len(series)) * opts.Interval,
			Evaluation:     evaluation,
		},
		params: params,
	}, nil
}

func fitSeasonalParams(series models.Series, opts FitOptions) seasonalParams {
	n := len(series)
	values := series.Values()
	bucketsPerDay := int(24 * time.Hour / opts.Interval)

	// Linear trend over the sample index.
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
	}
	slope, intercept, _ := linearRegression(x, values)

	// Daily component: average detrended value per bucket-of-day.
	dailySum := make([]float64, bucketsPerDay)
	dailyCount := make([]int, bucketsPerDay)
	detrended := make([]float64, n)
	for i, sample := range series {
		detrended[i] = values[i] - (slope*float64(i) + intercept)
		b := bucketOfDay(sample.Timestamp, opts.Interval)
		dailySum[b] += detrended[i]
		dailyCount[b]++
	}
	daily := make([]float64, bucketsPerDay)
	for b := range daily {
		if dailyCount[b] > 0 {
			daily[b] = dailySum[b] / float64(dailyCount[b])
		}
	}

	// Weekly component: average remaining residual per day-of-week.
	var weeklySum [7]float64
	var weeklyCount [7]int
	for i, sample := range series {
		b := bucketOfDay(sample.Timestamp, opts.Interval)
		rem := detrended[i] - daily[b]
		dow := int(sample.Timestamp.Weekday())
		weeklySum[dow] += rem
		weeklyCount[dow]++
	}
	var weekly [7]float64
	for d := range weekly {
		if weeklyCount[d] > 0 {
			weekly[d] = weeklySum[d] / float64(weeklyCount[d])
		}
	}

	// Final residuals drive the interval width.
	residuals := make([]float64, n)
	for i, sample := range series {
		b := bucketOfDay(sample.Timestamp, opts.Interval)
		dow := int(sample.Timestamp.Weekday())
		residuals[i] = detrended[i] - daily[b] - weekly[dow]
	}

	cycles := float64(n) / float64(bucketsPerDay)
	widen := 1.0
	if cycles < 2 {
		// Under-trained seasonality: widen instead of failing.
		widen = 2.0
	}

	// Recent model error becomes a level correction, so a regime shift the
	// decomposition has not absorbed yet still moves the next forecasts.
	offsetWindow := seasonalOffsetWindow
	if offsetWindow > n {
		offsetWindow = n
	}
	offset := mean(residuals[n-offsetWindow:])

	return seasonalParams{
		Target:      opts.Target,
		Interval:    opts.Interval,
		Origin:      series[n-1].Timestamp,
		TrainLen:    n,
		Slope:       slope,
		Intercept:   intercept,
		Daily:       daily,
		Weekly:      weekly,
		LevelOffset: offset,
		ResidualStd: stdDev(residuals),
		Cycles:      cycles,
		Widen:       widen,
	}
}

func evaluateSeasonal(p seasonalParams, holdout models.Series) map[string]float64 {
	actual := holdout.Values()
	predicted := make([]float64, len(actual))
	lower := make([]float64, len(actual))
	upper := make([]float64, len(actual))
	for i := range holdout {
		v, lo, hi := p.forecast(i + 1)
		predicted[i] = v
		lower[i] = lo
		upper[i] = hi
	}
	return map[string]float64{
		models.EvalMAE:      meanAbsoluteError(actual, predicted),
		models.EvalMAPE:     meanAbsolutePercentageError(actual, predicted),
		models.EvalCoverage: intervalCoverage(actual, lower, upper),
	}
}

func (p seasonalParams) forecast(k int) (value, lower, upper float64) {
	ts := p.Origin.Add(time.Duration(k) * p.Interval)
	trend := p.Slope*float64(p.TrainLen-1+k) + p.Intercept
	value = trend + p.Daily[bucketOfDay(ts, p.Interval)] + p.Weekly[int(ts.Weekday())] + p.LevelOffset
	if value < 0 {
		value = 0
	}
	margin := p.ResidualStd * baseZ * p.Widen * math.Sqrt(float64(k))
	return value, value - margin, value + margin
}

func bucketOfDay(ts time.Time, interval time.Duration) int {
	secondsIntoDay := ts.Hour()*3600 + ts.Minute()*60 + ts.Second()
	bucketsPerDay := int(24 * time.Hour / interval)
	b := secondsIntoDay / int(interval.Seconds())
	if b >= bucketsPerDay {
		b = bucketsPerDay - 1
	}
	return b
}

// Metadata implements models.Servable
func (s *Seasonal) Metadata() models.ModelMetadata {
	return s.meta
}

// Predict produces one Prediction per period, horizon indices starting at 1
func (s *Seasonal) Predict(periods int) ([]models.Prediction, error) {
	if periods < 1 {
		return nil, fmt.Errorf("periods must be positive, got %d", periods)
	}
	preds := make([]models.Prediction, periods)
	for k := 1; k <= periods; k++ {
		value, lower, upper := s.params.forecast(k)
		preds[k-1] = models.Prediction{
			TargetMetric: s.params.Target,
			Horizon:      k,
			Timestamp:    s.params.Origin.Add(time.Duration(k) * s.params.Interval),
			Value:        value,
			LowerBound:   lower,
			UpperBound:   upper,
			ModelVersion: s.meta.Version,
		}
	}
	return preds, nil
}

type seasonalArtifact struct {
	Meta   models.ModelMetadata `json:"meta"`
	Params seasonalParams       `json:"params"`
}

// Encode serializes the model for the artifact store
func (s *Seasonal) Encode() (models.TrainedModel, error) {
	artifact, err := json.Marshal(seasonalArtifact{Meta: s.meta, Params: s.params})
	if err != nil {
		return models.TrainedModel{}, fmt.Errorf("failed to encode seasonal model: %w", err)
	}
	return models.TrainedModel{Meta: s.meta, Artifact: artifact}, nil
}

// DecodeSeasonal reverses Encode
func DecodeSeasonal(tm models.TrainedModel) (*Seasonal, error) {
	var a seasonalArtifact
	if err := json.Unmarshal(tm.Artifact, &a); err != nil {
		return nil, fmt.Errorf("failed to decode seasonal artifact %s: %w", tm.Meta.Version, err)
	}
	return &Seasonal{meta: a.Meta, params: a.Params}, nil
}
