package forecast

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/heliosml/helios/pkg/models"
)

// FitOptions identifies what a forecaster is being trained for
type FitOptions struct {
	Workload string
	Target   string
	Interval time.Duration
}

// Baseline anchors on the recent observed level and extrapolates a linear
// trend, with bounds that widen with the horizon. Cheap and stable; the
// reference the seasonal variant has to beat. The level anchor is a short
// window so a sustained rise shows up in the very next forecast instead of
// being averaged away.
type Baseline struct {
	meta   models.ModelMetadata
	params baselineParams
}

type baselineParams struct {
	Target      string        `json:"target"`
	LevelWindow int           `json:"level_window"`
	TrendWindow int           `json:"trend_window"`
	Level       float64       `json:"level"`
	Slope       float64       `json:"slope"`
	ResidualStd float64       `json:"residual_std"`
	Interval    time.Duration `json:"interval"`
	Origin      time.Time     `json:"origin"` // last training timestamp
}

const (
	baselineLevelWindow = 3
	baselineTrendWindow = 12
	baseZ               = 1.96
)

// FitBaseline trains a Baseline on an aligned series. Fails with
// InsufficientDataError when fewer than MinTrainingSamples are supplied.
func FitBaseline(series models.Series, opts FitOptions) (*Baseline, error) {
	if len(series) < MinTrainingSamples {
		return nil, &InsufficientDataError{Need: MinTrainingSamples, Got: len(series)}
	}

	values := series.Values()

	// Holdout evaluation: fit on the head, score the tail.
	holdout := len(values) / 5
	if holdout < 1 {
		holdout = 1
	}
	trainParams := fitBaselineParams(values[:len(values)-holdout])
	evaluation := evaluateParams(trainParams, values[len(values)-holdout:])

	params := fitBaselineParams(values)
	params.Target = opts.Target
	params.Interval = opts.Interval
	params.Origin = series[len(series)-1].Timestamp

	return &Baseline{
		meta: models.ModelMetadata{
			Workload:       opts.Workload,
			Kind:           models.KindBaseline,
			TargetMetric:   opts.Target,
			Version:        uuid.New().String(),
			TrainedAt:      time.Now().UTC(),
			TrainingWindow: time.Duration(len(series)) * opts.Interval,
			Evaluation:     evaluation,
		},
		params: params,
	}, nil
}

func fitBaselineParams(values []float64) baselineParams {
	n := len(values)

	levelWindow := baselineLevelWindow
	if levelWindow > n {
		levelWindow = n
	}
	level := mean(values[n-levelWindow:])

	trendWindow := baselineTrendWindow
	if trendWindow > n {
		trendWindow = n
	}
	x := make([]float64, trendWindow)
	for i := range x {
		x[i] = float64(i)
	}
	slope, _, _ := linearRegression(x, values[n-trendWindow:])

	// One-step-ahead residuals of the level-plus-trend recipe.
	var residuals []float64
	for i := levelWindow; i < n; i++ {
		pred := mean(values[i-levelWindow:i]) + slope
		residuals = append(residuals, values[i]-pred)
	}

	return baselineParams{
		LevelWindow: levelWindow,
		TrendWindow: trendWindow,
		Level:       level,
		Slope:       slope,
		ResidualStd: stdDev(residuals),
	}
}

// evaluateParams scores holdout actuals against the point and interval
// forecasts implied by params.
func evaluateParams(p baselineParams, actual []float64) map[string]float64 {
	predicted := make([]float64, len(actual))
	lower := make([]float64, len(actual))
	upper := make([]float64, len(actual))
	for i := range actual {
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

// forecast returns the point estimate and bounds k periods ahead. The
// z-multiplier grows with sqrt(k), so interval width is strictly increasing
// in the horizon.
func (p baselineParams) forecast(k int) (value, lower, upper float64) {
	value = p.Level + p.Slope*float64(k)
	if value < 0 {
		value = 0
	}
	margin := p.ResidualStd * baseZ * math.Sqrt(float64(k))
	return value, value - margin, value + margin
}

// Metadata implements models.Servable
func (b *Baseline) Metadata() models.ModelMetadata {
	return b.meta
}

// Predict produces one Prediction per period, horizon indices starting at 1
func (b *Baseline) Predict(periods int) ([]models.Prediction, error) {
	if periods < 1 {
		return nil, fmt.Errorf("periods must be positive, got %d", periods)
	}
	preds := make([]models.Prediction, periods)
	for k := 1; k <= periods; k++ {
		value, lower, upper := b.params.forecast(k)
		preds[k-1] = models.Prediction{
			TargetMetric: b.params.Target,
			Horizon:      k,
			Timestamp:    b.params.Origin.Add(time.Duration(k) * b.params.Interval),
			Value:        value,
			LowerBound:   lower,
			UpperBound:   upper,
			ModelVersion: b.meta.Version,
		}
	}
	return preds, nil
}

type baselineArtifact struct {
	Meta   models.ModelMetadata `json:"meta"`
	Params baselineParams       `json:"params"`
}

// Encode serializes the model for the artifact store
func (b *Baseline) Encode() (models.TrainedModel, error) {
	artifact, err := json.Marshal(baselineArtifact{Meta: b.meta, Params: b.params})
	if err != nil {
		return models.TrainedModel{}, fmt.Errorf("failed to encode baseline model: %w", err)
	}
	return models.TrainedModel{Meta: b.meta, Artifact: artifact}, nil
}

// DecodeBaseline reverses Encode
func DecodeBaseline(tm models.TrainedModel) (*Baseline, error) {
	var a baselineArtifact
	if err := json.Unmarshal(tm.Artifact, &a); err != nil {
		return nil, fmt.Errorf("failed to decode baseline artifact %s: %w", tm.Meta.Version, err)
	}
	return &Baseline{meta: a.Meta, params: a.Params}, nil
}
