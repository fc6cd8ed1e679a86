// Package anomaly scores live metric values against a per-metric
// reconstruction model trained on historical feature vectors.
package anomaly

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/heliosml/helios/pkg/forecast"
	"github.com/heliosml/helios/pkg/models"
)

// AllMetrics is the registry target-metric slot for the detector, which
// covers every tracked metric in one artifact.
const AllMetrics = "all"

// sentinelScore is returned when the historical residual spread is ~0 but
// the live reconstruction error is not: a genuine deviation that a z-score
// cannot express.
const sentinelScore = 1e6

const epsilon = 1e-9

// Options configures detector training
type Options struct {
	Workload          string
	Interval          time.Duration
	WarningThreshold  float64 // score at which severity becomes warning
	CriticalThreshold float64 // score at which severity becomes critical
}

// Detector holds one reconstruction regressor per tracked metric. Each
// regressor predicts its metric's observed value from the feature vector;
// the standardized reconstruction error is the anomaly score.
type Detector struct {
	meta   models.ModelMetadata
	params detectorParams
}

type detectorParams struct {
	FeatureNames      []string               `json:"feature_names"`
	Metrics           map[string]metricModel `json:"metrics"`
	WarningThreshold  float64                `json:"warning_threshold"`
	CriticalThreshold float64                `json:"critical_threshold"`
}

type metricModel struct {
	Weights      []float64 `json:"weights"`
	Intercept    float64   `json:"intercept"`
	ResidualStd  float64   `json:"residual_std"`
	FeatureMeans []float64 `json:"feature_means"`
}

// Fit trains one regressor per entry in targets. Feature vectors and target
// sequences must be parallel. Fails with InsufficientDataError when fewer
// than forecast.MinTrainingSamples rows are supplied.
func Fit(features []models.FeatureVector, targets map[string][]float64, opts Options) (*Detector, error) {
	if len(features) < forecast.MinTrainingSamples {
		return nil, &forecast.InsufficientDataError{Need: forecast.MinTrainingSamples, Got: len(features)}
	}
	if opts.WarningThreshold >= opts.CriticalThreshold {
		return nil, fmt.Errorf("warning threshold %.2f must be below critical threshold %.2f",
			opts.WarningThreshold, opts.CriticalThreshold)
	}

	names := features[0].Names
	rows := make([][]float64, len(features))
	for i, fv := range features {
		if len(fv.Values) != len(names) {
			return nil, fmt.Errorf("feature vector %d has %d values, expected %d", i, len(fv.Values), len(names))
		}
		rows[i] = fv.Values
	}

	metricModels := make(map[string]metricModel, len(targets))
	residualStds := make([]float64, 0, len(targets))
	for metric, observed := range targets {
		if len(observed) != len(rows) {
			return nil, fmt.Errorf("target %s has %d observations, expected %d", metric, len(observed), len(rows))
		}
		mm := fitMetric(rows, observed)
		metricModels[metric] = mm
		residualStds = append(residualStds, mm.ResidualStd)
	}

	evaluation := map[string]float64{
		"mean_residual_std": mean(residualStds),
		"training_rows":     float64(len(rows)),
	}

	return &Detector{
		meta: models.ModelMetadata{
			Workload:       opts.Workload,
			Kind:           models.KindAnomaly,
			TargetMetric:   AllMetrics,
			Version:        uuid.New().String(),
			TrainedAt:      time.Now().UTC(),
			TrainingWindow: time.Duration(len(features)) * opts.Interval,
			Evaluation:     evaluation,
		},
		params: detectorParams{
			FeatureNames:      append([]string(nil), names...),
			Metrics:           metricModels,
			WarningThreshold:  opts.WarningThreshold,
			CriticalThreshold: opts.CriticalThreshold,
		},
	}, nil
}

func fitMetric(rows [][]float64, observed []float64) metricModel {
	weights, intercept := ridgeRegression(rows, observed, 0.01)

	residuals := make([]float64, len(rows))
	for i, row := range rows {
		residuals[i] = observed[i] - dot(weights, row) - intercept
	}

	d := len(rows[0])
	means := make([]float64, d)
	for _, row := range rows {
		for j, v := range row {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= float64(len(rows))
	}

	return metricModel{
		Weights:      weights,
		Intercept:    intercept,
		ResidualStd:  stdDev(residuals),
		FeatureMeans: means,
	}
}

// Metadata implements models.Servable
func (d *Detector) Metadata() models.ModelMetadata {
	return d.meta
}

// Metrics lists the metrics the detector was fitted for
func (d *Detector) Metrics() []string {
	names := make([]string, 0, len(d.params.Metrics))
	for m := range d.params.Metrics {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

// Score computes one AnomalyResult per live value that has a fitted
// regressor, ordered by metric name. Metrics without a regressor are skipped.
func (d *Detector) Score(live models.FeatureVector, liveValues map[string]float64) ([]models.AnomalyResult, error) {
	if len(live.Values) != len(d.params.FeatureNames) {
		return nil, fmt.Errorf("live feature vector has %d values, model expects %d",
			len(live.Values), len(d.params.FeatureNames))
	}

	metricNames := make([]string, 0, len(liveValues))
	for m := range liveValues {
		if _, ok := d.params.Metrics[m]; ok {
			metricNames = append(metricNames, m)
		}
	}
	sort.Strings(metricNames)

	results := make([]models.AnomalyResult, 0, len(metricNames))
	for _, metric := range metricNames {
		results = append(results, d.scoreMetric(metric, live, liveValues[metric]))
	}
	return results, nil
}

func (d *Detector) scoreMetric(metric string, live models.FeatureVector, observed float64) models.AnomalyResult {
	mm := d.params.Metrics[metric]
	expected := dot(mm.Weights, live.Values) + mm.Intercept
	reconstructionErr := math.Abs(observed - expected)

	var score float64
	switch {
	case mm.ResidualStd > epsilon:
		score = reconstructionErr / mm.ResidualStd
	case reconstructionErr <= epsilon:
		score = 0
	default:
		score = sentinelScore
	}

	severity := models.SeverityNormal
	if score >= d.params.CriticalThreshold {
		severity = models.SeverityCritical
	} else if score >= d.params.WarningThreshold {
		severity = models.SeverityWarning
	}

	return models.AnomalyResult{
		MetricName:           metric,
		ObservedValue:        observed,
		ExpectedValue:        expected,
		Score:                score,
		Severity:             severity,
		ContributingFeatures: d.attribute(mm, live),
		Description:          describe(metric, observed, expected, score, severity),
	}
}

// attribute ranks features by the magnitude they contributed to this sample's
// reconstruction: |weight x (value - training mean)|. Top 3 are returned.
func (d *Detector) attribute(mm metricModel, live models.FeatureVector) []models.FeatureContribution {
	contribs := make([]models.FeatureContribution, len(mm.Weights))
	for i, w := range mm.Weights {
		contribs[i] = models.FeatureContribution{
			Feature:      d.params.FeatureNames[i],
			Contribution: math.Abs(w * (live.Values[i] - mm.FeatureMeans[i])),
		}
	}
	sort.SliceStable(contribs, func(i, j int) bool {
		return contribs[i].Contribution > contribs[j].Contribution
	})
	if len(contribs) > 3 {
		contribs = contribs[:3]
	}
	return contribs
}

func describe(metric string, observed, expected, score float64, severity models.Severity) string {
	if severity == models.SeverityNormal {
		return ""
	}
	direction := "above"
	if observed < expected {
		direction = "below"
	}
	pct := 0.0
	if math.Abs(expected) > epsilon {
		pct = math.Abs(observed-expected) / math.Abs(expected) * 100
	}
	return fmt.Sprintf("%s is %.1f%% %s expected (observed %.4f, expected %.4f, score %.2f)",
		metric, pct, direction, observed, expected, score)
}

type detectorArtifact struct {
	Meta   models.ModelMetadata `json:"meta"`
	Params detectorParams       `json:"params"`
}

// Encode serializes the detector for the artifact store
func (d *Detector) Encode() (models.TrainedModel, error) {
	artifact, err := json.Marshal(detectorArtifact{Meta: d.meta, Params: d.params})
	if err != nil {
		return models.TrainedModel{}, fmt.Errorf("failed to encode anomaly detector: %w", err)
	}
	return models.TrainedModel{Meta: d.meta, Artifact: artifact}, nil
}

// Decode reverses Encode
func Decode(tm models.TrainedModel) (*Detector, error) {
	var a detectorArtifact
	if err := json.Unmarshal(tm.Artifact, &a); err != nil {
		return nil, fmt.Errorf("failed to decode anomaly artifact %s: %w", tm.Meta.Version, err)
	}
	return &Detector{meta: a.Meta, params: a.Params}, nil
}

func dot(w, x []float64) float64 {
	sum := 0.0
	for i := range w {
		sum += w[i] * x[i]
	}
	return sum
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sumSq := 0.0
	for _, v := range values {
		diff := v - m
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(len(values)))
}
