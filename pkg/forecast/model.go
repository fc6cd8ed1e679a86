// Package forecast implements the point-forecasting model variants and their
// holdout evaluation. Both variants serialize to a JSON artifact so they can
// round-trip through the model artifact store.
package forecast

import (
	"fmt"
	"math"

	"github.com/heliosml/helios/pkg/models"
)

// InsufficientDataError reports a training series shorter than the minimum
type InsufficientDataError struct {
	Need int
	Got  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for training: need %d samples, got %d", e.Need, e.Got)
}

// maxLagWindow mirrors the feature pipeline's largest lag; training requires
// at least twice this many samples.
const maxLagWindow = 12

// MinTrainingSamples is the fit() floor for both variants
const MinTrainingSamples = 2 * maxLagWindow

// Model is the shared interface over the forecaster variants
type Model interface {
	models.Servable
	Predict(periods int) ([]models.Prediction, error)
}

// Confidence derives a [0,1] confidence scalar from a prediction's interval
// width relative to its point estimate. Tight intervals score near 1.
func Confidence(p models.Prediction) float64 {
	width := p.UpperBound - p.LowerBound
	scale := math.Abs(p.Value)
	if scale < 1e-9 {
		scale = 1e-9
	}
	rel := width / (2 * scale)
	if rel > 1 {
		rel = 1
	}
	if rel < 0 {
		rel = 0
	}
	return 1 - rel
}

// OverallConfidence is the minimum per-prediction confidence across a horizon
func OverallConfidence(preds []models.Prediction) float64 {
	if len(preds) == 0 {
		return 0
	}
	conf := 1.0
	for _, p := range preds {
		if c := Confidence(p); c < conf {
			conf = c
		}
	}
	return conf
}

// PickAuto selects the variant to serve for an "auto" request: the one with
// the lower held-out MAPE from its last training run, Baseline on a tie.
func PickAuto(baseline, seasonal models.ModelMetadata) models.ModelKind {
	bm, bok := baseline.Evaluation[models.EvalMAPE]
	sm, sok := seasonal.Evaluation[models.EvalMAPE]
	if !sok {
		return models.KindBaseline
	}
	if !bok {
		return models.KindSeasonal
	}
	if sm < bm {
		return models.KindSeasonal
	}
	return models.KindBaseline
}

// PickServing chooses which active variant to serve. Holdout MAPE decides,
// but holdout scores age: after a regime shift the preferred variant can sit
// far off the level the workload is actually running at. When the preferred
// one-step-ahead forecast has drifted well away from the latest observation
// and the other variant still tracks it, the tracking variant wins.
func PickServing(baseline, seasonal Model, lastObserved float64) Model {
	pick, other := baseline, seasonal
	if PickAuto(baseline.Metadata(), seasonal.Metadata()) == models.KindSeasonal {
		pick, other = seasonal, baseline
	}

	pickErr, pickOK := oneStepError(pick, lastObserved)
	otherErr, otherOK := oneStepError(other, lastObserved)
	if !pickOK || !otherOK {
		return pick
	}

	scale := math.Abs(lastObserved)
	if scale < 0.1 {
		scale = 0.1
	}
	if pickErr > 0.15*scale && otherErr < pickErr/2 {
		return other
	}
	return pick
}

func oneStepError(m Model, lastObserved float64) (float64, bool) {
	preds, err := m.Predict(1)
	if err != nil || len(preds) == 0 {
		return 0, false
	}
	return math.Abs(preds[0].Value - lastObserved), true
}

// Decode deserializes a stored forecast artifact back into a servable model
func Decode(tm models.TrainedModel) (Model, error) {
	switch tm.Meta.Kind {
	case models.KindBaseline:
		return DecodeBaseline(tm)
	case models.KindSeasonal:
		return DecodeSeasonal(tm)
	default:
		return nil, fmt.Errorf("unknown forecast model kind %q", tm.Meta.Kind)
	}
}
