// Package recommender turns forecasts, anomaly scores, and the current
// resource state into scaling and resource actions.
package recommender

import (
	"fmt"
	"math"

	"github.com/heliosml/helios/pkg/config"
	"github.com/heliosml/helios/pkg/forecast"
	"github.com/heliosml/helios/pkg/models"
)

// Engine evaluates the recommendation rules. It carries only configuration;
// Evaluate is a pure function of its inputs, so the engine is safe for
// concurrent use. Streak state (sustained low utilization) is carried in
// CurrentState by the caller.
type Engine struct {
	thresholds        config.Thresholds
	sustainedLowEvals int
}

// New creates a recommendation engine
func New(thresholds config.Thresholds, sustainedLowEvals int) *Engine {
	if sustainedLowEvals < 1 {
		sustainedLowEvals = 1
	}
	return &Engine{thresholds: thresholds, sustainedLowEvals: sustainedLowEvals}
}

// Evaluate runs every rule independently and returns the fired actions.
// Never returns an empty slice: when nothing fires, a single no_action
// recommendation is returned. Contradictory scaling directions cannot both
// appear; scale_up wins because under-provisioning is the costlier mistake.
func (e *Engine) Evaluate(state models.CurrentState, predictions []models.Prediction, anomalies []models.AnomalyResult) []models.Recommendation {
	var recs []models.Recommendation

	upFired := false

	if rec, ok := e.scaleUpRule(state, predictions); ok {
		recs = append(recs, rec)
		upFired = true
	} else if rec, ok := e.preemptiveRule(state, predictions); ok {
		recs = append(recs, rec)
		upFired = true
	}
	// Asymmetric risk policy: a down-scale never accompanies an up-scale.
	if !upFired {
		if rec, ok := e.scaleDownRule(state); ok {
			recs = append(recs, rec)
		}
	}
	if rec, ok := e.memoryRule(predictions); ok {
		recs = append(recs, rec)
	}
	if rec, ok := e.cpuRequestRule(state); ok {
		recs = append(recs, rec)
	}
	recs = append(recs, e.alertRules(anomalies)...)

	if len(recs) == 0 {
		recs = append(recs, models.Recommendation{
			Action: models.ActionNoAction,
			Reason: fmt.Sprintf("cpu utilization %.2f is within [%.2f, %.2f] and no anomaly was detected",
				state.CPUUtilization, e.thresholds.CPUScaleDown, e.thresholds.CPUScaleUp),
			Confidence: 0.9,
			Urgency:    models.UrgencyLow,
		})
	}
	return recs
}

// scaleUpRule fires when the nearest-horizon CPU forecast crosses the
// scale-up threshold with enough confidence.
func (e *Engine) scaleUpRule(state models.CurrentState, predictions []models.Prediction) (models.Recommendation, bool) {
	pred, ok := nearestHorizon(predictions, models.MetricCPUUtilization)
	if !ok {
		return models.Recommendation{}, false
	}
	conf := forecast.Confidence(pred)
	if pred.Value <= e.thresholds.CPUScaleUp || conf < e.thresholds.MinConfidence {
		return models.Recommendation{}, false
	}

	target := int(math.Ceil(float64(state.Replicas) * pred.Value / e.thresholds.CPUScaleUp))
	if target <= state.Replicas {
		target = state.Replicas + 1
	}
	if target > e.thresholds.MaxReplicas {
		target = e.thresholds.MaxReplicas
	}

	urgency := models.UrgencyMedium
	if pred.Value > 0.95 {
		urgency = models.UrgencyHigh
	}

	return models.Recommendation{
		Action:         models.ActionScaleUp,
		TargetReplicas: target,
		Reason: fmt.Sprintf("predicted cpu utilization %.2f at horizon %d exceeds scale-up threshold %.2f (confidence %.2f); scale %d -> %d replicas",
			pred.Value, pred.Horizon, e.thresholds.CPUScaleUp, conf, state.Replicas, target),
		Confidence: conf,
		Urgency:    urgency,
	}, true
}

// scaleDownRule fires on sustained low observed CPU utilization
func (e *Engine) scaleDownRule(state models.CurrentState) (models.Recommendation, bool) {
	if state.CPUUtilization >= e.thresholds.CPUScaleDown {
		return models.Recommendation{}, false
	}
	if state.LowCPUStreak < e.sustainedLowEvals {
		return models.Recommendation{}, false
	}

	minReplicas := e.thresholds.MinReplicas
	if state.MinReplicas > minReplicas {
		minReplicas = state.MinReplicas
	}
	target := state.Replicas - 1
	if target < minReplicas {
		target = minReplicas
	}
	if target == state.Replicas {
		return models.Recommendation{}, false
	}

	// Deliberately conservative confidence for down-scaling.
	conf := math.Min(0.4+(e.thresholds.CPUScaleDown-state.CPUUtilization), 0.85)

	return models.Recommendation{
		Action:         models.ActionScaleDown,
		TargetReplicas: target,
		Reason: fmt.Sprintf("observed cpu utilization %.2f below scale-down threshold %.2f for %d consecutive evaluations; scale %d -> %d replicas",
			state.CPUUtilization, e.thresholds.CPUScaleDown, state.LowCPUStreak, state.Replicas, target),
		Confidence: conf,
		Urgency:    models.UrgencyLow,
	}, true
}

// preemptiveRule fires when the next period's forecast spikes far above the
// trailing average, so an autoscaler reacting to live metrics alone would
// arrive too late.
func (e *Engine) preemptiveRule(state models.CurrentState, predictions []models.Prediction) (models.Recommendation, bool) {
	pred, ok := nearestHorizon(predictions, models.MetricCPUUtilization)
	if !ok || state.CPUTrailingAvg <= 0 {
		return models.Recommendation{}, false
	}
	ratio := pred.Value / state.CPUTrailingAvg
	if ratio <= e.thresholds.SpikeMultiplier {
		return models.Recommendation{}, false
	}

	target := int(math.Ceil(float64(state.Replicas) * ratio))
	if target > e.thresholds.MaxReplicas {
		target = e.thresholds.MaxReplicas
	}

	return models.Recommendation{
		Action:         models.ActionPreemptiveScale,
		TargetReplicas: target,
		Reason: fmt.Sprintf("predicted cpu utilization %.2f is %.1fx the trailing average %.2f (spike multiplier %.1f); pre-scale %d -> %d replicas before next evaluation",
			pred.Value, ratio, state.CPUTrailingAvg, e.thresholds.SpikeMultiplier, state.Replicas, target),
		Confidence: forecast.Confidence(pred),
		Urgency:    models.UrgencyHigh,
	}, true
}

// memoryRule fires when any predicted memory utilization crosses the warning
// threshold.
func (e *Engine) memoryRule(predictions []models.Prediction) (models.Recommendation, bool) {
	var worst models.Prediction
	found := false
	for _, p := range predictions {
		if p.TargetMetric != models.MetricMemoryUtilization {
			continue
		}
		if !found || p.Value > worst.Value {
			worst = p
			found = true
		}
	}
	if !found || worst.Value <= e.thresholds.MemoryWarning {
		return models.Recommendation{}, false
	}
	return models.Recommendation{
		Action: models.ActionIncreaseMemoryLimit,
		Reason: fmt.Sprintf("predicted memory utilization %.2f at horizon %d exceeds warning threshold %.2f",
			worst.Value, worst.Horizon, e.thresholds.MemoryWarning),
		Confidence: forecast.Confidence(worst),
		Urgency:    models.UrgencyMedium,
	}, true
}

// cpuRequestRule flags a CPU limit far above the request as a right-sizing
// opportunity.
func (e *Engine) cpuRequestRule(state models.CurrentState) (models.Recommendation, bool) {
	if state.CPURequestMilli <= 0 || state.CPULimitMilli <= 3*state.CPURequestMilli {
		return models.Recommendation{}, false
	}
	return models.Recommendation{
		Action: models.ActionDecreaseCPURequest,
		Reason: fmt.Sprintf("cpu limit %dm is more than 3x the request %dm; right-size the request against observed usage",
			state.CPULimitMilli, state.CPURequestMilli),
		Confidence: 0.6,
		Urgency:    models.UrgencyLow,
	}, true
}

// alertRules emits one alert per anomalous metric. Alerts never block and
// are never blocked by scaling rules.
func (e *Engine) alertRules(anomalies []models.AnomalyResult) []models.Recommendation {
	var recs []models.Recommendation
	for _, a := range anomalies {
		switch a.Severity {
		case models.SeverityCritical:
			recs = append(recs, models.Recommendation{
				Action:     models.ActionAlertCritical,
				Reason:     fmt.Sprintf("%s anomaly score %.2f is critical: %s", a.MetricName, a.Score, a.Description),
				Confidence: 1.0,
				Urgency:    models.UrgencyHigh,
			})
		case models.SeverityWarning:
			recs = append(recs, models.Recommendation{
				Action:     models.ActionAlertWarning,
				Reason:     fmt.Sprintf("%s anomaly score %.2f is a warning: %s", a.MetricName, a.Score, a.Description),
				Confidence: 1.0,
				Urgency:    models.UrgencyMedium,
			})
		}
	}
	return recs
}

// nearestHorizon picks the lowest-horizon prediction for a metric
func nearestHorizon(predictions []models.Prediction, metric string) (models.Prediction, bool) {
	var best models.Prediction
	found := false
	for _, p := range predictions {
		if p.TargetMetric != metric {
			continue
		}
		if !found || p.Horizon < best.Horizon {
			best = p
			found = true
		}
	}
	return best, found
}
