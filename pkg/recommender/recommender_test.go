package recommender

import (
	"testing"
	"time"

	"github.com/heliosml/helios/pkg/config"
	"github.com/heliosml/helios/pkg/models"
)

func testThresholds() config.Thresholds {
	return config.Thresholds{
		CPUScaleUp:        0.80,
		CPUScaleDown:      0.20,
		MinConfidence:     0.7,
		MemoryWarning:     0.85,
		SpikeMultiplier:   2.0,
		SustainedLowFor:   time.Hour,
		Cooldown:          5 * time.Minute,
		MinReplicas:       1,
		MaxReplicas:       100,
		TargetUtilization: 0.7,
	}
}

func steadyState() models.CurrentState {
	return models.CurrentState{
		Workload:          "web-frontend",
		Namespace:         "production",
		Replicas:          4,
		MinReplicas:       1,
		MaxReplicas:       100,
		CPUUtilization:    0.50,
		CPUTrailingAvg:    0.50,
		MemoryUtilization: 0.40,
		CPURequestMilli:   500,
		CPULimitMilli:     1000,
	}
}

// cpuPrediction builds a confident narrow-interval forecast
func cpuPrediction(horizon int, value float64) models.Prediction {
	return models.Prediction{
		TargetMetric: models.MetricCPUUtilization,
		Horizon:      horizon,
		Value:        value,
		LowerBound:   value - 0.02,
		UpperBound:   value + 0.02,
	}
}

func countScaling(recs []models.Recommendation) int {
	n := 0
	for _, r := range recs {
		if r.Action.IsScaling() {
			n++
		}
	}
	return n
}

func TestScaleUpOnHighForecast(t *testing.T) {
	e := New(testThresholds(), 12)
	recs := e.Evaluate(steadyState(), []models.Prediction{cpuPrediction(1, 0.90)}, nil)

	if len(recs) == 0 {
		t.Fatal("Expected a recommendation")
	}
	if recs[0].Action != models.ActionScaleUp {
		t.Fatalf("Expected scale_up, got %s", recs[0].Action)
	}
	// ceil(4 * 0.90 / 0.80) = 5
	if recs[0].TargetReplicas != 5 {
		t.Errorf("Expected target 5 replicas, got %d", recs[0].TargetReplicas)
	}
	if recs[0].Urgency != models.UrgencyMedium {
		t.Errorf("Expected medium urgency at 0.90, got %s", recs[0].Urgency)
	}
}

func TestScaleUpHighUrgencyNearSaturation(t *testing.T) {
	e := New(testThresholds(), 12)
	recs := e.Evaluate(steadyState(), []models.Prediction{cpuPrediction(1, 0.97)}, nil)

	if recs[0].Action != models.ActionScaleUp {
		t.Fatalf("Expected scale_up, got %s", recs[0].Action)
	}
	if recs[0].Urgency != models.UrgencyHigh {
		t.Errorf("Expected high urgency above 0.95, got %s", recs[0].Urgency)
	}
}

func TestScaleUpRequiresConfidence(t *testing.T) {
	e := New(testThresholds(), 12)
	wide := models.Prediction{
		TargetMetric: models.MetricCPUUtilization,
		Horizon:      1,
		Value:        0.90,
		LowerBound:   0.30,
		UpperBound:   1.50,
	}
	recs := e.Evaluate(steadyState(), []models.Prediction{wide}, nil)
	for _, r := range recs {
		if r.Action == models.ActionScaleUp {
			t.Error("scale_up fired despite low confidence interval")
		}
	}
}

func TestScaleUpUsesNearestHorizon(t *testing.T) {
	e := New(testThresholds(), 12)
	// A later-horizon spike must not trigger; only the nearest horizon counts.
	recs := e.Evaluate(steadyState(), []models.Prediction{
		cpuPrediction(1, 0.50),
		cpuPrediction(6, 0.95),
	}, nil)
	for _, r := range recs {
		if r.Action == models.ActionScaleUp {
			t.Error("scale_up fired from a far-horizon prediction")
		}
	}
}

func TestScaleDownNeedsSustainedStreak(t *testing.T) {
	e := New(testThresholds(), 12)

	state := steadyState()
	state.CPUUtilization = 0.10
	state.LowCPUStreak = 3

	recs := e.Evaluate(state, []models.Prediction{cpuPrediction(1, 0.10)}, nil)
	for _, r := range recs {
		if r.Action == models.ActionScaleDown {
			t.Error("scale_down fired before the sustained-low streak completed")
		}
	}

	state.LowCPUStreak = 12
	recs = e.Evaluate(state, []models.Prediction{cpuPrediction(1, 0.10)}, nil)
	found := false
	for _, r := range recs {
		if r.Action == models.ActionScaleDown {
			found = true
			if r.TargetReplicas != 3 {
				t.Errorf("Expected target 3 replicas, got %d", r.TargetReplicas)
			}
			if r.Confidence > 0.85 {
				t.Errorf("Scale-down confidence capped at 0.85, got %f", r.Confidence)
			}
		}
	}
	if !found {
		t.Error("Expected scale_down after sustained low utilization")
	}
}

func TestScaleDownRespectsMinReplicas(t *testing.T) {
	e := New(testThresholds(), 1)

	state := steadyState()
	state.Replicas = 1
	state.CPUUtilization = 0.05
	state.LowCPUStreak = 100

	recs := e.Evaluate(state, nil, nil)
	for _, r := range recs {
		if r.Action == models.ActionScaleDown {
			t.Error("scale_down fired at the replica floor")
		}
	}
}

func TestUpAndDownNeverTogether(t *testing.T) {
	e := New(testThresholds(), 1)

	// Observed utilization is low with a long streak, but the forecast
	// says a spike is coming. Up wins, down is suppressed.
	state := steadyState()
	state.CPUUtilization = 0.10
	state.CPUTrailingAvg = 0.10
	state.LowCPUStreak = 50

	recs := e.Evaluate(state, []models.Prediction{cpuPrediction(1, 0.90)}, nil)

	if countScaling(recs) != 1 {
		t.Fatalf("Expected exactly one scaling action, got %d", countScaling(recs))
	}
	for _, r := range recs {
		if r.Action == models.ActionScaleDown {
			t.Error("scale_down fired alongside an up-scale")
		}
	}
}

func TestPreemptiveScaleOnSpikeForecast(t *testing.T) {
	e := New(testThresholds(), 12)

	state := steadyState()
	state.CPUUtilization = 0.30
	state.CPUTrailingAvg = 0.30

	// 0.75 is below the scale-up threshold but 2.5x the trailing average.
	recs := e.Evaluate(state, []models.Prediction{cpuPrediction(1, 0.75)}, nil)
	found := false
	for _, r := range recs {
		if r.Action == models.ActionPreemptiveScale {
			found = true
			if r.Urgency != models.UrgencyHigh {
				t.Errorf("Expected high urgency, got %s", r.Urgency)
			}
			if r.TargetReplicas <= state.Replicas {
				t.Errorf("Expected target above %d, got %d", state.Replicas, r.TargetReplicas)
			}
		}
	}
	if !found {
		t.Error("Expected preemptive_scale for a spike forecast")
	}
}

func TestMemoryWarning(t *testing.T) {
	e := New(testThresholds(), 12)

	memPred := models.Prediction{
		TargetMetric: models.MetricMemoryUtilization,
		Horizon:      3,
		Value:        0.92,
		LowerBound:   0.90,
		UpperBound:   0.94,
	}
	recs := e.Evaluate(steadyState(), []models.Prediction{memPred}, nil)
	found := false
	for _, r := range recs {
		if r.Action == models.ActionIncreaseMemoryLimit {
			found = true
		}
	}
	if !found {
		t.Error("Expected increase_memory_limit for predicted memory pressure")
	}
}

func TestCPURequestRightSizing(t *testing.T) {
	e := New(testThresholds(), 12)

	state := steadyState()
	state.CPURequestMilli = 100
	state.CPULimitMilli = 1000

	recs := e.Evaluate(state, nil, nil)
	found := false
	for _, r := range recs {
		if r.Action == models.ActionDecreaseCPURequest {
			found = true
		}
	}
	if !found {
		t.Error("Expected decrease_cpu_request when limit is 10x the request")
	}
}

func TestAlertsFromAnomalies(t *testing.T) {
	e := New(testThresholds(), 12)

	anomalies := []models.AnomalyResult{
		{MetricName: models.MetricCPUUtilization, Score: 5.2, Severity: models.SeverityCritical},
		{MetricName: models.MetricRequestRate, Score: 3.0, Severity: models.SeverityWarning},
		{MetricName: models.MetricMemoryUtilization, Score: 0.4, Severity: models.SeverityNormal},
	}
	recs := e.Evaluate(steadyState(), nil, anomalies)

	var critical, warning int
	for _, r := range recs {
		switch r.Action {
		case models.ActionAlertCritical:
			critical++
		case models.ActionAlertWarning:
			warning++
		}
	}
	if critical != 1 {
		t.Errorf("Expected 1 critical alert, got %d", critical)
	}
	if warning != 1 {
		t.Errorf("Expected 1 warning alert, got %d", warning)
	}
}

func TestNoActionFallback(t *testing.T) {
	e := New(testThresholds(), 12)
	recs := e.Evaluate(steadyState(), []models.Prediction{cpuPrediction(1, 0.50)}, nil)

	if len(recs) != 1 {
		t.Fatalf("Expected exactly one recommendation, got %d", len(recs))
	}
	if recs[0].Action != models.ActionNoAction {
		t.Errorf("Expected no_action, got %s", recs[0].Action)
	}
	if recs[0].Confidence != 0.9 {
		t.Errorf("Expected confidence 0.9, got %f", recs[0].Confidence)
	}
}
