package anomaly

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/heliosml/helios/pkg/forecast"
	"github.com/heliosml/helios/pkg/models"
)

func testOptions() Options {
	return Options{
		Workload:          "web-frontend",
		Interval:          5 * time.Minute,
		WarningThreshold:  2.5,
		CriticalThreshold: 4.0,
	}
}

// trainingData builds feature rows where cpu_utilization tracks a noisy
// linear function of two features, so the regressor can reconstruct it well.
func trainingData(n int) ([]models.FeatureVector, map[string][]float64) {
	names := []string{"hour", "cpu_utilization_lag_1", "cpu_utilization_roll_mean_3"}
	features := make([]models.FeatureVector, n)
	observed := make([]float64, n)
	for i := 0; i < n; i++ {
		hour := float64(i % 24)
		lag := 0.4 + 0.01*hour
		features[i] = models.FeatureVector{
			Names:  names,
			Values: []float64{hour, lag, lag + 0.005},
		}
		// Small deterministic noise keeps the residual spread nonzero.
		observed[i] = lag + 0.002*float64(i%3-1)
	}
	return features, map[string][]float64{
		models.MetricCPUUtilization: observed,
	}
}

func TestFitInsufficientRows(t *testing.T) {
	features, targets := trainingData(forecast.MinTrainingSamples - 1)
	_, err := Fit(features, targets, testOptions())
	if err == nil {
		t.Fatal("Expected error for too few rows, got nil")
	}
	var insufficient *forecast.InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Errorf("Expected InsufficientDataError, got %T", err)
	}
}

func TestFitRejectsInvertedThresholds(t *testing.T) {
	features, targets := trainingData(48)
	opts := testOptions()
	opts.WarningThreshold = 5.0
	opts.CriticalThreshold = 2.0
	if _, err := Fit(features, targets, opts); err == nil {
		t.Fatal("Expected error for warning above critical, got nil")
	}
}

func TestScoreNormalObservation(t *testing.T) {
	features, targets := trainingData(96)
	detector, err := Fit(features, targets, testOptions())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	live := features[50]
	expected := targets[models.MetricCPUUtilization][50]
	results, err := detector.Score(live, map[string]float64{
		models.MetricCPUUtilization: expected,
	})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	if results[0].Severity != models.SeverityNormal {
		t.Errorf("Expected normal severity for in-pattern value, got %s (score %.2f)",
			results[0].Severity, results[0].Score)
	}
}

func TestScoreInjectedSpikeIsCritical(t *testing.T) {
	features, targets := trainingData(96)
	detector, err := Fit(features, targets, testOptions())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// Shift the observation far outside the training residual spread.
	live := features[50]
	normal := targets[models.MetricCPUUtilization][50]
	results, err := detector.Score(live, map[string]float64{
		models.MetricCPUUtilization: normal + 5.0,
	})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if results[0].Severity != models.SeverityCritical {
		t.Errorf("Expected critical severity for spike, got %s (score %.2f)",
			results[0].Severity, results[0].Score)
	}
	if results[0].Description == "" {
		t.Error("Expected a description for an anomalous result")
	}
}

func TestScoreMonotoneInDeviation(t *testing.T) {
	features, targets := trainingData(96)
	detector, err := Fit(features, targets, testOptions())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	live := features[50]
	normal := targets[models.MetricCPUUtilization][50]
	prev := -1.0
	for _, bump := range []float64{0.0, 0.5, 1.0, 2.0, 4.0} {
		results, err := detector.Score(live, map[string]float64{
			models.MetricCPUUtilization: normal + bump,
		})
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if results[0].Score < prev {
			t.Errorf("Score decreased at deviation %f: %f after %f", bump, results[0].Score, prev)
		}
		prev = results[0].Score
	}
}

func TestScoreAttributionTopThree(t *testing.T) {
	// The lag features run on their own cycle here, decoupled from the hour,
	// so the regressor has to carry the signal on them. Spiking them in the
	// live vector must then surface them as the leading contributors.
	names := []string{"hour", "cpu_utilization_lag_1", "cpu_utilization_roll_mean_3"}
	n := 96
	features := make([]models.FeatureVector, n)
	observed := make([]float64, n)
	for i := 0; i < n; i++ {
		lag := 0.4 + 0.2*math.Sin(2*math.Pi*float64(i)/16)
		features[i] = models.FeatureVector{
			Names:  names,
			Values: []float64{float64(i % 24), lag, lag + 0.005},
		}
		observed[i] = lag + 0.002*float64(i%3-1)
	}
	detector, err := Fit(features, map[string][]float64{models.MetricCPUUtilization: observed}, testOptions())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	live := models.FeatureVector{Names: names, Values: []float64{10, 5.0, 5.0}}
	results, err := detector.Score(live, map[string]float64{
		models.MetricCPUUtilization: 9.0,
	})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	contribs := results[0].ContributingFeatures
	if len(contribs) == 0 || len(contribs) > 3 {
		t.Fatalf("Expected 1-3 contributing features, got %d", len(contribs))
	}
	for i := 1; i < len(contribs); i++ {
		if contribs[i].Contribution > contribs[i-1].Contribution {
			t.Errorf("Contributions not sorted descending at %d", i)
		}
	}
	if !strings.Contains(contribs[0].Feature, "cpu_utilization") {
		t.Errorf("Expected a spiked cpu feature to lead the attribution, got %s", contribs[0].Feature)
	}
}

func TestScoreSkipsUnknownMetric(t *testing.T) {
	features, targets := trainingData(48)
	detector, err := Fit(features, targets, testOptions())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	results, err := detector.Score(features[0], map[string]float64{
		"disk_io": 123.0,
	})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no results for unfitted metric, got %d", len(results))
	}
}

func TestScoreRejectsMisshapenVector(t *testing.T) {
	features, targets := trainingData(48)
	detector, err := Fit(features, targets, testOptions())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	bad := models.FeatureVector{Names: []string{"hour"}, Values: []float64{1}}
	if _, err := detector.Score(bad, map[string]float64{models.MetricCPUUtilization: 0.5}); err == nil {
		t.Fatal("Expected error for wrong vector length, got nil")
	}
}

func TestDetectorEncodeDecodeRoundTrip(t *testing.T) {
	features, targets := trainingData(96)
	detector, err := Fit(features, targets, testOptions())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	tm, err := detector.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(tm)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	liveValues := map[string]float64{models.MetricCPUUtilization: 0.9}
	want, _ := detector.Score(features[20], liveValues)
	got, err := decoded.Score(features[20], liveValues)
	if err != nil {
		t.Fatalf("Score on decoded detector failed: %v", err)
	}
	if math.Abs(want[0].Score-got[0].Score) > 1e-12 {
		t.Errorf("Decoded score %f differs from original %f", got[0].Score, want[0].Score)
	}
}

func TestConstantSeriesSentinelScore(t *testing.T) {
	names := []string{"hour", "cpu_utilization_lag_1"}
	n := 48
	features := make([]models.FeatureVector, n)
	observed := make([]float64, n)
	for i := range features {
		features[i] = models.FeatureVector{Names: names, Values: []float64{float64(i % 24), 0.5}}
		observed[i] = 0.5
	}

	detector, err := Fit(features, map[string][]float64{models.MetricCPUUtilization: observed}, testOptions())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// Exactly on pattern: zero score despite zero residual spread.
	results, _ := detector.Score(features[0], map[string]float64{models.MetricCPUUtilization: 0.5})
	if results[0].Score != 0 {
		t.Errorf("Expected zero score for exact match, got %f", results[0].Score)
	}
}
