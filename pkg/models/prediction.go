package models

import "time"

// Prediction is a single point forecast with confidence bounds
type Prediction struct {
	TargetMetric string    `json:"target_metric"`
	Horizon      int       `json:"horizon_period_index"` // 1-based periods ahead
	Timestamp    time.Time `json:"timestamp"`
	Value        float64   `json:"predicted_value"`
	LowerBound   float64   `json:"lower_bound"`
	UpperBound   float64   `json:"upper_bound"`
	ModelVersion string    `json:"model_version"`
}

// Severity classifies an anomaly score against the configured thresholds
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AnomalyResult is the per-metric outcome of one anomaly scoring pass
type AnomalyResult struct {
	MetricName           string                `json:"metric_name"`
	ObservedValue        float64               `json:"observed_value"`
	ExpectedValue        float64               `json:"expected_value"`
	Score                float64               `json:"score"`
	Severity             Severity              `json:"severity"`
	ContributingFeatures []FeatureContribution `json:"contributing_features"`
	Description          string                `json:"description,omitempty"`
}

// IsAnomalous reports whether the result crosses the warning threshold
func (r AnomalyResult) IsAnomalous() bool {
	return r.Severity != SeverityNormal
}

// AnomalySummary aggregates a set of anomaly results for one evaluation
type AnomalySummary struct {
	Status      string         `json:"status"` // healthy, attention, warning, critical
	AnomalyRate float64        `json:"anomaly_rate"`
	BySeverity  map[string]int `json:"by_severity"`
	MaxScore    float64        `json:"max_score"`
}

// SummarizeAnomalies builds an AnomalySummary from scored results
func SummarizeAnomalies(results []AnomalyResult) AnomalySummary {
	summary := AnomalySummary{
		Status:     "healthy",
		BySeverity: make(map[string]int),
	}
	anomalous := 0
	for _, r := range results {
		if r.Score > summary.MaxScore {
			summary.MaxScore = r.Score
		}
		if !r.IsAnomalous() {
			continue
		}
		anomalous++
		summary.BySeverity[string(r.Severity)]++
	}
	if len(results) > 0 {
		summary.AnomalyRate = float64(anomalous) / float64(len(results))
	}
	if summary.BySeverity[string(SeverityCritical)] > 0 {
		summary.Status = "critical"
	} else if summary.BySeverity[string(SeverityWarning)] > 0 {
		summary.Status = "warning"
	} else if anomalous > 0 {
		summary.Status = "attention"
	}
	return summary
}
