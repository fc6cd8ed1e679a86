package models

import "time"

// TickStatus describes the outcome of the most recent scoring tick
type TickStatus string

const (
	TickOK       TickStatus = "ok"
	TickSkipped  TickStatus = "skipped"
	TickFailed   TickStatus = "failed"
	TickDegraded TickStatus = "degraded"
	TickNone     TickStatus = "none" // no tick has completed yet
)

// ScoringSnapshot is the published result of one scoring loop evaluation.
// It is swapped atomically as a whole; readers never see a partial update.
type ScoringSnapshot struct {
	Workload        string             `json:"workload"`
	TakenAt         time.Time          `json:"taken_at"`
	LiveValues      map[string]float64 `json:"live_values,omitempty"`
	Predictions     []Prediction       `json:"predictions"`
	Anomalies       []AnomalyResult    `json:"anomalies"`
	AnomalySummary  AnomalySummary     `json:"anomaly_summary"`
	Recommendations []Recommendation   `json:"recommendations"`
	Stale           bool               `json:"stale"`
}

// HealthStatus is returned by the inference API health endpoint
type HealthStatus struct {
	Status              string     `json:"status"` // healthy or degraded
	LoadedModelKeys     []string   `json:"loaded_model_keys"`
	LastTickStatus      TickStatus `json:"last_tick_status"`
	LastTickAt          time.Time  `json:"last_tick_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	UptimeSeconds       float64    `json:"uptime_seconds"`
}
