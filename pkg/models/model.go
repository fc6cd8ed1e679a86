package models

import "time"

// ModelKind identifies a model family served by the registry
type ModelKind string

const (
	KindBaseline ModelKind = "baseline"
	KindSeasonal ModelKind = "seasonal"
	KindAnomaly  ModelKind = "anomaly"
)

// Evaluation metric keys stored in ModelMetadata.Evaluation
const (
	EvalMAE      = "mae"
	EvalMAPE     = "mape"
	EvalCoverage = "coverage"
)

// ModelMetadata describes a trained artifact. Owned by the registry once
// registered; no other component mutates it.
type ModelMetadata struct {
	Workload       string             `json:"workload"`
	Kind           ModelKind          `json:"model_kind"`
	TargetMetric   string             `json:"target_metric"`
	Version        string             `json:"version"`
	TrainedAt      time.Time          `json:"trained_at"`
	TrainingWindow time.Duration      `json:"training_window"`
	Evaluation     map[string]float64 `json:"evaluation_metrics"`
}

// Key returns the registry key for this model
func (m ModelMetadata) Key() ModelKey {
	return ModelKey{Workload: m.Workload, Kind: m.Kind, TargetMetric: m.TargetMetric}
}

// ModelKey identifies the slot a trained model occupies in the registry
type ModelKey struct {
	Workload     string    `json:"workload"`
	Kind         ModelKind `json:"model_kind"`
	TargetMetric string    `json:"target_metric"`
}

// String renders the key as workload/kind/metric
func (k ModelKey) String() string {
	return k.Workload + "/" + string(k.Kind) + "/" + k.TargetMetric
}

// TrainedModel couples a serialized artifact with its metadata
type TrainedModel struct {
	Meta     ModelMetadata `json:"meta"`
	Artifact []byte        `json:"artifact"`
}

// Servable is implemented by every deserialized model the registry can hold
type Servable interface {
	Metadata() ModelMetadata
}
