// Package metrics exposes the engine's published Prometheus surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every published collector. One instance is shared by the
// scoring loop and the API server.
type Metrics struct {
	PredictedValue   *prometheus.GaugeVec
	PredictionLower  *prometheus.GaugeVec
	PredictionUpper  *prometheus.GaugeVec
	AnomalyScore     *prometheus.GaugeVec
	AnomalyActive    *prometheus.GaugeVec
	RecommendedScale *prometheus.GaugeVec

	TicksTotal       *prometheus.CounterVec
	TickDuration     prometheus.Histogram
	InferenceLatency *prometheus.HistogramVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	ModelLoads       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PredictedValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "helios_predicted_value",
			Help: "Latest point forecast per metric and horizon step",
		}, []string{"workload", "metric", "horizon"}),
		PredictionLower: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "helios_prediction_lower_bound",
			Help: "Lower bound of the latest forecast interval",
		}, []string{"workload", "metric", "horizon"}),
		PredictionUpper: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "helios_prediction_upper_bound",
			Help: "Upper bound of the latest forecast interval",
		}, []string{"workload", "metric", "horizon"}),
		AnomalyScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "helios_anomaly_score",
			Help: "Deviation score in residual standard deviations per metric",
		}, []string{"workload", "metric"}),
		AnomalyActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "helios_anomaly_active",
			Help: "1 when the metric is at warning severity or above",
		}, []string{"workload", "metric"}),
		RecommendedScale: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "helios_recommended_replicas",
			Help: "Replica count suggested by the latest scaling recommendation",
		}, []string{"workload"}),
		TicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helios_scoring_ticks_total",
			Help: "Scoring loop ticks by outcome",
		}, []string{"status"}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "helios_scoring_tick_duration_seconds",
			Help:    "Wall time of a full scoring tick",
			Buckets: prometheus.DefBuckets,
		}),
		InferenceLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helios_inference_duration_seconds",
			Help:    "Latency of inference API operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "helios_prediction_cache_hits_total",
			Help: "Prediction cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "helios_prediction_cache_misses_total",
			Help: "Prediction cache misses",
		}),
		ModelLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helios_model_loads_total",
			Help: "Model artifact loads by outcome",
		}, []string{"status"}),
	}
}
