// Package scoring runs the periodic evaluation loop: fetch live metrics,
// forecast, detect anomalies, and recommend actions, publishing each result
// as an atomic snapshot.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/heliosml/helios/pkg/anomaly"
	"github.com/heliosml/helios/pkg/cluster"
	"github.com/heliosml/helios/pkg/config"
	"github.com/heliosml/helios/pkg/datasource"
	"github.com/heliosml/helios/pkg/forecast"
	"github.com/heliosml/helios/pkg/metrics"
	"github.com/heliosml/helios/pkg/models"
	"github.com/heliosml/helios/pkg/pipeline"
	"github.com/heliosml/helios/pkg/recommender"
	"github.com/heliosml/helios/pkg/registry"
	"github.com/heliosml/helios/pkg/training"
)

// DefaultHorizon is how many buckets ahead each tick forecasts
const DefaultHorizon = 6

// trailingWindow is how many recent CPU observations feed the trailing
// average used by the preemptive spike rule
const trailingWindow = 6

// Loop drives scoring ticks. At most one tick is in flight; a tick that
// would overlap a still-running predecessor is skipped and counted.
type Loop struct {
	source   datasource.DataSource
	states   cluster.StateProvider
	manager  *registry.Manager
	engine   *recommender.Engine
	engineer *pipeline.Engineer
	cfg      *config.Config
	met      *metrics.Metrics
	logger   *zap.Logger

	snapshot  atomic.Pointer[models.ScoringSnapshot]
	running   atomic.Bool
	startedAt time.Time

	mu          sync.Mutex
	lastStatus  models.TickStatus
	lastTickAt  time.Time
	failures    int
	lowStreak   int
	trailing    []float64
	lastScaleAt time.Time
}

func NewLoop(source datasource.DataSource, states cluster.StateProvider, manager *registry.Manager, engine *recommender.Engine, cfg *config.Config, met *metrics.Metrics, logger *zap.Logger) *Loop {
	return &Loop{
		source:     source,
		states:     states,
		manager:    manager,
		engine:     engine,
		engineer:   pipeline.NewEngineer(cfg.BucketInterval, training.TrackedMetrics),
		cfg:        cfg,
		met:        met,
		logger:     logger,
		startedAt:  time.Now(),
		lastStatus: models.TickNone,
	}
}

// Run ticks until the context is cancelled. The first tick fires
// immediately.
func (l *Loop) Run(ctx context.Context) {
	l.tickOnce(ctx)

	ticker := time.NewTicker(l.cfg.ScoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tickOnce(ctx)
		}
	}
}

func (l *Loop) tickOnce(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		l.met.TicksTotal.WithLabelValues(string(models.TickSkipped)).Inc()
		l.recordTick(models.TickSkipped)
		l.logger.Warn("scoring tick skipped, previous tick still running")
		return
	}
	defer l.running.Store(false)

	started := time.Now()
	err := l.Tick(ctx)
	l.met.TickDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		l.met.TicksTotal.WithLabelValues(string(models.TickFailed)).Inc()
		status := l.recordFailure()
		l.logger.Error("scoring tick failed",
			zap.Error(err),
			zap.String("status", string(status)))
		return
	}
	l.met.TicksTotal.WithLabelValues(string(models.TickOK)).Inc()
	l.recordTick(models.TickOK)
}

// Tick runs one full evaluation. Fetching and inference share a deadline so
// a slow backend cannot push the tick past the scoring interval.
func (l *Loop) Tick(ctx context.Context) error {
	tickCtx, cancel := context.WithTimeout(ctx, l.cfg.InferenceTimeout)
	defer cancel()

	now := time.Now()
	window := time.Duration(l.engineer.MinHistory()+2) * l.cfg.BucketInterval
	series, err := l.source.FetchRange(tickCtx, l.cfg.Workload, l.cfg.Namespace,
		training.TrackedMetrics, now, window, l.cfg.BucketInterval)
	if err != nil {
		return fmt.Errorf("metrics fetch: %w", err)
	}

	// Score the newest complete bucket: its observed values against a
	// reconstruction from strictly earlier history.
	last, ok := series[models.MetricCPUUtilization].Last()
	if !ok {
		return fmt.Errorf("no samples for %s", models.MetricCPUUtilization)
	}
	evalAt := last.Timestamp

	features, err := l.engineer.Transform(series, evalAt)
	if err != nil {
		return fmt.Errorf("feature transform: %w", err)
	}

	liveValues := make(map[string]float64, len(series))
	for metric, s := range series {
		if sample, ok := s.Last(); ok {
			liveValues[metric] = sample.Value
		}
	}

	predictions, stale := l.predict(tickCtx, liveValues)
	anomalies := l.detect(tickCtx, features, liveValues, &stale)

	state, err := l.states.State(tickCtx, l.cfg.Workload, l.cfg.Namespace)
	if err != nil {
		return fmt.Errorf("cluster state: %w", err)
	}
	l.enrichState(&state, liveValues)

	recommendations := l.applyCooldown(l.engine.Evaluate(state, predictions, anomalies), now)

	snapshot := &models.ScoringSnapshot{
		Workload:        l.cfg.Workload,
		TakenAt:         now.UTC(),
		LiveValues:      liveValues,
		Predictions:     predictions,
		Anomalies:       anomalies,
		AnomalySummary:  models.SummarizeAnomalies(anomalies),
		Recommendations: recommendations,
		Stale:           stale,
	}
	l.snapshot.Store(snapshot)
	l.publish(snapshot)

	l.logger.Info("scoring tick complete",
		zap.Int("predictions", len(predictions)),
		zap.Int("anomalies", len(anomalies)),
		zap.Int("recommendations", len(recommendations)),
		zap.Bool("stale", stale),
		zap.Duration("took", time.Since(now)))
	return nil
}

// predict forecasts every tracked metric with whichever model family scores
// better on holdout. A missing model for one metric degrades the tick rather
// than failing it.
func (l *Loop) predict(ctx context.Context, liveValues map[string]float64) ([]models.Prediction, bool) {
	var out []models.Prediction
	var stale bool
	for _, metric := range training.TrackedMetrics {
		model, wasStale, err := l.forecasterFor(ctx, metric, liveValues)
		if err != nil {
			var unavailable *registry.ModelUnavailableError
			if errors.As(err, &unavailable) {
				l.logger.Warn("no forecaster available", zap.String("metric", metric))
				continue
			}
			l.logger.Warn("forecaster acquisition failed",
				zap.String("metric", metric), zap.Error(err))
			continue
		}
		stale = stale || wasStale

		preds, err := model.Predict(DefaultHorizon)
		if err != nil {
			l.logger.Warn("prediction failed",
				zap.String("metric", metric), zap.Error(err))
			continue
		}
		out = append(out, preds...)
	}
	return out, stale
}

// forecasterFor resolves the serving model for a metric. When both families
// are active the holdout-preferred one serves unless it has drifted off the
// live level and the other still tracks it.
func (l *Loop) forecasterFor(ctx context.Context, metric string, liveValues map[string]float64) (forecast.Model, bool, error) {
	baseKey := models.ModelKey{Workload: l.cfg.Workload, Kind: models.KindBaseline, TargetMetric: metric}
	seasKey := models.ModelKey{Workload: l.cfg.Workload, Kind: models.KindSeasonal, TargetMetric: metric}

	baseMeta, baseOK := l.manager.ActiveMetadata(baseKey)
	seasMeta, seasOK := l.manager.ActiveMetadata(seasKey)

	if baseOK && seasOK {
		baseModel, baseStale, baseErr := l.forecastModel(ctx, baseKey)
		seasModel, seasStale, seasErr := l.forecastModel(ctx, seasKey)
		switch {
		case baseErr == nil && seasErr == nil:
			if observed, ok := liveValues[metric]; ok {
				if forecast.PickServing(baseModel, seasModel, observed) == seasModel {
					return seasModel, seasStale, nil
				}
				return baseModel, baseStale, nil
			}
			if forecast.PickAuto(baseMeta, seasMeta) == models.KindSeasonal {
				return seasModel, seasStale, nil
			}
			return baseModel, baseStale, nil
		case baseErr == nil:
			return baseModel, baseStale, nil
		default:
			return seasModel, seasStale, seasErr
		}
	}

	key := baseKey
	if seasOK {
		key = seasKey
	}
	model, stale, err := l.forecastModel(ctx, key)
	if err != nil && key == baseKey {
		// The store may only hold a seasonal model.
		return l.forecastModel(ctx, seasKey)
	}
	return model, stale, err
}

func (l *Loop) forecastModel(ctx context.Context, key models.ModelKey) (forecast.Model, bool, error) {
	servable, stale, err := l.manager.Acquire(ctx, key)
	if err != nil {
		return nil, false, err
	}
	model, ok := servable.(forecast.Model)
	if !ok {
		return nil, false, fmt.Errorf("model %s is not a forecaster", key)
	}
	return model, stale, nil
}

func (l *Loop) detect(ctx context.Context, features models.FeatureVector, liveValues map[string]float64, stale *bool) []models.AnomalyResult {
	key := models.ModelKey{Workload: l.cfg.Workload, Kind: models.KindAnomaly, TargetMetric: anomaly.AllMetrics}
	servable, wasStale, err := l.manager.Acquire(ctx, key)
	if err != nil {
		l.logger.Warn("no anomaly detector available", zap.Error(err))
		return nil
	}
	*stale = *stale || wasStale

	detector, ok := servable.(*anomaly.Detector)
	if !ok {
		l.logger.Warn("model is not a detector", zap.String("key", key.String()))
		return nil
	}
	results, err := detector.Score(features, liveValues)
	if err != nil {
		l.logger.Warn("anomaly scoring failed", zap.Error(err))
		return nil
	}
	return results
}

// enrichState folds live utilization and the loop's own bookkeeping (low
// CPU streak, trailing average) into the cluster state.
func (l *Loop) enrichState(state *models.CurrentState, liveValues map[string]float64) {
	state.CPUUtilization = liveValues[models.MetricCPUUtilization]
	state.MemoryUtilization = liveValues[models.MetricMemoryUtilization]

	l.mu.Lock()
	defer l.mu.Unlock()

	if state.CPUUtilization < l.cfg.Thresholds.CPUScaleDown {
		l.lowStreak++
	} else {
		l.lowStreak = 0
	}
	state.LowCPUStreak = l.lowStreak

	l.trailing = append(l.trailing, state.CPUUtilization)
	if len(l.trailing) > trailingWindow {
		l.trailing = l.trailing[len(l.trailing)-trailingWindow:]
	}
	var sum float64
	for _, v := range l.trailing {
		sum += v
	}
	state.CPUTrailingAvg = sum / float64(len(l.trailing))
}

// applyCooldown strips scaling actions issued within the cooldown window of
// the previous one. Alerts and resource-setting advice pass through.
func (l *Loop) applyCooldown(recs []models.Recommendation, now time.Time) []models.Recommendation {
	l.mu.Lock()
	defer l.mu.Unlock()

	inCooldown := !l.lastScaleAt.IsZero() && now.Sub(l.lastScaleAt) < l.cfg.Thresholds.Cooldown

	out := recs[:0:0]
	scaled := false
	for _, rec := range recs {
		if rec.Action.IsScaling() {
			if inCooldown {
				l.logger.Info("scaling action suppressed by cooldown",
					zap.String("action", string(rec.Action)),
					zap.Duration("remaining", l.cfg.Thresholds.Cooldown-now.Sub(l.lastScaleAt)))
				continue
			}
			scaled = true
		}
		out = append(out, rec)
	}
	if scaled {
		l.lastScaleAt = now
	}
	if len(out) == 0 {
		out = append(out, models.Recommendation{
			Action:     models.ActionNoAction,
			Reason:     "scaling is in cooldown",
			Confidence: 0.9,
			Urgency:    models.UrgencyLow,
		})
	}
	return out
}

// publish mirrors the snapshot onto the Prometheus surface
func (l *Loop) publish(s *models.ScoringSnapshot) {
	for _, p := range s.Predictions {
		horizon := strconv.Itoa(p.Horizon)
		l.met.PredictedValue.WithLabelValues(s.Workload, p.TargetMetric, horizon).Set(p.Value)
		l.met.PredictionLower.WithLabelValues(s.Workload, p.TargetMetric, horizon).Set(p.LowerBound)
		l.met.PredictionUpper.WithLabelValues(s.Workload, p.TargetMetric, horizon).Set(p.UpperBound)
	}
	for _, a := range s.Anomalies {
		l.met.AnomalyScore.WithLabelValues(s.Workload, a.MetricName).Set(a.Score)
		active := 0.0
		if a.Severity != models.SeverityNormal {
			active = 1.0
		}
		l.met.AnomalyActive.WithLabelValues(s.Workload, a.MetricName).Set(active)
	}
	for _, r := range s.Recommendations {
		if r.Action.IsScaling() && r.TargetReplicas > 0 {
			l.met.RecommendedScale.WithLabelValues(s.Workload).Set(float64(r.TargetReplicas))
		}
	}
}

func (l *Loop) recordTick(status models.TickStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastStatus = status
	l.lastTickAt = time.Now().UTC()
	if status == models.TickOK {
		l.failures = 0
	}
}

// recordFailure bumps the consecutive failure counter and reports the
// resulting status, degraded once the configured ceiling is hit.
func (l *Loop) recordFailure() models.TickStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	l.lastTickAt = time.Now().UTC()
	if l.failures >= l.cfg.MaxTickFailures {
		l.lastStatus = models.TickDegraded
	} else {
		l.lastStatus = models.TickFailed
	}
	return l.lastStatus
}

// Detect runs anomaly detection on demand. Live values fetched from the
// metrics source can be overridden per metric, which lets callers score a
// hypothetical observation against current history.
func (l *Loop) Detect(ctx context.Context, overrides map[string]float64) ([]models.AnomalyResult, error) {
	detectCtx, cancel := context.WithTimeout(ctx, l.cfg.InferenceTimeout)
	defer cancel()

	now := time.Now()
	window := time.Duration(l.engineer.MinHistory()+2) * l.cfg.BucketInterval
	series, err := l.source.FetchRange(detectCtx, l.cfg.Workload, l.cfg.Namespace,
		training.TrackedMetrics, now, window, l.cfg.BucketInterval)
	if err != nil {
		return nil, fmt.Errorf("metrics fetch: %w", err)
	}

	last, ok := series[models.MetricCPUUtilization].Last()
	if !ok {
		return nil, fmt.Errorf("no samples for %s", models.MetricCPUUtilization)
	}

	features, err := l.engineer.Transform(series, last.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("feature transform: %w", err)
	}

	liveValues := make(map[string]float64, len(series))
	for metric, s := range series {
		if sample, ok := s.Last(); ok {
			liveValues[metric] = sample.Value
		}
	}
	for metric, value := range overrides {
		liveValues[metric] = value
	}

	var stale bool
	results := l.detect(detectCtx, features, liveValues, &stale)
	if results == nil {
		return nil, fmt.Errorf("no anomaly detector available")
	}
	return results, nil
}

// Snapshot returns the most recently published evaluation, or nil before
// the first successful tick
func (l *Loop) Snapshot() *models.ScoringSnapshot {
	return l.snapshot.Load()
}

// Health summarizes loop and registry state for the health endpoint
func (l *Loop) Health() models.HealthStatus {
	l.mu.Lock()
	status := "healthy"
	if l.failures >= l.cfg.MaxTickFailures {
		status = "degraded"
	}
	health := models.HealthStatus{
		Status:              status,
		LastTickStatus:      l.lastStatus,
		LastTickAt:          l.lastTickAt,
		ConsecutiveFailures: l.failures,
		UptimeSeconds:       time.Since(l.startedAt).Seconds(),
	}
	l.mu.Unlock()

	health.LoadedModelKeys = l.manager.LoadedKeys()
	return health
}
