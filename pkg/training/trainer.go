// Package training fits and activates models from historical utilization
// series. It runs on demand from the CLI and on a schedule inside the server.
package training

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/heliosml/helios/pkg/anomaly"
	"github.com/heliosml/helios/pkg/config"
	"github.com/heliosml/helios/pkg/datasource"
	"github.com/heliosml/helios/pkg/forecast"
	"github.com/heliosml/helios/pkg/models"
	"github.com/heliosml/helios/pkg/pipeline"
	"github.com/heliosml/helios/pkg/registry"
	"github.com/heliosml/helios/pkg/storage"
)

// TrackedMetrics is the default set every workload is trained on
var TrackedMetrics = []string{
	models.MetricCPUUtilization,
	models.MetricMemoryUtilization,
	models.MetricRequestRate,
}

// Report summarizes one training run
type Report struct {
	Activated []models.ModelMetadata
	Skipped   []SkippedModel
	StartedAt time.Time
	Duration  time.Duration
}

// SkippedModel records a candidate that did not beat the active model
type SkippedModel struct {
	Key    models.ModelKey
	Reason string
}

type encodable interface {
	models.Servable
	Encode() (models.TrainedModel, error)
}

// Trainer fits baseline, seasonal, and anomaly models for one workload and
// activates the ones that clear the improvement gate.
type Trainer struct {
	source     datasource.DataSource
	store      storage.ArtifactStore
	manager    *registry.Manager
	cfg        *config.Config
	logger     *zap.Logger
	onActivate []func()
}

func New(source datasource.DataSource, store storage.ArtifactStore, manager *registry.Manager, cfg *config.Config, logger *zap.Logger) *Trainer {
	return &Trainer{
		source:  source,
		store:   store,
		manager: manager,
		cfg:     cfg,
		logger:  logger,
	}
}

// OnActivate registers a callback invoked once after any training run that
// activated at least one model. The API server hooks its prediction cache
// invalidation here so a new version is served immediately.
func (t *Trainer) OnActivate(fn func()) {
	t.onActivate = append(t.onActivate, fn)
}

// Run fetches the training window and trains every model family. Forecast
// candidates only supersede an active model when their holdout MAPE improves
// on it by the configured margin; the anomaly detector always refreshes.
func (t *Trainer) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now().UTC()}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	series, err := t.source.FetchRange(ctx, t.cfg.Workload, t.cfg.Namespace,
		TrackedMetrics, time.Now(), t.cfg.TrainingWindow, t.cfg.BucketInterval)
	if err != nil {
		return nil, fmt.Errorf("training fetch failed: %w", err)
	}

	for _, metric := range TrackedMetrics {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := t.trainForecasters(metric, series[metric], report); err != nil {
			t.logger.Warn("forecast training failed",
				zap.String("metric", metric), zap.Error(err))
		}
	}

	if err := t.trainDetector(series, report); err != nil {
		t.logger.Warn("anomaly training failed", zap.Error(err))
	}

	if len(report.Activated) == 0 && len(report.Skipped) == 0 {
		return report, fmt.Errorf("no model could be trained")
	}
	if len(report.Activated) > 0 {
		for _, fn := range t.onActivate {
			fn()
		}
	}
	return report, nil
}

func (t *Trainer) trainForecasters(metric string, series models.Series, report *Report) error {
	if len(series) == 0 {
		return fmt.Errorf("no samples for %s", metric)
	}
	opts := forecast.FitOptions{
		Workload: t.cfg.Workload,
		Target:   metric,
		Interval: t.cfg.BucketInterval,
	}

	baseline, err := forecast.FitBaseline(series, opts)
	if err != nil {
		return fmt.Errorf("baseline fit: %w", err)
	}
	t.gateAndActivate(baseline, report)

	seasonal, err := forecast.FitSeasonal(series, opts)
	if err != nil {
		return fmt.Errorf("seasonal fit: %w", err)
	}
	t.gateAndActivate(seasonal, report)
	return nil
}

func (t *Trainer) trainDetector(series models.AlignedSeries, report *Report) error {
	engineer := pipeline.NewEngineer(t.cfg.BucketInterval, TrackedMetrics)
	features, timestamps, err := engineer.TransformAll(series)
	if err != nil {
		return fmt.Errorf("feature transform: %w", err)
	}

	byMetric := make(map[string]map[time.Time]float64, len(series))
	for metric, s := range series {
		byBucket := make(map[time.Time]float64, len(s))
		for _, sample := range s {
			byBucket[sample.Timestamp] = sample.Value
		}
		byMetric[metric] = byBucket
	}

	// Rows where any metric lacks a sample are dropped rather than filled
	// with zeros; a late-starting series must not fabricate targets.
	targets := make(map[string][]float64, len(series))
	var rows []models.FeatureVector
	for i, ts := range timestamps {
		complete := true
		for metric := range series {
			if _, ok := byMetric[metric][ts]; !ok {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		rows = append(rows, features[i])
		for metric := range series {
			targets[metric] = append(targets[metric], byMetric[metric][ts])
		}
	}

	detector, err := anomaly.Fit(rows, targets, anomaly.Options{
		Workload:          t.cfg.Workload,
		Interval:          t.cfg.BucketInterval,
		WarningThreshold:  t.cfg.WarningThreshold,
		CriticalThreshold: t.cfg.CriticalThreshold,
	})
	if err != nil {
		return fmt.Errorf("detector fit: %w", err)
	}

	// Detectors carry no holdout score to gate on; every run refreshes.
	return t.activate(detector, report)
}

// gateAndActivate applies the minimum-improvement gate against the active
// model's holdout MAPE before persisting and registering a candidate.
func (t *Trainer) gateAndActivate(candidate encodable, report *Report) {
	meta := candidate.Metadata()
	key := meta.Key()

	if active, ok := t.manager.ActiveMetadata(key); ok {
		oldMAPE, hasOld := active.Evaluation[models.EvalMAPE]
		newMAPE, hasNew := meta.Evaluation[models.EvalMAPE]
		if hasOld && hasNew && oldMAPE > 0 {
			improvement := (oldMAPE - newMAPE) / oldMAPE
			if improvement < t.cfg.MinImprovement {
				// Stored for inspection and rollback, but the active
				// version keeps serving.
				if err := t.persist(candidate); err != nil {
					t.logger.Warn("skipped model not persisted",
						zap.String("key", key.String()), zap.Error(err))
				}
				report.Skipped = append(report.Skipped, SkippedModel{
					Key: key,
					Reason: fmt.Sprintf("holdout MAPE %.4f improves on %.4f by %.1f%%, below the %.1f%% gate",
						newMAPE, oldMAPE, improvement*100, t.cfg.MinImprovement*100),
				})
				t.logger.Info("candidate model skipped",
					zap.String("key", key.String()),
					zap.Float64("candidate_mape", newMAPE),
					zap.Float64("active_mape", oldMAPE))
				return
			}
		}
	}

	if err := t.activate(candidate, report); err != nil {
		t.logger.Warn("model activation failed",
			zap.String("key", key.String()), zap.Error(err))
	}
}

// persist writes a model's artifact to the store without registering it
func (t *Trainer) persist(model encodable) error {
	key := model.Metadata().Key()
	tm, err := model.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if t.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ModelLoadTimeout)
	defer cancel()
	if err := t.store.Put(ctx, tm); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	if err := t.store.Prune(ctx, key, t.cfg.RetainedVersions); err != nil {
		t.logger.Warn("artifact prune failed",
			zap.String("key", key.String()), zap.Error(err))
	}
	return nil
}

func (t *Trainer) activate(model encodable, report *Report) error {
	meta := model.Metadata()
	key := meta.Key()

	if err := t.persist(model); err != nil {
		return err
	}

	t.manager.Register(model)
	report.Activated = append(report.Activated, meta)
	t.logger.Info("model activated",
		zap.String("key", key.String()),
		zap.String("version", meta.Version))
	return nil
}

// Schedule retrains on a fixed interval until the context is cancelled
func (t *Trainer) Schedule(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.RetrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Run(ctx); err != nil {
				t.logger.Warn("scheduled retrain failed", zap.Error(err))
			}
		}
	}
}
