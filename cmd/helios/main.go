package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/heliosml/helios/pkg/anomaly"
	"github.com/heliosml/helios/pkg/api"
	"github.com/heliosml/helios/pkg/cluster"
	"github.com/heliosml/helios/pkg/config"
	"github.com/heliosml/helios/pkg/datasource"
	"github.com/heliosml/helios/pkg/forecast"
	"github.com/heliosml/helios/pkg/metrics"
	"github.com/heliosml/helios/pkg/models"
	"github.com/heliosml/helios/pkg/recommender"
	"github.com/heliosml/helios/pkg/registry"
	"github.com/heliosml/helios/pkg/scoring"
	"github.com/heliosml/helios/pkg/storage"
	"github.com/heliosml/helios/pkg/training"
)

var (
	configFile string
	verbose    bool

	// Predict flags
	predictMetric  string
	predictHorizon int
	predictVariant string

	// Detect flags
	detectValues []string

	cfg    *config.Config
	logger *zap.Logger
)

func main() {
	cfg = config.NewConfig()

	rootCmd := &cobra.Command{
		Use:   "helios",
		Short: "Predictive autoscaling inference engine",
		Long:  `Forecast workload utilization, detect anomalies, and recommend scaling actions from live Kubernetes metrics.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := cfg.LoadFile(configFile); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			var err error
			if verbose {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			return err
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scoring loop and inference API",
		RunE:  runServe,
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train and activate models from historical metrics",
		RunE:  runTrain,
	}

	predictCmd := &cobra.Command{
		Use:   "predict",
		Short: "Forecast a metric from the latest trained model",
		RunE:  runPredict,
	}
	predictCmd.Flags().StringVarP(&predictMetric, "metric", "m", models.MetricCPUUtilization, "Metric to forecast")
	predictCmd.Flags().IntVar(&predictHorizon, "horizon", scoring.DefaultHorizon, "Forecast horizon in buckets")
	predictCmd.Flags().StringVar(&predictVariant, "variant", "auto", "Model variant: auto, baseline, seasonal")

	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Score current metrics for anomalies",
		RunE:  runDetect,
	}
	detectCmd.Flags().StringSliceVar(&detectValues, "value", nil, "Override observed values as metric=value")

	recommendCmd := &cobra.Command{
		Use:   "recommend",
		Short: "Evaluate scaling recommendations once and print them",
		RunE:  runRecommend,
	}

	rootCmd.AddCommand(serveCmd, trainCmd, predictCmd, detectCmd, recommendCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func decoders() map[models.ModelKind]registry.Decoder {
	return map[models.ModelKind]registry.Decoder{
		models.KindBaseline: func(tm models.TrainedModel) (models.Servable, error) {
			return forecast.DecodeBaseline(tm)
		},
		models.KindSeasonal: func(tm models.TrainedModel) (models.Servable, error) {
			return forecast.DecodeSeasonal(tm)
		},
		models.KindAnomaly: func(tm models.TrainedModel) (models.Servable, error) {
			return anomaly.Decode(tm)
		},
	}
}

func openStore() (storage.ArtifactStore, error) {
	if cfg.StorageEnabled {
		return storage.NewPostgresStore(cfg.DatabaseURL)
	}
	return storage.NewMemoryStore(), nil
}

func newManager(store storage.ArtifactStore) *registry.Manager {
	return registry.NewManager(store, decoders(), cfg.ModelLoadTimeout, cfg.RetainedVersions, logger)
}

func newSource() (datasource.DataSource, error) {
	return datasource.NewPrometheusSource(cfg.PrometheusURL, cfg.FetchTimeout)
}

func stateProvider() cluster.StateProvider {
	provider, err := cluster.NewKubernetesProvider(cfg.Thresholds.MinReplicas, cfg.Thresholds.MaxReplicas)
	if err != nil {
		logger.Warn("cluster API unavailable, using static workload state", zap.Error(err))
		return cluster.NewStaticProvider(models.CurrentState{
			Replicas:    1,
			MinReplicas: cfg.Thresholds.MinReplicas,
			MaxReplicas: cfg.Thresholds.MaxReplicas,
		})
	}
	return provider
}

func newLoop(source datasource.DataSource, manager *registry.Manager, met *metrics.Metrics) *scoring.Loop {
	engine := recommender.New(cfg.Thresholds, cfg.SustainedLowEvaluations())
	return scoring.NewLoop(source, stateProvider(), manager, engine, cfg, met, logger)
}

func runServe(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	defer store.Close()

	source, err := newSource()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	manager := newManager(store)
	engine := recommender.New(cfg.Thresholds, cfg.SustainedLowEvaluations())
	loop := newLoop(source, manager, met)
	trainer := training.New(source, store, manager, cfg, logger)
	server := api.NewServer(cfg, loop, manager, engine, met, reg, logger)

	manager.OnLoad(func(status string) {
		met.ModelLoads.WithLabelValues(status).Inc()
	})
	trainer.OnActivate(server.InvalidateCache)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Train on startup when the store has nothing to serve yet.
	if len(manager.LoadedKeys()) == 0 {
		if _, err := trainer.Run(ctx); err != nil {
			logger.Warn("initial training failed, serving from stored artifacts", zap.Error(err))
		}
	}

	go loop.Run(ctx)
	go trainer.Schedule(ctx)

	logger.Info("helios starting",
		zap.String("workload", cfg.Workload),
		zap.String("namespace", cfg.Namespace),
		zap.Duration("scoring_interval", cfg.ScoringInterval))
	return server.Start(ctx)
}

func runTrain(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	defer store.Close()

	source, err := newSource()
	if err != nil {
		return err
	}

	trainer := training.New(source, store, newManager(store), cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := trainer.Run(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runPredict(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	defer store.Close()

	manager := newManager(store)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.InferenceTimeout)
	defer cancel()

	kind := models.ModelKind(predictVariant)
	if predictVariant == "auto" {
		kind = models.KindBaseline
		baseKey := models.ModelKey{Workload: cfg.Workload, Kind: models.KindBaseline, TargetMetric: predictMetric}
		seasKey := models.ModelKey{Workload: cfg.Workload, Kind: models.KindSeasonal, TargetMetric: predictMetric}
		if _, _, err := manager.Acquire(ctx, seasKey); err == nil {
			baseMeta, baseOK := manager.ActiveMetadata(baseKey)
			seasMeta, _ := manager.ActiveMetadata(seasKey)
			if !baseOK || forecast.PickAuto(baseMeta, seasMeta) == models.KindSeasonal {
				kind = models.KindSeasonal
			}
		}
	}

	key := models.ModelKey{Workload: cfg.Workload, Kind: kind, TargetMetric: predictMetric}
	servable, stale, err := manager.Acquire(ctx, key)
	if err != nil {
		return err
	}
	model, ok := servable.(forecast.Model)
	if !ok {
		return fmt.Errorf("model %s is not a forecaster", key)
	}

	predictions, err := model.Predict(predictHorizon)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"model":       model.Metadata(),
		"predictions": predictions,
		"confidence":  forecast.OverallConfidence(predictions),
		"stale":       stale,
	})
}

func runDetect(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	defer store.Close()

	source, err := newSource()
	if err != nil {
		return err
	}

	overrides := make(map[string]float64)
	for _, kv := range detectValues {
		metric, raw, found := strings.Cut(kv, "=")
		if !found || metric == "" {
			return fmt.Errorf("invalid --value %q, expected metric=value", kv)
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid --value %q: %w", kv, err)
		}
		overrides[metric] = value
	}

	reg := prometheus.NewRegistry()
	loop := newLoop(source, newManager(store), metrics.New(reg))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.InferenceTimeout)
	defer cancel()

	results, err := loop.Detect(ctx, overrides)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"anomalies": results,
		"summary":   models.SummarizeAnomalies(results),
	})
}

func runRecommend(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	defer store.Close()

	source, err := newSource()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	loop := newLoop(source, newManager(store), metrics.New(reg))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.InferenceTimeout)
	defer cancel()

	if err := loop.Tick(ctx); err != nil {
		return err
	}
	return printJSON(loop.Snapshot())
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
