package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/heliosml/helios/pkg/cluster"
	"github.com/heliosml/helios/pkg/config"
	"github.com/heliosml/helios/pkg/datasource"
	"github.com/heliosml/helios/pkg/metrics"
	"github.com/heliosml/helios/pkg/models"
	"github.com/heliosml/helios/pkg/recommender"
	"github.com/heliosml/helios/pkg/registry"
	"github.com/heliosml/helios/pkg/scoring"
	"github.com/heliosml/helios/pkg/storage"
	"github.com/heliosml/helios/pkg/training"
)

type testHarness struct {
	server  *Server
	loop    *scoring.Loop
	manager *registry.Manager
	trainer *training.Trainer
	cfg     *config.Config
}

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Workload = "web-frontend"
	cfg.Namespace = "production"
	cfg.BucketInterval = 5 * time.Minute
	cfg.TrainingWindow = 48 * time.Hour
	cfg.InferenceTimeout = 10 * time.Second
	cfg.CacheTTL = time.Minute
	return cfg
}

func recordedSeries(interval time.Duration) models.AlignedSeries {
	end := time.Now().Truncate(interval)
	buckets := int(48 * time.Hour / interval)
	perDay := int(24 * time.Hour / interval)

	series := make(models.AlignedSeries)
	for _, metric := range training.TrackedMetrics {
		s := make(models.Series, buckets)
		for i := range s {
			frac := float64(i%perDay) / float64(perDay)
			s[i] = models.MetricSample{
				Timestamp: end.Add(time.Duration(i-buckets) * interval),
				Value:     0.5 + 0.2*math.Sin(2*math.Pi*frac) + 0.01*float64(i%7-3),
			}
		}
		series[metric] = s
	}
	return series
}

// newHarness builds a served stack on an in-memory store with trained
// models and, optionally, one completed scoring tick.
func newHarness(t *testing.T, cfg *config.Config, tick bool) *testHarness {
	t.Helper()

	store := storage.NewMemoryStore()
	manager := registry.NewManager(store, nil, time.Second, 3, zap.NewNop())
	source := datasource.NewStaticSource(recordedSeries(cfg.BucketInterval))
	engine := recommender.New(cfg.Thresholds, cfg.SustainedLowEvaluations())
	provider := cluster.NewStaticProvider(models.CurrentState{
		Replicas:    4,
		MinReplicas: 1,
		MaxReplicas: 100,
	})
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	loop := scoring.NewLoop(source, provider, manager, engine, cfg, met, zap.NewNop())

	trainer := training.New(source, store, manager, cfg, zap.NewNop())
	_, err := trainer.Run(context.Background())
	require.NoError(t, err)

	if tick {
		require.NoError(t, loop.Tick(context.Background()))
	}

	return &testHarness{
		server:  NewServer(cfg, loop, manager, engine, met, reg, zap.NewNop()),
		loop:    loop,
		manager: manager,
		trainer: trainer,
		cfg:     cfg,
	}
}

func (h *testHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if h.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", h.cfg.APIKey)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPredictEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	rec := h.do(t, http.MethodPost, "/predict", predictRequest{
		Metric:  models.MetricCPUUtilization,
		Horizon: 3,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp predictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "web-frontend", resp.Workload)
	assert.Len(t, resp.Predictions, 3)
	assert.False(t, resp.Cached)
	assert.GreaterOrEqual(t, resp.Confidence, 0.0)
	assert.LessOrEqual(t, resp.Confidence, 1.0)
	for i, p := range resp.Predictions {
		assert.Equal(t, i+1, p.Horizon)
		assert.LessOrEqual(t, p.LowerBound, p.Value)
		assert.LessOrEqual(t, p.Value, p.UpperBound)
	}
}

func TestPredictCacheHit(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	body := predictRequest{Metric: models.MetricCPUUtilization, Horizon: 6}
	first := h.do(t, http.MethodPost, "/predict", body)
	require.Equal(t, http.StatusOK, first.Code)

	second := h.do(t, http.MethodPost, "/predict", body)
	require.Equal(t, http.StatusOK, second.Code)

	var resp predictResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)
}

func TestRetrainInvalidatesPredictionCache(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.trainer.OnActivate(h.server.InvalidateCache)

	body := predictRequest{Metric: models.MetricCPUUtilization, Horizon: 3}
	first := h.do(t, http.MethodPost, "/predict", body)
	require.Equal(t, http.StatusOK, first.Code)

	var before predictResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &before))

	// Force every candidate through the gate so the retrain activates new
	// versions and the hook drops the cache.
	h.cfg.MinImprovement = -1.0
	_, err := h.trainer.Run(context.Background())
	require.NoError(t, err)

	second := h.do(t, http.MethodPost, "/predict", body)
	require.Equal(t, http.StatusOK, second.Code)

	var after predictResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &after))
	assert.False(t, after.Cached)
	assert.NotEqual(t, before.Model.Version, after.Model.Version)
}

func TestPredictDefaults(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	rec := h.do(t, http.MethodPost, "/predict", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp predictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.MetricCPUUtilization, resp.Metric)
	assert.Len(t, resp.Predictions, scoring.DefaultHorizon)
}

func TestPredictValidation(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	rec := h.do(t, http.MethodPost, "/predict", predictRequest{Variant: "quantum"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/predict", predictRequest{Horizon: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/predict", predictRequest{Horizon: maxHorizon + 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictModelUnavailable(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	rec := h.do(t, http.MethodPost, "/predict", predictRequest{Metric: "queue_depth"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "model_unavailable", body["error"].Kind)
}

func TestPredictBatch(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	rec := h.do(t, http.MethodPost, "/predict/batch", batchRequest{
		Requests: []predictRequest{
			{Metric: models.MetricCPUUtilization, Horizon: 2},
			{Metric: "queue_depth"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Results []batchItem `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 2)
	assert.NotNil(t, body.Results[0].Result)
	assert.Nil(t, body.Results[0].Error)
	assert.Nil(t, body.Results[1].Result)
	require.NotNil(t, body.Results[1].Error)
	assert.Equal(t, "model_unavailable", body.Results[1].Error.Kind)
}

func TestDetectEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(), true)

	rec := h.do(t, http.MethodPost, "/detect", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Anomalies []models.AnomalyResult `json:"anomalies"`
		Summary   models.AnomalySummary  `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Anomalies, len(training.TrackedMetrics))
}

func TestDetectWithInjectedValue(t *testing.T) {
	h := newHarness(t, testConfig(), true)

	rec := h.do(t, http.MethodPost, "/detect", detectRequest{
		Values: map[string]float64{models.MetricCPUUtilization: 50.0},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Anomalies []models.AnomalyResult `json:"anomalies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	for _, a := range body.Anomalies {
		if a.MetricName == models.MetricCPUUtilization {
			assert.Equal(t, models.SeverityCritical, a.Severity)
		}
	}
}

func TestRecommendEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(), true)

	rec := h.do(t, http.MethodPost, "/recommend", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Recommendations []models.Recommendation `json:"recommendations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Recommendations)
}

func TestRecommendBeforeFirstTick(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	rec := h.do(t, http.MethodPost, "/recommend", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestModelsEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	rec := h.do(t, http.MethodGet, "/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Models []models.ModelMetadata    `json:"models"`
		States map[string]registry.State `json:"states"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Models, 2*len(training.TrackedMetrics)+1)
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	rec := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health models.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.NotEmpty(t, health.LoadedModelKeys)

	// No tick yet: not ready.
	rec = h.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, h.loop.Tick(context.Background()))
	rec = h.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "secret"
	h := newHarness(t, cfg, false)

	// Harness attaches the right key.
	rec := h.do(t, http.MethodPost, "/predict", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Missing key is rejected on API routes.
	req := httptest.NewRequest(http.MethodPost, "/predict", nil)
	raw := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusUnauthorized, raw.Code)

	// Operational endpoints never require a key.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	raw = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusOK, raw.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(), true)

	rec := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "helios_predicted_value")
}
