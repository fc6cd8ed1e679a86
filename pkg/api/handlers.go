package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heliosml/helios/pkg/forecast"
	"github.com/heliosml/helios/pkg/models"
	"github.com/heliosml/helios/pkg/registry"
	"github.com/heliosml/helios/pkg/scoring"
)

// maxHorizon caps forecast length at one day of five-minute buckets
const maxHorizon = 288

type predictRequest struct {
	Metric  string `json:"metric"`
	Horizon int    `json:"horizon"`
	Variant string `json:"variant"` // auto, baseline, or seasonal
}

type predictResponse struct {
	Workload    string               `json:"workload"`
	Metric      string               `json:"metric"`
	Model       models.ModelMetadata `json:"model"`
	Predictions []models.Prediction  `json:"predictions"`
	Confidence  float64              `json:"confidence"`
	Stale       bool                 `json:"stale,omitempty"`
	Cached      bool                 `json:"cached,omitempty"`
}

type batchRequest struct {
	Requests []predictRequest `json:"requests"`
}

type batchItem struct {
	Result *predictResponse `json:"result,omitempty"`
	Error  *apiError        `json:"error,omitempty"`
}

type detectRequest struct {
	Values map[string]float64 `json:"values"`
}

type recommendRequest struct {
	State *models.CurrentState `json:"state"`
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (r *predictRequest) normalize() error {
	if r.Metric == "" {
		r.Metric = models.MetricCPUUtilization
	}
	if r.Horizon == 0 {
		r.Horizon = scoring.DefaultHorizon
	}
	if r.Horizon < 1 || r.Horizon > maxHorizon {
		return fmt.Errorf("horizon must be between 1 and %d", maxHorizon)
	}
	switch r.Variant {
	case "":
		r.Variant = "auto"
	case "auto", string(models.KindBaseline), string(models.KindSeasonal):
	default:
		return fmt.Errorf("unknown variant %q", r.Variant)
	}
	return nil
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	resp, status, apiErr := s.predict(r, req)
	if apiErr != nil {
		respondError(w, status, apiErr.Kind, apiErr.Message)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if len(req.Requests) == 0 {
		respondError(w, http.StatusBadRequest, "bad_request", "requests must not be empty")
		return
	}

	items := make([]batchItem, len(req.Requests))
	for i, pr := range req.Requests {
		resp, _, apiErr := s.predict(r, pr)
		if apiErr != nil {
			items[i] = batchItem{Error: apiErr}
			continue
		}
		items[i] = batchItem{Result: &resp}
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": items})
}

// predict serves one forecast request, consulting the cache first
func (s *Server) predict(r *http.Request, req predictRequest) (predictResponse, int, *apiError) {
	if err := req.normalize(); err != nil {
		return predictResponse{}, http.StatusBadRequest, &apiError{Kind: "bad_request", Message: err.Error()}
	}

	cacheKey := fmt.Sprintf("%s/%s/%d", req.Metric, req.Variant, req.Horizon)
	if resp, ok := s.cache.get(cacheKey); ok {
		s.met.CacheHits.Inc()
		resp.Cached = true
		return resp, http.StatusOK, nil
	}
	s.met.CacheMisses.Inc()

	model, stale, err := s.resolveForecaster(r, req)
	if err != nil {
		var unavailable *registry.ModelUnavailableError
		if errors.As(err, &unavailable) {
			return predictResponse{}, http.StatusServiceUnavailable,
				&apiError{Kind: "model_unavailable", Message: err.Error()}
		}
		return predictResponse{}, http.StatusInternalServerError,
			&apiError{Kind: "internal", Message: err.Error()}
	}

	predictions, err := model.Predict(req.Horizon)
	if err != nil {
		var insufficient *forecast.InsufficientDataError
		if errors.As(err, &insufficient) {
			return predictResponse{}, http.StatusConflict,
				&apiError{Kind: "insufficient_data", Message: err.Error()}
		}
		return predictResponse{}, http.StatusInternalServerError,
			&apiError{Kind: "internal", Message: err.Error()}
	}

	resp := predictResponse{
		Workload:    s.cfg.Workload,
		Metric:      req.Metric,
		Model:       model.Metadata(),
		Predictions: predictions,
		Confidence:  forecast.OverallConfidence(predictions),
		Stale:       stale,
	}
	s.cache.put(cacheKey, resp)
	return resp, http.StatusOK, nil
}

// resolveForecaster picks the model for a variant. Auto compares holdout
// scores of the active baseline and seasonal models, then checks the pick
// against the last scored observation so a variant that has drifted off the
// live level is not served.
func (s *Server) resolveForecaster(r *http.Request, req predictRequest) (forecast.Model, bool, error) {
	kind := models.ModelKind(req.Variant)
	if req.Variant == "auto" {
		baseKey := models.ModelKey{Workload: s.cfg.Workload, Kind: models.KindBaseline, TargetMetric: req.Metric}
		seasKey := models.ModelKey{Workload: s.cfg.Workload, Kind: models.KindSeasonal, TargetMetric: req.Metric}
		baseMeta, baseOK := s.manager.ActiveMetadata(baseKey)
		seasMeta, seasOK := s.manager.ActiveMetadata(seasKey)
		switch {
		case baseOK && seasOK:
			baseModel, baseStale, baseErr := s.acquireForecaster(r, baseKey)
			seasModel, seasStale, seasErr := s.acquireForecaster(r, seasKey)
			if baseErr == nil && seasErr == nil {
				if observed, ok := s.lastObserved(req.Metric); ok {
					if forecast.PickServing(baseModel, seasModel, observed) == seasModel {
						return seasModel, seasStale, nil
					}
					return baseModel, baseStale, nil
				}
			}
			kind = forecast.PickAuto(baseMeta, seasMeta)
		case seasOK:
			kind = models.KindSeasonal
		default:
			kind = models.KindBaseline
		}
	}

	key := models.ModelKey{Workload: s.cfg.Workload, Kind: kind, TargetMetric: req.Metric}
	return s.acquireForecaster(r, key)
}

func (s *Server) acquireForecaster(r *http.Request, key models.ModelKey) (forecast.Model, bool, error) {
	servable, stale, err := s.manager.Acquire(r.Context(), key)
	if err != nil {
		return nil, false, err
	}
	model, ok := servable.(forecast.Model)
	if !ok {
		return nil, false, fmt.Errorf("model %s is not a forecaster", key)
	}
	return model, stale, nil
}

// lastObserved reads a metric's latest scored value from the snapshot
func (s *Server) lastObserved(metric string) (float64, bool) {
	snapshot := s.loop.Snapshot()
	if snapshot == nil {
		return 0, false
	}
	v, ok := snapshot.LiveValues[metric]
	return v, ok
}

// handleDetect scores live metrics, optionally overriding observed values
// from the request body. An empty body serves the latest snapshot.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if len(req.Values) == 0 {
		if snapshot := s.loop.Snapshot(); snapshot != nil {
			respondJSON(w, http.StatusOK, map[string]any{
				"workload":  snapshot.Workload,
				"taken_at":  snapshot.TakenAt,
				"anomalies": snapshot.Anomalies,
				"summary":   snapshot.AnomalySummary,
			})
			return
		}
	}

	results, err := s.loop.Detect(r.Context(), req.Values)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "model_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"workload":  s.cfg.Workload,
		"taken_at":  time.Now().UTC(),
		"anomalies": results,
		"summary":   models.SummarizeAnomalies(results),
	})
}

// handleRecommend returns the snapshot's recommendations, or re-evaluates
// the rules against a caller-supplied state.
func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	snapshot := s.loop.Snapshot()
	if snapshot == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "no scoring tick has completed yet")
		return
	}

	recommendations := snapshot.Recommendations
	if req.State != nil {
		recommendations = s.engine.Evaluate(*req.State, snapshot.Predictions, snapshot.Anomalies)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"workload":        snapshot.Workload,
		"taken_at":        snapshot.TakenAt,
		"stale":           snapshot.Stale,
		"recommendations": recommendations,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"models": s.manager.ListModels(),
		"states": s.manager.States(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.loop.Health()
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, health)
}

// handleReady reports readiness: at least one model active and a snapshot
// published.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if len(s.manager.LoadedKeys()) == 0 || s.loop.Snapshot() == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, kind, message string) {
	respondJSON(w, status, map[string]apiError{
		"error": {Kind: kind, Message: message},
	})
}
