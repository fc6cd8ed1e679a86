// Package api serves the inference HTTP surface: prediction, detection,
// recommendation, and operational endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/heliosml/helios/pkg/config"
	"github.com/heliosml/helios/pkg/metrics"
	"github.com/heliosml/helios/pkg/recommender"
	"github.com/heliosml/helios/pkg/registry"
	"github.com/heliosml/helios/pkg/scoring"
)

// Server wires the HTTP routes to the scoring loop and model manager
type Server struct {
	cfg     *config.Config
	loop    *scoring.Loop
	manager *registry.Manager
	engine  *recommender.Engine
	met     *metrics.Metrics
	logger  *zap.Logger
	cache   *predictionCache
	httpSrv *http.Server
}

func NewServer(cfg *config.Config, loop *scoring.Loop, manager *registry.Manager, engine *recommender.Engine, met *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		loop:    loop,
		manager: manager,
		engine:  engine,
		met:     met,
		logger:  logger,
		cache:   newPredictionCache(cfg.CacheTTL),
	}

	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	api := router.PathPrefix("/").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost)
	api.HandleFunc("/predict/batch", s.handlePredictBatch).Methods(http.MethodPost)
	api.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	api.HandleFunc("/recommend", s.handleRecommend).Methods(http.MethodPost)
	api.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)

	// Operational endpoints stay reachable without a key.
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.InferenceTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, used by tests and embedding servers
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("inference API listening", zap.String("addr", s.cfg.ListenAddr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// InvalidateCache drops cached predictions, called after model activation
func (s *Server) InvalidateCache() {
	s.cache.invalidate()
}
