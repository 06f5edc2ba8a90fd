// Package api exposes the operational HTTP surface: health, readiness, and
// Prometheus metrics. Detection rules are managed through the CLI and rule
// store; there is no public rule CRUD API here.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// OpsServer serves /healthz, /readyz, and /metrics.
type OpsServer struct {
	server     *http.Server
	logger     *zap.SugaredLogger
	clickhouse HealthChecker
	schedState func() string
}

func NewOpsServer(port int, clickhouse HealthChecker, schedState func() string, logger *zap.SugaredLogger) *OpsServer {
	s := &OpsServer{
		logger:     logger,
		clickhouse: clickhouse,
		schedState: schedState,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *OpsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if s.schedState != nil {
		resp["scheduler"] = s.schedState()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *OpsServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if s.clickhouse != nil {
		if err := s.clickhouse.HealthCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// Start begins serving in a background goroutine.
func (s *OpsServer) Start() {
	go func() {
		s.logger.Infow("Ops server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("Ops server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *OpsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
