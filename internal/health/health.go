// Package health exposes the minimal operational HTTP surface.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Status is the health endpoint payload.
type Status struct {
	PeerID         string `json:"peer_id"`
	Version        string `json:"version"`
	Peers          int    `json:"peers"`
	QueueDepth     int    `json:"queue_depth"`
	TasksCompleted uint64 `json:"tasks_completed"`
}

// Server serves GET /health.
type Server struct {
	logger *zap.Logger
	srv    *http.Server
	status func() Status
}

func NewServer(addr string, status func() Status, logger *zap.Logger) *Server {
	s := &Server{
		logger: logger.Named("health"),
		status: status,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in the background until Stop is called.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health server failed", zap.Error(err))
		}
	}()
	s.logger.Info("Health endpoint listening", zap.String("addr", s.srv.Addr))
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		s.logger.Error("Failed to encode health status", zap.Error(err))
	}
}
