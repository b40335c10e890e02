// Package api поднимает операционный HTTP сервер: liveness, срез состояния
// движка и метрики Prometheus. Торговых операций через HTTP нет.
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

	"futuresbot/internal/api/middleware"
	"futuresbot/internal/config"
	"futuresbot/internal/engine"
)

// Server - операционный HTTP сервер
type Server struct {
	engine *engine.Engine
	cfg    config.ServerConfig
	logger *zap.Logger

	httpServer *http.Server
}

// NewServer создаёт сервер поверх движка
func NewServer(eng *engine.Engine, cfg config.ServerConfig, logger *zap.Logger) *Server {
	s := &Server{
		engine: eng,
		cfg:    cfg,
		logger: logger,
	}

	router := mux.NewRouter()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))

	// Liveness без аутентификации - для оркестратора
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	// Всё остальное за basic auth
	protected := router.NewRoute().Subrouter()
	protected.Use(middleware.OpsAuth(cfg.OpsUser, cfg.OpsPasswordHash))
	protected.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	protected.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start запускает сервер в отдельной горутине
func (s *Server) Start() {
	go func() {
		s.logger.Info("ops server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops server failed", zap.Error(err))
		}
	}()
}

// Shutdown останавливает сервер, дожидаясь активных запросов
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.engine.Status()

	resp := struct {
		engine.StatusInfo
		UptimeSeconds float64 `json:"uptime_seconds"`
	}{
		StatusInfo:    status,
		UptimeSeconds: time.Since(status.StartedAt).Seconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("status encode failed", zap.Error(err))
	}
}
