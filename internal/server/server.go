// Package server serves metrics, health probes and the administrative
// endpoints of a document node.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/document-node/internal/database"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/health"
	"github.com/devrev/pairdb/document-node/internal/storage/diskmanager"
)

// Admin is the database surface exposed over HTTP
type Admin interface {
	StartEnforceConfiguration() (string, error)
	UpdateConflictResolver(ctx context.Context, resolveToLatest bool) (int, error)
	Operations() *database.Operations
	DiskUsage() (diskmanager.DiskUsageStats, bool)
}

// Config holds configuration for the HTTP server
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MetricsEnabled bool
	MetricsPath    string
	StatsInterval  time.Duration
}

// Server serves metrics, probes and admin routes
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	admin      Admin
	health     *health.HealthChecker
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
	cfg        *Config
	stopChan   chan struct{}
}

// NewServer creates the server and registers its routes
func NewServer(cfg *Config, admin Admin, hc *health.HealthChecker, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 15 * time.Second
	}

	router := mux.NewRouter()
	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		admin:    admin,
		health:   hc,
		gatherer: gatherer,
		logger:   logger,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.recovery, s.requestLogging)

	if s.cfg.MetricsEnabled {
		s.router.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/health/live", s.health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.health.ReadinessHandler).Methods(http.MethodGet)

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/revisions/enforce", s.enforceRevisions).Methods(http.MethodPost)
	admin.HandleFunc("/conflicts/resolver", s.updateConflictResolver).Methods(http.MethodPut)
	admin.HandleFunc("/operations", s.listOperations).Methods(http.MethodGet)
	admin.HandleFunc("/operations/{operation_id}", s.getOperation).Methods(http.MethodGet)
	admin.HandleFunc("/operations/{operation_id}", s.cancelOperation).Methods(http.MethodDelete)
	admin.HandleFunc("/workers", s.workerStats).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background and refreshes disk gauges periodically
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))

	go s.collectStats()
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	close(s.stopChan)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) collectStats() {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// refreshes the disk gauges as a side effect
			s.admin.DiskUsage()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Server) enforceRevisions(w http.ResponseWriter, r *http.Request) {
	id, err := s.admin.StartEnforceConfiguration()
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"operation_id": id})
}

type resolverRequest struct {
	ResolveToLatest *bool `json:"resolve_to_latest"`
}

func (s *Server) updateConflictResolver(w http.ResponseWriter, r *http.Request) {
	var req resolverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ResolveToLatest == nil {
		writeError(w, http.StatusBadRequest, "body must set resolve_to_latest")
		return
	}
	resolved, err := s.admin.UpdateConflictResolver(r.Context(), *req.ResolveToLatest)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resolve_to_latest": *req.ResolveToLatest,
		"resolved":          resolved,
	})
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": s.admin.Operations().List()})
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["operation_id"]
	op, ok := s.admin.Operations().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "operation not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) cancelOperation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["operation_id"]
	if err := s.admin.Operations().Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"operation_id": id, "status": "cancelling"})
}

func (s *Server) workerStats(w http.ResponseWriter, r *http.Request) {
	stats := s.admin.Operations().Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":             stats,
		"queue_utilization": stats.QueueUtilization(),
	})
}

func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	status := httpStatus(storeerrors.GetCode(err))
	if status >= http.StatusInternalServerError {
		s.logger.Error("Admin request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func httpStatus(code storeerrors.ErrorCode) int {
	switch code {
	case storeerrors.ErrCodeInvalidArgument, storeerrors.ErrCodeInvalidDocumentID,
		storeerrors.ErrCodeInvalidChangeVector, storeerrors.ErrCodeInvalidPatch,
		storeerrors.ErrCodePayloadTooLarge:
		return http.StatusBadRequest
	case storeerrors.ErrCodeDocumentNotFound:
		return http.StatusNotFound
	case storeerrors.ErrCodeConcurrencyViolation, storeerrors.ErrCodeDocumentConflict,
		storeerrors.ErrCodeCollectionMismatch:
		return http.StatusConflict
	case storeerrors.ErrCodeRevisionsDisabled:
		return http.StatusPreconditionFailed
	case storeerrors.ErrCodeResourceExhausted:
		return http.StatusTooManyRequests
	case storeerrors.ErrCodeUnavailable, storeerrors.ErrCodeDiskFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID))
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
