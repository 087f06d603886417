// Package opsapi serves the read-only operations API: JSON views over the
// order ledger, the intent queue and the risk snapshot. It never mutates
// state; the intent queue is the only write path into the system.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/storage"
	"github.com/sirupsen/logrus"
)

// RiskReporter exposes the current risk snapshot.
type RiskReporter interface {
	Snapshot() models.RiskState
}

// Config tunes the HTTP listener.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the ops API HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	clientID  string
	storage   storage.Interface
	risk      RiskReporter
	logger    *logrus.Logger
	port      int
	authToken string
	started   time.Time
}

// NewServer builds the router. Risk may be nil when the gate is not running
// (verification tooling); /api/risk then returns 404.
func NewServer(cfg Config, clientID string, store storage.Interface, risk RiskReporter, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		clientID:  clientID,
		storage:   store,
		risk:      risk,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		started:   time.Now().UTC(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/orders", s.handleListOrders)
	s.router.Get("/api/orders/{command_id}", s.handleGetOrder)
	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/intents", s.handleListIntents)
	s.router.Get("/api/risk", s.handleRisk)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.WithField("port", s.port).Info("starting ops API")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"client_id": s.clientID,
		"uptime_s":  int(time.Since(s.started).Seconds()),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)

	raw := r.URL.Query().Get("status")
	if raw == "" {
		orders, err := s.storage.ListOpenOrders(s.clientID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(s.logger, w, http.StatusOK, orders)
		return
	}

	status := models.OrderStatus(raw)
	if !status.Valid() {
		http.Error(w, fmt.Sprintf("unknown order status %q", raw), http.StatusBadRequest)
		return
	}
	orders, err := s.storage.ListOrdersByStatus(s.clientID, status, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "command_id")

	rec, err := s.storage.GetOrderByCommandID(id)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.storage.CountOrdersByStatus(s.clientID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	total := 0
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
		total += n
	}

	writeJSON(s.logger, w, http.StatusOK, map[string]interface{}{
		"client_id": s.clientID,
		"total":     total,
		"by_status": byStatus,
	})
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)

	var status models.IntentStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = models.IntentStatus(raw)
		switch status {
		case models.IntentPending, models.IntentClaimed, models.IntentCompleted, models.IntentFailed:
		default:
			http.Error(w, fmt.Sprintf("unknown intent status %q", raw), http.StatusBadRequest)
			return
		}
	}

	intents, err := s.storage.ListIntents(s.clientID, status, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if intents == nil {
		intents = []models.IntentRow{}
	}
	writeJSON(s.logger, w, http.StatusOK, intents)
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	if s.risk == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, s.risk.Snapshot())
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.WithError(err).WithField("path", r.URL.Path).Error("ops API request failed")
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func writeJSON(logger *logrus.Logger, w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
