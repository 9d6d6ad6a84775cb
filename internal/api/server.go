// Package api exposes the operator surface via REST/JSON: validation job
// submission and results, event listings, and on-demand analysis over a
// time window. The gateway fleet never uses this surface; it speaks gRPC.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/decaynet/cloud/internal/analysis"
	"github.com/decaynet/cloud/internal/core"
	"github.com/decaynet/cloud/internal/identity"
	"github.com/decaynet/cloud/internal/orchestrator"
	"github.com/decaynet/cloud/internal/store"
)

// APIServer wires the REST routes to the orchestrator and stores.
type APIServer struct {
	orch     *orchestrator.Orchestrator
	events   store.EventRepository
	cache    *store.CounterCache
	verifier identity.Verifier
	quality  analysis.QualityConfig
	logger   *log.Logger
}

func NewAPIServer(orch *orchestrator.Orchestrator, events store.EventRepository,
	cache *store.CounterCache, verifier identity.Verifier, quality analysis.QualityConfig) *APIServer {

	return &APIServer{
		orch:     orch,
		events:   events,
		cache:    cache,
		verifier: verifier,
		quality:  quality,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Register mounts all operator routes on the router.
func (s *APIServer) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.corsMiddleware)
	api.Use(s.authMiddleware)

	// Validation jobs
	api.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST", "OPTIONS")
	api.HandleFunc("/jobs/{job_id}", s.handleJobStatus).Methods("GET")
	api.HandleFunc("/jobs/{job_id}/result", s.handleJobResult).Methods("GET")
	api.HandleFunc("/results/latest", s.handleLatestResult).Methods("GET")

	// Events
	api.HandleFunc("/events", s.handleListEvents).Methods("GET")
	api.HandleFunc("/events/recent", s.handleRecentEvents).Methods("GET")

	// Analysis
	api.HandleFunc("/analysis/entropy", s.handleEntropy).Methods("GET")
	api.HandleFunc("/analysis/histogram", s.handleHistogram).Methods("GET")
	api.HandleFunc("/analysis/stats", s.handleIntervalStats).Methods("GET")
	api.HandleFunc("/analysis/quality", s.handleQuality).Methods("GET")
}

func (s *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware verifies the bearer token and requires the USER or ADMIN
// capability on every operator route.
func (s *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerFromHeader(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "token rejected")
			return
		}
		if !principal.HasRole(core.RoleUser) && !principal.HasRole(core.RoleAdmin) {
			writeError(w, http.StatusForbidden, "USER or ADMIN capability required")
			return
		}
		ctx := withPrincipal(r.Context(), principal, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerFromHeader(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

// writeJSON is the single success encoder for every handler.
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeDomainError maps the core error kinds onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrInsufficientData):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, core.ErrTemporaryUnavailable), errors.Is(err, core.ErrAuthUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// parseWindow reads the mandatory start/end query params (RFC 3339).
func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		return time.Time{}, time.Time{}, core.InvalidInput("start: %v", err)
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		return time.Time{}, time.Time{}, core.InvalidInput("end: %v", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, core.InvalidInput("end must be after start")
	}
	return start, end, nil
}
