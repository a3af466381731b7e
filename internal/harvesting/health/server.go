package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/fetch"
	"github.com/vietddude/harvester/internal/infra/storage"
)

// Runner starts an on-demand run in the background.
type Runner interface {
	Trigger(sourceID string) error
}

// HostReporter exposes per-host fetch statistics.
type HostReporter interface {
	Stats() []fetch.HostStats
}

// Server provides HTTP endpoints for health monitoring and operator actions.
type Server struct {
	tracker *Tracker
	runs    storage.RunRepository
	runner  Runner
	hosts   HostReporter
	sources map[string]domain.Source
	order   []domain.Source
	log     *slog.Logger

	server *http.Server
}

// NewServer creates a new health server. runner and hosts may be nil.
func NewServer(port int, tracker *Tracker, runs storage.RunRepository, sources []domain.Source, runner Runner, hosts HostReporter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		tracker: tracker,
		runs:    runs,
		runner:  runner,
		hosts:   hosts,
		sources: make(map[string]domain.Source, len(sources)),
		order:   sources,
		log:     log,
	}
	for _, src := range sources {
		s.sources[src.ID] = src
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/health/sources", s.handleSources)
	r.Get("/health/hosts", s.handleHosts)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/sources/{id}", func(r chi.Router) {
		r.Get("/health", s.handleSourceHealth)
		r.Get("/runs", s.handleSourceRuns)
		r.Post("/run", s.handleTriggerRun)
	})
	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.tracker.Report(r.Context(), s.order)
	if err != nil {
		s.log.Error("health report failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "could not build health report")
		return
	}

	// Aggregate status (worst case wins)
	status := Worst(report)
	code := http.StatusOK
	if status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, map[string]any{
		"status":  status,
		"sources": len(report),
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	report, err := s.tracker.Report(r.Context(), s.order)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "could not build health report")
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	if s.hosts == nil {
		respondWithJSON(w, http.StatusOK, []fetch.HostStats{})
		return
	}
	respondWithJSON(w, http.StatusOK, s.hosts.Stats())
}

func (s *Server) source(w http.ResponseWriter, r *http.Request) (domain.Source, bool) {
	id := chi.URLParam(r, "id")
	src, ok := s.sources[id]
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown source: "+id)
	}
	return src, ok
}

func (s *Server) handleSourceHealth(w http.ResponseWriter, r *http.Request) {
	src, ok := s.source(w, r)
	if !ok {
		return
	}
	view, err := s.tracker.View(r.Context(), src)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "could not read health")
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (s *Server) handleSourceRuns(w http.ResponseWriter, r *http.Request) {
	src, ok := s.source(w, r)
	if !ok {
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.List(r.Context(), src.ID, limit)
	if err != nil {
		s.log.Error("list runs failed", "source", src.ID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "could not list runs")
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}
	respondWithJSON(w, http.StatusOK, runs)
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	src, ok := s.source(w, r)
	if !ok {
		return
	}
	if s.runner == nil {
		respondWithError(w, http.StatusServiceUnavailable, "runner not available")
		return
	}
	if err := s.runner.Trigger(src.ID); err != nil {
		if errors.Is(err, domain.ErrUnknownSource) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		respondWithError(w, http.StatusConflict, err.Error())
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"message": "run accepted", "source": src.ID})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
