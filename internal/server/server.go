// Package server exposes the operational HTTP API: health, metrics, job
// status and manual triggers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/hailtrace/internal/fetcher"
	"github.com/sells-group/hailtrace/internal/ingest"
	"github.com/sells-group/hailtrace/internal/model"
	"github.com/sells-group/hailtrace/internal/parcel"
	"github.com/sells-group/hailtrace/internal/scheduler"
)

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Triggerer runs one source chain on demand and reports job status.
type Triggerer interface {
	Trigger(ctx context.Context, src model.Source) (*ingest.Result, error)
	Status() *scheduler.StatusCache
}

// DriftService corrects one hazard event.
type DriftService interface {
	Correct(ctx context.Context, id string) (*model.DriftVector, error)
}

// ParcelService imports one configured region.
type ParcelService interface {
	ImportRegion(ctx context.Context, name string, bbox *orb.Bound) (*parcel.ImportResult, error)
}

// Deps are the services behind the routes. Gatherer defaults to the
// Prometheus default registry.
type Deps struct {
	Store     Pinger
	Scheduler Triggerer
	Drift     DriftService
	Parcels   ParcelService
	Gatherer  prometheus.Gatherer
}

// Options tunes the HTTP server.
type Options struct {
	Addr           string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Server is the ops HTTP server.
type Server struct {
	httpServer *http.Server
	deps       Deps
}

// New creates a server with its routes mounted.
func New(opts Options, deps Deps) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Minute
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metricsHandler(deps.Gatherer))
	r.Get("/status", s.handleStatus)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		r.Post("/ingest/{source}", s.handleIngest)
		r.Post("/drift/{id}", s.handleDrift)
		r.Post("/parcels/import/{region}", s.handleParcelImport)
	})

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Start listens until Shutdown. It returns http.ErrServerClosed on a
// graceful shutdown.
func (s *Server) Start() error {
	zap.L().Info("ops server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains connections within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			zap.L().Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	jobs := []scheduler.JobStatus{}
	if s.deps.Scheduler != nil {
		jobs = s.deps.Scheduler.Status().All()
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	src, err := model.ParseSource(chi.URLParam(r, "source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown source")
		return
	}
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}

	res, err := s.deps.Scheduler.Trigger(r.Context(), src)
	switch {
	case errors.Is(err, scheduler.ErrInFlight):
		writeError(w, http.StatusConflict, "source run already in flight")
	case fetcher.IsUpstream(err):
		s.internalError(w, r, http.StatusBadGateway, "upstream unavailable", err)
	case err != nil:
		s.internalError(w, r, http.StatusInternalServerError, "internal error", err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	if s.deps.Drift == nil {
		writeError(w, http.StatusServiceUnavailable, "drift correction not configured")
		return
	}

	v, err := s.deps.Drift.Correct(r.Context(), id)
	switch {
	case model.IsNotFound(err):
		writeError(w, http.StatusNotFound, "hazard event not found")
	case err != nil:
		s.internalError(w, r, http.StatusInternalServerError, "internal error", err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"id":           id,
			"corrected":    v != nil,
			"drift_vector": v,
		})
	}
}

func (s *Server) handleParcelImport(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")
	var bbox *orb.Bound
	if raw := r.URL.Query().Get("bbox"); raw != "" {
		b, err := parcel.ParseBBox(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid bbox")
			return
		}
		bbox = &b
	}
	if s.deps.Parcels == nil {
		writeError(w, http.StatusServiceUnavailable, "parcel import not configured")
		return
	}

	res, err := s.deps.Parcels.ImportRegion(r.Context(), region, bbox)
	switch {
	case model.IsNotFound(err):
		writeError(w, http.StatusNotFound, "unknown region")
	case fetcher.IsUpstream(err):
		s.internalError(w, r, http.StatusBadGateway, "upstream unavailable", err)
	case err != nil:
		s.internalError(w, r, http.StatusInternalServerError, "internal error", err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// internalError logs err and answers with msg only.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	zap.L().Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, status, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
