// Package server exposes the HTTP control surface: run lifecycle endpoints,
// status and activity views, and the provider webhook receiver.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"landscape/internal/config"
	"landscape/internal/logging"
	"landscape/internal/pipeline"
	"landscape/internal/serp"
	"landscape/internal/store"
)

// Server is the HTTP control surface.
type Server struct {
	cfg   *config.Config
	deps  *pipeline.Deps
	orch  *pipeline.Orchestrator
	coord *pipeline.Coordinator
	log   *zap.Logger

	http *http.Server
}

// New builds the server around an already-wired pipeline.
func New(deps *pipeline.Deps, orch *pipeline.Orchestrator, coord *pipeline.Coordinator) *Server {
	s := &Server{
		cfg:   deps.Cfg,
		deps:  deps,
		orch:  orch,
		coord: coord,
		log:   logging.Named(deps.Logger, logging.ComponentServer),
	}
	s.http = &http.Server{
		Addr:              deps.Cfg.Server.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the route tree. Exposed separately so tests can drive the
// handlers through httptest without binding a socket.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleStartRun)
			r.Get("/", s.handleListRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Get("/phases", s.handleGetPhases)
				r.Get("/activity", s.handleGetActivity)
				r.Post("/resume", s.handleResumeRun)
				r.Post("/cancel", s.handleCancelRun)
				r.Post("/phases/{phase}/force-complete", s.handleForceComplete)
			})
		})
	})

	r.Post("/webhooks/serp", s.handleSerpWebhook)
	return r
}

// ListenAndServe runs the server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.http.Addr))
		errc <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DB().PingContext(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// startRunRequest is the POST /api/runs body: per-run overrides applied over
// the configured run defaults.
type startRunRequest struct {
	config.RunConfig
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	run, err := s.orch.Start(r.Context(), req.RunConfig)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.orch.ExecuteAsync(run.ID)
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	status := store.RunStatus(r.URL.Query().Get("status"))
	runs, err := s.deps.Store.ListPipelineRuns(r.Context(), status)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	view, err := pipeline.Status(r.Context(), s.deps, chi.URLParam(r, "runID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetPhases(w http.ResponseWriter, r *http.Request) {
	view, err := pipeline.Status(r.Context(), s.deps, chi.URLParam(r, "runID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id": view.ID,
		"status": view.Status,
		"phases": view.Phases,
	})
}

func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be an integer"))
			return
		}
		limit = n
	}
	view, err := pipeline.Activity(r.Context(), s.deps, chi.URLParam(r, "runID"), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.orch.Resume(r.Context(), runID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "resuming"})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.orch.Cancel(r.Context(), runID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "cancelled"})
}

func (s *Server) handleForceComplete(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	phase := chi.URLParam(r, "phase")
	if err := s.orch.ForceCompletePhase(r.Context(), runID, phase); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"run_id": runID, "phase": phase, "status": "completed",
	})
}

// handleSerpWebhook acknowledges the provider immediately and hands the
// payload to the coordinator on a background goroutine. The provider retries
// webhooks that take more than a few seconds to answer, and result ingestion
// can take minutes; it only needs the 200.
func (s *Server) handleSerpWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	payload, err := serp.ParseWebhook(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := s.coord.HandleWebhook(ctx, payload); err != nil {
			s.log.Error("webhook handling failed",
				zap.String("batch_id", payload.Batch.ID),
				zap.String("batch_name", payload.Batch.Name),
				zap.Error(err))
		}
	}()

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "accepted",
		"batch_id": payload.Batch.ID,
	})
}

// requestLogger logs one line per request in the component logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeStoreError maps store sentinels onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrPrecondition):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
