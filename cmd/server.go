package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/alerts"
	"github.com/onsite-teams/salesintel/internal/ledger"
	"github.com/onsite-teams/salesintel/internal/metrics"
	"github.com/onsite-teams/salesintel/internal/model"
	"github.com/onsite-teams/salesintel/internal/pipeline"
	"github.com/onsite-teams/salesintel/internal/store"
)

// cronSecretHeader carries the shared secret on cron endpoints.
const cronSecretHeader = "X-Cron-Secret"

type pipelineRunner interface {
	Run(ctx context.Context) (*model.RunRecord, error)
}

type assignRunner interface {
	Run(ctx context.Context) (*model.RunRecord, []pipeline.Assignment, error)
}

type researchRunner interface {
	Run(ctx context.Context, leadID, triggeredBy string) (*model.RunRecord, error)
}

type alertsRunner interface {
	Run(ctx context.Context) (*alerts.Summary, error)
}

type runReader interface {
	Get(ctx context.Context, id string) (*model.RunRecord, error)
	List(ctx context.Context, f ledger.Filter) ([]model.RunRecord, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// server holds the HTTP trigger handlers. Pipelines started over HTTP run
// on bg so they outlive the request; wait blocks until they finish.
type server struct {
	daily    pipelineRunner
	weekly   pipelineRunner
	assign   assignRunner
	research researchRunner
	alerts   alertsRunner
	runs     runReader
	db       pinger

	secret      string
	origins     []string
	metricsPath string

	bg            context.Context
	inflight      sync.WaitGroup
	dailyRunning  atomic.Bool
	weeklyRunning atomic.Bool
	assignRunning atomic.Bool
}

func (s *server) wait() { s.inflight.Wait() }

// router builds the chi routes.
func (s *server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", cronSecretHeader, "X-User-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.metricsPath != "" {
		r.Handle(s.metricsPath, metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireCronSecret)
			r.Post("/cron/daily", s.handleDaily)
			r.Post("/cron/alerts", s.handleAlerts)
			r.Post("/cron/weekly", s.handleWeekly)
			r.Post("/cron/assign", s.handleAssign)
		})
		r.Post("/research/{leadID}", s.handleResearch)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
	})
	return r
}

func (s *server) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret != "" {
			got := r.Header.Get(cronSecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid cron secret")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleDaily(w http.ResponseWriter, _ *http.Request) {
	s.launch(w, model.PipelineDaily, &s.dailyRunning, s.daily.Run)
}

func (s *server) handleWeekly(w http.ResponseWriter, _ *http.Request) {
	s.launch(w, model.PipelineWeekly, &s.weeklyRunning, s.weekly.Run)
}

func (s *server) handleAssign(w http.ResponseWriter, _ *http.Request) {
	s.launch(w, model.PipelineAssignment, &s.assignRunning, func(ctx context.Context) (*model.RunRecord, error) {
		rec, _, err := s.assign.Run(ctx)
		return rec, err
	})
}

// launch starts run on bg and answers 202, or 409 while a previous run of
// the same pipeline is still going.
func (s *server) launch(w http.ResponseWriter, p model.PipelineType, running *atomic.Bool, run func(context.Context) (*model.RunRecord, error)) {
	if !running.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, string(p)+" run already in progress")
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer running.Store(false)
		rec, err := run(s.bg)
		if err != nil {
			zap.L().Error("cron run failed", zap.String("pipeline", string(p)), zap.Error(err))
			return
		}
		zap.L().Info("cron run complete",
			zap.String("pipeline", string(p)),
			zap.String("run_id", rec.ID),
			zap.Int("errors", len(rec.Errors)),
		)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "pipeline": string(p)})
}

func (s *server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	summary, err := s.alerts.Run(r.Context())
	if err != nil {
		zap.L().Error("cron alerts run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "alerts run failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *server) handleResearch(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "leadID")
	by := r.Header.Get("X-User-ID")
	if by == "" {
		by = "api"
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		rec, err := s.research.Run(s.bg, leadID, by)
		if err != nil {
			zap.L().Error("research run failed", zap.String("lead_id", leadID), zap.Error(err))
			return
		}
		zap.L().Info("research run complete",
			zap.String("lead_id", leadID),
			zap.String("run_id", rec.ID),
			zap.Bool("success", rec.Success),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "lead_id": leadID})
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		PipelineType: model.PipelineType(q.Get("pipeline")),
		LeadID:       q.Get("lead_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}

	runs, err := s.runs.List(r.Context(), f)
	if err != nil {
		zap.L().Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	if runs == nil {
		runs = []model.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.runs.Get(r.Context(), chi.URLParam(r, "runID"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case err != nil:
		zap.L().Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get run failed")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
