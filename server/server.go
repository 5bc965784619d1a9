// Package server exposes the orchestrator over HTTP: the run lifecycle
// endpoints, skills CRUD, the admin surface, an SSE stream of admin
// events, pool health, and Prometheus metrics. Identity is header-based
// (X-User-ID, X-Workspace-ID, X-Admin) and is expected to be injected
// by a fronting gateway.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dshills/skillflow/checkpoint"
	"github.com/dshills/skillflow/dbpool"
	"github.com/dshills/skillflow/event"
	"github.com/dshills/skillflow/run"
	"github.com/dshills/skillflow/skill"
	"github.com/dshills/skillflow/syserr"
)

// Config wires a Server.
type Config struct {
	Runs        *run.Manager
	Registry    *skill.Registry
	Checkpoints *checkpoint.Buffered
	Bus         *event.Bus
	Errors      *syserr.Store

	// Health snapshots every backing pool for the health endpoint.
	Health func() []dbpool.PoolHealth

	// Metrics serves GET /metrics; nil disables the route.
	Metrics http.Handler

	// Heartbeat is the SSE keepalive interval; zero selects 15s.
	Heartbeat time.Duration

	Logger *slog.Logger
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	runs        *run.Manager
	registry    *skill.Registry
	checkpoints *checkpoint.Buffered
	bus         *event.Bus
	errors      *syserr.Store
	health      func() []dbpool.PoolHealth
	metrics     http.Handler
	heartbeat   time.Duration
	logger      *slog.Logger
}

// New builds a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = 15 * time.Second
	}
	return &Server{
		runs:        cfg.Runs,
		registry:    cfg.Registry,
		checkpoints: cfg.Checkpoints,
		bus:         cfg.Bus,
		errors:      cfg.Errors,
		health:      cfg.Health,
		metrics:     cfg.Metrics,
		heartbeat:   hb,
		logger:      logger,
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(identityMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Post("/start", s.handleStart)
	r.Post("/stop/{thread_id}", s.handleStop)
	r.Post("/rerun/{thread_id}", s.handleRerun)
	r.Get("/status/{thread_id}", s.handleStatus)
	r.Post("/approve/{thread_id}", s.handleApprove)
	r.Post("/callback", s.handleCallback)

	r.Get("/events", s.handleEvents)

	r.Route("/skills", func(r chi.Router) {
		r.Get("/", s.handleListSkills)
		r.Post("/", s.handleCreateSkill)
		r.Get("/{module}", s.handleGetSkill)
		r.Put("/{id}", s.handleUpdateSkill)
		r.Delete("/{id}", s.handleDeleteSkill)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireAdmin)
		r.Get("/runs", s.handleAdminListRuns)
		r.Get("/runs/{thread_id}", s.handleAdminGetRun)
		r.Delete("/runs/{thread_id}", s.handleAdminDeleteRun)
		r.Get("/system-errors", s.handleAdminListErrors)
		r.Post("/system-errors/{id}/resolve", s.handleAdminResolveError)
	})

	return r
}

// handleHealth reports pool utilization. The overall level is the worst
// pool's; critical degrades the HTTP status so load balancers back off.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var pools []dbpool.PoolHealth
	if s.health != nil {
		pools = s.health()
	}
	level := dbpool.Worst(pools...)
	status := http.StatusOK
	if level == dbpool.LevelCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":      level,
		"pools":       pools,
		"active_runs": s.runs.ActiveTasks(),
		"skills":      s.registry.Count(),
	})
}
