package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/Harshitk-cp/conductor/internal/api/handlers"
	mw "github.com/Harshitk-cp/conductor/internal/api/middleware"
	"github.com/Harshitk-cp/conductor/internal/buildconfig"
	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/ratelimit"
	"github.com/Harshitk-cp/conductor/internal/scheduler"
	"github.com/Harshitk-cp/conductor/internal/service"
	"github.com/Harshitk-cp/conductor/internal/storage"
	"github.com/Harshitk-cp/conductor/internal/store"
	"github.com/Harshitk-cp/conductor/internal/store/memstore"
	"github.com/Harshitk-cp/conductor/internal/webhook"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// RateLimitCleanupJob evicts idle per-IP and per-caller buckets.
const RateLimitCleanupJob = "ratelimit-cleanup"

// Stores bundles one backend's stores with its transactor.
type Stores struct {
	Tx        domain.Transactor
	Tenants   domain.TenantStore
	Jobs      domain.JobStore
	Runs      domain.RunStore
	Agents    domain.AgentStore
	Events    domain.EventStore
	Artifacts domain.ArtifactStore
	Ping      func(ctx context.Context) error
}

func PostgresStores(pool *pgxpool.Pool) Stores {
	db := store.NewDB(pool)
	return Stores{
		Tx:        db,
		Tenants:   store.NewTenantStore(pool),
		Jobs:      store.NewJobStore(pool),
		Runs:      store.NewRunStore(pool),
		Agents:    store.NewAgentStore(pool),
		Events:    store.NewEventStore(pool),
		Artifacts: store.NewArtifactStore(pool),
		Ping:      db.Ping,
	}
}

func MemoryStores(db *memstore.DB) Stores {
	return Stores{
		Tx:        db,
		Tenants:   db.Tenants(),
		Jobs:      db.Jobs(),
		Runs:      db.Runs(),
		Agents:    db.Agents(),
		Events:    db.Events(),
		Artifacts: db.Artifacts(),
		Ping:      db.Ping,
	}
}

type Options struct {
	WebhookSecret   string
	OperatorToken   string
	Presigner       storage.Presigner
	RateLimitRPS    float64
	RateLimitBurst  int
	SubmitPerMinute int
	SubmitBurst     int
	SweepInterval   time.Duration
	CleanupInterval time.Duration
}

// App holds the router and the scheduled background work.
type App struct {
	Router    *chi.Mux
	Scheduler *scheduler.Scheduler
	Sweeper   *service.SweeperService
	metrics   *mw.MetricsCollector
	ping      func(ctx context.Context) error
	startTime time.Time
}

func NewApp(st Stores, opts Options, logger *zap.Logger) *App {
	ipLimiter := ratelimit.New(opts.RateLimitRPS, opts.RateLimitBurst)
	submitLimiter := ratelimit.PerMinute(opts.SubmitPerMinute, opts.SubmitBurst)
	verifier := webhook.NewVerifier(opts.WebhookSecret)
	if !verifier.Enabled() {
		logger.Warn("no webhook secret configured, agent signatures are not verified")
	}

	// Services
	jobSvc := service.NewJobService(st.Jobs, submitLimiter, logger)
	runSvc := service.NewRunService(st.Tx, st.Jobs, st.Runs, st.Agents, logger)
	agentSvc := service.NewAgentService(st.Tx, st.Agents, st.Runs, st.Events, logger)
	eventSvc := service.NewEventService(st.Tx, st.Runs, st.Events, st.Artifacts, st.Agents, verifier, logger)
	commandSvc := service.NewCommandService(st.Tx, st.Runs, st.Events, logger)
	artifactSvc := service.NewArtifactService(st.Runs, st.Artifacts, opts.Presigner, logger)
	sweeperSvc := service.NewSweeperService(st.Tx, st.Runs, st.Agents, st.Events, st.Artifacts, logger)

	sched := scheduler.New(logger)
	sweeperSvc.RegisterWith(sched, opts.SweepInterval, opts.CleanupInterval)
	sched.Every(RateLimitCleanupJob, 10*time.Minute, func(context.Context) error {
		evicted := ipLimiter.Cleanup(10*time.Minute) + submitLimiter.Cleanup(time.Hour)
		if evicted > 0 {
			logger.Debug("rate limit buckets evicted", zap.Int("count", evicted))
		}
		return nil
	})

	// Handlers
	tenantHandler := handlers.NewTenantHandler(st.Tenants, logger)
	jobHandler := handlers.NewJobHandler(jobSvc, runSvc, logger)
	runHandler := handlers.NewRunHandler(runSvc, eventSvc, commandSvc, artifactSvc, logger)
	agentHandler := handlers.NewAgentHandler(agentSvc, runSvc, logger)
	artifactHandler := handlers.NewArtifactHandler(artifactSvc, logger)
	surfaceHandler := handlers.NewAgentSurfaceHandler(eventSvc, commandSvc, agentSvc, logger)

	r := chi.NewRouter()
	app := &App{
		Router:    r,
		Scheduler: sched,
		Sweeper:   sweeperSvc,
		metrics:   mw.NewMetricsCollector(),
		ping:      st.Ping,
		startTime: time.Now(),
	}

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(app.metrics.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(mw.Tracing)
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(ipLimiter))

	r.Get("/health", app.healthHandler())
	r.Get("/metrics", app.metricsHandler())

	// Tenant creation (no auth, bootstrap endpoint)
	r.Post("/v1/tenants", tenantHandler.Create)

	// Public surface
	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(st.Tenants))

		r.Get("/tenants/me", tenantHandler.Current)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobHandler.Submit)
			r.Get("/", jobHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", jobHandler.Get)
				r.Get("/runs", jobHandler.ListRuns)
				r.Post("/runs", jobHandler.AssignRun)
			})
		})

		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/", runHandler.Get)
			r.Get("/events", runHandler.Events)
			r.Get("/artifacts", runHandler.Artifacts)
			r.Post("/pause", runHandler.Pause)
			r.Post("/resume", runHandler.Resume)
			r.Post("/cancel", runHandler.Cancel)
			r.Post("/retry", runHandler.Retry)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", agentHandler.List)
			r.Get("/match", agentHandler.Match)
			r.Route("/{agentId}", func(r chi.Router) {
				r.Put("/", agentHandler.Upsert)
				r.Get("/", agentHandler.Get)
				r.Get("/runs", agentHandler.Runs)
				r.Post("/deactivate", agentHandler.Deactivate)
			})
		})

		r.Route("/artifacts", func(r chi.Router) {
			r.Post("/", artifactHandler.Register)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", artifactHandler.Get)
				r.Delete("/", artifactHandler.Delete)
				r.Post("/upload-url", artifactHandler.UploadURL)
				r.Post("/download-url", artifactHandler.DownloadURL)
				r.Put("/retention", artifactHandler.UpdateRetention)
			})
		})
	})

	// Operator endpoints act across tenants and take no API key.
	r.With(mw.RequireOperator(opts.OperatorToken)).Post("/v1/sweeps/{job}", app.triggerSweep)

	// Agent surface. Event reports carry their own payload signature; the
	// remaining endpoints are signed over the whole body.
	r.Route("/agent/v1", func(r chi.Router) {
		r.Use(mw.AgentTenant(st.Tenants))

		r.Post("/runs/{id}/events", surfaceHandler.PostEvent)
		r.Group(func(r chi.Router) {
			r.Use(mw.RequireSignature(verifier))
			r.Get("/runs/{id}/events", surfaceHandler.PollEvents)
			r.Post("/runs/{id}/ack", surfaceHandler.Ack)
			r.Post("/agents/{agentId}/heartbeat", surfaceHandler.Heartbeat)
		})
	})

	return app
}

func (app *App) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := app.ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "build": buildconfig.Get()})
	}
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)
		totals, passes := app.Sweeper.Totals()

		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"requests":       app.metrics.Snapshot(),
			"sweeper": map[string]any{
				"passes": passes,
				"totals": totals,
			},
			"goroutines": runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
			"build":      buildconfig.Get(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// triggerSweep runs a scheduled job now. It reports ran=false when a pass of
// the same job is already in progress.
func (app *App) triggerSweep(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	if job != service.SweepJob && job != service.CleanupJob {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown job"})
		return
	}
	ran, err := app.Scheduler.RunNow(r.Context(), job)
	status := http.StatusOK
	body := map[string]any{"job": job, "ran": ran}
	if err != nil {
		status = http.StatusInternalServerError
		body["error"] = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var (
	_ domain.Transactor    = (*store.DB)(nil)
	_ domain.TenantStore   = (*store.TenantStore)(nil)
	_ domain.JobStore      = (*store.JobStore)(nil)
	_ domain.RunStore      = (*store.RunStore)(nil)
	_ domain.AgentStore    = (*store.AgentStore)(nil)
	_ domain.EventStore    = (*store.EventStore)(nil)
	_ domain.ArtifactStore = (*store.ArtifactStore)(nil)
)
