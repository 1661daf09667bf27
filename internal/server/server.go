// Package server implements the REST control plane: CRUD over agents,
// jobs, tasks, job queues, tags, software, and job types, plus a websocket
// feed of job/task/agent state-change events. The agent-facing dispatch
// protocol is served by agents themselves — this package only ever calls
// out to it as a client, via internal/dispatcher.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/guidow/pyfarm-master/internal/config"
	"github.com/guidow/pyfarm-master/internal/db"
	"github.com/guidow/pyfarm-master/internal/dispatcher"
	"github.com/guidow/pyfarm-master/internal/scheduler"
	"github.com/guidow/pyfarm-master/internal/security"
	"github.com/guidow/pyfarm-master/internal/store"
)

// Server is the composition root: it owns the database connection, the
// entity store, the scheduler, the dispatcher, the websocket hub, and the
// chi router serving the REST control plane.
type Server struct {
	settings  *config.Settings
	configDir string

	database   db.Database
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler

	hub    *Hub
	router chi.Router
	logger *slog.Logger

	watcher *ConfigWatcher
}

// New builds a Server from settings: connects the database, applies the
// fixed schema migration, wires the scheduler and dispatcher, and sets up
// the route tree. configDir is the directory pyfarm.master.toml lives in;
// it's watched for hot-reload of the scheduler's live-reloadable knobs.
// New does not start listening — call Run for that.
func New(settings *config.Settings, configDir string) (*Server, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	settings.ResolveSecrets()

	database, err := db.New(&settings.Database)
	if err != nil {
		return nil, fmt.Errorf("server: new database: %w", err)
	}
	if err := database.Connect(context.Background()); err != nil {
		return nil, fmt.Errorf("server: connect database: %w", err)
	}

	if err := database.ApplyMigration(context.Background(), store.Migration()); err != nil {
		return nil, fmt.Errorf("server: apply migration: %w", err)
	}

	entityStore := store.New(database)

	disp := dispatcher.New(entityStore, dispatcher.Config{
		MaxRetries:     settings.Scheduler.MaxRetries,
		RequestTimeout: settings.Scheduler.AgentRequestTimeout(),
		RatePerSecond:  settings.Scheduler.TickRateLimit,
		Logger:         logger,
	})

	sched, err := scheduler.New(entityStore, disp, settings, logger)
	if err != nil {
		return nil, fmt.Errorf("server: new scheduler: %w", err)
	}

	srv := &Server{
		settings:   settings,
		configDir:  configDir,
		database:   database,
		store:      entityStore,
		dispatcher: disp,
		scheduler:  sched,
		hub:        NewHub(),
		logger:     logger,
	}
	srv.watcher = NewConfigWatcher(configDir, srv.applyLiveConfig, logger)

	srv.setupRoutes()
	return srv, nil
}

// applyLiveConfig pushes the subset of a freshly reloaded Settings that can
// change without a restart into the running scheduler and dispatcher.
func (s *Server) applyLiveConfig(fresh *config.Settings) error {
	s.settings.Scheduler.TickRateLimit = fresh.Scheduler.TickRateLimit
	s.settings.Scheduler.PreferRunningJobs = fresh.Scheduler.PreferRunningJobs
	s.settings.Scheduler.UseTotalRAMForScheduling = fresh.Scheduler.UseTotalRAMForScheduling
	s.settings.Scheduler.AgentPollIntervalSeconds = fresh.Scheduler.AgentPollIntervalSeconds

	s.scheduler.ApplyLiveConfig(s.settings.Scheduler)
	s.dispatcher.SetRatePerSecond(s.settings.Scheduler.TickRateLimit)
	return nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(security.NewMiddleware(&security.MiddlewareConfig{
		Enabled:     s.settings.Server.SecurityEnabled,
		AgentWindow: s.settings.Server.AgentWindowSeconds,
		AgentBurst:  s.settings.Server.AgentBurst,
		APIWindow:   s.settings.Server.APIWindowSeconds,
		APIBurst:    s.settings.Server.APIBurst,
		Logger:      s.logger,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleUpsertAgent)
			r.Put("/", s.handleUpsertAgent)
			r.Get("/{id}", s.handleGetAgent)
			r.Post("/{id}/update", s.handleUpdateAgent)
		})
		api.Route("/jobqueues", func(r chi.Router) {
			r.Get("/", s.handleListJobQueues)
			r.Post("/", s.handleCreateJobQueue)
			r.Get("/{id}", s.handleGetJobQueue)
			r.Delete("/{id}", s.handleDeleteJobQueue)
		})
		api.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJob)
			r.Get("/{job_id}", s.handleGetJob)
			r.Delete("/{job_id}", s.handleDeleteJob)
			r.Route("/{job_id}/tasks", func(r chi.Router) {
				r.Get("/", s.handleListTasks)
				r.Put("/{task_id}", s.handleUpdateTask)
				r.Delete("/{task_id}", s.handleDeleteTask)
			})
		})
		api.Route("/tags", func(r chi.Router) {
			r.Get("/", s.handleListTags)
			r.Post("/", s.handleCreateTag)
		})
		api.Route("/software", func(r chi.Router) {
			r.Get("/", s.handleListSoftware)
			r.Post("/", s.handleCreateSoftware)
		})
		api.Route("/jobtypes", func(r chi.Router) {
			r.Get("/", s.handleListJobTypes)
			r.Post("/", s.handleCreateJobType)
		})
	})

	s.router = r
}

// Run starts the HTTP server and the scheduler's cron beat, blocking until
// the process receives SIGINT/SIGTERM, then shuts both down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run()

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("server run: start scheduler: %w", err)
	}

	if err := s.watcher.Start(); err != nil {
		s.logger.Warn("config hot-reload disabled", "error", err)
	} else {
		defer s.watcher.Stop()
	}

	httpServer := &http.Server{
		Addr:    s.settings.Server.Address,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "address", s.settings.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server run: %w", err)
	}

	s.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// Close releases the database connection (and, for embedded mode, stops
// the embedded PostgreSQL process).
func (s *Server) Close() error {
	return s.database.Close()
}
