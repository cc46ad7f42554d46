package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bootfleet/internal/api"
	"github.com/kiranshivaraju/bootfleet/internal/api/handler"
	"github.com/kiranshivaraju/bootfleet/internal/api/response"
	"github.com/kiranshivaraju/bootfleet/internal/config"
	"github.com/kiranshivaraju/bootfleet/internal/delivery"
	"github.com/kiranshivaraju/bootfleet/internal/events"
	"github.com/kiranshivaraju/bootfleet/internal/handlers"
	"github.com/kiranshivaraju/bootfleet/internal/jobs"
	"github.com/kiranshivaraju/bootfleet/internal/liveness"
	"github.com/kiranshivaraju/bootfleet/internal/store"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// mode selects which components a process runs.
type mode uint8

const (
	modeServe mode = 1 << iota
	modeWorker
)

func (m mode) String() string {
	switch m {
	case modeServe:
		return "serve"
	case modeWorker:
		return "worker"
	case modeServe | modeWorker:
		return "all"
	default:
		return "none"
	}
}

func run(ctx context.Context, m mode) error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "mode", m.String(), "env", cfg.Server.Env)

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Server.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Connect the durable agent stream
	stream, err := delivery.NewRedisStream(cfg.Redis.URL, cfg.Agents.StreamMaxLen)
	if err != nil {
		return fmt.Errorf("create redis stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Wire components
	pgStore := store.NewPostgresStore(pool)
	tracker := liveness.NewTracker(pgStore)

	var hub *delivery.Hub
	if m&modeServe != 0 {
		hub = delivery.NewHub(tracker)
		defer hub.Close()
	}
	bridge := delivery.NewBridge(stream, livePusher(hub, events.NewPGPublisher(pool)))

	g, gctx := errgroup.WithContext(ctx)

	var workers *jobs.Pool
	if m&modeWorker != 0 {
		registry := jobs.NewRegistry()
		handlers.RegisterAgentCommands(registry, pgStore, bridge)
		slog.Info("job handlers registered", "types", registry.Types())

		workers = jobs.NewPool(pgStore, registry, jobs.PoolConfig{
			Concurrency:     cfg.Worker.Concurrency,
			PollInterval:    cfg.Worker.PollInterval,
			ShutdownTimeout: cfg.Worker.ShutdownTimeout,
			Backoff:         jobs.Backoff{Base: cfg.Jobs.RetryBaseDelay, Max: cfg.Jobs.RetryMaxDelay},
		})
		g.Go(func() error { return workers.Run(gctx) })
	}

	if m&modeServe != 0 {
		broker := events.NewBroker(0)

		opts := []events.ListenerOption{events.WithTaskRelay(pgStore, hub)}
		if workers != nil {
			opts = append(opts, events.WithJobCreatedHook(func(uuid.UUID) { workers.Wake() }))
		}
		listener := events.NewListener(cfg.Database.URL, pgStore, broker, opts...)
		g.Go(func() error { return listener.Run(gctx) })

		sweeper := liveness.NewSweeper(pgStore, hub, cfg.Agents.StaleTimeout, cfg.Agents.SweepInterval)
		g.Go(func() error { return sweeper.Run(gctx) })

		svc := jobs.NewService(pgStore, cfg.Jobs)
		poller := delivery.NewPoller(pgStore, cfg.Agents.TaskPollInterval, cfg.Agents.TaskPollMaxWait)
		ping := cfg.Events.PingInterval

		router := api.NewRouter(api.Dependencies{
			HealthHandler: healthHandler(pgStore, stream),

			EnqueueJob:  handler.NewEnqueueJobHandler(svc),
			RecordJob:   handler.NewRecordJobHandler(svc),
			ListJobs:    handler.NewListJobsHandler(pgStore),
			GetJob:      handler.NewGetJobHandler(pgStore),
			PatchJob:    handler.NewPatchJobHandler(pgStore),
			ListJobLogs: handler.NewListJobLogsHandler(pgStore),

			JobEvents:    handler.NewJobEventsHandler(broker, ping),
			JobLogEvents: handler.NewJobLogEventsHandler(broker, pgStore, ping),

			RegisterAgent: handler.NewRegisterAgentHandler(pgStore, handler.StreamSettings{MaxDeliver: cfg.Agents.StreamMaxDeliver}),
			ListAgents:    handler.NewListAgentsHandler(pgStore),
			PollTasks:     handler.NewPollTasksHandler(poller, tracker),
			ConnectAgent:  handler.NewConnectHandler(hub),
			ReportTask:    handler.NewReportTaskHandler(pgStore, tracker),
		})

		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		srv := &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			// event streams, long-polls and websockets hold responses open
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		}

		g.Go(func() error {
			slog.Info("server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			slog.Info("shutdown signal received, draining connections...")
			hub.Close()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("bootfleet stopped gracefully", "mode", m.String())
	return nil
}

// livePusher picks the live transport. Agents connect to serve processes; a
// worker-only process has no hub and relays pushes to them through the database.
func livePusher(hub *delivery.Hub, announcer delivery.TaskAnnouncer) delivery.LivePusher {
	if hub != nil {
		return hub
	}
	return delivery.NewRelay(announcer)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and redis connectivity.
func healthHandler(db, redis Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"redis":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := redis.Ping(r.Context()); err != nil {
			checks["redis"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["redis"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
