package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/appbuild-orchestrator/internal/data/db"
	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
	apphttp "github.com/yungbote/appbuild-orchestrator/internal/http"
	"github.com/yungbote/appbuild-orchestrator/internal/observability"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
	"github.com/yungbote/appbuild-orchestrator/internal/realtime"
)

// Options selects which long-running components Run starts.
type Options struct {
	HTTP      bool
	Scheduler bool
}

type App struct {
	Log      *logger.Logger
	Cfg      Config
	DB       *db.Service
	Repos    Repos
	Clients  Clients
	Services Services
	Metrics  *observability.Metrics
	Server   *apphttp.Server
	Hub      *realtime.Hub

	opts         Options
	otelShutdown func(context.Context) error
}

func New(cfg Config, opts Options) (*App, error) {
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if opts.Scheduler {
		if err := cfg.ValidateProvider(); err != nil {
			log.Sync()
			return nil, err
		}
	}

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		Enabled:     cfg.Otel.Enabled,
		ServiceName: cfg.Otel.ServiceName,
		Environment: cfg.Otel.Environment,
		Endpoint:    cfg.Otel.Endpoint,
		Headers:     observability.ParseHeaders(cfg.Otel.Headers),
		Insecure:    cfg.Otel.Insecure,
		SampleRatio: cfg.Otel.SampleRatio,
	})

	database, err := db.NewService(cfg.dbConfig(), log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init db: %w", err)
	}
	if cfg.DB.AutoMigrate {
		if err := database.AutoMigrateAll(); err != nil {
			_ = database.Close()
			log.Sync()
			return nil, fmt.Errorf("db automigrate: %w", err)
		}
	}

	repos := wireRepos(database.DB(), log)
	clients, err := wireClients(log, cfg)
	if err != nil {
		_ = database.Close()
		log.Sync()
		return nil, err
	}
	metrics := observability.NewMetrics()
	svc := wireServices(log, cfg, repos, clients, metrics)

	a := &App{
		Log:          log,
		Cfg:          cfg,
		DB:           database,
		Repos:        repos,
		Clients:      clients,
		Services:     svc,
		Metrics:      metrics,
		opts:         opts,
		otelShutdown: otelShutdown,
	}
	if opts.HTTP {
		a.Hub = realtime.NewHub(log)
		a.Server = apphttp.NewServer(cfg.HTTP.Addr, wireRouterConfig(log, cfg, svc, database, metrics, a.Hub))
	}
	return a, nil
}

// Run blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil {
		return errors.New("app not initialized")
	}
	g, gctx := errgroup.WithContext(ctx)

	if a.opts.Scheduler {
		if err := a.Services.Scheduler.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), a.Cfg.Orchestrator.DispatchTimeout+5*time.Second)
			defer cancel()
			a.Services.Scheduler.Stop(stopCtx)
			return nil
		})
	}

	if err := a.Clients.Events.StartForwarder(gctx, func(ev types.BuildEvent) {
		a.Log.Debug("Build event", "job_id", ev.JobID, "status", ev.Status, "progress", ev.Progress)
		if a.Hub != nil {
			a.Hub.Broadcast(ev)
		}
	}); err != nil {
		a.Log.Warn("Event forwarder not started", "error", err)
	}

	if a.Server != nil {
		g.Go(func() error {
			a.Log.Info("HTTP server listening", "addr", a.Cfg.HTTP.Addr)
			return a.Server.Run(gctx)
		})
	}
	return g.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	if err := a.Clients.Close(); err != nil {
		a.Log.Warn("Close event bus failed", "error", err)
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("Otel shutdown failed", "error", err)
		}
		cancel()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Log.Warn("Close db failed", "error", err)
		}
	}
	a.Log.Sync()
}
