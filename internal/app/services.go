package app

import (
	"github.com/yungbote/appbuild-orchestrator/internal/jobs/orchestrator"
	"github.com/yungbote/appbuild-orchestrator/internal/observability"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
	"github.com/yungbote/appbuild-orchestrator/internal/services"
)

type Services struct {
	Engine    *orchestrator.Engine
	Scheduler *orchestrator.Scheduler
	Builds    services.BuildService
}

func wireServices(log *logger.Logger, cfg Config, repos Repos, clients Clients, metrics *observability.Metrics) Services {
	log.Info("Wiring services...")
	engine := orchestrator.NewEngine(
		cfg.orchestratorConfig(),
		log,
		repos.Builds,
		repos.Apps,
		clients.Provider,
		clients.Events,
		metrics,
	)
	return Services{
		Engine:    engine,
		Scheduler: orchestrator.NewScheduler(engine, log),
		Builds:    services.NewBuildService(log, repos.Builds, repos.Apps, engine, clients.Events, cfg.Quota.DailyBuilds),
	}
}
