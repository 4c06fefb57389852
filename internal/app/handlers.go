package app

import (
	"github.com/yungbote/appbuild-orchestrator/internal/data/db"
	apphttp "github.com/yungbote/appbuild-orchestrator/internal/http"
	httpH "github.com/yungbote/appbuild-orchestrator/internal/http/handlers"
	httpMW "github.com/yungbote/appbuild-orchestrator/internal/http/middleware"
	"github.com/yungbote/appbuild-orchestrator/internal/observability"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
	"github.com/yungbote/appbuild-orchestrator/internal/realtime"
)

func wireRouterConfig(log *logger.Logger, cfg Config, svc Services, database *db.Service, metrics *observability.Metrics, hub *realtime.Hub) apphttp.RouterConfig {
	log.Info("Wiring handlers...")
	if cfg.Webhook.Secret == "" {
		log.Warn("Webhook secret not configured; webhook endpoints will reject every request")
	}
	rc := apphttp.RouterConfig{
		Log:            log,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		BuildHandler:   httpH.NewBuildHandler(svc.Builds),
		WebhookHandler: httpH.NewWebhookHandler(svc.Builds, metrics),
		WebhookAuth:    httpMW.NewWebhookAuth(log, cfg.Webhook.Secret),
		HealthHandler:  httpH.NewHealthHandler(database),
		StreamHandler:  httpH.NewStreamHandler(svc.Builds, hub),
	}
	if cfg.Metrics.Enabled {
		rc.Metrics = metrics
	}
	if cfg.Otel.Enabled {
		rc.ServiceName = cfg.Otel.ServiceName
	}
	return rc
}
