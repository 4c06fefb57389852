package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/appbuild-orchestrator/internal/http/handlers"
	httpMW "github.com/yungbote/appbuild-orchestrator/internal/http/middleware"
	"github.com/yungbote/appbuild-orchestrator/internal/observability"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	ServiceName string
	CORSOrigins []string
	Metrics     *observability.Metrics

	BuildHandler   *httpH.BuildHandler
	WebhookHandler *httpH.WebhookHandler
	WebhookAuth    *httpMW.WebhookAuth
	HealthHandler  *httpH.HealthHandler
	StreamHandler  *httpH.StreamHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext("http"))
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api")
	{
		// Builds
		if cfg.BuildHandler != nil {
			api.POST("/builds", cfg.BuildHandler.StartBuild)
			api.GET("/builds/:id", cfg.BuildHandler.GetBuild)
			api.POST("/builds/:id/cancel", cfg.BuildHandler.CancelBuild)
			api.GET("/builds/:id/download", cfg.BuildHandler.Download)
			api.GET("/apps/:appId/builds", cfg.BuildHandler.ListAppBuilds)
		}
		if cfg.StreamHandler != nil {
			api.GET("/builds/:id/events", cfg.StreamHandler.BuildEvents)
		}
	}

	hooks := api.Group("/webhooks/builds")
	{
		if cfg.WebhookAuth != nil {
			hooks.Use(cfg.WebhookAuth.Require())
		}
		if cfg.WebhookHandler != nil {
			hooks.POST("/complete", cfg.WebhookHandler.Complete)
			hooks.POST("/fail", cfg.WebhookHandler.Fail)
		}
	}

	return r
}
