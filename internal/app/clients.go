package app

import (
	"fmt"
	"strings"

	"github.com/yungbote/appbuild-orchestrator/internal/clients/ci"
	"github.com/yungbote/appbuild-orchestrator/internal/clients/github"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
	"github.com/yungbote/appbuild-orchestrator/internal/realtime/bus"
)

type Clients struct {
	// Provider is nil when github credentials are not configured; the
	// scheduler refuses to start without it.
	Provider ci.Provider
	Events   bus.Bus
}

func wireClients(log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")
	var out Clients

	if err := cfg.ValidateProvider(); err != nil {
		log.Warn("GitHub provider not configured; dispatching disabled", "error", err)
	} else {
		gh, err := github.NewClient(github.Config{
			BaseURL:           cfg.GitHub.BaseURL,
			WebURL:            cfg.GitHub.WebURL,
			Owner:             cfg.GitHub.Owner,
			Repo:              cfg.GitHub.Repo,
			Token:             cfg.GitHub.Token,
			Workflow:          cfg.GitHub.Workflow,
			Ref:               cfg.GitHub.Ref,
			RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
			HTTPTimeout:       cfg.GitHub.HTTPTimeout,
		}, log)
		if err != nil {
			return Clients{}, fmt.Errorf("init github client: %w", err)
		}
		out.Provider = gh
	}

	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		events, err := bus.NewRedisBus(bus.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, log)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis bus: %w", err)
		}
		out.Events = events
	} else {
		out.Events = bus.NewMemoryBus()
	}
	return out, nil
}

func (c Clients) Close() error {
	if c.Events == nil {
		return nil
	}
	return c.Events.Close()
}
