package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
)

// Scheduler drives the two reconciliation loops on independent schedules.
// SkipIfStillRunning keeps a slow tick from overlapping its successor.
type Scheduler struct {
	log    *logger.Logger
	engine *Engine
	cron   *cron.Cron

	mu      sync.Mutex
	running bool
	ctx     context.Context
}

func NewScheduler(engine *Engine, baseLog *logger.Logger) *Scheduler {
	log := baseLog.With("component", "BuildScheduler")
	return &Scheduler{
		log:    log,
		engine: engine,
		cron: cron.New(cron.WithChain(
			cron.Recover(log.Cron()),
			cron.SkipIfStillRunning(log.Cron()),
		)),
	}
}

// Start registers the claim and poll loops and starts the cron runner. The
// ctx bounds every tick; cancelling it makes in-flight ticks return early.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx = ctx
	cfg := s.engine.Config()

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", cfg.ClaimInterval), s.claim); err != nil {
		return fmt.Errorf("schedule claim loop: %w", err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", cfg.PollInterval), s.poll); err != nil {
		return fmt.Errorf("schedule poll loop: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.log.Info("Build scheduler started",
		"claim_interval", cfg.ClaimInterval.String(),
		"poll_interval", cfg.PollInterval.String(),
		"build_timeout", cfg.BuildTimeout.String(),
		"max_retries", cfg.MaxRetries,
	)
	return nil
}

// Stop halts scheduling and blocks until running ticks finish or ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("Build scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("Build scheduler stop timed out", "error", ctx.Err())
	}
}

func (s *Scheduler) claim() {
	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.engine.ClaimTick(s.ctx); err != nil && s.ctx.Err() == nil {
		s.log.Warn("Claim tick failed", "error", err)
	}
}

func (s *Scheduler) poll() {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.engine.PollTick(s.ctx); err != nil && s.ctx.Err() == nil {
		s.log.Warn("Poll tick failed", "error", err)
	}
}
