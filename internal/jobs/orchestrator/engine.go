package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/appbuild-orchestrator/internal/clients/ci"
	appsrepo "github.com/yungbote/appbuild-orchestrator/internal/data/repos/apps"
	buildsrepo "github.com/yungbote/appbuild-orchestrator/internal/data/repos/builds"
	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
	"github.com/yungbote/appbuild-orchestrator/internal/observability"
	"github.com/yungbote/appbuild-orchestrator/internal/pkg/dbctx"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
	"github.com/yungbote/appbuild-orchestrator/internal/realtime/bus"
)

// Engine is the reconciliation core. It holds no job state of its own: every
// decision is re-read from the store and every write is a conditional UPDATE,
// so any number of engines may run against the same database.
type Engine struct {
	log      *logger.Logger
	cfg      Config
	jobs     buildsrepo.BuildJobRepo
	apps     appsrepo.AppRecordRepo
	provider ci.Provider
	events   bus.Bus
	metrics  *observability.Metrics

	now      func() time.Time
	newToken func() string
}

func NewEngine(
	cfg Config,
	baseLog *logger.Logger,
	jobs buildsrepo.BuildJobRepo,
	apps appsrepo.AppRecordRepo,
	provider ci.Provider,
	events bus.Bus,
	metrics *observability.Metrics,
) *Engine {
	if events == nil {
		events = bus.NewNoopBus()
	}
	return &Engine{
		log:      baseLog.With("component", "BuildOrchestrator"),
		cfg:      cfg.withDefaults(),
		jobs:     jobs,
		apps:     apps,
		provider: provider,
		events:   events,
		metrics:  metrics,
		now:      time.Now,
		newToken: func() string { return uuid.NewString() },
	}
}

func (e *Engine) Config() Config { return e.cfg }

// -------------------- claim + dispatch --------------------

// ClaimTick claims up to ClaimBatch of the oldest PENDING jobs and dispatches
// each one. It returns the number of jobs this engine claimed.
func (e *Engine) ClaimTick(ctx context.Context) (int, error) {
	start := e.now()
	ctx, span := observability.Tracer().Start(ctx, "orchestrator.claim_tick")
	defer span.End()
	defer func() { e.metrics.ObserveTick("claim", e.now().Sub(start)) }()

	dbc := dbctx.Background(ctx)
	claimed := 0
	for i := 0; i < e.cfg.ClaimBatch; i++ {
		if ctx.Err() != nil {
			return claimed, ctx.Err()
		}
		next, err := e.jobs.NextPending(dbc)
		if err != nil {
			return claimed, fmt.Errorf("next pending: %w", err)
		}
		if next == nil {
			break
		}
		token := e.newToken()
		ok, err := e.jobs.Claim(dbc, next.ID, token)
		if err != nil {
			return claimed, fmt.Errorf("claim %s: %w", next.ID, err)
		}
		if !ok {
			// Another engine won the race; the job is theirs.
			e.log.Debug("Claim lost", "job_id", next.ID)
			continue
		}
		claimed++
		e.metrics.ObserveTransition(types.StatusRunning)

		job, err := e.jobs.GetByID(dbc, next.ID)
		if err != nil || job == nil {
			// Recovery picks it up once the claim goes stale.
			e.log.Warn("Reload after claim failed", "job_id", next.ID, "error", err)
			continue
		}
		e.publish(ctx, job)
		e.safeDispatch(ctx, job, token)
	}
	span.SetAttributes(attribute.Int("claimed", claimed))
	return claimed, nil
}

func (e *Engine) safeDispatch(ctx context.Context, job *types.BuildJob, token string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Dispatch panic", "job_id", job.ID, "panic", r)
		}
	}()
	e.dispatch(ctx, job, token)
}

func (e *Engine) dispatch(ctx context.Context, job *types.BuildJob, token string) {
	dbc := dbctx.Background(ctx)
	log := e.log.With("job_id", job.ID, "attempt", job.RetryCount+1)

	app, err := e.apps.GetByID(dbc, job.AppID)
	if err != nil {
		log.Warn("Load app record failed; leaving job for recovery", "app_id", job.AppID, "error", err)
		return
	}
	if app == nil {
		e.failDispatch(ctx, job, token, fmt.Errorf("app %s not found", job.AppID), false)
		return
	}

	req := ci.RequestFor(job, app)
	inputs, _ := json.Marshal(req.Inputs())

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	res, err := e.provider.Dispatch(callCtx, req)
	cancel()
	if err == nil && res.RunID == "" {
		err = fmt.Errorf("provider returned no run id")
	}
	if err != nil {
		e.metrics.ObserveDispatch("failure")
		log.Warn("Dispatch failed", "transient", ci.IsTransient(err), "error", err)
		e.failDispatch(ctx, job, token, err, true)
		return
	}
	e.metrics.ObserveDispatch("success")

	updates := map[string]interface{}{
		"status":          types.StatusBuilding,
		"external_run_id": res.RunID,
		"progress":        types.ProgressDispatched,
		"dispatch_inputs": datatypes.JSON(inputs),
		"error":           nil,
	}
	if res.RunURL != "" {
		updates["external_run_url"] = res.RunURL
	}
	applied, err := e.jobs.UpdateFieldsIfClaimed(dbc, job.ID, token, updates)
	if err != nil {
		// The CI run exists but we could not record it. Recovery will requeue
		// and a second run may be started; the stale one is never polled.
		log.Error("Record dispatch failed", "run_id", res.RunID, "error", err)
		return
	}
	if !applied {
		log.Warn("Dispatch confirmed but job no longer owned", "run_id", res.RunID)
		return
	}
	log.Info("Build dispatched", "run_id", res.RunID)
	e.metrics.ObserveTransition(types.StatusBuilding)
	e.reloadAndPublish(ctx, job.ID)
}

// failDispatch either returns the job to PENDING (retry budget left and the
// failure is retryable) or fails it for good. Both writes are fenced on the
// claim token.
func (e *Engine) failDispatch(ctx context.Context, job *types.BuildJob, token string, cause error, retryable bool) {
	dbc := dbctx.Background(ctx)
	attempts := job.RetryCount + 1

	if retryable && job.RetryCount < e.cfg.MaxRetries {
		applied, err := e.jobs.UpdateFieldsIfClaimed(dbc, job.ID, token, requeueUpdates(cause.Error()))
		if err != nil {
			e.log.Error("Requeue after dispatch failure failed", "job_id", job.ID, "error", err)
			return
		}
		if applied {
			e.metrics.ObserveRequeue()
			e.metrics.ObserveTransition(types.StatusPending)
			e.log.Info("Build requeued", "job_id", job.ID, "retry_count", attempts)
			e.reloadAndPublish(ctx, job.ID)
		}
		return
	}

	msg := fmt.Sprintf("dispatch failed after %d attempts (retries exhausted): %v", attempts, cause)
	if !retryable {
		msg = fmt.Sprintf("dispatch failed: %v", cause)
	}
	applied, err := e.jobs.UpdateFieldsIfClaimed(dbc, job.ID, token, e.failUpdates(msg))
	if err != nil {
		e.log.Error("Fail after dispatch failure failed", "job_id", job.ID, "error", err)
		return
	}
	if applied {
		e.metrics.ObserveTransition(types.StatusFailed)
		e.log.Warn("Build failed", "job_id", job.ID, "reason", msg)
		e.reloadAndPublish(ctx, job.ID)
	}
}

func requeueUpdates(lastErr string) map[string]interface{} {
	return map[string]interface{}{
		"status":      types.StatusPending,
		"retry_count": gorm.Expr("retry_count + 1"),
		"progress":    types.ProgressQueued,
		"claim_token": nil,
		"claimed_at":  nil,
		"error":       lastErr,
	}
}

func (e *Engine) failUpdates(msg string) map[string]interface{} {
	return map[string]interface{}{
		"status":       types.StatusFailed,
		"error":        msg,
		"completed_at": e.now().UTC(),
	}
}

// -------------------- poll, timeout, recovery --------------------

// PollTick runs one reconciliation pass over every active job: timeouts
// first, then stuck-RUNNING recovery, then provider polls for BUILDING jobs.
func (e *Engine) PollTick(ctx context.Context) error {
	start := e.now()
	ctx, span := observability.Tracer().Start(ctx, "orchestrator.poll_tick")
	defer span.End()
	defer func() { e.metrics.ObserveTick("poll", e.now().Sub(start)) }()

	dbc := dbctx.Background(ctx)
	active, err := e.jobs.ListByStatus(dbc, []types.Status{types.StatusRunning, types.StatusBuilding}, 0)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	span.SetAttributes(attribute.Int("active", len(active)))

	polled := 0
	for _, job := range active {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		now := e.now()
		switch {
		case now.Sub(job.CreatedAt) >= e.cfg.BuildTimeout:
			e.timeout(ctx, job)
		case job.Status == types.StatusRunning:
			e.recoverStuck(ctx, job, now)
		case job.Status == types.StatusBuilding && polled < e.cfg.PollBatch:
			polled++
			e.safePoll(ctx, job)
		}
	}
	return nil
}

func (e *Engine) timeout(ctx context.Context, job *types.BuildJob) {
	msg := fmt.Sprintf("build timed out after %s", e.cfg.BuildTimeout)
	applied, err := e.jobs.UpdateFieldsIfStatus(dbctx.Background(ctx), job.ID,
		[]types.Status{types.StatusRunning, types.StatusBuilding}, e.failUpdates(msg))
	if err != nil {
		e.log.Error("Timeout write failed", "job_id", job.ID, "error", err)
		return
	}
	if applied {
		e.metrics.ObserveTransition(types.StatusFailed)
		e.log.Warn("Build timed out", "job_id", job.ID, "timeout", e.cfg.BuildTimeout.String())
		e.reloadAndPublish(ctx, job.ID)
	}
}

// recoverStuck handles jobs whose claimer died between claim and the
// dispatch confirmation write.
func (e *Engine) recoverStuck(ctx context.Context, job *types.BuildJob, now time.Time) {
	if job.RunID() != "" {
		return
	}
	if job.ClaimedAt != nil && now.Sub(*job.ClaimedAt) < e.cfg.StuckGrace() {
		return
	}
	if job.ClaimedAt == nil && now.Sub(job.UpdatedAt) < e.cfg.StuckGrace() {
		return
	}

	dbc := dbctx.Background(ctx)
	updates := requeueUpdates("dispatch abandoned; requeued")
	next := types.StatusPending
	if job.RetryCount >= e.cfg.MaxRetries {
		updates = e.failUpdates("dispatch never completed")
		next = types.StatusFailed
	}

	var (
		applied bool
		err     error
	)
	if job.ClaimToken != nil && *job.ClaimToken != "" {
		applied, err = e.jobs.UpdateFieldsIfClaimed(dbc, job.ID, *job.ClaimToken, updates)
	} else {
		applied, err = e.jobs.UpdateFieldsIfStatus(dbc, job.ID, []types.Status{types.StatusRunning}, updates)
	}
	if err != nil {
		e.log.Error("Stuck recovery write failed", "job_id", job.ID, "error", err)
		return
	}
	if !applied {
		return
	}
	if next == types.StatusPending {
		e.metrics.ObserveRequeue()
	}
	e.metrics.ObserveTransition(next)
	e.log.Warn("Recovered stuck job", "job_id", job.ID, "to", next, "retry_count", job.RetryCount)
	e.reloadAndPublish(ctx, job.ID)
}

func (e *Engine) safePoll(ctx context.Context, job *types.BuildJob) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Poll panic", "job_id", job.ID, "panic", r)
		}
	}()
	e.poll(ctx, job)
}

func (e *Engine) poll(ctx context.Context, job *types.BuildJob) {
	runID := job.RunID()
	if runID == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	st, err := e.provider.PollStatus(callCtx, runID)
	cancel()
	if err != nil {
		// Transient or not, a failed poll is never treated as a build failure;
		// the timeout sweep bounds how long this can go on.
		e.metrics.ObservePoll("error")
		if ci.IsTransient(err) {
			e.log.Debug("Poll failed (transient)", "job_id", job.ID, "run_id", runID, "error", err)
		} else {
			e.log.Warn("Poll failed", "job_id", job.ID, "run_id", runID, "error", err)
		}
		return
	}
	e.metrics.ObservePoll(string(st.Phase))

	switch st.Phase {
	case ci.PhaseNotFound:
		return
	case ci.PhaseQueued:
		e.advance(ctx, job.ID, types.ProgressCIQueued)
	case ci.PhaseRunning:
		e.advance(ctx, job.ID, types.ProgressCIRunning)
	case ci.PhaseCompleted:
		e.finish(ctx, job, st)
	}
}

func (e *Engine) advance(ctx context.Context, id string, progress int) {
	applied, err := e.jobs.AdvanceProgress(dbctx.Background(ctx), id, progress)
	if err != nil {
		e.log.Warn("Advance progress failed", "job_id", id, "error", err)
		return
	}
	if applied {
		e.reloadAndPublish(ctx, id)
	}
}

func (e *Engine) finish(ctx context.Context, job *types.BuildJob, st ci.RunStatus) {
	if !st.Succeeded() {
		conclusion := st.Conclusion
		if conclusion == "" {
			conclusion = "unknown"
		}
		e.writeTerminal(ctx, job.ID, e.failUpdates("CI run concluded with "+conclusion), types.StatusFailed)
		return
	}

	updates := map[string]interface{}{
		"status":       types.StatusCompleted,
		"progress":     types.ProgressDone,
		"error":        nil,
		"completed_at": e.now().UTC(),
	}
	for _, p := range job.Platform.Targets() {
		url := job.ResultURL(p)
		if url == "" {
			url = st.Artifacts[p]
		}
		if url == "" {
			msg := fmt.Sprintf("CI run completed without artifact for %s", p)
			e.writeTerminal(ctx, job.ID, e.failUpdates(msg), types.StatusFailed)
			return
		}
		updates[urlColumn(p)] = url
	}
	if st.RunURL != "" && job.ExternalRunURL == nil {
		updates["external_run_url"] = st.RunURL
	}
	e.writeTerminal(ctx, job.ID, updates, types.StatusCompleted)
}

func (e *Engine) writeTerminal(ctx context.Context, id string, updates map[string]interface{}, to types.Status) bool {
	applied, err := e.jobs.UpdateFieldsIfStatus(dbctx.Background(ctx), id, []types.Status{types.StatusBuilding}, updates)
	if err != nil {
		e.log.Error("Terminal write failed", "job_id", id, "to", to, "error", err)
		return false
	}
	if !applied {
		return false
	}
	e.metrics.ObserveTransition(to)
	e.log.Info("Build finished", "job_id", id, "status", to)
	e.reloadAndPublish(ctx, id)
	return true
}

func urlColumn(p types.Platform) string {
	if p == types.PlatformIOS {
		return "ios_url"
	}
	return "android_url"
}

// -------------------- events --------------------

func (e *Engine) reloadAndPublish(ctx context.Context, id string) {
	job, err := e.jobs.GetByID(dbctx.Background(ctx), id)
	if err != nil || job == nil {
		e.log.Warn("Reload for event failed", "job_id", id, "error", err)
		return
	}
	e.publish(ctx, job)
}

func (e *Engine) publish(ctx context.Context, job *types.BuildJob) {
	if err := e.events.Publish(ctx, types.EventFor(job)); err != nil {
		e.log.Warn("Publish build event failed", "job_id", job.ID, "status", job.Status, "error", err)
	}
}
