package orchestrator

import (
	"context"
	"fmt"
	"strings"

	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
	"github.com/yungbote/appbuild-orchestrator/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/appbuild-orchestrator/internal/pkg/errors"
)

const cancelledByUser = "Cancelled by user"

// CompletePlatform records an artifact URL pushed by the CI run. The job
// becomes COMPLETED once every requested platform has a URL. Deliveries for a
// job that is already terminal are accepted without effect (applied=false).
func (e *Engine) CompletePlatform(ctx context.Context, jobID string, platform types.Platform, url string) (bool, *types.BuildJob, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return false, nil, fmt.Errorf("%w: download url required", pkgerrors.ErrInvalidArgument)
	}
	dbc := dbctx.Background(ctx)
	job, err := e.load(dbc, jobID)
	if err != nil {
		return false, nil, err
	}
	if !targets(job.Platform, platform) {
		return false, job, fmt.Errorf("%w: platform %s was not requested for %s", pkgerrors.ErrInvalidArgument, platform, job.ID)
	}
	if job.Status.Terminal() {
		e.log.Debug("Completion for terminal job ignored", "job_id", job.ID, "status", job.Status, "platform", platform)
		return false, job, nil
	}
	if job.Status != types.StatusBuilding {
		return false, job, fmt.Errorf("%w: job %s is %s", pkgerrors.ErrNotReady, job.ID, job.Status)
	}

	if job.ResultURL(platform) != url {
		applied, err := e.jobs.UpdateFieldsIfStatus(dbc, job.ID, []types.Status{types.StatusBuilding},
			map[string]interface{}{urlColumn(platform): url})
		if err != nil {
			return false, nil, fmt.Errorf("record artifact: %w", err)
		}
		if !applied {
			// Raced with a terminal write.
			job, err = e.load(dbc, jobID)
			return false, job, err
		}
	}

	job, err = e.load(dbc, jobID)
	if err != nil {
		return false, nil, err
	}
	if !job.HasAllArtifacts() {
		e.reloadAndPublish(ctx, job.ID)
		return true, job, nil
	}
	e.writeTerminal(ctx, job.ID, map[string]interface{}{
		"status":       types.StatusCompleted,
		"progress":     types.ProgressDone,
		"error":        nil,
		"completed_at": e.now().UTC(),
	}, types.StatusCompleted)
	job, err = e.load(dbc, jobID)
	return true, job, err
}

// FailFromProvider records a failure pushed by the CI run.
func (e *Engine) FailFromProvider(ctx context.Context, jobID string, reason string) (bool, *types.BuildJob, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "CI build failed"
	}
	dbc := dbctx.Background(ctx)
	job, err := e.load(dbc, jobID)
	if err != nil {
		return false, nil, err
	}
	if job.Status.Terminal() {
		return false, job, nil
	}
	if job.Status != types.StatusBuilding {
		return false, job, fmt.Errorf("%w: job %s is %s", pkgerrors.ErrNotReady, job.ID, job.Status)
	}
	applied := e.writeTerminal(ctx, job.ID, e.failUpdates(reason), types.StatusFailed)
	job, err = e.load(dbc, jobID)
	return applied, job, err
}

// Cancel moves a non-terminal job to CANCELLED. In-flight CI work is not
// aborted; the run's eventual outcome is simply never recorded.
func (e *Engine) Cancel(ctx context.Context, jobID string) (*types.BuildJob, error) {
	dbc := dbctx.Background(ctx)
	job, err := e.load(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, fmt.Errorf("%w: job %s is already %s", pkgerrors.ErrInvalidArgument, job.ID, job.Status)
	}
	applied, err := e.jobs.UpdateFieldsIfStatus(dbc, job.ID, types.ActiveStatuses, map[string]interface{}{
		"status":       types.StatusCancelled,
		"error":        cancelledByUser,
		"completed_at": e.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", job.ID, err)
	}
	job, err = e.load(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if !applied {
		return job, fmt.Errorf("%w: job %s is already %s", pkgerrors.ErrInvalidArgument, job.ID, job.Status)
	}
	e.metrics.ObserveTransition(types.StatusCancelled)
	e.log.Info("Build cancelled", "job_id", job.ID)
	e.publish(ctx, job)
	return job, nil
}

func (e *Engine) load(dbc dbctx.Context, jobID string) (*types.BuildJob, error) {
	job, err := e.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: build %s", pkgerrors.ErrNotFound, jobID)
	}
	return job, nil
}

func targets(requested, p types.Platform) bool {
	for _, t := range requested.Targets() {
		if t == p {
			return true
		}
	}
	return false
}
