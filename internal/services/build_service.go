package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	appsrepo "github.com/yungbote/appbuild-orchestrator/internal/data/repos/apps"
	buildsrepo "github.com/yungbote/appbuild-orchestrator/internal/data/repos/builds"
	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
	"github.com/yungbote/appbuild-orchestrator/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/appbuild-orchestrator/internal/pkg/errors"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/ctxutil"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
	"github.com/yungbote/appbuild-orchestrator/internal/realtime/bus"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
	// EstimatedBuildSeconds is the hint returned to callers on start.
	EstimatedBuildSeconds = 300
)

// BuildStateMachine is the subset of the orchestrator the query surface
// delegates state changes to.
type BuildStateMachine interface {
	Cancel(ctx context.Context, jobID string) (*types.BuildJob, error)
	CompletePlatform(ctx context.Context, jobID string, platform types.Platform, url string) (bool, *types.BuildJob, error)
	FailFromProvider(ctx context.Context, jobID string, reason string) (bool, *types.BuildJob, error)
}

type StartBuildInput struct {
	AppID    string
	UserID   string
	Platform string
}

type CompletionInput struct {
	BuildID     string
	Platform    string
	DownloadURL string
	RunID       string
}

type FailureInput struct {
	BuildID  string
	Platform string
	Error    string
}

type BuildService interface {
	Start(dbc dbctx.Context, in StartBuildInput) (*types.BuildJob, error)
	GetStatus(dbc dbctx.Context, jobID string) (*types.StatusView, error)
	ListHistory(dbc dbctx.Context, appID string, limit int) ([]*types.StatusView, error)
	Cancel(dbc dbctx.Context, jobID string) (*types.StatusView, error)
	DownloadURL(dbc dbctx.Context, jobID string, platform string) (string, error)
	CompleteFromWebhook(dbc dbctx.Context, in CompletionInput) (bool, *types.StatusView, error)
	FailFromWebhook(dbc dbctx.Context, in FailureInput) (bool, *types.StatusView, error)
}

type buildService struct {
	log        *logger.Logger
	jobs       buildsrepo.BuildJobRepo
	apps       appsrepo.AppRecordRepo
	machine    BuildStateMachine
	events     bus.Bus
	dailyQuota int
	now        func() time.Time
}

func NewBuildService(
	baseLog *logger.Logger,
	jobs buildsrepo.BuildJobRepo,
	apps appsrepo.AppRecordRepo,
	machine BuildStateMachine,
	events bus.Bus,
	dailyQuota int,
) BuildService {
	if events == nil {
		events = bus.NewNoopBus()
	}
	return &buildService{
		log:        baseLog.With("service", "BuildService"),
		jobs:       jobs,
		apps:       apps,
		machine:    machine,
		events:     events,
		dailyQuota: dailyQuota,
		now:        time.Now,
	}
}

func (s *buildService) Start(dbc dbctx.Context, in StartBuildInput) (*types.BuildJob, error) {
	appID := strings.TrimSpace(in.AppID)
	userID := strings.TrimSpace(in.UserID)
	if appID == "" || userID == "" {
		return nil, fmt.Errorf("%w: appId and userId are required", pkgerrors.ErrInvalidArgument)
	}
	platform, ok := types.ParsePlatform(strings.ToUpper(strings.TrimSpace(in.Platform)))
	if !ok {
		return nil, fmt.Errorf("%w: platform must be ANDROID, IOS or BOTH", pkgerrors.ErrInvalidArgument)
	}

	app, err := s.apps.GetByID(dbc, appID)
	if err != nil {
		return nil, fmt.Errorf("load app: %w", err)
	}
	if app == nil {
		return nil, fmt.Errorf("%w: app %s", pkgerrors.ErrNotFound, appID)
	}
	if app.UserID != userID {
		return nil, fmt.Errorf("%w: app %s belongs to another user", pkgerrors.ErrForbidden, appID)
	}
	if err := validateApp(app); err != nil {
		return nil, err
	}

	if s.dailyQuota > 0 {
		now := s.now().UTC()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		used, err := s.jobs.CountByUserSince(dbc, userID, midnight)
		if err != nil {
			return nil, fmt.Errorf("count builds: %w", err)
		}
		if used >= int64(s.dailyQuota) {
			return nil, fmt.Errorf("%w: %d of %d builds used today", pkgerrors.ErrQuotaExceeded, used, s.dailyQuota)
		}
	}

	job, err := s.jobs.Create(dbc, &types.BuildJob{
		ID:       "build_" + uuid.NewString(),
		AppID:    app.ID,
		UserID:   userID,
		Platform: platform,
		Status:   types.StatusPending,
		Progress: types.ProgressQueued,
	})
	if err != nil {
		return nil, fmt.Errorf("create build job: %w", err)
	}
	fields := append([]interface{}{"job_id", job.ID, "app_id", app.ID, "user_id", userID, "platform", platform}, ctxutil.LogFields(dbc.Ctx)...)
	s.log.Info("Build requested", fields...)
	if err := s.events.Publish(dbc.Ctx, types.EventFor(job)); err != nil {
		s.log.Warn("Publish build event failed", "job_id", job.ID, "error", err)
	}
	return job, nil
}

func validateApp(app *types.AppRecord) error {
	if strings.TrimSpace(app.AppName) == "" {
		return fmt.Errorf("%w: app name is required", pkgerrors.ErrInvalidArgument)
	}
	u, err := url.Parse(strings.TrimSpace(app.WebsiteURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: app website url must be an http(s) url", pkgerrors.ErrInvalidArgument)
	}
	return nil
}

func (s *buildService) GetStatus(dbc dbctx.Context, jobID string) (*types.StatusView, error) {
	job, err := s.load(dbc, jobID)
	if err != nil {
		return nil, err
	}
	return types.ViewOf(job), nil
}

func (s *buildService) ListHistory(dbc dbctx.Context, appID string, limit int) ([]*types.StatusView, error) {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return nil, fmt.Errorf("%w: appId is required", pkgerrors.ErrInvalidArgument)
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	jobs, err := s.jobs.ListByApp(dbc, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return types.ViewsOf(jobs), nil
}

func (s *buildService) Cancel(dbc dbctx.Context, jobID string) (*types.StatusView, error) {
	job, err := s.machine.Cancel(dbc.Ctx, strings.TrimSpace(jobID))
	if err != nil {
		return nil, err
	}
	return types.ViewOf(job), nil
}

func (s *buildService) DownloadURL(dbc dbctx.Context, jobID string, platform string) (string, error) {
	job, err := s.load(dbc, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != types.StatusCompleted {
		return "", fmt.Errorf("%w: build %s is %s", pkgerrors.ErrNotReady, job.ID, job.Status)
	}
	p, ok := types.ParsePlatform(strings.ToUpper(strings.TrimSpace(platform)))
	if !ok || p == types.PlatformBoth {
		return "", fmt.Errorf("%w: platform must be ANDROID or IOS", pkgerrors.ErrInvalidArgument)
	}
	u := job.ResultURL(p)
	if u == "" {
		return "", fmt.Errorf("%w: no %s artifact for build %s", pkgerrors.ErrNotFound, p, job.ID)
	}
	return u, nil
}

func (s *buildService) CompleteFromWebhook(dbc dbctx.Context, in CompletionInput) (bool, *types.StatusView, error) {
	p, ok := types.ParsePlatform(strings.ToUpper(strings.TrimSpace(in.Platform)))
	if !ok || p == types.PlatformBoth {
		return false, nil, fmt.Errorf("%w: platform must be ANDROID or IOS", pkgerrors.ErrInvalidArgument)
	}
	if strings.TrimSpace(in.BuildID) == "" {
		return false, nil, fmt.Errorf("%w: buildId is required", pkgerrors.ErrInvalidArgument)
	}
	applied, job, err := s.machine.CompletePlatform(dbc.Ctx, strings.TrimSpace(in.BuildID), p, in.DownloadURL)
	if err != nil {
		return false, nil, err
	}
	s.log.Info("Build completion received", append([]interface{}{"job_id", job.ID, "platform", p, "applied", applied, "run_id", in.RunID}, ctxutil.LogFields(dbc.Ctx)...)...)
	return applied, types.ViewOf(job), nil
}

func (s *buildService) FailFromWebhook(dbc dbctx.Context, in FailureInput) (bool, *types.StatusView, error) {
	id := strings.TrimSpace(in.BuildID)
	if id == "" {
		return false, nil, fmt.Errorf("%w: buildId is required", pkgerrors.ErrInvalidArgument)
	}
	reason := strings.TrimSpace(in.Error)
	if p := strings.TrimSpace(in.Platform); p != "" && reason != "" {
		reason = fmt.Sprintf("%s build failed: %s", strings.ToUpper(p), reason)
	}
	applied, job, err := s.machine.FailFromProvider(dbc.Ctx, id, reason)
	if err != nil {
		return false, nil, err
	}
	s.log.Info("Build failure received", append([]interface{}{"job_id", job.ID, "applied", applied}, ctxutil.LogFields(dbc.Ctx)...)...)
	return applied, types.ViewOf(job), nil
}

func (s *buildService) load(dbc dbctx.Context, jobID string) (*types.BuildJob, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("%w: build id is required", pkgerrors.ErrInvalidArgument)
	}
	job, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, fmt.Errorf("load build: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: build %s", pkgerrors.ErrNotFound, jobID)
	}
	return job, nil
}
