// Package ci describes the external build provider the orchestrator hands
// claimed jobs to. Implementations must keep "unknown, try again" (transient)
// errors distinguishable from definitive answers.
package ci

import (
	"context"

	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
	"github.com/yungbote/appbuild-orchestrator/internal/pkg/httpx"
)

type Phase string

const (
	// PhaseNotFound means the provider does not know the run yet. It is
	// neutral: eventual consistency right after dispatch, not a failure.
	PhaseNotFound  Phase = "not_found"
	PhaseQueued    Phase = "queued"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
)

const ConclusionSuccess = "success"

type DispatchRequest struct {
	JobID           string
	AppID           string
	AppName         string
	WebsiteURL      string
	Platform        types.Platform
	PackageID       string
	PrimaryColor    string
	SecondaryColor  string
	IconURL         string
	SplashScreenURL string
}

// Inputs renders the request as workflow inputs. Providers cap the number of
// inputs, so keep this list short.
func (r DispatchRequest) Inputs() map[string]string {
	return map[string]string{
		"buildId":         r.JobID,
		"appId":           r.AppID,
		"appName":         r.AppName,
		"websiteUrl":      r.WebsiteURL,
		"platform":        string(r.Platform),
		"packageId":       r.PackageID,
		"primaryColor":    r.PrimaryColor,
		"secondaryColor":  r.SecondaryColor,
		"iconUrl":         r.IconURL,
		"splashScreenUrl": r.SplashScreenURL,
	}
}

func RequestFor(job *types.BuildJob, app *types.AppRecord) DispatchRequest {
	primary, secondary := app.Colors()
	return DispatchRequest{
		JobID:           job.ID,
		AppID:           app.ID,
		AppName:         app.AppName,
		WebsiteURL:      app.WebsiteURL,
		Platform:        job.Platform,
		PackageID:       app.PackageID(),
		PrimaryColor:    primary,
		SecondaryColor:  secondary,
		IconURL:         app.IconURL,
		SplashScreenURL: app.SplashScreenURL,
	}
}

type DispatchResult struct {
	RunID  string
	RunURL string
}

type RunStatus struct {
	Phase      Phase
	Conclusion string
	RunURL     string
	Artifacts  map[types.Platform]string
}

func (s RunStatus) Succeeded() bool {
	return s.Phase == PhaseCompleted && s.Conclusion == ConclusionSuccess
}

type Provider interface {
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error)
	PollStatus(ctx context.Context, runID string) (RunStatus, error)
}

// IsTransient reports whether a provider error should simply be retried on
// the next tick without consuming retry budget.
func IsTransient(err error) bool { return httpx.IsRetryableError(err) }
