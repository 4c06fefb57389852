package builds

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusBuilding  Status = "BUILDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ActiveStatuses are the states a caller may still cancel from.
var ActiveStatuses = []Status{StatusPending, StatusRunning, StatusBuilding}

type Platform string

const (
	PlatformAndroid Platform = "ANDROID"
	PlatformIOS     Platform = "IOS"
	PlatformBoth    Platform = "BOTH"
)

func ParsePlatform(raw string) (Platform, bool) {
	switch p := Platform(raw); p {
	case PlatformAndroid, PlatformIOS, PlatformBoth:
		return p, true
	}
	return "", false
}

// Targets expands BOTH into the concrete platforms an artifact is required for.
func (p Platform) Targets() []Platform {
	switch p {
	case PlatformBoth:
		return []Platform{PlatformAndroid, PlatformIOS}
	case PlatformAndroid, PlatformIOS:
		return []Platform{p}
	}
	return nil
}

// Progress checkpoints. Advisory only; status is authoritative.
const (
	ProgressQueued     = 0
	ProgressDispatched = 25
	ProgressCIQueued   = 40
	ProgressCIRunning  = 65
	ProgressDone       = 100
)

type BuildJob struct {
	ID             string         `gorm:"column:id;primaryKey;size:64" json:"id"`
	AppID          string         `gorm:"column:app_id;not null;index" json:"app_id"`
	UserID         string         `gorm:"column:user_id;not null;index" json:"user_id"`
	Platform       Platform       `gorm:"column:platform;not null;size:16" json:"platform"`
	Status         Status         `gorm:"column:status;not null;size:16;index" json:"status"`
	Progress       int            `gorm:"column:progress;not null;default:0" json:"progress"`
	RetryCount     int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	ClaimToken     *string        `gorm:"column:claim_token;size:64" json:"-"`
	ClaimedAt      *time.Time     `gorm:"column:claimed_at;index" json:"claimed_at,omitempty"`
	ExternalRunID  *string        `gorm:"column:external_run_id;size:64" json:"external_run_id,omitempty"`
	ExternalRunURL *string        `gorm:"column:external_run_url" json:"external_run_url,omitempty"`
	DispatchInputs datatypes.JSON `gorm:"column:dispatch_inputs" json:"dispatch_inputs,omitempty"`
	AndroidURL     *string        `gorm:"column:android_url" json:"android_url,omitempty"`
	IOSURL         *string        `gorm:"column:ios_url" json:"ios_url,omitempty"`
	Error          *string        `gorm:"column:error" json:"error,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
	CompletedAt    *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (BuildJob) TableName() string { return "build_jobs" }

// ResultURL returns the stored artifact URL for one concrete platform.
func (j *BuildJob) ResultURL(p Platform) string {
	var v *string
	switch p {
	case PlatformAndroid:
		v = j.AndroidURL
	case PlatformIOS:
		v = j.IOSURL
	}
	if v == nil {
		return ""
	}
	return *v
}

// HasAllArtifacts reports whether every requested platform has a result URL.
func (j *BuildJob) HasAllArtifacts() bool {
	targets := j.Platform.Targets()
	if len(targets) == 0 {
		return false
	}
	for _, p := range targets {
		if j.ResultURL(p) == "" {
			return false
		}
	}
	return true
}

func (j *BuildJob) RunID() string {
	if j.ExternalRunID == nil {
		return ""
	}
	return *j.ExternalRunID
}

func (j *BuildJob) ErrorMessage() string {
	if j.Error == nil {
		return ""
	}
	return *j.Error
}
