package builds

import "time"

// StatusView is the caller-facing projection of a job.
type StatusView struct {
	ID          string     `json:"id" yaml:"id"`
	AppID       string     `json:"appId" yaml:"appId"`
	Platform    Platform   `json:"platform" yaml:"platform"`
	Status      Status     `json:"status" yaml:"status"`
	Progress    int        `json:"progress" yaml:"progress"`
	RetryCount  int        `json:"retryCount" yaml:"retryCount"`
	RunURL      string     `json:"runUrl,omitempty" yaml:"runUrl,omitempty"`
	AndroidURL  string     `json:"androidUrl,omitempty" yaml:"androidUrl,omitempty"`
	IOSURL      string     `json:"iosUrl,omitempty" yaml:"iosUrl,omitempty"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt" yaml:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
}

func ViewOf(j *BuildJob) *StatusView {
	if j == nil {
		return nil
	}
	v := &StatusView{
		ID:          j.ID,
		AppID:       j.AppID,
		Platform:    j.Platform,
		Status:      j.Status,
		Progress:    j.Progress,
		RetryCount:  j.RetryCount,
		AndroidURL:  j.ResultURL(PlatformAndroid),
		IOSURL:      j.ResultURL(PlatformIOS),
		Error:       j.ErrorMessage(),
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.ExternalRunURL != nil {
		v.RunURL = *j.ExternalRunURL
	}
	return v
}

func ViewsOf(jobs []*BuildJob) []*StatusView {
	out := make([]*StatusView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, ViewOf(j))
	}
	return out
}
