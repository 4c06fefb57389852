package builds

import "time"

// BuildEvent is published on every status transition.
type BuildEvent struct {
	JobID      string    `json:"job_id"`
	AppID      string    `json:"app_id"`
	UserID     string    `json:"user_id"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"`
	AndroidURL string    `json:"android_url,omitempty"`
	IOSURL     string    `json:"ios_url,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

func EventFor(j *BuildJob) BuildEvent {
	return BuildEvent{
		JobID:      j.ID,
		AppID:      j.AppID,
		UserID:     j.UserID,
		Status:     j.Status,
		Progress:   j.Progress,
		AndroidURL: j.ResultURL(PlatformAndroid),
		IOSURL:     j.ResultURL(PlatformIOS),
		Error:      j.ErrorMessage(),
		At:         j.UpdatedAt,
	}
}
