package apierr

import (
	"errors"
	"fmt"
	"net/http"

	apperr "github.com/yungbote/appbuild-orchestrator/internal/pkg/errors"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// From maps service-layer sentinels onto HTTP status + code. Unknown errors become 500.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return New(http.StatusNotFound, "not_found", err)
	case errors.Is(err, apperr.ErrForbidden):
		return New(http.StatusForbidden, "forbidden", err)
	case errors.Is(err, apperr.ErrInvalidArgument):
		return New(http.StatusBadRequest, "bad_request", err)
	case errors.Is(err, apperr.ErrNotReady):
		return New(http.StatusBadRequest, "not_ready", err)
	case errors.Is(err, apperr.ErrQuotaExceeded):
		return New(http.StatusTooManyRequests, "quota_exceeded", err)
	case errors.Is(err, apperr.ErrUnauthorized):
		return New(http.StatusUnauthorized, "unauthorized", err)
	default:
		return New(http.StatusInternalServerError, "internal", err)
	}
}
