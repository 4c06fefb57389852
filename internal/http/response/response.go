package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/appbuild-orchestrator/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondAPIError maps a service error onto its HTTP status. Internal errors
// are not echoed to the caller.
func RespondAPIError(c *gin.Context, err error) {
	ae := apierr.From(err)
	if ae.Status >= http.StatusInternalServerError {
		_ = c.Error(err)
		RespondError(c, ae.Status, ae.Code, errInternal)
		return
	}
	RespondError(c, ae.Status, ae.Code, ae.Err)
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondAccepted(c *gin.Context, payload any) {
	c.JSON(http.StatusAccepted, payload)
}

type internalError struct{}

func (internalError) Error() string { return "internal server error" }

var errInternal error = internalError{}
