package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/appbuild-orchestrator/internal/http/response"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
)

const headerAPIKey = "X-API-Key"

var errInvalidAPIKey = errors.New("invalid or missing API key")

// WebhookAuth guards CI callbacks with a shared secret. With no secret
// configured every request is rejected.
type WebhookAuth struct {
	log    *logger.Logger
	secret []byte
}

func NewWebhookAuth(log *logger.Logger, secret string) *WebhookAuth {
	return &WebhookAuth{
		log:    log.With("middleware", "WebhookAuth"),
		secret: []byte(strings.TrimSpace(secret)),
	}
}

func (w *WebhookAuth) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := []byte(strings.TrimSpace(c.GetHeader(headerAPIKey)))
		if len(w.secret) == 0 || subtle.ConstantTimeCompare(got, w.secret) != 1 {
			w.log.Warn("Webhook rejected", "path", c.FullPath(), "remote", c.ClientIP())
			response.RespondError(c, http.StatusUnauthorized, "invalid_api_key", errInvalidAPIKey)
			return
		}
		c.Next()
	}
}
