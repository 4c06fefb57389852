package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/appbuild-orchestrator/internal/http/response"
	"github.com/yungbote/appbuild-orchestrator/internal/observability"
	"github.com/yungbote/appbuild-orchestrator/internal/pkg/dbctx"
	"github.com/yungbote/appbuild-orchestrator/internal/services"
)

// WebhookHandler receives completion callbacks posted by the CI workflow.
type WebhookHandler struct {
	builds  services.BuildService
	metrics *observability.Metrics
}

func NewWebhookHandler(builds services.BuildService, metrics *observability.Metrics) *WebhookHandler {
	return &WebhookHandler{builds: builds, metrics: metrics}
}

type completeRequest struct {
	BuildID     string `json:"buildId" binding:"required"`
	Platform    string `json:"platform" binding:"required"`
	DownloadURL string `json:"downloadUrl" binding:"required"`
	GithubRunID string `json:"githubRunId"`
}

type failRequest struct {
	BuildID  string `json:"buildId" binding:"required"`
	Platform string `json:"platform"`
	Error    string `json:"error"`
}

// POST /api/webhooks/builds/complete
func (h *WebhookHandler) Complete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	applied, view, err := h.builds.CompleteFromWebhook(dbctx.Background(c.Request.Context()), services.CompletionInput{
		BuildID:     req.BuildID,
		Platform:    req.Platform,
		DownloadURL: req.DownloadURL,
		RunID:       req.GithubRunID,
	})
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	h.metrics.ObserveWebhook("complete", applied)
	response.RespondOK(c, gin.H{"success": true, "applied": applied, "status": view.Status})
}

// POST /api/webhooks/builds/fail
func (h *WebhookHandler) Fail(c *gin.Context) {
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	applied, view, err := h.builds.FailFromWebhook(dbctx.Background(c.Request.Context()), services.FailureInput{
		BuildID:  req.BuildID,
		Platform: req.Platform,
		Error:    req.Error,
	})
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	h.metrics.ObserveWebhook("fail", applied)
	response.RespondOK(c, gin.H{"success": true, "applied": applied, "status": view.Status})
}
