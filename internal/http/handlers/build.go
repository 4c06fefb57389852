package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/appbuild-orchestrator/internal/http/response"
	"github.com/yungbote/appbuild-orchestrator/internal/pkg/dbctx"
	"github.com/yungbote/appbuild-orchestrator/internal/services"
)

type BuildHandler struct {
	builds services.BuildService
}

func NewBuildHandler(builds services.BuildService) *BuildHandler {
	return &BuildHandler{builds: builds}
}

type startBuildRequest struct {
	AppID    string `json:"appId"`
	UserID   string `json:"userId"`
	Platform string `json:"platform"`
}

// POST /api/builds
func (h *BuildHandler) StartBuild(c *gin.Context) {
	var req startBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	job, err := h.builds.Start(dbctx.Background(c.Request.Context()), services.StartBuildInput{
		AppID:    req.AppID,
		UserID:   req.UserID,
		Platform: req.Platform,
	})
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondAccepted(c, gin.H{
		"buildId":       job.ID,
		"status":        job.Status,
		"estimatedTime": services.EstimatedBuildSeconds,
		"message":       "Build queued",
	})
}

// GET /api/builds/:id
func (h *BuildHandler) GetBuild(c *gin.Context) {
	view, err := h.builds.GetStatus(dbctx.Background(c.Request.Context()), c.Param("id"))
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, view)
}

// POST /api/builds/:id/cancel
func (h *BuildHandler) CancelBuild(c *gin.Context) {
	view, err := h.builds.Cancel(dbctx.Background(c.Request.Context()), c.Param("id"))
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"build": view, "message": "Build cancelled"})
}

// GET /api/builds/:id/download?platform=ANDROID
func (h *BuildHandler) Download(c *gin.Context) {
	platform := c.DefaultQuery("platform", "ANDROID")
	url, err := h.builds.DownloadURL(dbctx.Background(c.Request.Context()), c.Param("id"), platform)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	c.Redirect(http.StatusFound, url)
}

// GET /api/apps/:appId/builds?limit=10
func (h *BuildHandler) ListAppBuilds(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_limit", err)
			return
		}
		limit = n
	}
	views, err := h.builds.ListHistory(dbctx.Background(c.Request.Context()), c.Param("appId"), limit)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"builds": views})
}
