package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/appbuild-orchestrator/internal/http/response"
	"github.com/yungbote/appbuild-orchestrator/internal/pkg/dbctx"
	"github.com/yungbote/appbuild-orchestrator/internal/realtime"
	"github.com/yungbote/appbuild-orchestrator/internal/services"
)

const streamHeartbeat = 15 * time.Second

type StreamHandler struct {
	builds services.BuildService
	hub    *realtime.Hub
}

func NewStreamHandler(builds services.BuildService, hub *realtime.Hub) *StreamHandler {
	return &StreamHandler{builds: builds, hub: hub}
}

// GET /api/builds/:id/events
//
// Sends a "snapshot" event with the current status, then an "update" per
// transition until the build is terminal or the client goes away.
func (h *StreamHandler) BuildEvents(c *gin.Context) {
	id := c.Param("id")
	// Subscribe before reading the snapshot so no transition falls in between.
	sub := h.hub.Subscribe(id)
	defer h.hub.Unsubscribe(sub)

	view, err := h.builds.GetStatus(dbctx.Background(c.Request.Context()), id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("snapshot", view)
	c.Writer.Flush()
	if view.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = c.Writer.WriteString(": ping\n\n")
			c.Writer.Flush()
		case ev, ok := <-sub.Outbound:
			if !ok {
				return
			}
			c.SSEvent("update", ev)
			c.Writer.Flush()
			if ev.Status.Terminal() {
				return
			}
		}
	}
}
