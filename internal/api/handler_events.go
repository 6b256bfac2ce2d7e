package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"agentfleet/internal/service"

	"github.com/gin-gonic/gin"
)

const sseHeartbeat = 30 * time.Second

type EventHandler struct {
	svc    *service.Service
	logger *slog.Logger
}

func NewEventHandler(svc *service.Service, logger *slog.Logger) *EventHandler {
	return &EventHandler{svc: svc, logger: logger}
}

// StreamEvents GET /api/v1/tenants/:tenant/events
// 通过 SSE 向客户端推送租户池事件
func (h *EventHandler) StreamEvents(c *gin.Context) {
	tenantID := c.Param("tenant")

	eventCh, err := h.svc.StreamEvents(c.Request.Context(), tenantID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// 长连接不受 http.Server.WriteTimeout 限制
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("Failed to disable write deadline for SSE", "error", err)
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return false
			}

			data, err := json.Marshal(SSEEvent{
				Type:      string(event.Type),
				TenantID:  event.TenantID,
				SessionID: event.SessionID,
				Container: event.Container,
				Payload:   event.Payload,
				Timestamp: formatTime(event.Timestamp),
			})
			if err != nil {
				return false
			}

			c.SSEvent("message", string(data))
			return true

		case <-c.Request.Context().Done():
			// 客户端断连
			return false

		case <-heartbeat.C:
			c.SSEvent("ping", "")
			return true
		}
	})
}
