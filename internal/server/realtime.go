package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHeartbeat     = 25 * time.Second
	realtimeSourceServer = "ledgersync"
)

type realtimePayload struct {
	events.Message
	Source string `json:"source"`
}

// handleEvents streams the tenant's change notifications as server-sent events until the client
// goes away.
func (h *httpHandler) handleEvents(c *gin.Context) {
	tenantID := c.Param(tenantIDParam)
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, tenantID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	h.logger.Debug("event stream opened",
		zap.String("tenant_id", tenantID),
		zap.String("operator", c.GetString(operatorContextKey)))

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	writeEvent(c.Writer, events.Message{TenantID: tenantID, EventType: events.EventHeartbeat, Timestamp: h.now().UTC()})
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			writeEvent(c.Writer, message)
			c.Writer.Flush()
		case <-heartbeat.C:
			writeEvent(c.Writer, events.Message{TenantID: tenantID, EventType: events.EventHeartbeat, Timestamp: h.now().UTC()})
			c.Writer.Flush()
		}
	}
}

func writeEvent(w io.Writer, message events.Message) {
	data, err := json.Marshal(realtimePayload{Message: message, Source: realtimeSourceServer})
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", message.EventType, data)
}
