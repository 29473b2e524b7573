package server

import (
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/webhook"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	maxWebhookBodyBytes = 1 << 20
	defaultProcessLimit = 50
)

// handleWebhook authenticates the raw body before anything parses it. A rejected signature gets a
// 401 with an empty body.
func (h *httpHandler) handleWebhook(c *gin.Context) {
	rawBody, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes+1))
	if err != nil {
		h.logger.Warn("webhook body read failed", zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}
	if len(rawBody) > maxWebhookBodyBytes {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}

	result, err := h.receiver.Receive(c.Request.Context(), rawBody, c.GetHeader(webhook.SignatureHeader))
	if err != nil {
		if syncerr.IsKind(err, syncerr.KindWebhook) {
			c.Status(http.StatusUnauthorized)
			return
		}
		h.writeError(c, "server.webhook_receive", err)
		return
	}
	if result.IntentToReceive {
		c.Status(http.StatusOK)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleProcessWebhooks drains one batch of pending events on demand.
func (h *httpHandler) handleProcessWebhooks(c *gin.Context) {
	summary, err := h.processor.ProcessPending(c.Request.Context(), queryLimit(c, defaultProcessLimit, webhook.MaxBatchSize))
	if err != nil {
		h.writeError(c, "server.webhook_process", err)
		return
	}
	h.logger.Info("webhook drain requested",
		zap.String("operator", c.GetString(operatorContextKey)),
		zap.Int("claimed", summary.Claimed))
	c.JSON(http.StatusOK, summary)
}
