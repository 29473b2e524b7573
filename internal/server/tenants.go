package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/mapping"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/synclog"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultSyncLogLimit  = 50
	defaultMappingLimit  = 100
	maxListLimit         = 500
	defaultSummaryWindow = 24 * time.Hour
)

type connectionPayload struct {
	TenantID      string     `json:"tenant_id"`
	TenantName    string     `json:"tenant_name"`
	Status        string     `json:"status"`
	Scopes        []string   `json:"scopes"`
	ConnectedBy   string     `json:"connected_by,omitempty"`
	TokenExpiry   time.Time  `json:"token_expiry"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	LastRefreshAt *time.Time `json:"last_refresh_at,omitempty"`
}

type mappingPayload struct {
	EntityType   string     `json:"entity_type"`
	InternalID   string     `json:"internal_id"`
	ExternalID   string     `json:"external_id,omitempty"`
	Status       string     `json:"status"`
	LastError    string     `json:"last_error,omitempty"`
	ErrorCount   int        `json:"error_count"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type syncLogResponse struct {
	Entries []synclog.Entry `json:"entries"`
}

type mappingsResponse struct {
	Mappings []mappingPayload `json:"mappings"`
}

func (h *httpHandler) handleConnection(c *gin.Context) {
	connection, err := h.tokens.Connection(c.Request.Context(), c.Param(tenantIDParam))
	if err != nil {
		h.writeError(c, "server.connection", err)
		return
	}
	c.JSON(http.StatusOK, connectionPayload{
		TenantID:      connection.TenantID,
		TenantName:    connection.TenantName,
		Status:        connection.Status,
		Scopes:        strings.Fields(connection.Scopes),
		ConnectedBy:   connection.ConnectedBy,
		TokenExpiry:   connection.TokenExpiry,
		LastSyncAt:    connection.LastSyncAt,
		LastRefreshAt: connection.LastRefreshAt,
	})
}

func (h *httpHandler) handleDisconnect(c *gin.Context) {
	tenantID := c.Param(tenantIDParam)
	if err := h.tokens.Revoke(c.Request.Context(), tenantID); err != nil {
		h.writeError(c, "server.disconnect", err)
		return
	}
	h.logger.Info("tenant disconnected by operator",
		zap.String("tenant_id", tenantID),
		zap.String("operator", c.GetString(operatorContextKey)))
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "status": "revoked"})
}

func (h *httpHandler) handleSyncLogs(c *gin.Context) {
	entries, err := h.syncLog.Recent(c.Request.Context(), c.Param(tenantIDParam), queryLimit(c, defaultSyncLogLimit, maxListLimit))
	if err != nil {
		h.writeError(c, "server.sync_logs", err)
		return
	}
	if entries == nil {
		entries = []synclog.Entry{}
	}
	c.JSON(http.StatusOK, syncLogResponse{Entries: entries})
}

func (h *httpHandler) handleSyncSummary(c *gin.Context) {
	since := h.now().Add(-defaultSummaryWindow)
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(c, "server.sync_summary", syncerr.NewValidation(syncerr.CodeInvalidPayload, "since must be an RFC 3339 timestamp",
				[]syncerr.FieldError{{Field: "since", Message: "invalid timestamp"}}))
			return
		}
		since = parsed
	}
	summary, err := h.syncLog.Summary(c.Request.Context(), c.Param(tenantIDParam), since)
	if err != nil {
		h.writeError(c, "server.sync_summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleRateLimit(c *gin.Context) {
	budget, err := h.limiter.Snapshot(c.Request.Context(), c.Param(tenantIDParam))
	if err != nil {
		h.writeError(c, "server.rate_limit", err)
		return
	}
	c.JSON(http.StatusOK, budget)
}

func (h *httpHandler) handleMappings(c *gin.Context) {
	status := strings.ToLower(strings.TrimSpace(c.DefaultQuery("status", mapping.StatusError)))
	switch status {
	case mapping.StatusActive, mapping.StatusError, mapping.StatusDeleted:
	default:
		h.writeError(c, "server.mappings", syncerr.NewValidation(syncerr.CodeInvalidPayload, "unknown mapping status "+status,
			[]syncerr.FieldError{{Field: "status", Message: "must be active, error or deleted"}}))
		return
	}

	rows, err := h.mappings.ListByStatus(c.Request.Context(), c.Param(tenantIDParam), status, queryLimit(c, defaultMappingLimit, maxListLimit))
	if err != nil {
		h.writeError(c, "server.mappings", err)
		return
	}
	response := mappingsResponse{Mappings: make([]mappingPayload, 0, len(rows))}
	for _, row := range rows {
		response.Mappings = append(response.Mappings, mappingPayload{
			EntityType:   row.EntityType,
			InternalID:   row.InternalID,
			ExternalID:   row.ExternalID,
			Status:       row.Status,
			LastError:    row.LastError,
			ErrorCount:   row.ErrorCount,
			LastSyncedAt: row.LastSyncedAt,
			UpdatedAt:    row.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleClearError(c *gin.Context) {
	tenantID := c.Param(tenantIDParam)
	entityType := c.Param("entityType")
	internalID := c.Param("internalId")
	if err := h.mappings.ClearError(c.Request.Context(), tenantID, entityType, internalID); err != nil {
		h.writeError(c, "server.clear_error", err)
		return
	}
	h.logger.Info("mapping error cleared",
		zap.String("tenant_id", tenantID),
		zap.String("entity_type", entityType),
		zap.String("internal_id", internalID),
		zap.String("operator", c.GetString(operatorContextKey)))
	c.Status(http.StatusNoContent)
}
