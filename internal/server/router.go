// Package server exposes the HTTP surface: the OAuth connect flow, the webhook endpoint and the
// operator API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/accounting"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/auth"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/mapping"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/synclog"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/tokens"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/webhook"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	operatorContextKey = "ledgersync_operator"
	tenantIDParam      = "tenantId"
)

var (
	errMissingReceiver      = errors.New("server: webhook receiver dependency required")
	errMissingProcessor     = errors.New("server: webhook processor dependency required")
	errMissingOperators     = errors.New("server: operator token validator dependency required")
	errMissingConnections   = errors.New("server: connection store dependency required")
	errMissingMappings      = errors.New("server: mapping store dependency required")
	errMissingSyncLog       = errors.New("server: sync logger dependency required")
	errMissingLimiter       = errors.New("server: rate limiter dependency required")
	errMissingEvents        = errors.New("server: event dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// OperatorTokenValidator validates bearer tokens on operator routes.
type OperatorTokenValidator interface {
	ValidateToken(token string) (string, error)
}

// ConnectionStore persists and revokes tenant connections.
type ConnectionStore interface {
	SaveToken(ctx context.Context, tenantID string, tokenSet tokens.TokenSet) error
	Revoke(ctx context.Context, tenantID string) error
	Connection(ctx context.Context, tenantID string) (tokens.TenantConnection, error)
}

// ConnectionLister lists the tenants an access token was granted for.
type ConnectionLister interface {
	Connections(ctx context.Context, accessToken string) ([]accounting.Connection, error)
}

// IdentityVerifier verifies the id token returned with the authorization code exchange.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.IdentityClaims, error)
}

// OAuthDependencies enables the connect flow. All of OAuth, States and Connections are required to
// mount /oauth routes; Identity is optional.
type OAuthDependencies struct {
	OAuth       *oauth2.Config
	States      *auth.StateCodec
	Connections ConnectionLister
	Identity    IdentityVerifier
	// SecureCookies marks the nonce cookie Secure. Disable only for plain-HTTP development.
	SecureCookies bool
}

// Dependencies lists what the HTTP handler needs.
type Dependencies struct {
	Receiver       *webhook.Receiver
	Processor      *webhook.Processor
	Operators      OperatorTokenValidator
	Tokens         ConnectionStore
	Mappings       *mapping.Store
	SyncLog        *synclog.Logger
	Limiter        *ratelimit.Limiter
	Events         *events.Dispatcher
	OAuth          OAuthDependencies
	AllowedOrigins []string
	// Heartbeat is the idle interval of event streams.
	Heartbeat time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin engine serving every route.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Receiver == nil:
		return nil, errMissingReceiver
	case deps.Processor == nil:
		return nil, errMissingProcessor
	case deps.Operators == nil:
		return nil, errMissingOperators
	case deps.Tokens == nil:
		return nil, errMissingConnections
	case deps.Mappings == nil:
		return nil, errMissingMappings
	case deps.SyncLog == nil:
		return nil, errMissingSyncLog
	case deps.Limiter == nil:
		return nil, errMissingLimiter
	case deps.Events == nil:
		return nil, errMissingEvents
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		receiver:  deps.Receiver,
		processor: deps.Processor,
		operators: deps.Operators,
		tokens:    deps.Tokens,
		mappings:  deps.Mappings,
		syncLog:   deps.SyncLog,
		limiter:   deps.Limiter,
		events:    deps.Events,
		oauth:     deps.OAuth,
		heartbeat: heartbeat,
		now:       clock,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/webhooks/xero", handler.handleWebhook)

	if deps.OAuth.OAuth != nil && deps.OAuth.States != nil && deps.OAuth.Connections != nil {
		router.GET("/oauth/connect", handler.handleConnect)
		router.GET("/oauth/callback", handler.handleCallback)
	} else {
		logger.Info("oauth routes disabled")
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeOperator)
	protected.POST("/webhooks/process", handler.handleProcessWebhooks)

	tenants := protected.Group("/tenants/:" + tenantIDParam)
	tenants.GET("/connection", handler.handleConnection)
	tenants.POST("/disconnect", handler.handleDisconnect)
	tenants.GET("/sync-logs", handler.handleSyncLogs)
	tenants.GET("/sync-summary", handler.handleSyncSummary)
	tenants.GET("/rate-limit", handler.handleRateLimit)
	tenants.GET("/mappings", handler.handleMappings)
	tenants.POST("/mappings/:entityType/:internalId/clear-error", handler.handleClearError)
	tenants.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	receiver  *webhook.Receiver
	processor *webhook.Processor
	operators OperatorTokenValidator
	tokens    ConnectionStore
	mappings  *mapping.Store
	syncLog   *synclog.Logger
	limiter   *ratelimit.Limiter
	events    *events.Dispatcher
	oauth     OAuthDependencies
	heartbeat time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeOperator(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		abortWithCode(c, http.StatusUnauthorized, "ERR_UNAUTHORIZED", errInvalidAuthorization.Error())
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		abortWithCode(c, http.StatusUnauthorized, "ERR_UNAUTHORIZED", errInvalidAuthorization.Error())
		return
	}
	subject, err := h.operators.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("operator token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("operator token validation failed", zap.Error(err))
		}
		abortWithCode(c, http.StatusUnauthorized, "ERR_UNAUTHORIZED", "unauthorized")
		return
	}
	c.Set(operatorContextKey, subject)
	c.Next()
}

// writeError renders err as the normalized error body with the status of its kind.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	classified := syncerr.Classify(err)
	status := classified.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("reason", strings.ToLower(classified.Code)),
			zap.Error(err))
	}
	if classified.Kind == syncerr.KindRateLimit {
		c.Header("Retry-After", strconv.Itoa(classified.RetryAfterSeconds()))
	}
	abortWithCode(c, status, classified.PublicCode(), classified.PublicMessage())
}

func abortWithCode(c *gin.Context, status int, code string, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

// queryLimit reads the limit query parameter, falling back on absent or invalid values and clamping
// to ceiling.
func queryLimit(c *gin.Context, fallback int, ceiling int) int {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > ceiling {
		return ceiling
	}
	return value
}
