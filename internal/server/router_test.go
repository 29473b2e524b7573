package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/accounting"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/auth"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/database"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/mapping"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/synclog"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/tokens"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/webhook"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

const (
	testTenantID      = "c2cc9b6e-9458-4c7d-93cc-f02b81b0594f"
	testWebhookSecret = "webhook-signing-key"
)

type fakeConnections struct {
	mu      sync.Mutex
	saved   map[string]tokens.TokenSet
	revoked []string
}

func newFakeConnections() *fakeConnections {
	return &fakeConnections{saved: make(map[string]tokens.TokenSet)}
}

func (f *fakeConnections) SaveToken(_ context.Context, tenantID string, tokenSet tokens.TokenSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[tenantID] = tokenSet
	return nil
}

func (f *fakeConnections) Revoke(_ context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, tenantID)
	delete(f.saved, tenantID)
	return nil
}

func (f *fakeConnections) Connection(_ context.Context, tenantID string) (tokens.TenantConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tokenSet, ok := f.saved[tenantID]
	if !ok {
		return tokens.TenantConnection{}, syncerr.NewAuth(syncerr.CodeNoConnection, "no connection for tenant", nil)
	}
	return tokens.TenantConnection{
		TenantID:    tenantID,
		TenantName:  tokenSet.TenantName,
		Status:      tokens.StatusActive,
		Scopes:      strings.Join(tokenSet.Scopes, " "),
		ConnectedBy: tokenSet.ConnectedBy,
		TokenExpiry: tokenSet.Expiry,
	}, nil
}

type fakeConnectionLister struct {
	connections []accounting.Connection
	tokens      []string
}

func (f *fakeConnectionLister) Connections(_ context.Context, accessToken string) ([]accounting.Connection, error) {
	f.tokens = append(f.tokens, accessToken)
	return f.connections, nil
}

type routerFixture struct {
	handler     http.Handler
	db          *gorm.DB
	connections *fakeConnections
	lister      *fakeConnectionLister
	mappings    *mapping.Store
	dispatcher  *events.Dispatcher
	issuer      *auth.TokenIssuer
	states      *auth.StateCodec
	logs        *observer.ObservedLogs
}

type fixtureOption func(*Dependencies)

func newRouterFixture(t *testing.T, opts ...fixtureOption) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db, zap.NewNop()))

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	dispatcher := events.NewDispatcher()
	webhookStore, err := webhook.NewStore(db, nil)
	require.NoError(t, err)
	receiver, err := webhook.NewReceiver(webhook.ReceiverConfig{Secret: testWebhookSecret, Store: webhookStore})
	require.NoError(t, err)
	processor, err := webhook.NewProcessor(webhook.ProcessorConfig{Store: webhookStore, Registry: webhook.NewRegistry(), Publisher: dispatcher})
	require.NoError(t, err)
	mappings, err := mapping.NewStore(mapping.StoreConfig{Database: db, Publisher: dispatcher})
	require.NoError(t, err)
	syncLog, err := synclog.NewLogger(synclog.LoggerConfig{Database: db})
	require.NoError(t, err)
	limiter, err := ratelimit.NewLimiter(ratelimit.Config{Store: ratelimit.NewMemoryStore(ratelimit.Limits{})})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("operator-secret"),
		Issuer:        "ledgersync",
		Audience:      "ledgersync-operator",
	})
	require.NoError(t, err)
	states, err := auth.NewStateCodec(auth.StateCodecConfig{SigningSecret: []byte("operator-secret"), Issuer: "ledgersync"})
	require.NoError(t, err)

	connections := newFakeConnections()
	lister := &fakeConnectionLister{}
	deps := Dependencies{
		Receiver:  receiver,
		Processor: processor,
		Operators: issuer,
		Tokens:    connections,
		Mappings:  mappings,
		SyncLog:   syncLog,
		Limiter:   limiter,
		Events:    dispatcher,
		OAuth: OAuthDependencies{
			OAuth: &oauth2.Config{
				ClientID:     "client-123",
				ClientSecret: "client-secret",
				RedirectURL:  "https://ledgersync.test/oauth/callback",
				Scopes:       []string{"openid", "offline_access"},
				Endpoint: oauth2.Endpoint{
					AuthURL:  "https://login.example.test/authorize",
					TokenURL: "https://identity.example.test/token",
				},
			},
			States:      states,
			Connections: lister,
		},
		Heartbeat: time.Hour,
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	require.NoError(t, err)

	return &routerFixture{
		handler:     handler,
		db:          db,
		connections: connections,
		lister:      lister,
		mappings:    mappings,
		dispatcher:  dispatcher,
		issuer:      issuer,
		states:      states,
		logs:        logs,
	}
}

func (f *routerFixture) operatorToken(t *testing.T) string {
	t.Helper()
	token, _, err := f.issuer.IssueOperatorToken(context.Background(), "ops")
	require.NoError(t, err)
	return token
}

func (f *routerFixture) serve(request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *routerFixture) operatorRequest(t *testing.T, method string, target string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, target, http.NoBody)
	request.Header.Set("Authorization", "Bearer "+f.operatorToken(t))
	return f.serve(request)
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var response errorResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	return response.Error
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{})
	assert.ErrorIs(t, err, errMissingReceiver)
}

func TestHealthz(t *testing.T) {
	fixture := newRouterFixture(t)
	recorder := fixture.serve(httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"status":"ok"}`, recorder.Body.String())
}

func TestOperatorRoutesRequireBearerToken(t *testing.T) {
	fixture := newRouterFixture(t)

	missing := fixture.serve(httptest.NewRequest(http.MethodGet, "/tenants/"+testTenantID+"/sync-logs", http.NoBody))
	require.Equal(t, http.StatusUnauthorized, missing.Code)
	assert.Equal(t, "ERR_UNAUTHORIZED", decodeError(t, missing).Code)

	request := httptest.NewRequest(http.MethodGet, "/tenants/"+testTenantID+"/sync-logs", http.NoBody)
	request.Header.Set("Authorization", "Bearer not-a-token")
	invalid := fixture.serve(request)
	require.Equal(t, http.StatusUnauthorized, invalid.Code)
	assert.Equal(t, 1, fixture.logs.FilterMessage("operator token validation failed").Len())

	authorized := fixture.operatorRequest(t, http.MethodGet, "/tenants/"+testTenantID+"/sync-logs")
	require.Equal(t, http.StatusOK, authorized.Code)
	assert.JSONEq(t, `{"entries":[]}`, authorized.Body.String())
}

func TestCORSPreflightAllowsAuthorizationHeader(t *testing.T) {
	fixture := newRouterFixture(t, func(deps *Dependencies) {
		deps.AllowedOrigins = []string{"https://ops.example.com"}
	})

	request := httptest.NewRequest(http.MethodOptions, "/tenants/"+testTenantID+"/mappings", http.NoBody)
	request.Header.Set("Origin", "https://ops.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	recorder := fixture.serve(request)

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, "https://ops.example.com", recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, strings.ToLower(recorder.Header().Get("Access-Control-Allow-Headers")), "authorization")
	assert.Equal(t, "true", recorder.Header().Get("Access-Control-Allow-Credentials"))
}

func TestOAuthRoutesAreOptional(t *testing.T) {
	fixture := newRouterFixture(t, func(deps *Dependencies) {
		deps.OAuth = OAuthDependencies{}
	})
	recorder := fixture.serve(httptest.NewRequest(http.MethodGet, "/oauth/connect", http.NoBody))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestQueryLimitFallsBackAndClamps(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		query string
		want  int
	}{
		{query: "", want: 50},
		{query: "?limit=abc", want: 50},
		{query: "?limit=-3", want: 50},
		{query: "?limit=20", want: 20},
		{query: "?limit=1000000", want: 500},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/webhooks/process"+tc.query, http.NoBody)
		assert.Equal(t, tc.want, queryLimit(c, 50, 500), tc.query)
	}
}
