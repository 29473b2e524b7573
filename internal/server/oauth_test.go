package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/accounting"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIdentity struct {
	tokens []string
}

func (f *fakeIdentity) Verify(_ context.Context, rawToken string) (auth.IdentityClaims, error) {
	f.tokens = append(f.tokens, rawToken)
	return auth.IdentityClaims{Subject: "user-7", Email: "owner@example.com"}, nil
}

func newTokenEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "auth-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "granted-access",
			"refresh_token": "granted-refresh",
			"token_type":    "Bearer",
			"expires_in":    1800,
			"scope":         "openid accounting.transactions offline_access",
			"id_token":      "raw-id-token",
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func newOAuthFixture(t *testing.T) (*routerFixture, *fakeIdentity) {
	t.Helper()
	tokenEndpoint := newTokenEndpoint(t)
	identity := &fakeIdentity{}
	fixture := newRouterFixture(t, func(deps *Dependencies) {
		deps.OAuth.OAuth.Endpoint.TokenURL = tokenEndpoint.URL
		deps.OAuth.Identity = identity
	})
	fixture.lister.connections = []accounting.Connection{
		{ID: "conn-1", TenantID: testTenantID, TenantType: "ORGANISATION", TenantName: "Demo Company (NZ)"},
		{ID: "conn-2", TenantID: "practice-1", TenantType: "PRACTICEMANAGER", TenantName: "Practice"},
	}
	return fixture, identity
}

func startConnect(t *testing.T, fixture *routerFixture, target string) (string, *http.Cookie) {
	t.Helper()
	recorder := fixture.serve(httptest.NewRequest(http.MethodGet, target, http.NoBody))
	require.Equal(t, http.StatusFound, recorder.Code)

	location, err := url.Parse(recorder.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "login.example.test", location.Host)
	assert.Equal(t, "client-123", location.Query().Get("client_id"))
	state := location.Query().Get("state")
	require.NotEmpty(t, state)

	var nonceCookie *http.Cookie
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == fixture.states.CookieName() {
			nonceCookie = cookie
		}
	}
	require.NotNil(t, nonceCookie)
	assert.True(t, nonceCookie.HttpOnly)
	return state, nonceCookie
}

func TestOAuthConnectAndCallbackStoresOrganisations(t *testing.T) {
	fixture, identity := newOAuthFixture(t)
	state, nonceCookie := startConnect(t, fixture, "/oauth/connect")

	request := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state="+url.QueryEscape(state), http.NoBody)
	request.AddCookie(nonceCookie)
	recorder := fixture.serve(request)

	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	var response callbackResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, []connectedTenant{{TenantID: testTenantID, TenantName: "Demo Company (NZ)"}}, response.Connected)
	assert.Equal(t, "owner@example.com", response.ConnectedBy)

	assert.Equal(t, []string{"raw-id-token"}, identity.tokens)
	assert.Equal(t, []string{"granted-access"}, fixture.lister.tokens)

	saved, ok := fixture.connections.saved[testTenantID]
	require.True(t, ok)
	assert.Equal(t, "granted-refresh", saved.RefreshToken)
	assert.Equal(t, []string{"openid", "accounting.transactions", "offline_access"}, saved.Scopes)
	assert.Equal(t, "owner@example.com", saved.ConnectedBy)
	_, practiceSaved := fixture.connections.saved["practice-1"]
	assert.False(t, practiceSaved)
}

func TestOAuthCallbackSharesGrantAcrossOrganisations(t *testing.T) {
	fixture, _ := newOAuthFixture(t)
	fixture.lister.connections = []accounting.Connection{
		{ID: "conn-1", TenantID: testTenantID, TenantType: "ORGANISATION", TenantName: "Demo Company (NZ)"},
		{ID: "conn-3", TenantID: "org-b", TenantType: "ORGANISATION", TenantName: "Second Company"},
	}
	state, nonceCookie := startConnect(t, fixture, "/oauth/connect")

	request := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state="+url.QueryEscape(state), http.NoBody)
	request.AddCookie(nonceCookie)
	recorder := fixture.serve(request)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	first := fixture.connections.saved[testTenantID]
	second := fixture.connections.saved["org-b"]
	require.NotEmpty(t, first.GrantID)
	assert.Equal(t, first.GrantID, second.GrantID)
	assert.Equal(t, first.RefreshToken, second.RefreshToken)

	state, nonceCookie = startConnect(t, fixture, "/oauth/connect")
	request = httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state="+url.QueryEscape(state), http.NoBody)
	request.AddCookie(nonceCookie)
	require.Equal(t, http.StatusOK, fixture.serve(request).Code)
	assert.NotEqual(t, first.GrantID, fixture.connections.saved[testTenantID].GrantID)
}

func TestOAuthCallbackRedirectsToReturnPath(t *testing.T) {
	fixture, _ := newOAuthFixture(t)
	state, nonceCookie := startConnect(t, fixture, "/oauth/connect?return_to=/settings/accounting")

	request := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state="+url.QueryEscape(state), http.NoBody)
	request.AddCookie(nonceCookie)
	recorder := fixture.serve(request)

	require.Equal(t, http.StatusFound, recorder.Code)
	assert.Equal(t, "/settings/accounting", recorder.Header().Get("Location"))
}

func TestOAuthCallbackRequiresNonceCookie(t *testing.T) {
	fixture, _ := newOAuthFixture(t)
	state, _ := startConnect(t, fixture, "/oauth/connect")

	recorder := fixture.serve(httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state="+url.QueryEscape(state), http.NoBody))

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "invalid or expired state", decodeError(t, recorder).Message)
	assert.Empty(t, fixture.connections.saved)
}

func TestOAuthCallbackReportsDeniedConsent(t *testing.T) {
	fixture, _ := newOAuthFixture(t)

	recorder := fixture.serve(httptest.NewRequest(http.MethodGet, "/oauth/callback?error=access_denied", http.NoBody))

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "ERR_VALIDATION", decodeError(t, recorder).Code)
}

func TestOAuthCallbackWithoutOrganisationsFails(t *testing.T) {
	fixture, _ := newOAuthFixture(t)
	fixture.lister.connections = []accounting.Connection{{ID: "conn-2", TenantID: "practice-1", TenantType: "PRACTICEMANAGER"}}
	state, nonceCookie := startConnect(t, fixture, "/oauth/connect")

	request := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state="+url.QueryEscape(state), http.NoBody)
	request.AddCookie(nonceCookie)
	recorder := fixture.serve(request)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "no organisation was authorized", decodeError(t, recorder).Message)
}

func TestSafeReturnPath(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{input: "/settings", expected: "/settings"},
		{input: "https://evil.example.com", expected: ""},
		{input: "//evil.example.com", expected: ""},
		{input: `/\evil.example.com`, expected: ""},
		{input: "", expected: ""},
	}
	for _, testCase := range testCases {
		assert.Equal(t, testCase.expected, safeReturnPath(testCase.input), testCase.input)
	}
}
