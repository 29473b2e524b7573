package accounting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quotaRecorder struct {
	mu       sync.Mutex
	tenantID string
	minute   int
	day      int
	calls    int
}

func (r *quotaRecorder) Observe(_ context.Context, tenantID string, remainingMinute int, remainingDay int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenantID = tenantID
	r.minute = remainingMinute
	r.day = remainingDay
	r.calls++
}

type capturedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var captured []capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		captured = append(captured, capturedRequest{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server, &captured
}

var testToken = tokens.AccessToken{TenantID: "tenant-1", Value: "access-1"}

func TestCreateSendsEnvelopeAndHeaders(t *testing.T) {
	server, captured := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerMinuteRemaining, "58")
		w.Header().Set(headerDayRemaining, "4990")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Id":"resp-1","Status":"OK","Contacts":[{"ContactID":"x-1","Name":"Acme"}]}`))
	})
	quota := &quotaRecorder{}
	client := NewClient(ClientConfig{BaseURL: server.URL + "/api.xro/2.0", Quota: quota})

	record, err := client.Create(context.Background(), testToken, Contacts, map[string]string{"Name": "Acme"}, WithIdempotencyKey("key-1"))
	require.NoError(t, err)
	assert.Equal(t, "x-1", record.ExternalID)
	assert.JSONEq(t, `{"ContactID":"x-1","Name":"Acme"}`, string(record.Raw))

	require.Len(t, *captured, 1)
	request := (*captured)[0]
	assert.Equal(t, http.MethodPut, request.Method)
	assert.Equal(t, "/api.xro/2.0/Contacts", request.Path)
	assert.Equal(t, "Bearer access-1", request.Header.Get("Authorization"))
	assert.Equal(t, "tenant-1", request.Header.Get(headerTenantID))
	assert.Equal(t, "key-1", request.Header.Get(headerIdempotencyKey))
	assert.JSONEq(t, `{"Contacts":[{"Name":"Acme"}]}`, string(request.Body))

	assert.Equal(t, 1, quota.calls)
	assert.Equal(t, "tenant-1", quota.tenantID)
	assert.Equal(t, 58, quota.minute)
	assert.Equal(t, 4990, quota.day)
}

func TestUpdateAndGetAddressRecord(t *testing.T) {
	server, captured := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Invoices":[{"InvoiceID":"inv-9","Status":"AUTHORISED"}]}`))
	})
	client := NewClient(ClientConfig{BaseURL: server.URL})

	updated, err := client.Update(context.Background(), testToken, Invoices, "inv-9", map[string]string{"Reference": "R-1"})
	require.NoError(t, err)
	assert.Equal(t, "inv-9", updated.ExternalID)

	fetched, err := client.Get(context.Background(), testToken, Invoices, "inv-9")
	require.NoError(t, err)
	assert.Equal(t, "inv-9", fetched.ExternalID)

	require.Len(t, *captured, 2)
	assert.Equal(t, http.MethodPost, (*captured)[0].Method)
	assert.Equal(t, "/Invoices/inv-9", (*captured)[0].Path)
	assert.Equal(t, http.MethodGet, (*captured)[1].Method)
	assert.Empty(t, (*captured)[1].Body)
}

func TestArchiveUsesStatusOrDelete(t *testing.T) {
	server, captured := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	client := NewClient(ClientConfig{BaseURL: server.URL})

	require.NoError(t, client.Archive(context.Background(), testToken, Contacts, "x-1"))
	require.NoError(t, client.Archive(context.Background(), testToken, Items, "item-1"))

	require.Len(t, *captured, 2)
	assert.Equal(t, http.MethodPost, (*captured)[0].Method)
	assert.JSONEq(t, `{"Contacts":[{"ContactID":"x-1","ContactStatus":"ARCHIVED"}]}`, string((*captured)[0].Body))
	assert.Equal(t, http.MethodDelete, (*captured)[1].Method)
	assert.Equal(t, "/Items/item-1", (*captured)[1].Path)
}

func TestErrorResponsesClassify(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		header map[string]string
		body   string
		kind   syncerr.Kind
		check  func(t *testing.T, classified *syncerr.Error)
	}{
		{
			name:   "throttled",
			status: http.StatusTooManyRequests,
			header: map[string]string{"Retry-After": "30", "X-Rate-Limit-Problem": "minute"},
			kind:   syncerr.KindRateLimit,
			check: func(t *testing.T, classified *syncerr.Error) {
				assert.Equal(t, 30, classified.RetryAfterSeconds())
				assert.Equal(t, "minute", classified.Problem)
			},
		},
		{
			name:   "validation",
			status: http.StatusBadRequest,
			body:   `{"ErrorNumber":10,"Type":"ValidationException","Message":"A validation exception occurred","Elements":[{"ValidationErrors":[{"Message":"Email address must be valid."}]}]}`,
			kind:   syncerr.KindValidation,
			check: func(t *testing.T, classified *syncerr.Error) {
				require.NotEmpty(t, classified.Fields)
				assert.Equal(t, "Email address must be valid.", classified.Fields[0].Message)
			},
		},
		{name: "unauthorized", status: http.StatusUnauthorized, kind: syncerr.KindAuth},
		{name: "missing", status: http.StatusNotFound, kind: syncerr.KindNotFound},
		{name: "upstream", status: http.StatusServiceUnavailable, kind: syncerr.KindSync},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				for key, value := range testCase.header {
					w.Header().Set(key, value)
				}
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(testCase.body))
			})
			client := NewClient(ClientConfig{BaseURL: server.URL})

			_, err := client.Get(context.Background(), testToken, Contacts, "x-1")
			require.Error(t, err)
			var httpErr *syncerr.HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, testCase.status, httpErr.StatusCode)

			classified := syncerr.Classify(err)
			assert.Equal(t, testCase.kind, classified.Kind)
			if testCase.check != nil {
				testCase.check(t, classified)
			}
		})
	}
}

func TestEmptyCollectionIsAnError(t *testing.T) {
	server, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Contacts":[]}`))
	})
	client := NewClient(ClientConfig{BaseURL: server.URL})

	_, err := client.Get(context.Background(), testToken, Contacts, "x-1")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestRequestsRequireTenant(t *testing.T) {
	client := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := client.Get(context.Background(), tokens.AccessToken{Value: "a"}, Contacts, "x-1")
	assert.ErrorIs(t, err, errMissingTenant)
}

func TestConnectionsListsTenants(t *testing.T) {
	server, captured := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		connections := []Connection{
			{ID: "conn-1", TenantID: "tenant-1", TenantType: "ORGANISATION", TenantName: "Demo Company"},
			{ID: "conn-2", TenantID: "tenant-2", TenantType: "ORGANISATION", TenantName: "Second Co"},
		}
		_ = json.NewEncoder(w).Encode(connections)
	})
	client := NewClient(ClientConfig{ConnectionsURL: server.URL + "/connections"})

	connections, err := client.Connections(context.Background(), "access-1")
	require.NoError(t, err)
	require.Len(t, connections, 2)
	assert.Equal(t, "Demo Company", connections[0].TenantName)
	assert.Equal(t, "Bearer access-1", (*captured)[0].Header.Get("Authorization"))
	assert.Empty(t, (*captured)[0].Header.Get(headerTenantID))
}

func TestEndpointLookups(t *testing.T) {
	endpoint, ok := EndpointFor("Purchase_Order")
	require.True(t, ok)
	assert.Equal(t, PurchaseOrders, endpoint)

	entityType, ok := EntityTypeForCategory("invoice")
	require.True(t, ok)
	assert.Equal(t, "invoice", entityType)

	_, ok = EndpointFor("journal")
	assert.False(t, ok)
	for _, entityType := range EntityTypes() {
		_, ok := EndpointFor(entityType)
		assert.True(t, ok, entityType)
	}
}
