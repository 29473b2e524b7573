// Package accounting is the outbound client for the accounting API. It sends one request per call
// and leaves retries, budgets, and classification to its callers.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/tokens"
	"go.uber.org/zap"
)

const (
	defaultBaseURL        = "https://api.xero.com/api.xro/2.0"
	defaultConnectionsURL = "https://api.xero.com/connections"
	defaultHTTPTimeout    = 30 * time.Second
	maxResponseBytes      = 8 << 20

	headerTenantID        = "xero-tenant-id"
	headerIdempotencyKey  = "Idempotency-Key"
	headerMinuteRemaining = "X-MinLimit-Remaining"
	headerDayRemaining    = "X-DayLimit-Remaining"
)

var (
	// ErrEmptyResponse indicates a 2xx response without the expected record.
	ErrEmptyResponse = errors.New("accounting: response carried no record")
	errMissingTenant = errors.New("accounting: access token has no tenant")
)

// QuotaObserver receives the remaining quota reported on every response.
type QuotaObserver interface {
	Observe(ctx context.Context, tenantID string, remainingMinute int, remainingDay int)
}

// ClientConfig describes how to reach the accounting API.
type ClientConfig struct {
	BaseURL        string
	ConnectionsURL string
	HTTPClient     *http.Client
	Quota          QuotaObserver
	Logger         *zap.Logger
}

// Client issues authenticated calls on behalf of a tenant.
type Client struct {
	baseURL        string
	connectionsURL string
	httpClient     *http.Client
	quota          QuotaObserver
	logger         *zap.Logger
}

// Record is one entity as returned by the API.
type Record struct {
	ExternalID string
	Raw        json.RawMessage
}

// Connection is one tenant authorized by a consent.
type Connection struct {
	ID             string `json:"id"`
	AuthEventID    string `json:"authEventId"`
	TenantID       string `json:"tenantId"`
	TenantType     string `json:"tenantType"`
	TenantName     string `json:"tenantName"`
	CreatedDateUTC string `json:"createdDateUtc"`
	UpdatedDateUTC string `json:"updatedDateUtc"`
}

type requestOptions struct {
	idempotencyKey string
}

// RequestOption adjusts a single request.
type RequestOption func(*requestOptions)

// WithIdempotencyKey lets the API discard a replayed write.
func WithIdempotencyKey(key string) RequestOption {
	return func(options *requestOptions) {
		options.idempotencyKey = key
	}
}

// IdempotencyKeyOf returns the idempotency key the options carry, if any.
func IdempotencyKeyOf(opts ...RequestOption) string {
	var options requestOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options.idempotencyKey
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	connectionsURL := strings.TrimSpace(cfg.ConnectionsURL)
	if connectionsURL == "" {
		connectionsURL = defaultConnectionsURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:        baseURL,
		connectionsURL: connectionsURL,
		httpClient:     httpClient,
		quota:          cfg.Quota,
		logger:         logger,
	}
}

// Create adds a record to the collection.
func (c *Client) Create(ctx context.Context, token tokens.AccessToken, endpoint Endpoint, payload any, opts ...RequestOption) (Record, error) {
	body, err := envelope(endpoint, payload)
	if err != nil {
		return Record{}, err
	}
	return c.single(ctx, token, http.MethodPut, c.collectionURL(endpoint, ""), endpoint, body, opts)
}

// Update replaces the fields present in payload on an existing record.
func (c *Client) Update(ctx context.Context, token tokens.AccessToken, endpoint Endpoint, externalID string, payload any, opts ...RequestOption) (Record, error) {
	body, err := envelope(endpoint, payload)
	if err != nil {
		return Record{}, err
	}
	return c.single(ctx, token, http.MethodPost, c.collectionURL(endpoint, externalID), endpoint, body, opts)
}

// Get fetches one record.
func (c *Client) Get(ctx context.Context, token tokens.AccessToken, endpoint Endpoint, externalID string) (Record, error) {
	return c.single(ctx, token, http.MethodGet, c.collectionURL(endpoint, externalID), endpoint, nil, nil)
}

// Archive soft deletes a record, or deletes it when the collection has no archived status.
func (c *Client) Archive(ctx context.Context, token tokens.AccessToken, endpoint Endpoint, externalID string) error {
	target := c.collectionURL(endpoint, externalID)
	if endpoint.StatusField == "" {
		_, err := c.do(ctx, token, http.MethodDelete, target, nil, nil)
		return err
	}
	body, err := envelope(endpoint, map[string]string{
		endpoint.IDField:     externalID,
		endpoint.StatusField: endpoint.ArchivedStatus,
	})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, token, http.MethodPost, target, body, nil)
	return err
}

// Connections lists the tenants an access token is authorized for. It needs no tenant header.
func (c *Client) Connections(ctx context.Context, accessToken string) ([]Connection, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.connectionsURL, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")

	response, payload, err := c.roundTrip(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, httpError(request, response, payload)
	}
	var connections []Connection
	if err := json.Unmarshal(payload, &connections); err != nil {
		return nil, fmt.Errorf("accounting: decode connections: %w", err)
	}
	return connections, nil
}

func (c *Client) single(ctx context.Context, token tokens.AccessToken, method string, target string, endpoint Endpoint, body []byte, opts []RequestOption) (Record, error) {
	payload, err := c.do(ctx, token, method, target, body, opts)
	if err != nil {
		return Record{}, err
	}
	var decoded map[string][]json.RawMessage
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Record{}, fmt.Errorf("accounting: decode %s: %w", endpoint.Collection, err)
	}
	records := decoded[endpoint.Collection]
	if len(records) == 0 {
		return Record{}, ErrEmptyResponse
	}
	var fields map[string]any
	if err := json.Unmarshal(records[0], &fields); err != nil {
		return Record{}, fmt.Errorf("accounting: decode %s record: %w", endpoint.Collection, err)
	}
	externalID, _ := fields[endpoint.IDField].(string)
	return Record{ExternalID: externalID, Raw: records[0]}, nil
}

func (c *Client) do(ctx context.Context, token tokens.AccessToken, method string, target string, body []byte, opts []RequestOption) ([]byte, error) {
	if token.TenantID == "" {
		return nil, errMissingTenant
	}
	idempotencyKey := IdempotencyKeyOf(opts...)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+token.Value)
	request.Header.Set(headerTenantID, token.TenantID)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		request.Header.Set(headerIdempotencyKey, idempotencyKey)
	}

	response, payload, err := c.roundTrip(request)
	if err != nil {
		return nil, err
	}
	c.observeQuota(ctx, token.TenantID, response.Header)
	if response.StatusCode < 200 || response.StatusCode > 299 {
		c.logger.Debug("accounting call rejected",
			zap.String("tenant_id", token.TenantID),
			zap.String("method", method),
			zap.String("url", target),
			zap.Int("status", response.StatusCode))
		return nil, httpError(request, response, payload)
	}
	return payload, nil
}

func (c *Client) roundTrip(request *http.Request) (*http.Response, []byte, error) {
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, nil, fmt.Errorf("accounting: %s %s: %w", request.Method, request.URL.Path, err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("accounting: read %s %s: %w", request.Method, request.URL.Path, err)
	}
	return response, payload, nil
}

func (c *Client) observeQuota(ctx context.Context, tenantID string, header http.Header) {
	if c.quota == nil {
		return
	}
	minute := headerInt(header, headerMinuteRemaining)
	day := headerInt(header, headerDayRemaining)
	if minute < 0 && day < 0 {
		return
	}
	c.quota.Observe(ctx, tenantID, minute, day)
}

func (c *Client) collectionURL(endpoint Endpoint, externalID string) string {
	target := c.baseURL + "/" + endpoint.Collection
	if externalID != "" {
		target += "/" + url.PathEscape(externalID)
	}
	return target
}

func envelope(endpoint Endpoint, payload any) ([]byte, error) {
	body, err := json.Marshal(map[string][]any{endpoint.Collection: {payload}})
	if err != nil {
		return nil, fmt.Errorf("accounting: encode %s: %w", endpoint.Collection, err)
	}
	return body, nil
}

func httpError(request *http.Request, response *http.Response, payload []byte) error {
	return &syncerr.HTTPError{
		Method:     request.Method,
		URL:        request.URL.Redacted(),
		StatusCode: response.StatusCode,
		Header:     response.Header.Clone(),
		Body:       payload,
	}
}

// headerInt returns -1 when the header is absent or malformed.
func headerInt(header http.Header, name string) int {
	raw := strings.TrimSpace(header.Get(name))
	if raw == "" {
		return -1
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return -1
	}
	return value
}
