package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const invoiceDelivery = `{
  "events": [{
    "resourceUrl": "https://api.xero.com/api.xro/2.0/Invoices/1f4b6f9e-4e2b-4d55-9a0c-2d9c1a6f8b11",
    "resourceId": "1f4b6f9e-4e2b-4d55-9a0c-2d9c1a6f8b11",
    "eventDateUtc": "2026-10-01T09:30:00.000",
    "eventType": "UPDATE",
    "eventCategory": "INVOICE",
    "tenantId": "c2cc9b6e-9458-4c7d-93cc-f02b81b0594f",
    "tenantType": "ORGANISATION"
  }],
  "firstEventSequence": 1,
  "lastEventSequence": 1,
  "entropy": "QWERTYUIOP"
}`

const intentDelivery = `{"events":[],"firstEventSequence":0,"lastEventSequence":0,"entropy":"ASDFGHJKL"}`

func signedWebhookRequest(body string, secret string) *http.Request {
	request := httptest.NewRequest(http.MethodPost, "/webhooks/xero", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte(body), secret))
	return request
}

func TestWebhookRejectsBadSignatureWithEmptyBody(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.serve(signedWebhookRequest(invoiceDelivery, "some-other-key"))

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Empty(t, recorder.Body.String())

	var stored int64
	require.NoError(t, fixture.db.Model(&webhook.Event{}).Count(&stored).Error)
	assert.Zero(t, stored)
}

func TestWebhookIntentToReceiveReturnsEmptyOK(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.serve(signedWebhookRequest(intentDelivery, testWebhookSecret))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Empty(t, recorder.Body.String())
}

func TestWebhookStoresDeliveryAndDeduplicates(t *testing.T) {
	fixture := newRouterFixture(t)

	first := fixture.serve(signedWebhookRequest(invoiceDelivery, testWebhookSecret))
	require.Equal(t, http.StatusOK, first.Code)
	var firstResult webhook.ReceiveResult
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResult))
	assert.Equal(t, 1, firstResult.Stored)

	second := fixture.serve(signedWebhookRequest(invoiceDelivery, testWebhookSecret))
	require.Equal(t, http.StatusOK, second.Code)
	var secondResult webhook.ReceiveResult
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResult))
	assert.Equal(t, 0, secondResult.Stored)
	assert.Equal(t, 1, secondResult.Duplicates)
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	fixture := newRouterFixture(t)
	body := strings.Repeat("x", maxWebhookBodyBytes+1)

	recorder := fixture.serve(signedWebhookRequest(body, testWebhookSecret))

	assert.Equal(t, http.StatusRequestEntityTooLarge, recorder.Code)
}

func TestProcessWebhooksDrainsPendingEvents(t *testing.T) {
	fixture := newRouterFixture(t)
	require.Equal(t, http.StatusOK, fixture.serve(signedWebhookRequest(invoiceDelivery, testWebhookSecret)).Code)

	unauthorized := fixture.serve(httptest.NewRequest(http.MethodPost, "/webhooks/process", http.NoBody))
	require.Equal(t, http.StatusUnauthorized, unauthorized.Code)

	recorder := fixture.operatorRequest(t, http.MethodPost, "/webhooks/process?limit=10")
	require.Equal(t, http.StatusOK, recorder.Code)

	var summary webhook.ProcessingSummary
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Claimed)
	assert.Equal(t, 1, summary.Unhandled)

	again := fixture.operatorRequest(t, http.MethodPost, "/webhooks/process")
	require.Equal(t, http.StatusOK, again.Code)
	require.NoError(t, json.Unmarshal(again.Body.Bytes(), &summary))
	assert.Zero(t, summary.Claimed)
}

func TestProcessWebhooksClampsOversizedLimit(t *testing.T) {
	fixture := newRouterFixture(t)
	require.Equal(t, http.StatusOK, fixture.serve(signedWebhookRequest(invoiceDelivery, testWebhookSecret)).Code)

	recorder := fixture.operatorRequest(t, http.MethodPost, "/webhooks/process?limit=1000000000")
	require.Equal(t, http.StatusOK, recorder.Code)

	var summary webhook.ProcessingSummary
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Claimed)
}
