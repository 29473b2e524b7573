package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, reader *bufio.Reader) sseEvent {
	t.Helper()
	var event sseEvent
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event.name != "" {
				return event
			}
		case strings.HasPrefix(line, "event: "):
			event.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			event.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventStreamDeliversMappingChanges(t *testing.T) {
	fixture := newRouterFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/tenants/"+testTenantID+"/events", http.NoBody)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer "+fixture.operatorToken(t))

	response, err := server.Client().Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, "text/event-stream", response.Header.Get("Content-Type"))

	reader := bufio.NewReader(response.Body)
	heartbeat := readEvent(t, reader)
	assert.Equal(t, events.EventHeartbeat, heartbeat.name)
	require.Equal(t, 1, fixture.dispatcher.SubscriberCount(testTenantID))

	require.NoError(t, fixture.mappings.Upsert(context.Background(), testTenantID, "contact", "cust-9", "x-9", "hash"))
	require.NoError(t, fixture.mappings.Upsert(context.Background(), "another-tenant", "contact", "cust-9", "x-10", "hash"))

	changed := readEvent(t, reader)
	require.Equal(t, events.EventMappingChanged, changed.name)
	var payload realtimePayload
	require.NoError(t, json.Unmarshal([]byte(changed.data), &payload))
	assert.Equal(t, testTenantID, payload.TenantID)
	assert.Equal(t, "ledgersync", payload.Source)

	cancel()
	require.Eventually(t, func() bool {
		return fixture.dispatcher.SubscriberCount(testTenantID) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventStreamRequiresOperatorToken(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.serve(httptest.NewRequest(http.MethodGet, "/tenants/"+testTenantID+"/events", http.NoBody))

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}
