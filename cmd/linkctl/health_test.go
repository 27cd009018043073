package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/sessionlink/internal/connection"
	"github.com/rickgao/sessionlink/internal/metrics"
	"github.com/rickgao/sessionlink/internal/queue"
)

type fakeSession struct {
	info       connection.ConnectionInfo
	stats      connection.ConnectionStats
	reconnects int
	reconnErr  error
}

func (f *fakeSession) Info() connection.ConnectionInfo   { return f.info }
func (f *fakeSession) Stats() connection.ConnectionStats { return f.stats }
func (f *fakeSession) QueueStats() queue.QueueStats      { return queue.QueueStats{Capacity: 20} }
func (f *fakeSession) ManualReconnect(ctx context.Context) error {
	f.reconnects++
	if f.reconnErr == nil {
		f.info.State = connection.StateOpen
	}
	return f.reconnErr
}

type healthBody struct {
	Status     string                    `json:"status"`
	Components map[string]map[string]any `json:"components"`
}

func getHealth(t *testing.T, h http.Handler) (int, healthBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body healthBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthHandler_Status(t *testing.T) {
	tests := []struct {
		name       string
		state      connection.State
		authed     bool
		wantStatus string
		wantCode   int
	}{
		{"authenticated", connection.StateOpen, true, "healthy", http.StatusOK},
		{"open unauthenticated", connection.StateOpen, false, "degraded", http.StatusOK},
		{"reconnecting", connection.StateReconnecting, false, "degraded", http.StatusOK},
		{"closed", connection.StateClosed, false, "unhealthy", http.StatusServiceUnavailable},
		{"manual retry", connection.StateManualRetryRequired, false, "unhealthy", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSession{info: connection.ConnectionInfo{
				State:         tt.state,
				Authenticated: tt.authed,
				QueueLength:   3,
			}}
			code, body := getHealth(t, createHealthHandler(s, "/metrics", nil))

			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, tt.state.String(), body.Components["session"]["state"])
			assert.Equal(t, 3.0, body.Components["queue"]["length"])
		})
	}
}

func TestHealthHandler_Reconnect(t *testing.T) {
	s := &fakeSession{info: connection.ConnectionInfo{State: connection.StateManualRetryRequired}}
	h := createHealthHandler(s, "/metrics", nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reconnect", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 0, s.reconnects)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reconnect", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "OPEN")
	assert.Equal(t, 1, s.reconnects)

	s.reconnErr = errors.New("dial refused")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reconnect", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "dial refused")
}

func TestHealthHandler_Metrics(t *testing.T) {
	s := &fakeSession{info: connection.ConnectionInfo{State: connection.StateOpen}}
	reg := metrics.NewRegistry(s, metrics.NewTransitions())
	server := httptest.NewServer(createHealthHandler(s, "/custom-metrics", reg))
	defer server.Close()

	resp, err := server.Client().Get(server.URL + "/custom-metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `sessionlink_connection_state{state="OPEN"} 1`), string(data))
}
