package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/sessionlink/internal/connection"
	"github.com/rickgao/sessionlink/internal/metrics"
)

// session is the part of the manager the health endpoints read and drive.
type session interface {
	metrics.Source
	ManualReconnect(ctx context.Context) error
}

// createHealthHandler creates the HTTP handler for health checks and metrics.
func createHealthHandler(s session, metricsPath string, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		info := s.Info()
		stats := s.Stats()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		health.Components["session"] = map[string]interface{}{
			"state":             info.State.String(),
			"authenticated":     info.Authenticated,
			"attempts":          info.Attempts,
			"max_attempts":      info.MaxAttempts,
			"series":            info.SeriesCount,
			"next_retry_delay":  info.NextRetryDelay.String(),
			"reconnect_count":   stats.ReconnectCount,
			"messages_sent":     stats.MessagesSent,
			"messages_received": stats.MessagesReceived,
			"latency_ms":        stats.Latency.Milliseconds(),
			"client_id":         stats.ClientID,
		}
		health.Components["queue"] = map[string]interface{}{
			"length": info.QueueLength,
		}

		switch {
		case info.State == connection.StateOpen && info.Authenticated:
		case info.State == connection.StateOpen, info.State == connection.StateConnecting, info.State == connection.StateReconnecting:
			health.Status = "degraded"
		default:
			health.Status = "unhealthy"
		}

		// Set response
		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/reconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := s.ManualReconnect(ctx); err != nil {
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"state": s.Info().State.String()})
	})

	if reg != nil {
		mux.Handle(metricsPath, metrics.Handler(reg))
	}

	return mux
}
