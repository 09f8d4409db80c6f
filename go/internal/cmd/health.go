package main

import (
	"encoding/json"
	"net/http"
)

// HealthStatus is reported by /health.
type HealthStatus struct {
	Healthy       bool     `json:"healthy"`
	Sessions      int      `json:"sessions"`
	FeedEnabled   bool     `json:"feed_enabled"`
	NATSConnected bool     `json:"nats_connected"`
	FeedBacklog   int      `json:"feed_backlog"`
	Errors        []string `json:"errors"`
}

type healthChecker struct {
	services *Services
}

func newHealthChecker(services *Services) *healthChecker {
	return &healthChecker{services: services}
}

// Check never fails on the relay: an unreachable aggregator does not stop recording.
func (h *healthChecker) Check() HealthStatus {
	status := HealthStatus{
		Healthy:  true,
		Sessions: h.services.Sessions.Len(),
		Errors:   []string{},
	}

	if h.services.feed != nil {
		status.FeedEnabled = true
		status.NATSConnected = h.services.feed.Connected()
		status.FeedBacklog = h.services.feedQueue.Len()
		if !status.NATSConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}
	return status
}

func (h *healthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check()

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
