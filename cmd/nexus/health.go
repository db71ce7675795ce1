package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type healthChannelStatus struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

type healthQueueDepth struct {
	InboundDepth  int `json:"inbound_depth"`
	OutboundDepth int `json:"outbound_depth"`
}

type healthResponse struct {
	Status    string                         `json:"status"`
	AgentLoop struct {
		Running bool `json:"running"`
	} `json:"agent_loop"`
	Channels        map[string]healthChannelStatus `json:"channels"`
	Queue           healthQueueDepth                `json:"queue"`
	LastProcessedAt *time.Time                      `json:"last_processed_at,omitempty"`

	Debug *healthDebug `json:"debug,omitempty"`
}

type healthDebug struct {
	Events *eventsManifest `json:"events,omitempty"`
	Stream *streamDebug    `json:"stream,omitempty"`
}

type eventsManifest struct {
	Namespace string              `json:"namespace"`
	Version   int                 `json:"version"`
	Events    []eventCapability   `json:"events"`
}

type eventCapability struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
}

type streamDebug struct {
	Enabled bool     `json:"enabled"`
	Reasons []string `json:"reasons"`
}

// newHealthHandler serves the health endpoint: GET /health, with
// optional ?debug=events and ?debug=stream diagnostics. Every other method
// or path is rejected.
func newHealthHandler(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeHealth(w, a, r.URL.Query().Get("debug"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	return mux
}

func writeHealth(w http.ResponseWriter, a *app, debug string) {
	resp := healthResponse{Status: "ok"}
	resp.AgentLoop.Running = true
	resp.Queue = healthQueueDepth{
		InboundDepth:  a.bus.InboundDepth(),
		OutboundDepth: a.bus.OutboundDepth(),
	}

	resp.Channels = make(map[string]healthChannelStatus)
	for ch, h := range a.channels.Health() {
		resp.Channels[string(ch)] = healthChannelStatus{Connected: h.Connected, Error: h.Error}
	}

	if ts := lastProcessedAt(a); !ts.IsZero() {
		resp.LastProcessedAt = &ts
	}

	switch debug {
	case "events":
		resp.Debug = &healthDebug{Events: &eventsManifest{
			Namespace: models.TurnEventNamespace,
			Version:   models.TurnEventVersion,
			Events: []eventCapability{
				{Type: string(models.TurnEventTurnStart), Kind: "nanobot.turn.turn_start"},
				{Type: string(models.TurnEventToolStart), Kind: "nanobot.turn.tool_start"},
				{Type: string(models.TurnEventToolEnd), Kind: "nanobot.turn.tool_end"},
				{Type: string(models.TurnEventTurnEnd), Kind: "nanobot.turn.turn_end"},
			},
		}}
	case "stream":
		resp.Debug = &healthDebug{Stream: &streamDebug{
			Enabled: false,
			Reasons: []string{"streaming diagnostics are not wired to a transport in this deployment"},
		}}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func lastProcessedAt(a *app) time.Time {
	events := a.orchestrator.Events()
	var latest time.Time
	for _, ev := range events {
		if ev.Type != models.TurnEventTurnEnd {
			continue
		}
		t := time.UnixMilli(ev.TimestampMs)
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}
