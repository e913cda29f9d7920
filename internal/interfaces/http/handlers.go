package http

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/quotelab/smartcache/internal/governor"
	"github.com/quotelab/smartcache/internal/metrics"
	"github.com/quotelab/smartcache/internal/orchestrator"
	"github.com/quotelab/smartcache/internal/stream"
)

// Handlers serves the monitor endpoints from live component handles. Any
// component may be nil; its section is then omitted from responses.
type Handlers struct {
	orch      *orchestrator.Orchestrator
	streams   *stream.Cache
	gov       *governor.Governor
	collector *metrics.Collector
	version   string
	startTime time.Time
}

// NewHandlers wires the endpoint handlers.
func NewHandlers(orch *orchestrator.Orchestrator, streams *stream.Cache, gov *governor.Governor, collector *metrics.Collector, version string) *Handlers {
	return &Handlers{
		orch:      orch,
		streams:   streams,
		gov:       gov,
		collector: collector,
		version:   version,
		startTime: time.Now(),
	}
}

// HealthResponse is the document served by GET /health.
type HealthResponse struct {
	Status       string               `json:"status"` // healthy|degraded|unhealthy
	Timestamp    time.Time            `json:"timestamp"`
	Uptime       string               `json:"uptime"`
	Version      string               `json:"version"`
	System       SystemInfo           `json:"system"`
	Orchestrator *orchestrator.Health `json:"orchestrator,omitempty"`
	Stream       *stream.Health       `json:"stream,omitempty"`
	Governor     *governor.Stats      `json:"governor,omitempty"`
}

// SystemInfo is a trimmed runtime view included with health responses.
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAllocBytes uint64 `json:"mem_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// ErrorResponse is the standard error body for all endpoints.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Health handles GET /health. Degraded states still return 200; only a hard
// unhealthy verdict maps to 503 so probes keep scraping a limping instance.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		Version:   h.version,
		System:    readSystemInfo(),
	}

	if h.orch != nil {
		resp.Orchestrator = h.orch.GetHealth(r.Context())
	}
	if h.streams != nil {
		resp.Stream = h.streams.HealthCheck(r.Context())
	}
	if h.gov != nil {
		stats := h.gov.Stats()
		resp.Governor = &stats
	}
	resp.Status = overallStatus(&resp)

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

// Stats handles GET /stats with the collector's aggregated snapshot.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	if h.collector == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "stats_unavailable",
			"No stats collector is attached")
		return
	}
	h.writeJSON(w, http.StatusOK, h.collector.Snapshot())
}

// NotFound handles 404 responses.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// MethodNotAllowed handles 405 responses.
func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
		"The endpoint does not support this method")
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// overallStatus folds component verdicts into one. The governor is
// informational only; it never degrades the instance.
func overallStatus(resp *HealthResponse) string {
	worst := "healthy"
	consider := func(s string) {
		switch s {
		case "unhealthy":
			worst = "unhealthy"
		case "degraded":
			if worst == "healthy" {
				worst = "degraded"
			}
		}
	}
	if resp.Orchestrator != nil {
		consider(resp.Orchestrator.Status)
	}
	if resp.Stream != nil {
		consider(resp.Stream.Status)
	}
	return worst
}

func readSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAllocBytes: m.Alloc,
		NumGC:         m.NumGC,
	}
}
