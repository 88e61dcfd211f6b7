package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the polling pipeline.
type Metrics struct {
	PollCycles     *prometheus.CounterVec // labels: result=ok|cached|skip|error
	FetchDur       prometheus.Histogram
	QuoteFailures  prometheus.Counter
	SourceClears   prometheus.Counter
	SnapshotsTotal prometheus.Counter
	StoreErrors    prometheus.Counter

	// Supervision metrics
	ProbeFailures     prometheus.Counter
	OfflineEvents     prometheus.Counter
	SchedulerRestarts prometheus.Counter

	// Dashboard metrics
	WSClients    prometheus.Gauge
	WSBroadcasts prometheus.Counter
}

// NewMetrics registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on the given registerer. Tests
// pass a fresh prometheus.NewRegistry so packages can build metrics
// more than once per process.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oipulse_poll_cycles_total",
			Help: "Poll cycles by result (ok, cached, skip, error)",
		}, []string{"result"}),
		FetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oipulse_fetch_duration_seconds",
			Help:    "Option chain fetch latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),
		QuoteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oipulse_quote_failures_total",
			Help: "Futures quote fetches that degraded to zeros",
		}),
		SourceClears: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oipulse_source_clears_total",
			Help: "Snapshot table clears caused by data-source identity change",
		}),
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oipulse_snapshots_total",
			Help: "Snapshot rows inserted",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oipulse_store_errors_total",
			Help: "Snapshot store write failures",
		}),

		ProbeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oipulse_probe_failures_total",
			Help: "Health probe failures",
		}),
		OfflineEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oipulse_offline_events_total",
			Help: "Transitions into the offline state",
		}),
		SchedulerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oipulse_scheduler_restarts_total",
			Help: "Scheduler restarts triggered by recovery or manual retry",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oipulse_ws_clients",
			Help: "Connected dashboard WebSocket clients",
		}),
		WSBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oipulse_ws_broadcasts_total",
			Help: "Messages broadcast to dashboard clients",
		}),
	}

	reg.MustRegister(
		m.PollCycles,
		m.FetchDur,
		m.QuoteFailures,
		m.SourceClears,
		m.SnapshotsTotal,
		m.StoreErrors,
		m.ProbeFailures,
		m.OfflineEvents,
		m.SchedulerRestarts,
		m.WSClients,
		m.WSBroadcasts,
	)

	return m
}

// HealthStatus represents daemon health for the /healthz endpoint.
type HealthStatus struct {
	mu sync.RWMutex

	UpstreamOK     bool      `json:"upstream_ok"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	SchedulerState string    `json:"scheduler_state"`
	LastSnapshot   time.Time `json:"last_snapshot"`

	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetUpstreamOK(v bool) {
	h.mu.Lock()
	h.UpstreamOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSchedulerState(s string) {
	h.mu.Lock()
	h.SchedulerState = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastSnapshot(t time.Time) {
	h.mu.Lock()
	h.LastSnapshot = t
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if sqlDB != nil {
					probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
					h.CheckSQLite(probeCtx, sqlDB)
					cancel()
				}
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	snapshotAge := ""
	if !h.LastSnapshot.IsZero() {
		snapshotAge = time.Since(h.LastSnapshot).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		UpstreamOK      bool    `json:"upstream_ok"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		SchedulerState  string  `json:"scheduler_state"`
		LastSnapshot    string  `json:"last_snapshot"`
		SnapshotAge     string  `json:"snapshot_age"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		UpstreamOK:      h.UpstreamOK,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		SchedulerState:  h.SchedulerState,
		LastSnapshot:    h.LastSnapshot.Format(time.RFC3339),
		SnapshotAge:     snapshotAge,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
