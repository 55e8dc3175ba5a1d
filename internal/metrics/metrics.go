// Package metrics exposes Prometheus counters/gauges for the gateway and a
// /healthz liveness endpoint, served together on one HTTP mux.
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

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	RoomsActive       prometheus.Gauge
	WorkersActive     prometheus.Gauge
	ClientsConnected  prometheus.Gauge
	TicksTotal        prometheus.Counter
	TicksDropped      *prometheus.CounterVec // labels: reason
	KlineFramesTotal  prometheus.Counter
	BroadcastsTotal   *prometheus.CounterVec // labels: event
	WSReconnectsTotal prometheus.Counter

	HistoricalFetchDur    prometheus.Histogram
	HistoricalFetchErrors prometheus.Counter
	GapFillCandlesTotal   prometheus.Counter

	NarrativeFetchDur    prometheus.Histogram
	NarrativeFetchErrors prometheus.Counter
	NarrativeCacheHits   prometheus.Counter

	PoolRecyclesTotal *prometheus.CounterVec // labels: pool

	AlertsFiredTotal      *prometheus.CounterVec // labels: type
	AlertsSuppressedTotal prometheus.Counter

	SQLiteCommitDur prometheus.Histogram
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_rooms_active",
			Help: "Number of active subscription rooms",
		}),
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_workers_active",
			Help: "Number of live per-token upstream workers",
		}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_clients_connected",
			Help: "Number of connected client sockets",
		}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ticks_total",
			Help: "Total upstream ticks processed",
		}),
		TicksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ticks_dropped_total",
			Help: "Ticks dropped before merge, by reason",
		}, []string{"reason"}),
		KlineFramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_kline_frames_total",
			Help: "Total room candle updates broadcast, from kline frames and tick merges",
		}),
		BroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_broadcasts_total",
			Help: "Total events broadcast to clients, by event type",
		}, []string{"event"}),
		WSReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ws_reconnects_total",
			Help: "Total upstream worker reconnection attempts",
		}),
		HistoricalFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_historical_fetch_duration_seconds",
			Help:    "Upstream candle-history fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		HistoricalFetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_historical_fetch_errors_total",
			Help: "Upstream candle-history fetch failures",
		}),
		GapFillCandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_gap_fill_candles_total",
			Help: "Total synthesized zero-volume candles emitted by gap-fill",
		}),
		NarrativeFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_narrative_fetch_duration_seconds",
			Help:    "Narrative enrichment HTTP fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		NarrativeFetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_narrative_fetch_errors_total",
			Help: "Narrative enrichment fetch failures",
		}),
		NarrativeCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_narrative_cache_hits_total",
			Help: "Narrative cache hits avoiding a fetch",
		}),
		PoolRecyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_pool_recycles_total",
			Help: "HTTP client pool slot recycles, by pool name",
		}, []string{"pool"}),
		AlertsFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_alerts_fired_total",
			Help: "Alerts fired, by alert type",
		}, []string{"type"}),
		AlertsSuppressedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_alerts_suppressed_total",
			Help: "Alert firings suppressed by cooldown",
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_sqlite_commit_duration_seconds",
			Help:    "SQLite transaction commit latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		m.RoomsActive,
		m.WorkersActive,
		m.ClientsConnected,
		m.TicksTotal,
		m.TicksDropped,
		m.KlineFramesTotal,
		m.BroadcastsTotal,
		m.WSReconnectsTotal,
		m.HistoricalFetchDur,
		m.HistoricalFetchErrors,
		m.GapFillCandlesTotal,
		m.NarrativeFetchDur,
		m.NarrativeFetchErrors,
		m.NarrativeCacheHits,
		m.PoolRecyclesTotal,
		m.AlertsFiredTotal,
		m.AlertsSuppressedTotal,
		m.SQLiteCommitDur,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	UpstreamConnected bool      `json:"upstream_connected"`
	LastTickTime      time.Time `json:"last_tick_time"`
	SQLiteOK          bool      `json:"sqlite_ok"`
	WorkersActive     int       `json:"workers_active"`

	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetUpstreamConnected(v bool) {
	h.mu.Lock()
	h.UpstreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetWorkersActive(n int) {
	h.mu.Lock()
	h.WorkersActive = n
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

// StartLivenessChecker runs periodic dependency checks until ctx is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
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
	if !h.UpstreamConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status            string  `json:"status"`
		Uptime            string  `json:"uptime"`
		UpstreamConnected bool    `json:"upstream_connected"`
		LastTickTime      string  `json:"last_tick_time"`
		TickAge           string  `json:"tick_age"`
		SQLiteOK          bool    `json:"sqlite_ok"`
		SQLiteLatencyMs   float64 `json:"sqlite_latency_ms"`
		WorkersActive     int     `json:"workers_active"`
		LastCheckAt       string  `json:"last_check_at"`
	}{
		Status:            overallStatus,
		Uptime:            time.Since(h.StartedAt).Round(time.Second).String(),
		UpstreamConnected: h.UpstreamConnected,
		LastTickTime:      h.LastTickTime.Format(time.RFC3339),
		TickAge:           tickAge,
		SQLiteOK:          h.SQLiteOK,
		SQLiteLatencyMs:   h.SQLiteLatencyMs,
		WorkersActive:     h.WorkersActive,
		LastCheckAt:       h.LastCheckAt.Format(time.RFC3339),
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

// NewServer creates a metrics and health server. mux may be nil, in which
// case a fresh ServeMux is created; pass an existing mux to add routes
// such as the WS upgrade endpoint alongside /metrics and /healthz.
func NewServer(addr string, health *HealthStatus, mux *http.ServeMux) *Server {
	if mux == nil {
		mux = http.NewServeMux()
	}
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
