package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the chart feed.
type Metrics struct {
	TradesReceived prometheus.Counter
	BarsEmitted    *prometheus.CounterVec // labels: mtyp
	VendorRetries  *prometheus.CounterVec // labels: kind
	CacheBatches   prometheus.Counter

	SessionsActive prometheus.Gauge
	ReplaysActive  prometheus.Gauge

	AcquireDuration prometheus.Histogram
	EmitLatency     prometheus.Histogram

	// Backpressure on the persisted-bar fan-out
	BusDropsTotal        *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name
	RedisPublishDrops    prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TradesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_trades_received_total",
			Help: "Trades received from the vendor stream across all sessions",
		}),
		BarsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_bars_emitted_total",
			Help: "Frames emitted to clients by message type",
		}, []string{"mtyp"}),
		VendorRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_vendor_retries_total",
			Help: "Vendor-driven retries (availability clamps, start corrections, reconnects)",
		}, []string{"kind"}),
		CacheBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_cache_batches_total",
			Help: "Bar batches committed to the SQLite cache",
		}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartfeed_sessions_active",
			Help: "Connected client sessions",
		}),
		ReplaysActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartfeed_replay_sessions_active",
			Help: "Sessions currently in replay",
		}),

		AcquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartfeed_acquire_duration_seconds",
			Help:    "Wall time to assemble a 1m series (cache + vendor fetches)",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		EmitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartfeed_emit_latency_ms",
			Help:    "Bar/trade event to socket-write latency in milliseconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 100},
		}),

		BusDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_bus_drops_total",
			Help: "Bars dropped by the persisted-bar fan-out per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chartfeed_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),
		RedisPublishDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_redis_publish_drops_total",
			Help: "Bar publishes dropped while the Redis breaker was open",
		}),
	}

	prometheus.MustRegister(
		m.TradesReceived,
		m.BarsEmitted,
		m.VendorRetries,
		m.CacheBatches,
		m.SessionsActive,
		m.ReplaysActive,
		m.AcquireDuration,
		m.EmitLatency,
		m.BusDropsTotal,
		m.ChannelSaturationPct,
		m.RedisPublishDrops,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	StoreOK        bool
	StoreLatencyMs float64

	RedisEnabled   bool
	RedisConnected bool
	RedisLatencyMs float64

	VendorRetries   int64
	LastVendorRetry time.Time
	LastVendorKind  string

	LastCheckAt time.Time
	StartedAt   time.Time

	latency  *LatencyTracker
	sessions func() int
}

// NewHealthStatus returns a default health status reporting emit latency
// percentiles from lat (may be nil).
func NewHealthStatus(lat *LatencyTracker) *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
		latency:   lat,
	}
}

func (h *HealthStatus) SetStoreOK(v bool) {
	h.mu.Lock()
	h.StoreOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

// SetSessionsFn installs the live session counter sampled by /healthz.
func (h *HealthStatus) SetSessionsFn(fn func() int) {
	h.mu.Lock()
	h.sessions = fn
	h.mu.Unlock()
}

// NoteVendorRetry records a vendor-driven retry for the health report.
func (h *HealthStatus) NoteVendorRetry(kind string) {
	h.mu.Lock()
	h.VendorRetries++
	h.LastVendorRetry = time.Now()
	h.LastVendorKind = kind
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckStore runs a trivial query against the bar cache and records
// latency + health.
func (h *HealthStatus) CheckStore(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. rdb may be nil when
// Redis mirroring is disabled.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckStore(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint. The SQLite cache is the source
// of truth, so losing it is unhealthy (503); a down Redis mirror only
// degrades the report, the feed keeps serving clients.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if h.RedisEnabled && !h.RedisConnected {
		overallStatus = "degraded"
	}
	if !h.StoreOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	sessions := 0
	if h.sessions != nil {
		sessions = h.sessions()
	}

	var emit LatencyStats
	if h.latency != nil {
		emit = h.latency.Snapshot()
	}

	lastRetry := ""
	if !h.LastVendorRetry.IsZero() {
		lastRetry = h.LastVendorRetry.Format(time.RFC3339)
	}

	status := struct {
		Status         string       `json:"status"`
		Uptime         string       `json:"uptime"`
		StoreOK        bool         `json:"store_ok"`
		StoreLatencyMs float64      `json:"store_latency_ms"`
		RedisEnabled   bool         `json:"redis_enabled"`
		RedisConnected bool         `json:"redis_connected"`
		RedisLatencyMs float64      `json:"redis_latency_ms"`
		Sessions       int          `json:"sessions_active"`
		VendorRetries  int64        `json:"vendor_retries"`
		LastRetryAt    string       `json:"last_vendor_retry_at,omitempty"`
		LastRetryKind  string       `json:"last_vendor_retry_kind,omitempty"`
		EmitLatency    LatencyStats `json:"emit_latency"`
		LastCheckAt    string       `json:"last_check_at"`
	}{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		StoreOK:        h.StoreOK,
		StoreLatencyMs: h.StoreLatencyMs,
		RedisEnabled:   h.RedisEnabled,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		Sessions:       sessions,
		VendorRetries:  h.VendorRetries,
		LastRetryAt:    lastRetry,
		LastRetryKind:  h.LastVendorKind,
		EmitLatency:    emit,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
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
