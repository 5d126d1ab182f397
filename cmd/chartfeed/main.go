package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chartfeed/config"
	"chartfeed/internal/acquire"
	"chartfeed/internal/bus"
	"chartfeed/internal/gateway"
	"chartfeed/internal/metrics"
	"chartfeed/internal/model"
	"chartfeed/internal/session"
	redisstore "chartfeed/internal/store/redis"
	sqlitestore "chartfeed/internal/store/sqlite"
	"chartfeed/pkg/feedapi"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[chartfeed] starting...")

	// ---- Load config (YAML file + env overrides) ----
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[chartfeed] config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[chartfeed] config: %v", err)
	}
	log.Printf("[chartfeed] vendor hist=%s live=%s key=...%s",
		cfg.Vendor.HistURL, cfg.Vendor.LiveURL, cfg.Vendor.KeyTag())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	emitLat := metrics.NewLatencyTracker(0)
	health := metrics.NewHealthStatus(emitLat)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Durable store (source of truth; fatal if unavailable) ----
	store, err := sqlitestore.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("[chartfeed] sqlite init failed: %v", err)
	}
	defer store.Close()
	store.OnBatch = func(int) { prom.CacheBatches.Inc() }
	health.SetStoreOK(true)
	log.Println("[chartfeed] bar cache ready")

	// ---- Optional Redis mirror ----
	var pub *redisstore.Publisher
	if cfg.RedisAddr != "" {
		health.SetRedisEnabled(true)
		pub, err = redisstore.NewPublisher(redisstore.PublisherConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Printf("[chartfeed] WARNING: redis init failed: %v (continuing without redis)", err)
			health.SetRedisConnected(false)
			pub = nil
		} else {
			pub.OnDrop = func() { prom.RedisPublishDrops.Inc() }
			log.Println("[chartfeed] redis mirror ready")
		}
	}

	// ---- Periodic liveness checks ----
	if pub != nil {
		health.StartLivenessChecker(ctx, pub.Client(), store.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)
	}

	// ---- Fan out persisted 1m bars: cache writer + optional Redis ----
	barCh := make(chan model.Bar, 4096)
	fan := bus.New(4096)
	fan.OnDrop = func(sink string) {
		prom.BusDropsTotal.WithLabelValues(sink).Inc()
	}
	cacheCh := fan.Subscribe("cache")
	var redisCh <-chan model.Bar
	if pub != nil {
		redisCh = fan.Subscribe("redis")
	}
	go fan.Run(ctx, barCh)
	go store.Run(ctx, cacheCh)
	if pub != nil {
		go pub.Run(ctx, redisCh)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range fan.ChannelStats() {
					if s.Cap > 0 {
						pct := float64(s.Len) / float64(s.Cap) * 100
						prom.ChannelSaturationPct.WithLabelValues(s.Name).Set(pct)
					}
				}
			}
		}
	}()

	// ---- Vendor client & acquisition ----
	vendor := feedapi.NewClient(cfg.Vendor.HistURL, cfg.Vendor.LiveURL, cfg.Vendor.APIKey)
	vendor.OnRetry = func(kind string) {
		prom.VendorRetries.WithLabelValues(kind).Inc()
		health.NoteVendorRetry(kind)
	}

	orch := acquire.New(vendor, store)
	orch.EarlyCushionMs = cfg.EarlyCushion().Milliseconds()
	orch.LateCushionMs = cfg.LateCushion().Milliseconds()

	// ---- Session manager ----
	deps := session.Deps{
		Acquire: orch,
		OpenTrades: func(ctx context.Context, instruments []string, startNs int64) (session.TradeStream, error) {
			return vendor.StreamTrades(ctx, instruments, startNs)
		},
		Persist: func(b model.Bar) {
			select {
			case barCh <- b:
			default:
				prom.BusDropsTotal.WithLabelValues("ingress").Inc()
			}
		},
		Ancillary: store,
		Hooks: session.Hooks{
			TradeReceived:  prom.TradesReceived.Inc,
			FrameSent:      func(mtyp string) { prom.BarsEmitted.WithLabelValues(mtyp).Inc() },
			AcquireSeconds: prom.AcquireDuration.Observe,
			EmitLatencyMs: func(ms float64) {
				prom.EmitLatency.Observe(ms)
				emitLat.Record(ms)
			},
			SessionsDelta: func(d int) { prom.SessionsActive.Add(float64(d)) },
			ReplayDelta:   func(d int) { prom.ReplaysActive.Add(float64(d)) },
		},
	}
	mgr := session.NewManager(deps, session.Config{
		DefaultLookback: cfg.DefaultLookback(),
		LogDir:          cfg.LogDir,
	})
	health.SetSessionsFn(mgr.Count)

	// ---- Client websocket endpoint ----
	gw := gateway.NewServer(mgr)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Printf("[chartfeed] client gateway listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[chartfeed] gateway: %v", err)
		}
	}()

	log.Printf("[chartfeed] ready: ws=%s metrics=%s db=%s redis=%q lookback=%dd",
		cfg.ListenAddr, cfg.MetricsAddr, cfg.DBPath, cfg.RedisAddr, cfg.DefaultLookbackDays)

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[chartfeed] shutdown signal received, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	srv.Shutdown(shutdownCtx)
	mgr.CloseAll()

	// Sessions are gone, so nothing sends on barCh anymore; closing it drains
	// the fan-out and lets the cache writer flush its final batch.
	close(barCh)
	time.Sleep(500 * time.Millisecond)

	cancel()
	metricsSrv.Stop(shutdownCtx)
	if pub != nil {
		pub.Close()
	}
	log.Println("[chartfeed] shutdown complete.")
}
