// cmd/gateway is the market-data fan-out gateway process: it wires the room
// registry, the per-token workers, the historical candle service, the
// narrative enricher, and the alert engine together behind one WebSocket
// endpoint, and serves Prometheus metrics/health alongside it.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"tokenfeed/config"
	"tokenfeed/internal/alert"
	"tokenfeed/internal/candlestore"
	"tokenfeed/internal/historical"
	"tokenfeed/internal/httpclient"
	"tokenfeed/internal/logger"
	"tokenfeed/internal/metrics"
	"tokenfeed/internal/narrative"
	"tokenfeed/internal/registry"
	"tokenfeed/internal/snapshot"
	"tokenfeed/internal/tunnel"
)

func main() {
	cfg := config.Load()
	log := logger.Init(cfg.ServiceName, logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := candlestore.Open(candlestore.Config{DBPath: cfg.SQLitePath, MaxKlines: cfg.MaxKlines}, log)
	if err != nil {
		log.Error("failed to open candle store", "err", err)
		return
	}
	defer store.Close()
	go store.PruneLiquidityLoop(ctx, 10*time.Minute)

	m := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.StartLivenessChecker(ctx, store.DB(), 15*time.Second)

	directPool := httpclient.New(cfg.PoolSizeDirect, cfg.TunnelAddr, "direct", "", log)
	narrativePool := httpclient.New(cfg.PoolSizeNarrative, cfg.TunnelAddr, "narrative", "", log)
	_ = httpclient.New(cfg.PoolSizeImage, cfg.TunnelAddr, "image", "", log) // reserved for future avatar/image proxying

	tunnelCfg := tunnel.Config{
		UpstreamURL:       cfg.UpstreamWSURL,
		ProxyAddr:         cfg.TunnelAddr,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectTimeout:    time.Duration(cfg.TunnelConnectTimeMs) * time.Millisecond,
		HandshakeTimeout:  time.Duration(cfg.TunnelRequestTimeMs) * time.Millisecond,
	}

	reg := registry.New(ctx, registry.Config{
		TunnelCfg:      tunnelCfg,
		LazyUnsubDelay: time.Duration(cfg.LazyUnsubS) * time.Second,
	}, m, log)
	defer reg.Shutdown()

	hist := historical.New(historical.Config{
		APIURL:    cfg.CandleAPIURL,
		MaxKlines: cfg.MaxKlines,
	}, store, directPool, reg, log)
	reg.SetHistoricalHandler(hist)

	alertEngine := alert.New(alert.Config{
		V1: cfg.AlertV1, V5: cfg.AlertV5,
		P1: cfg.AlertP1, P5: cfg.AlertP5,
		M1: cfg.AlertM1, M5: cfg.AlertM5,
		CooldownMs: cfg.AlertCooldownMs,
		MaxHistory: cfg.MaxAlertHistory,
	})

	enricher := narrative.New(narrative.Config{APIURL: cfg.NarrativeAPIURL}, narrativePool, narrative.NewCache(), log)

	snap := snapshot.New(snapshot.Config{MinHotlistUSD: cfg.MinHotlistUSD}, reg, alertEngine, enricher, log)
	reg.SetSnapshotHandler(snap)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", reg.ServeHTTP)
	server := metrics.NewServer(cfg.HTTPAddr, health, mux)
	server.Start()

	log.Info("gateway started", "addr", cfg.HTTPAddr)

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Stop(shutdownCtx)

	log.Info("gateway stopped")
}
