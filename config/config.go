package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all gateway configuration loaded from environment variables.
type Config struct {
	ServiceName string
	LogLevel    string
	HTTPAddr    string

	// Upstream WebSocket
	UpstreamWSURL       string
	TunnelAddr          string // empty => direct dial, no CONNECT tunnel
	HeartbeatInterval   time.Duration
	TunnelConnectTimeMs int
	TunnelRequestTimeMs int

	// HTTP client pools
	PoolSizeDirect    int
	PoolSizeNarrative int
	PoolSizeImage     int

	// Upstream HTTP endpoints
	CandleAPIURL    string
	NarrativeAPIURL string

	// Candle store
	SQLitePath  string
	MaxKlines   int
	LazyUnsubS  int
	MinHotlistUSD float64

	// Alert engine thresholds
	AlertV1         float64
	AlertV5         float64
	AlertP1         float64
	AlertP5         float64
	AlertM1         float64
	AlertM5         float64
	AlertCooldownMs int64
	MaxAlertHistory int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		ServiceName: getEnv("GATEWAY_SERVICE_NAME", "tokenfeed-gateway"),
		LogLevel:    getEnv("GATEWAY_LOG_LEVEL", "info"),
		HTTPAddr:    getEnv("GATEWAY_HTTP_ADDR", ":8080"),

		UpstreamWSURL:       getEnv("UPSTREAM_WS_URL", "wss://nbstream.binance.com/w3w/stream"),
		TunnelAddr:          getEnv("TUNNEL_ADDR", ""),
		HeartbeatInterval:   getEnvDuration("HEARTBEAT_INTERVAL_S", 20*time.Second),
		TunnelConnectTimeMs: getEnvInt("TUNNEL_CONNECT_TIMEOUT_MS", 5000),
		TunnelRequestTimeMs: getEnvInt("TUNNEL_REQUEST_TIMEOUT_MS", 10000),

		PoolSizeDirect:    getEnvInt("POOL_SIZE_DIRECT", 4),
		PoolSizeNarrative: getEnvInt("POOL_SIZE_NARRATIVE", 4),
		PoolSizeImage:     getEnvInt("POOL_SIZE_IMAGE", 2),

		CandleAPIURL:    getEnv("CANDLE_API_URL", "https://dquery.sintral.io/u-kline/v1/k-line/candles"),
		NarrativeAPIURL: getEnv("NARRATIVE_API_URL", "https://dquery.sintral.io/narrative/query"),

		SQLitePath:    getEnv("SQLITE_PATH", "data/klines.db"),
		MaxKlines:     getEnvInt("MAX_KLINE_ROWS", 500),
		LazyUnsubS:    getEnvInt("LAZY_UNSUBSCRIBE_S", 60),
		MinHotlistUSD: getEnvFloat("MIN_HOTLIST_AMOUNT", 0),

		AlertV1:         getEnvFloat("ALERT_V1", 50),
		AlertV5:         getEnvFloat("ALERT_V5", 200),
		AlertP1:         getEnvFloat("ALERT_P1", 0.05),
		AlertP5:         getEnvFloat("ALERT_P5", 0.25),
		AlertM1:         getEnvFloat("ALERT_M1", 20),
		AlertM5:         getEnvFloat("ALERT_M5", 100),
		AlertCooldownMs: int64(getEnvInt("ALERT_COOLDOWN_MS", 60000)),
		MaxAlertHistory: getEnvInt("MAX_ALERT_HISTORY", 50),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid float for %s=%q, using default %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid duration seconds for %s=%q, using default %v", key, v, fallback)
		return fallback
	}
	return time.Duration(n) * time.Second
}
