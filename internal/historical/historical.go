// Package historical implements the Historical Candle Service: an
// immediate cached-window reply plus an off-critical-path upstream
// refetch, gap-filled to a fixed window so the chart never shows a hole.
package historical

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"tokenfeed/internal/candlestore"
	"tokenfeed/internal/chainaddr"
	"tokenfeed/internal/httpclient"
	"tokenfeed/internal/model"
	"tokenfeed/internal/registry"
)

const windowSize = 500

// CandleSeeder is the subset of *registry.Registry the service needs to
// hand a freshly-filled window's last candle to a room with no live
// candle yet.
type CandleSeeder interface {
	SeedCandle(roomKey string, candle model.Candle)
}

// Config configures the service.
type Config struct {
	APIURL    string
	MaxKlines int // window size, default 500
}

// Service answers request_historical_kline by serving the cached window
// immediately and refetching from upstream in the background.
type Service struct {
	cfg   Config
	store *candlestore.Store
	pool  *httpclient.Pool
	seed  CandleSeeder
	log   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Service.
func New(cfg Config, store *candlestore.Store, pool *httpclient.Pool, seed CandleSeeder, log *slog.Logger) *Service {
	if cfg.MaxKlines <= 0 {
		cfg.MaxKlines = windowSize
	}
	return &Service{
		cfg:   cfg,
		store: store,
		pool:  pool,
		seed:  seed,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}
}

func primaryKey(normalizedAddress, chain, interval string) string {
	return fmt.Sprintf("%s@%s@%s", normalizedAddress, strings.ToLower(chain), interval)
}

// HandleHistoricalRequest implements registry.HistoricalHandler.
func (s *Service) HandleHistoricalRequest(client *registry.Client, req model.KlineRequest) {
	poolID, ok := chainaddr.PoolID(req.Chain)
	if !ok {
		s.log.Warn("historical request for unsupported chain", "chain", req.Chain)
		return
	}
	intervalSeconds, err := intervalToSeconds(req.Interval)
	if err != nil {
		s.log.Warn("historical request with malformed interval", "interval", req.Interval, "err", err)
		return
	}
	normalized := chainaddr.Normalize(req.Chain, req.Address)
	key := primaryKey(normalized, req.Chain, req.Interval)
	roomKey := chainaddr.RoomKey(poolID, normalized, req.Interval)

	rows, err := s.store.GetLatest(key, s.cfg.MaxKlines)
	if err != nil {
		s.log.Error("historical: read cached window failed", "key", key, "err", err)
		rows = nil
	}
	liquidity, err := s.store.QueryLiquidityAggregated(normalized, intervalSeconds)
	if err != nil {
		s.log.Warn("historical: liquidity query failed", "address", normalized, "err", err)
		liquidity = nil
	}

	filled := gapFill(rows, intervalSeconds, s.cfg.MaxKlines, time.Now().Unix())
	client.Send("historical_kline_initial", model.HistoricalKlineEvent{
		Address: req.Address, Chain: req.Chain, Interval: req.Interval,
		Data: filled, LiquidityHistory: liquidity,
	})

	go s.completeInBackground(client, req, key, roomKey, normalized, intervalSeconds)
}

// completeInBackground refetches the upstream window, guarded by a
// per-primary_key lock so a burst of requests for the same key collapses
// into a single in-flight fetch.
func (s *Service) completeInBackground(client *registry.Client, req model.KlineRequest, key, roomKey, normalized string, intervalSeconds int64) {
	lock := s.lockFor(key)
	if !lock.TryLock() {
		return
	}
	defer lock.Unlock()

	limit, err := s.computeLimit(key, intervalSeconds)
	if err != nil {
		s.log.Error("historical: compute limit failed", "key", key, "err", err)
		return
	}

	rows, err := s.fetchWithRetry(normalized, req.Chain, req.Interval, limit)
	if err != nil {
		s.log.Warn("historical: upstream fetch failed", "key", key, "err", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	if err := s.store.UpsertAndPrune(key, rows); err != nil {
		s.log.Error("historical: upsert failed", "key", key, "err", err)
		return
	}

	complete, err := s.store.GetLatest(key, s.cfg.MaxKlines)
	if err != nil {
		s.log.Error("historical: re-read failed", "key", key, "err", err)
		return
	}
	filled := gapFill(complete, intervalSeconds, s.cfg.MaxKlines, time.Now().Unix())

	liquidity, err := s.store.QueryLiquidityAggregated(normalized, intervalSeconds)
	if err != nil {
		liquidity = nil
	}

	client.Send("historical_kline_completed", model.HistoricalKlineEvent{
		Address: req.Address, Chain: req.Chain, Interval: req.Interval,
		Data: filled, LiquidityHistory: liquidity,
	})

	if s.seed != nil && len(filled) > 0 {
		s.seed.SeedCandle(roomKey, filled[len(filled)-1])
	}
}

// computeLimit implements §4.3 step 3's clamped refetch-size arithmetic.
func (s *Service) computeLimit(key string, intervalSeconds int64) (int, error) {
	last, ok, err := s.store.GetLast(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return s.cfg.MaxKlines, nil
	}

	intervalMs := intervalSeconds * 1000
	nowMs := time.Now().UnixMilli()
	missing := int(math.Ceil(float64(nowMs-last.Time*1000)/float64(intervalMs))) + 1
	if missing > s.cfg.MaxKlines {
		if err := s.store.Clear(key); err != nil {
			return 0, err
		}
		return s.cfg.MaxKlines, nil
	}
	return clamp(missing, 2, s.cfg.MaxKlines), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// fetchWithRetry calls the upstream candle endpoint, retrying once and
// recycling the offending pool slot on failure.
func (s *Service) fetchWithRetry(normalizedAddress, chain, interval string, limit int) ([]model.Candle, error) {
	rows, err := s.fetchOnce(normalizedAddress, chain, interval, limit)
	if err == nil {
		return rows, nil
	}
	return s.fetchOnce(normalizedAddress, chain, interval, limit)
}

func (s *Service) fetchOnce(normalizedAddress, chain, interval string, limit int) ([]model.Candle, error) {
	reqURL, err := buildFetchURL(s.cfg.APIURL, normalizedAddress, chain, interval, limit)
	if err != nil {
		return nil, err
	}

	idx, hc := s.pool.Get()
	resp, err := hc.Get(reqURL)
	if err != nil {
		s.pool.Recycle(idx)
		return nil, fmt.Errorf("historical: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		if resp.StatusCode >= 500 {
			s.pool.Recycle(idx)
		}
		return nil, fmt.Errorf("historical: fetch: unexpected status %d", resp.StatusCode)
	}

	var wrapper apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return nil, fmt.Errorf("historical: decode response: %w", err)
	}
	rows := make([]model.Candle, 0, len(wrapper.Data))
	for _, row := range wrapper.Data {
		c, err := parseRow(row)
		if err != nil {
			s.log.Warn("historical: dropping malformed candle row", "err", err)
			continue
		}
		rows = append(rows, c)
	}
	return rows, nil
}

// lockFor returns the (lazily created) per-key dedup mutex.
func (s *Service) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}
