// Package narrative implements the narrative cache and enrichment pass for
// meme-item broadcasts: a pending-sentinel cache, staggered concurrent
// fetches against the narrative HTTP endpoint, and Gzip-aware decoding.
package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tokenfeed/internal/httpclient"
)

// NarrativeEntity is the capability any snapshot item must satisfy to be
// enriched: *model.RawItem (which carries both the hotlist and the meme
// field sets) implements it, so a single routine enriches either kind
// without reflection.
type NarrativeEntity interface {
	GetAddress() string
	GetChain() string
	GetNarrativeChainID() (int, bool)
	SetNarrative(string)
}

// Config configures an Enricher.
type Config struct {
	APIURL       string
	StaggerDelay time.Duration // default 250ms
}

func (c Config) withDefaults() Config {
	if c.StaggerDelay == 0 {
		c.StaggerDelay = 250 * time.Millisecond
	}
	return c
}

// Enricher fetches and caches narrative text for meme items.
type Enricher struct {
	cfg   Config
	pool  *httpclient.Pool
	cache *Cache
	log   *slog.Logger
}

// New constructs an Enricher.
func New(cfg Config, pool *httpclient.Pool, cache *Cache, log *slog.Logger) *Enricher {
	return &Enricher{cfg: cfg.withDefaults(), pool: pool, cache: cache, log: log}
}

// Enrich claims and spawns fetches for any item not yet in cache, then
// immediately attaches whatever is already cached to each item. Fetches run
// in the background — a first call typically enriches nothing (every item
// was just claimed as pending); subsequent calls pick up completed fetches.
func (e *Enricher) Enrich(ctx context.Context, items []NarrativeEntity) {
	seq := 0
	for _, item := range items {
		addr := item.GetAddress()
		if _, ok := e.cache.Get(addr); ok {
			continue
		}
		if !e.cache.ClaimPending(addr) {
			continue
		}

		chainID, ok := item.GetNarrativeChainID()
		if !ok {
			e.cache.Set(addr, "")
			continue
		}

		delay := time.Duration(seq) * e.cfg.StaggerDelay
		seq++
		go e.fetchAfterDelay(ctx, addr, chainID, delay)
	}

	for _, item := range items {
		text, ok := e.cache.Get(item.GetAddress())
		if ok && text != "" && text != pendingSentinel {
			item.SetNarrative(text)
		}
	}
}

func (e *Enricher) fetchAfterDelay(ctx context.Context, address string, chainID int, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		e.cache.Delete(address)
		return
	case <-timer.C:
	}

	text, err := e.fetchNarrative(ctx, address, chainID)
	if err != nil {
		e.log.Warn("narrative fetch failed, clearing pending slot", "address", address, "err", err)
		e.cache.Delete(address)
		return
	}
	e.cache.Set(address, text)
}

type narrativeResponse struct {
	Data *narrativeData `json:"data"`
}

type narrativeData struct {
	Text *narrativeText `json:"text"`
}

type narrativeText struct {
	CN string `json:"cn"`
	EN string `json:"en"`
}

// fetchNarrative calls the narrative endpoint with browser-mimicking
// headers, returning "" (not an error) when the response has no usable
// text field.
func (e *Enricher) fetchNarrative(ctx context.Context, address string, chainID int) (string, error) {
	url := fmt.Sprintf("%s?contractAddress=%s&chainId=%d", e.cfg.APIURL, address, chainID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("narrative: build request: %w", err)
	}
	req.Header.Set("ClientType", "web")
	req.Header.Set("Origin", "https://web3.binance.com")
	req.Header.Set("Referer", "https://web3.binance.com/en/meme-rush")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("Cache-Control", "no-cache")

	idx, client := e.pool.Get()
	resp, err := client.Do(req)
	if err != nil {
		e.pool.Recycle(idx)
		return "", fmt.Errorf("narrative: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		if resp.StatusCode >= 500 {
			e.pool.Recycle(idx)
		}
		return "", fmt.Errorf("narrative: unexpected status %d", resp.StatusCode)
	}

	body, err := readBody(resp)
	if err != nil {
		return "", fmt.Errorf("narrative: read body: %w", err)
	}
	var parsed narrativeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("narrative: decode response: %w", err)
	}
	if parsed.Data == nil || parsed.Data.Text == nil {
		return "", nil
	}
	if parsed.Data.Text.CN != "" {
		return parsed.Data.Text.CN, nil
	}
	return parsed.Data.Text.EN, nil
}

// ChainID maps a chain tag to the narrative API's numeric chain id.
func ChainID(chain string) (int, bool) {
	switch chain {
	case "bsc":
		return 56, true
	case "eth", "ethereum":
		return 1, true
	case "base":
		return 8453, true
	case "arb", "arbitrum":
		return 42161, true
	case "matic", "polygon":
		return 137, true
	case "op", "optimism":
		return 10, true
	case "avax", "avalanche":
		return 43114, true
	default:
		return 0, false
	}
}
