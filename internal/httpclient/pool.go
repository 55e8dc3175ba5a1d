// Package httpclient implements a warm, recyclable pool of outbound HTTP
// clients, optionally routed through a CONNECT-tunnel proxy, with
// round-robin selection and caller-driven recycle-on-failure.
package httpclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

const (
	requestTimeout    = 10 * time.Second
	connectTimeout    = 5 * time.Second
	poolIdleTimeout   = 90 * time.Second
	warmupMaxAttempts = 20
	warmupBackoff     = 500 * time.Millisecond
)

// Pool is a fixed-size set of warm, recyclable *http.Client slots.
type Pool struct {
	mu      sync.RWMutex
	clients []*http.Client
	size    int
	name    string
	tunnel  string // empty => direct
	healthURL string
	counter atomic.Uint64
	log     *slog.Logger
}

// New builds size warm clients concurrently. tunnelURL may be empty for a
// direct (non-proxied) pool. healthURL is HEAD-probed during warm-up; pass
// an empty string to skip warm-up probing entirely.
func New(size int, tunnelURL, name, healthURL string, log *slog.Logger) *Pool {
	p := &Pool{
		clients:   make([]*http.Client, size),
		size:      size,
		name:      name,
		tunnel:    tunnelURL,
		healthURL: healthURL,
		log:       log,
	}

	log.Info("pool warming up", "pool", name, "size", size, "tunnel", tunnelURL != "")

	var wg sync.WaitGroup
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			p.clients[idx] = buildAndWarm(tunnelURL, healthURL, name, idx, log)
		}(i)
	}
	wg.Wait()

	log.Info("pool ready", "pool", name, "size", size)
	return p
}

// Get returns the next slot by round-robin counter and its client handle.
func (p *Pool) Get() (int, *http.Client) {
	idx := int(p.counter.Add(1)-1) % p.size
	p.mu.RLock()
	defer p.mu.RUnlock()
	return idx, p.clients[idx]
}

// Recycle rebuilds the client at idx and atomically replaces it. Callers
// should invoke this on transport-layer errors, body-read failures, or
// upstream 5xx responses — never on a plain 4xx.
func (p *Pool) Recycle(idx int) *http.Client {
	p.log.Warn("pool recycling slot", "pool", p.name, "index", idx)
	fresh := buildAndWarm(p.tunnel, p.healthURL, p.name, idx, p.log)

	p.mu.Lock()
	p.clients[idx] = fresh
	p.mu.Unlock()

	p.log.Info("pool slot recycled", "pool", p.name, "index", idx)
	return fresh
}

// buildAndWarm constructs a client (tunnelled or direct) and, if healthURL
// is set, loops a bounded number of times issuing a HEAD probe until one
// succeeds, giving up and returning the best-effort client after
// warmupMaxAttempts so a single stuck proxy node can't block startup
// forever.
func buildAndWarm(tunnelURL, healthURL, poolName string, idx int, log *slog.Logger) *http.Client {
	client, err := buildClient(tunnelURL, poolName, idx)
	if err != nil {
		log.Error("pool slot build failed, using unreachable fallback", "pool", poolName, "index", idx, "err", err)
		return unreachableFallbackClient()
	}
	if healthURL == "" {
		return client
	}

	for attempt := 1; ; attempt++ {
		resp, err := client.Head(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return client
			}
			log.Warn("pool warm-up rejected", "pool", poolName, "index", idx, "status", resp.StatusCode, "attempt", attempt)
		} else {
			log.Warn("pool warm-up failed", "pool", poolName, "index", idx, "err", err, "attempt", attempt)
		}

		if attempt >= warmupMaxAttempts {
			log.Error("pool slot exhausted warm-up attempts, returning as-is", "pool", poolName, "index", idx)
			return client
		}
		time.Sleep(warmupBackoff)
	}
}

// buildClient constructs a single *http.Client. If tunnelURL is set, the
// transport dials every connection through an HTTP CONNECT tunnel to that
// address; otherwise it dials directly.
func buildClient(tunnelURL, poolName string, idx int) (*http.Client, error) {
	ua := fmt.Sprintf("Mozilla/5.0 (Windows NT 10.0; Win64; x64) TokenfeedPool/%s-%d", poolName, idx)

	transport := &http.Transport{
		TLSHandshakeTimeout: connectTimeout,
		IdleConnTimeout:     poolIdleTimeout,
	}

	if tunnelURL != "" {
		proxyURL, err := url.Parse(tunnelURL)
		if err != nil {
			return nil, fmt.Errorf("httpclient: parse tunnel url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	} else {
		transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	}

	client := &http.Client{
		Transport: userAgentTransport{base: transport, ua: ua},
		Timeout:   requestTimeout,
	}
	return client, nil
}

// unreachableFallbackClient returns a client whose dialer refuses every
// connection, so requests fail closed instead of silently leaking the
// caller's real IP by falling back to a direct connection when a tunnel was
// requested but could not be built.
func unreachableFallbackClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return nil, fmt.Errorf("httpclient: pool slot unavailable, refusing direct fallback")
			},
		},
		Timeout: requestTimeout,
	}
}

// userAgentTransport stamps a fixed User-Agent on every outbound request.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(req2)
}
