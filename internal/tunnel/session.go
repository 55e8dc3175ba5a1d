package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config describes one upstream session target.
type Config struct {
	UpstreamURL       string        // e.g. wss://nbstream.binance.com/w3w/stream
	ProxyAddr         string        // CONNECT tunnel address; empty dials directly
	Origin            string        // Origin header to present
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	MinBackoff        time.Duration // 3s per spec
	MaxBackoff        time.Duration // 5s per spec
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.MinBackoff == 0 {
		c.MinBackoff = 3 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Session is one live CONNECT-tunneled, TLS-wrapped, browser-headered
// WebSocket connection to the upstream stream endpoint.
type Session struct {
	cfg         Config
	log         *slog.Logger
	fingerprint *buildFingerprint

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// New builds a Session. fp may be nil, in which case no X-Client-Build
// header is attached.
func New(cfg Config, fp *buildFingerprint, log *slog.Logger) *Session {
	return &Session{cfg: cfg.withDefaults(), fingerprint: fp, log: log}
}

// Connect performs the CONNECT-tunnel dial, TLS wrap, and WebSocket
// handshake with browser-mimicking headers, per the upstream session
// contract: open TCP to the tunnel (or directly), send the CONNECT request,
// wrap in TLS using the upstream host name, then upgrade to WebSocket.
func (s *Session) Connect(ctx context.Context) error {
	host, addr, err := hostPort(s.cfg.UpstreamURL)
	if err != nil {
		return err
	}

	proxyTarget := addr
	dialAddr := s.cfg.ProxyAddr
	rawConn, err := dialTunneled(ctx, dialAddr, proxyTarget, s.cfg.ConnectTimeout)
	if err != nil {
		return err
	}

	tlsConn, err := wrapTLS(ctx, rawConn, host, s.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}

	u, err := url.Parse(s.cfg.UpstreamURL)
	if err != nil {
		tlsConn.Close()
		return fmt.Errorf("tunnel: parse upstream url: %w", err)
	}

	header := http.Header{}
	header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36")
	origin := s.cfg.Origin
	if origin == "" {
		origin = "https://web3." + host
	}
	header.Set("Origin", origin)
	header.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	header.Set("Accept-Language", "en-US,en;q=0.9")
	header.Set("Cache-Control", "no-cache")
	if s.fingerprint != nil {
		header.Set("X-Client-Build", s.fingerprint.current())
	}

	conn, resp, err := websocket.NewClient(tlsConn, u, header, 0, 0)
	if err != nil {
		tlsConn.Close()
		return fmt.Errorf("tunnel: websocket handshake: %w", err)
	}
	resp.Body.Close()

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	s.log.Info("tunnel session established", "host", host, "tunneled", dialAddr != "")
	return nil
}

// WriteJSON writes a JSON text frame, serializing concurrent writers (the
// gorilla/websocket connection forbids concurrent writes).
func (s *Session) WriteJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("tunnel: not connected")
	}
	return s.conn.WriteJSON(v)
}

func (s *Session) writePing() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("tunnel: not connected")
	}
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// ReadMessage blocks for the next frame.
func (s *Session) ReadMessage() (int, []byte, error) {
	if s.conn == nil {
		return 0, nil, fmt.Errorf("tunnel: not connected")
	}
	return s.conn.ReadMessage()
}

// Close tears down the connection. A closed session is never reused; callers
// must Connect a fresh Session on the next attempt.
func (s *Session) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// heartbeat sends periodic pings until ctx is cancelled or a write fails,
// reporting failure through onFail exactly once.
func (s *Session) heartbeat(ctx context.Context, onFail func(error)) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writePing(); err != nil {
				onFail(fmt.Errorf("tunnel: heartbeat ping: %w", err))
				return
			}
		}
	}
}

// Run connects, starts the heartbeat loop, and invokes onConnect with the
// live session. onConnect should block reading frames until it returns
// (typically on a read error or ctx cancellation). Whenever a session fails
// or ends, Run waits MinBackoff and reconnects (the wait does not grow, and
// MaxBackoff is not consulted); the failed session's
// connection is always closed first and never reused, matching the upstream
// session contract's "any step's failure ... backs off and retries; the
// connection is never reused after any error."
func Run(ctx context.Context, cfg Config, log *slog.Logger, onConnect func(*Session) error) {
	fp, err := newBuildFingerprint()
	if err != nil {
		log.Warn("build fingerprint generation failed, handshake will omit X-Client-Build", "err", err)
		fp = nil
	}

	backoff := cfg.withDefaults().MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		sess := New(cfg, fp, log)
		if err := sess.Connect(ctx); err != nil {
			log.Warn("tunnel connect failed", "err", err)
			sleepOrDone(ctx, backoff)
			continue
		}

		hbCtx, hbCancel := context.WithCancel(ctx)
		failOnce := sync.Once{}
		var hbErr error
		go sess.heartbeat(hbCtx, func(err error) {
			failOnce.Do(func() { hbErr = err })
			sess.Close()
		})

		err := onConnect(sess)
		hbCancel()
		sess.Close()
		if hbErr != nil && err == nil {
			err = hbErr
		}

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("tunnel session ended", "err", err)
		}
		sleepOrDone(ctx, backoff)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
