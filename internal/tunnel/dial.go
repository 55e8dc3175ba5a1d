// Package tunnel establishes the upstream market-data session: an optional
// HTTP CONNECT tunnel, a TLS wrap, and a browser-mimicking WebSocket
// handshake on top, with heartbeat and backoff-reconnect built in.
package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// dialTunneled opens target (host:port) either directly or, if proxyAddr is
// non-empty, via an HTTP CONNECT tunnel through proxyAddr. Mirrors the
// plain-TCP-then-CONNECT-then-TLS layering used by the upstream crawler this
// session logic is modeled on.
func dialTunneled(ctx context.Context, proxyAddr, target string, dialTimeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: dialTimeout}

	if proxyAddr == "" {
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, fmt.Errorf("tunnel: direct dial: %w", err)
		}
		return conn, nil
	}

	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: proxy dial: %w", err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", target, target)
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnel: send CONNECT: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnel: read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("tunnel: proxy CONNECT failed: %s", resp.Status)
	}
	return conn, nil
}

// wrapTLS performs the client TLS handshake over an already-established conn,
// verifying the certificate against host's name.
func wrapTLS(ctx context.Context, conn net.Conn, host string, handshakeTimeout time.Duration) (*tls.Conn, error) {
	tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
	deadline := time.Now().Add(handshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := tlsConn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnel: set tls deadline: %w", err)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnel: tls handshake: %w", err)
	}
	tlsConn.SetDeadline(time.Time{})
	return tlsConn, nil
}

// hostPort returns "host:port" for a wss:// URL, defaulting to :443.
func hostPort(rawURL string) (host, addr string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("tunnel: parse url: %w", err)
	}
	host = u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}
	return host, net.JoinHostPort(host, port), nil
}
