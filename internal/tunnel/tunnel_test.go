package tunnel

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func TestHostPortDefaultsTo443(t *testing.T) {
	host, addr, err := hostPort("wss://example.com/w3w/stream")
	if err != nil {
		t.Fatalf("hostPort: %v", err)
	}
	if host != "example.com" {
		t.Fatalf("host = %q, want example.com", host)
	}
	if addr != "example.com:443" {
		t.Fatalf("addr = %q, want example.com:443", addr)
	}
}

func TestHostPortExplicitPort(t *testing.T) {
	_, addr, err := hostPort("wss://example.com:8443/stream")
	if err != nil {
		t.Fatalf("hostPort: %v", err)
	}
	if addr != "example.com:8443" {
		t.Fatalf("addr = %q, want example.com:8443", addr)
	}
}

func TestBuildFingerprintProducesStablePrefixedCode(t *testing.T) {
	fp, err := newBuildFingerprint()
	if err != nil {
		t.Fatalf("newBuildFingerprint: %v", err)
	}
	code := fp.current()
	if !strings.HasPrefix(code, "web3-") {
		t.Fatalf("code = %q, want web3- prefix", code)
	}
	if len(code) <= len("web3-") {
		t.Fatalf("code %q too short", code)
	}
}

// fakeConnectProxy accepts one TCP connection, expects a CONNECT request,
// and replies 200 OK without actually relaying bytes further — enough to
// exercise dialTunneled's request/response handling.
func fakeConnectProxy(t *testing.T, accept func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accept(conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestDialTunneledSucceedsOn200(t *testing.T) {
	addr := fakeConnectProxy(t, func(conn net.Conn) {
		defer conn.Close()
		req, _ := bufio.NewReader(conn).ReadString('\n')
		if !strings.HasPrefix(req, "CONNECT ") {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		time.Sleep(50 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := dialTunneled(ctx, addr, "upstream.example.com:443", time.Second)
	if err != nil {
		t.Fatalf("dialTunneled: %v", err)
	}
	conn.Close()
}

func TestDialTunneledFailsOnNon200(t *testing.T) {
	addr := fakeConnectProxy(t, func(conn net.Conn) {
		defer conn.Close()
		bufio.NewReader(conn).ReadString('\n')
		conn.Write([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := dialTunneled(ctx, addr, "upstream.example.com:443", time.Second); err == nil {
		t.Fatalf("expected error on non-200 CONNECT response")
	}
}
