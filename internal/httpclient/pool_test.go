package httpclient

import (
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPoolGetRoundRobin(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()

	p := New(3, "", "test", srv.URL, testLogger())

	seen := map[int]bool{}
	for i := 0; i < 6; i++ {
		idx, client := p.Get()
		if client == nil {
			t.Fatalf("nil client at index %d", idx)
		}
		seen[idx] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected round-robin to touch all 3 slots, got %d", len(seen))
	}
}

func TestPoolSizeInvariant(t *testing.T) {
	p := New(4, "", "test", "", testLogger())
	p.mu.RLock()
	n := len(p.clients)
	p.mu.RUnlock()
	if n != 4 {
		t.Fatalf("pool should always hold exactly size clients, got %d", n)
	}
}

func TestPoolRecycleReplacesSlot(t *testing.T) {
	p := New(2, "", "test", "", testLogger())
	_, before := p.Get()
	fresh := p.Recycle(0)
	if fresh == before {
		t.Fatalf("recycle should not return the identical client instance")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.clients[0] != fresh {
		t.Fatalf("recycled client was not atomically installed into the slot")
	}
}

func TestUnreachableFallbackNeverDirectWhenTunnelSpecified(t *testing.T) {
	client := unreachableFallbackClient()
	_, err := client.Get("http://example.invalid/")
	if err == nil {
		t.Fatalf("expected unreachable fallback client to refuse all requests")
	}
}
