package registry

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"tokenfeed/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := New(context.Background(), Config{LazyUnsubDelay: 20 * time.Millisecond}, nil, testLogger())
	t.Cleanup(reg.Shutdown)
	return reg
}

func newTestClient(reg *Registry) *Client {
	return newClient("test", nil, reg, testLogger())
}

func TestSubscribeKlineRejectsUnknownChain(t *testing.T) {
	reg := newTestRegistry(t)
	c := newTestClient(reg)
	if err := reg.SubscribeKline("0xabc", "ethereum", "1m", c); err == nil {
		t.Fatalf("expected unsupported-chain rejection")
	}
}

func TestSubscribeKlineCreatesRoomAndIndex(t *testing.T) {
	reg := newTestRegistry(t)
	c := newTestClient(reg)
	if err := reg.SubscribeKline("0xABC", "bsc", "1m", c); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	roomKey := "kl@14@0xabc@1m"
	reg.mu.RLock()
	_, roomExists := reg.rooms[roomKey]
	_, indexed := reg.index["0xabc"][roomKey]
	_, hasWorker := reg.workers["0xabc"]
	reg.mu.RUnlock()

	if !roomExists {
		t.Fatalf("expected room %s to exist", roomKey)
	}
	if !indexed {
		t.Fatalf("expected address index to contain room key")
	}
	if !hasWorker {
		t.Fatalf("expected a worker to be created for the address")
	}
}

func TestUnsubscribeKlineRemovesEmptyRoomAndSchedulesLazyUnsub(t *testing.T) {
	reg := newTestRegistry(t)
	c := newTestClient(reg)
	reg.SubscribeKline("0xabc", "bsc", "1m", c)

	reg.UnsubscribeKline("0xabc", "bsc", "1m", c)

	roomKey := "kl@14@0xabc@1m"
	reg.mu.RLock()
	_, roomExists := reg.rooms[roomKey]
	_, hasTimer := reg.lazyTimers["0xabc"]
	reg.mu.RUnlock()

	if roomExists {
		t.Fatalf("expected empty room to be removed")
	}
	if !hasTimer {
		t.Fatalf("expected a lazy-unsubscribe timer to be scheduled")
	}
}

func TestResubscribeBeforeLazyUnsubFiresCancelsTimer(t *testing.T) {
	reg := newTestRegistry(t)
	c := newTestClient(reg)
	reg.SubscribeKline("0xabc", "bsc", "1m", c)
	reg.UnsubscribeKline("0xabc", "bsc", "1m", c)

	reg.mu.RLock()
	_, hasTimer := reg.lazyTimers["0xabc"]
	reg.mu.RUnlock()
	if !hasTimer {
		t.Fatalf("expected timer scheduled before resubscribe")
	}

	reg.SubscribeKline("0xabc", "bsc", "1m", c)

	reg.mu.RLock()
	_, stillHasTimer := reg.lazyTimers["0xabc"]
	reg.mu.RUnlock()
	if stillHasTimer {
		t.Fatalf("resubscribe should have cancelled the pending lazy-unsubscribe timer")
	}
}

func TestUpdateCandleNoopForUnknownRoom(t *testing.T) {
	reg := newTestRegistry(t)
	called := false
	reg.UpdateCandle("kl@14@0xnope@1m", func(existing *model.Candle, exists bool) (model.Candle, bool) {
		called = true
		return model.Candle{}, true
	})
	if called {
		t.Fatalf("mutate must not run for a room that doesn't exist")
	}
}

func TestUpdateCandleStoresAndSeedDoesNotOverwrite(t *testing.T) {
	reg := newTestRegistry(t)
	c := newTestClient(reg)
	reg.SubscribeKline("0xabc", "bsc", "1m", c)
	roomKey := "kl@14@0xabc@1m"

	reg.UpdateCandle(roomKey, func(existing *model.Candle, exists bool) (model.Candle, bool) {
		return model.Candle{Time: 1, Close: 5}, true
	})

	reg.SeedCandle(roomKey, model.Candle{Time: 2, Close: 99})

	reg.mu.RLock()
	room := reg.rooms[roomKey]
	reg.mu.RUnlock()
	candle, ok := room.Candle()
	if !ok {
		t.Fatalf("expected candle to be set")
	}
	if candle.Close != 5 {
		t.Fatalf("SeedCandle must not overwrite an existing candle, got close=%v", candle.Close)
	}
}
