package worker

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"tokenfeed/internal/model"
	"tokenfeed/internal/tunnel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSink struct {
	mu      sync.Mutex
	rooms   map[string][]string // address -> room keys
	candles map[string]model.Candle
	calls   []string
}

func newFakeSink() *fakeSink {
	return &fakeSink{rooms: map[string][]string{}, candles: map[string]model.Candle{}}
}

func (f *fakeSink) RoomKeysForAddress(address string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rooms[address]...)
}

func (f *fakeSink) UpdateCandle(roomKey string, mutate func(existing *model.Candle, exists bool) (model.Candle, bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.candles[roomKey]
	var existingPtr *model.Candle
	if ok {
		existingPtr = &existing
	}
	updated, broadcast := mutate(existingPtr, ok)
	if broadcast {
		f.candles[roomKey] = updated
		f.calls = append(f.calls, roomKey)
	}
}

func newTestWorker() (*Worker, *fakeSink) {
	sink := newFakeSink()
	w := New("0xabc", 14, tunnel.Config{}, sink, testLogger())
	return w, sink
}

func TestSubscribeKlineIdempotent(t *testing.T) {
	w, _ := newTestWorker()
	w.applyCommand(&tunnel.Session{}, command{kind: cmdSubKline, interval: "1m"})
	if !w.hasInterval("1m") {
		t.Fatalf("expected interval active")
	}
	// second add is a no-op that must not panic despite nil session
	w.applyCommand(&tunnel.Session{}, command{kind: cmdSubKline, interval: "1m"})
}

func (w *Worker) hasInterval(iv string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.activeIntervals[iv]
	return ok
}

func TestIdleAfterFullUnsubscribe(t *testing.T) {
	w, _ := newTestWorker()
	w.applyCommand(&tunnel.Session{}, command{kind: cmdSubKline, interval: "1m"})
	w.applyCommand(&tunnel.Session{}, command{kind: cmdSubTick})
	if w.Idle() {
		t.Fatalf("worker should not be idle with active subs")
	}
	w.applyCommand(&tunnel.Session{}, command{kind: cmdUnsubKline, interval: "1m"})
	if w.Idle() {
		t.Fatalf("worker should not be idle while tick still subscribed")
	}
	w.applyCommand(&tunnel.Session{}, command{kind: cmdUnsubTick})
	if !w.Idle() {
		t.Fatalf("worker should be idle once all subs are removed")
	}
}

func TestHandleKlineFrameSetsCandleAndBroadcasts(t *testing.T) {
	w, sink := newTestWorker()
	frame := []byte(`{"stream":"kl@14@0xabc@1m","data":{"o":"1.0","h":"1.5","l":"0.9","c":"1.2","v":"100","t":1690000000}}`)
	w.handleFrame(frame)

	roomKey := "kl@14@0xabc@1m"
	c, ok := sink.candles[roomKey]
	if !ok {
		t.Fatalf("expected candle stored for %s", roomKey)
	}
	if c.Close != 1.2 || c.Open != 1.0 {
		t.Fatalf("unexpected candle %+v", c)
	}
	if len(sink.calls) != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", len(sink.calls))
	}
}

func TestHandleTickFrameMergesHighLowWithoutVolume(t *testing.T) {
	w, sink := newTestWorker()
	roomKey := "kl@14@0xabc@1m"
	sink.rooms["0xabc"] = []string{roomKey}
	sink.candles[roomKey] = model.Candle{Time: 1, Open: 1.0, High: 1.0, Low: 1.0, Close: 1.0, Volume: 50}

	frame := []byte(`{"stream":"tx@14_0xabc","data":{"t0a":"0xabc","t1a":"0xdef","t0pu":"1.05","t1pu":"0.95","v":"20"}}`)
	w.handleFrame(frame)

	c := sink.candles[roomKey]
	if c.Close != 1.05 || c.High != 1.05 {
		t.Fatalf("unexpected merge result %+v", c)
	}
	if c.Volume != 50 {
		t.Fatalf("tick must never touch volume, got %v", c.Volume)
	}
}

func TestHandleTickFrameSpikeFilterDropsLowVolumeOutlier(t *testing.T) {
	w, sink := newTestWorker()
	roomKey := "kl@14@0xabc@1m"
	sink.rooms["0xabc"] = []string{roomKey}
	sink.candles[roomKey] = model.Candle{Time: 1, Open: 1.0, High: 1.0, Low: 1.0, Close: 1.0, Volume: 50}

	// price 10x the last close, volume well under the $10 floor: must be dropped.
	frame := []byte(`{"stream":"tx@14_0xabc","data":{"t0a":"0xabc","t1a":"0xdef","t0pu":"10.0","t1pu":"0.1","v":"1"}}`)
	w.handleFrame(frame)

	c := sink.candles[roomKey]
	if c.Close != 1.0 {
		t.Fatalf("spike should have been dropped, candle close changed to %v", c.Close)
	}
	if len(sink.calls) != 0 {
		t.Fatalf("spike-filtered tick must not broadcast")
	}
}

func TestHandleTickFrameLargeMoveWithEnoughVolumeIsAccepted(t *testing.T) {
	w, sink := newTestWorker()
	roomKey := "kl@14@0xabc@1m"
	sink.rooms["0xabc"] = []string{roomKey}
	sink.candles[roomKey] = model.Candle{Time: 1, Open: 1.0, High: 1.0, Low: 1.0, Close: 1.0, Volume: 50}

	frame := []byte(`{"stream":"tx@14_0xabc","data":{"t0a":"0xabc","t1a":"0xdef","t0pu":"10.0","t1pu":"0.1","v":"50"}}`)
	w.handleFrame(frame)

	c := sink.candles[roomKey]
	if c.Close != 10.0 {
		t.Fatalf("large move with sufficient volume should be accepted, got close=%v", c.Close)
	}
}

func TestHandleFrameIgnoresAckNoise(t *testing.T) {
	w, sink := newTestWorker()
	w.handleFrame([]byte(`{"id":1,"result":null}`))
	if len(sink.calls) != 0 {
		t.Fatalf("ack frame must not produce a broadcast")
	}
}
