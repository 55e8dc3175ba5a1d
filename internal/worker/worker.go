// Package worker implements the per-token Token Worker: one multiplexed
// upstream WebSocket session per subscribed address, carrying both kline and
// tick streams, with resubscribe-on-reconnect and an idle-exit teardown.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tokenfeed/internal/chainaddr"
	"tokenfeed/internal/model"
	"tokenfeed/internal/tunnel"
)

// Sink is the room-side callback surface a Worker drives. Implemented by the
// room registry; kept as an interface so this package never imports it back.
type Sink interface {
	// RoomKeysForAddress returns every room key currently indexed under
	// address (across intervals).
	RoomKeysForAddress(address string) []string

	// UpdateCandle applies mutate to the named room's current candle under
	// that room's own lock. mutate receives the existing candle (nil if
	// none yet) and returns the candle to store plus whether to broadcast
	// it. UpdateCandle is a no-op if the room no longer exists.
	UpdateCandle(roomKey string, mutate func(existing *model.Candle, exists bool) (model.Candle, bool))
}

type commandKind int

const (
	cmdSubKline commandKind = iota
	cmdUnsubKline
	cmdSubTick
	cmdUnsubTick
	cmdShutdown
)

type command struct {
	kind     commandKind
	interval string
}

// Worker owns one upstream session for a single normalized address.
type Worker struct {
	address string
	poolID  int
	sink    Sink
	log     *slog.Logger

	tunnelCfg tunnel.Config

	cmds chan command
	done chan struct{}

	mu              sync.Mutex
	activeIntervals map[string]struct{}
	tickSubscribed  bool

	cancel context.CancelFunc
}

// New constructs a Worker for address. Run must be called to start it.
func New(address string, poolID int, tunnelCfg tunnel.Config, sink Sink, log *slog.Logger) *Worker {
	return &Worker{
		address:         address,
		poolID:          poolID,
		sink:            sink,
		log:             log.With("worker", address),
		tunnelCfg:       tunnelCfg,
		cmds:            make(chan command, 64),
		done:            make(chan struct{}),
		activeIntervals: make(map[string]struct{}),
	}
}

// SubscribeKline adds interval to the active set and, once connected, sends
// a SUBSCRIBE frame for it. Idempotent.
func (w *Worker) SubscribeKline(interval string) {
	w.send(command{kind: cmdSubKline, interval: interval})
}

// UnsubscribeKline removes interval from the active set.
func (w *Worker) UnsubscribeKline(interval string) {
	w.send(command{kind: cmdUnsubKline, interval: interval})
}

// SubscribeTick flips tick-subscribed true. Idempotent.
func (w *Worker) SubscribeTick() {
	w.send(command{kind: cmdSubTick})
}

// UnsubscribeTick flips tick-subscribed false.
func (w *Worker) UnsubscribeTick() {
	w.send(command{kind: cmdUnsubTick})
}

// Shutdown requests the worker stop regardless of its active set.
func (w *Worker) Shutdown() {
	w.send(command{kind: cmdShutdown})
}

// Done is closed once the worker's Run loop has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) send(c command) {
	select {
	case w.cmds <- c:
	case <-w.done:
	}
}

// Idle reports whether the active set is currently empty (no kline
// intervals and no tick subscription) — serve checks this after every
// applied command and exits the worker once it holds.
func (w *Worker) Idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.activeIntervals) == 0 && !w.tickSubscribed
}

// Run drives the connect → resubscribe → serve loop until ctx is cancelled
// or the worker goes idle after an unsubscribe, following the upstream
// session contract's backoff-and-retry-on-any-failure rule.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	tunnel.Run(runCtx, w.tunnelCfg, w.log, func(sess *tunnel.Session) error {
		return w.serve(runCtx, sess)
	})
}

// serve resubscribes the full active set on every successful connect, then
// pumps frames and commands until a read error, ctx cancellation, or an
// idle-after-unsubscribe decision.
func (w *Worker) serve(ctx context.Context, sess *tunnel.Session) error {
	w.resubscribeAll(sess)

	frames := make(chan []byte, 256)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := sess.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case data := <-frames:
			w.handleFrame(data)
		case cmd := <-w.cmds:
			if cmd.kind == cmdShutdown {
				w.cancel()
				return nil
			}
			w.applyCommand(sess, cmd)
			if w.Idle() {
				w.log.Info("worker idle, exiting")
				w.cancel()
				return nil
			}
		}
	}
}

func (w *Worker) applyCommand(sess *tunnel.Session, cmd command) {
	w.mu.Lock()
	switch cmd.kind {
	case cmdSubKline:
		if _, ok := w.activeIntervals[cmd.interval]; ok {
			w.mu.Unlock()
			return
		}
		w.activeIntervals[cmd.interval] = struct{}{}
	case cmdUnsubKline:
		if _, ok := w.activeIntervals[cmd.interval]; !ok {
			w.mu.Unlock()
			return
		}
		delete(w.activeIntervals, cmd.interval)
	case cmdSubTick:
		if w.tickSubscribed {
			w.mu.Unlock()
			return
		}
		w.tickSubscribed = true
	case cmdUnsubTick:
		if !w.tickSubscribed {
			w.mu.Unlock()
			return
		}
		w.tickSubscribed = false
	}
	w.mu.Unlock()

	stream := w.streamFor(cmd)
	action := "SUBSCRIBE"
	if cmd.kind == cmdUnsubKline || cmd.kind == cmdUnsubTick {
		action = "UNSUBSCRIBE"
	}
	if err := sendSubscription(sess, action, stream); err != nil {
		w.log.Warn("subscription send failed", "stream", stream, "err", err)
	}
}

func (w *Worker) streamFor(cmd command) string {
	switch cmd.kind {
	case cmdSubKline, cmdUnsubKline:
		return chainaddr.KlineStreamName(w.poolID, w.address, cmd.interval)
	default:
		return chainaddr.TickStreamName(w.poolID, w.address)
	}
}

// resubscribeAll resends the full active set after a successful connect,
// generalizing SmartWebSocketV3.Resubscribe()'s resend-the-whole-
// inputRequestMap behavior.
func (w *Worker) resubscribeAll(sess *tunnel.Session) {
	w.mu.Lock()
	intervals := make([]string, 0, len(w.activeIntervals))
	for iv := range w.activeIntervals {
		intervals = append(intervals, iv)
	}
	tick := w.tickSubscribed
	w.mu.Unlock()

	for _, iv := range intervals {
		stream := chainaddr.KlineStreamName(w.poolID, w.address, iv)
		if err := sendSubscription(sess, "SUBSCRIBE", stream); err != nil {
			w.log.Warn("resubscribe failed", "stream", stream, "err", err)
		}
	}
	if tick {
		stream := chainaddr.TickStreamName(w.poolID, w.address)
		if err := sendSubscription(sess, "SUBSCRIBE", stream); err != nil {
			w.log.Warn("resubscribe failed", "stream", stream, "err", err)
		}
	}
}

func sendSubscription(sess *tunnel.Session, action, stream string) error {
	return sess.WriteJSON(map[string]any{
		"id":     time.Now().UnixMilli(),
		"method": action,
		"params": []string{stream},
	})
}

// handleFrame dispatches one raw upstream message: ack noise is dropped,
// kline frames update-and-broadcast their single room, tick frames fan out
// through the spike filter to every room currently indexed for the address.
func (w *Worker) handleFrame(data []byte) {
	var probe struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && string(probe.Result) == "null" {
		return
	}

	var env model.UpstreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Stream == "" {
		return
	}

	switch {
	case strings.HasPrefix(env.Stream, "kl@"):
		w.handleKlineFrame(env)
	case strings.HasPrefix(env.Stream, "tx@"):
		w.handleTickFrame(env)
	}
}

func (w *Worker) handleKlineFrame(env model.UpstreamEnvelope) {
	poolID, address, interval, ok := chainaddr.ParseRoomKey(env.Stream)
	if !ok {
		return
	}
	var kd model.KlineFrameData
	if err := json.Unmarshal(env.Data, &kd); err != nil {
		w.log.Warn("malformed kline frame", "stream", env.Stream, "err", err)
		return
	}

	candle := model.Candle{
		Time:   kd.Time,
		Open:   float64(kd.Open),
		High:   float64(kd.High),
		Low:    float64(kd.Low),
		Close:  float64(kd.Close),
		Volume: float64(kd.Volume),
	}
	roomKey := chainaddr.RoomKey(poolID, address, interval)
	w.sink.UpdateCandle(roomKey, func(existing *model.Candle, exists bool) (model.Candle, bool) {
		return candle, true
	})
}

// spikeFilterRatio over this with volume under spikeFilterMinUSD rejects the
// tick outright — the kline frame remains the sole volume authority.
const (
	spikeFilterRatio  = 2.0
	spikeFilterMinUSD = 10.0
)

func (w *Worker) handleTickFrame(env model.UpstreamEnvelope) {
	_, address, ok := chainaddr.ParseTickStream(env.Stream)
	if !ok {
		return
	}
	var td model.TickFrameData
	if err := json.Unmarshal(env.Data, &td); err != nil {
		w.log.Warn("malformed tick frame", "stream", env.Stream, "err", err)
		return
	}

	var price float64
	switch {
	case strings.EqualFold(td.T0Address, w.address):
		price = float64(td.T0PriceUD)
	case strings.EqualFold(td.T1Address, w.address):
		price = float64(td.T1PriceUD)
	default:
		return
	}
	usdVolume := float64(td.USDVolume)

	for _, roomKey := range w.sink.RoomKeysForAddress(address) {
		w.sink.UpdateCandle(roomKey, func(existing *model.Candle, exists bool) (model.Candle, bool) {
			if !exists {
				return model.Candle{}, false
			}
			c := *existing
			before := c
			if c.Close > 0 {
				bigger, smaller := price, c.Close
				if bigger < smaller {
					bigger, smaller = smaller, bigger
				}
				if bigger/smaller > spikeFilterRatio && usdVolume < spikeFilterMinUSD {
					return c, false
				}
			}
			if price > c.High {
				c.High = price
			}
			if price < c.Low {
				c.Low = price
			}
			c.Close = price
			if c == before {
				return c, false
			}
			return c, true
		})
	}
}
