// cmd/mockupstream — dev-only upstream WebSocket stub.
//
// Honors SUBSCRIBE/UNSUBSCRIBE frames in the same shape the real upstream
// expects ({"id":..., "method":"SUBSCRIBE", "params":["kl@14@0xabc@1m"]}),
// acks each with {"id":...,"result":null}, and for every subscribed stream
// emits simulated kl@/tx@ frames on a fixed tick so the gateway can be
// exercised without live exchange credentials.
//
// Config (env vars):
//
//	MOCK_UPSTREAM_ADDR      — listen address (default ":9100")
//	MOCK_KLINE_INTERVAL_MS  — kline frame emission interval (default "1000")
//	MOCK_TICK_INTERVAL_MS   — tick frame emission interval (default "300")
package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tokenfeed/internal/chainaddr"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// subState holds one connection's simulated per-address price cursor, keyed
// by normalized address so a kline stream and its sibling tick stream walk
// the same price.
type subState struct {
	mu     sync.Mutex
	price  map[string]float64 // normalized address -> last price
	stop   map[string]chan struct{}
	connMu sync.Mutex // serializes writes to conn, gorilla conns aren't write-concurrent-safe
}

func newSubState() *subState {
	return &subState{price: make(map[string]float64), stop: make(map[string]chan struct{})}
}

func (s *subState) priceFor(address string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.price[address]
	if !ok {
		p = 1.0 + rand.Float64()*9.0
		s.price[address] = p
	}
	return p
}

func (s *subState) walk(address string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.price[address]
	pct := (rand.Float64()*0.4 - 0.2) / 100.0
	p = p * (1 + pct)
	if p < 0.0001 {
		p = 0.0001
	}
	s.price[address] = p
	return p
}

type inboundFrame struct {
	ID     int64    `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

func wsHandler(klineIntervalMs, tickIntervalMs int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[mockupstream] upgrade error: %v", err)
			return
		}
		log.Printf("[mockupstream] client connected: %s", r.RemoteAddr)
		state := newSubState()
		defer func() {
			state.mu.Lock()
			for _, stop := range state.stop {
				close(stop)
			}
			state.mu.Unlock()
			conn.Close()
			log.Printf("[mockupstream] client disconnected: %s", r.RemoteAddr)
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame inboundFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			handleSubscription(conn, state, frame, klineIntervalMs, tickIntervalMs)
		}
	}
}

func handleSubscription(conn *websocket.Conn, state *subState, frame inboundFrame, klineIntervalMs, tickIntervalMs int) {
	writeAck(conn, state, frame.ID)

	for _, stream := range frame.Params {
		switch frame.Method {
		case "SUBSCRIBE":
			startStream(conn, state, stream, klineIntervalMs, tickIntervalMs)
		case "UNSUBSCRIBE":
			stopStream(state, stream)
		}
	}
}

func writeAck(conn *websocket.Conn, state *subState, id int64) {
	ack := map[string]any{"id": id, "result": nil}
	b, _ := json.Marshal(ack)
	state.connMu.Lock()
	conn.WriteMessage(websocket.TextMessage, b)
	state.connMu.Unlock()
}

func startStream(conn *websocket.Conn, state *subState, stream string, klineIntervalMs, tickIntervalMs int) {
	state.mu.Lock()
	if _, running := state.stop[stream]; running {
		state.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	state.stop[stream] = stop
	state.mu.Unlock()

	if _, address, _, ok := chainaddr.ParseRoomKey(stream); ok {
		go runKlineGenerator(conn, state, stream, address, stop, klineIntervalMs)
		return
	}
	if _, address, ok := chainaddr.ParseTickStream(stream); ok {
		go runTickGenerator(conn, state, stream, address, stop, tickIntervalMs)
		return
	}
	log.Printf("[mockupstream] ignoring unrecognized stream %q", stream)
}

func stopStream(state *subState, stream string) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if stop, ok := state.stop[stream]; ok {
		close(stop)
		delete(state.stop, stream)
	}
}

func runKlineGenerator(conn *websocket.Conn, state *subState, stream, address string, stop chan struct{}, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	open := state.priceFor(address)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			closePrice := state.walk(address)
			high, low := open, closePrice
			if closePrice > high {
				high = closePrice
			}
			if closePrice < low {
				low = closePrice
			}
			data := map[string]any{
				"o": open,
				"h": high,
				"l": low,
				"c": closePrice,
				"v": rand.Float64() * 50,
				"t": time.Now().Unix(),
			}
			open = closePrice
			emit(conn, state, stream, data)
		}
	}
}

func runTickGenerator(conn *websocket.Conn, state *subState, stream, address string, stop chan struct{}, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			price := state.walk(address)
			data := map[string]any{
				"t0a":  address,
				"t1a":  "0xquotequotequotequotequotequotequote",
				"t0pu": price,
				"t1pu": 1.0,
				"v":    rand.Float64() * 20,
			}
			emit(conn, state, stream, data)
		}
	}
}

func emit(conn *websocket.Conn, state *subState, stream string, data any) {
	envelope := map[string]any{"stream": stream, "data": data}
	b, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	state.connMu.Lock()
	defer state.connMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.WriteMessage(websocket.TextMessage, b)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[mockupstream] starting mock upstream server...")

	addr := envOrDefault("MOCK_UPSTREAM_ADDR", ":9100")
	klineIntervalMs := envIntOrDefault("MOCK_KLINE_INTERVAL_MS", 1000)
	tickIntervalMs := envIntOrDefault("MOCK_TICK_INTERVAL_MS", 300)

	http.HandleFunc("/ws", wsHandler(klineIntervalMs, tickIntervalMs))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"ok","service":"mockupstream"}`))
	})

	log.Printf("[mockupstream] listening on %s (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[mockupstream] server error: %v", err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
