// Package registry implements the Room Registry & Index: the client↔room
// membership table, the address→room-set reverse index used for O(1)
// tick-to-room dispatch, and the token-worker lifecycle (one per subscribed
// address), directly generalizing the teacher's gateway Hub from a
// channel-filter broadcast model to literal room membership sets.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tokenfeed/internal/chainaddr"
	"tokenfeed/internal/metrics"
	"tokenfeed/internal/model"
	"tokenfeed/internal/tunnel"
	"tokenfeed/internal/worker"
)

// SnapshotHandler is the optional hook for the data-update relay — wired in
// by cmd/gateway once the narrative/alert services exist, so this package
// never imports them back.
type SnapshotHandler interface {
	HandleDataUpdate(client *Client, raw json.RawMessage)
	// HandleClientConnect is called once per newly upgraded client, before
	// its read pump starts, so alert history can be replayed immediately.
	HandleClientConnect(client *Client)
}

// HistoricalHandler is the optional hook for request_historical_kline — wired
// in by cmd/gateway once the historical candle service exists.
type HistoricalHandler interface {
	HandleHistoricalRequest(client *Client, req model.KlineRequest)
}

// Config configures a Registry.
type Config struct {
	TunnelCfg      tunnel.Config
	LazyUnsubDelay time.Duration // default 60s
}

// Registry is the process-wide room/index/worker table.
type Registry struct {
	cfg Config
	log *slog.Logger
	m   *metrics.Metrics

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu         sync.RWMutex
	rooms      map[string]*Room               // room key -> Room
	index      map[string]map[string]struct{} // normalized address -> room keys
	workers    map[string]*worker.Worker      // normalized address -> worker
	lazyTimers map[string]*time.Timer         // normalized address -> pending lazy-unsub timer
	allClients map[*Client]struct{}           // every connected client, for the data-update relay

	workerCtx    context.Context
	workerCancel context.CancelFunc

	snapshot   SnapshotHandler
	historical HistoricalHandler
}

// New constructs a Registry. ctx roots every spawned worker's lifetime;
// cancelling it tears down all workers on shutdown.
func New(ctx context.Context, cfg Config, m *metrics.Metrics, log *slog.Logger) *Registry {
	if cfg.LazyUnsubDelay == 0 {
		cfg.LazyUnsubDelay = 60 * time.Second
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &Registry{
		cfg:          cfg,
		log:          log,
		m:            m,
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		rooms:        make(map[string]*Room),
		index:        make(map[string]map[string]struct{}),
		workers:      make(map[string]*worker.Worker),
		lazyTimers:   make(map[string]*time.Timer),
		allClients:   make(map[*Client]struct{}),
		workerCtx:    workerCtx,
		workerCancel: cancel,
	}
}

// SetSnapshotHandler wires the data-update dispatcher. Must be called
// before ServeHTTP starts accepting connections.
func (r *Registry) SetSnapshotHandler(h SnapshotHandler) { r.snapshot = h }

// SetHistoricalHandler wires the request_historical_kline dispatcher.
func (r *Registry) SetHistoricalHandler(h HistoricalHandler) { r.historical = h }

// Shutdown cancels every running worker.
func (r *Registry) Shutdown() { r.workerCancel() }

// ServeHTTP upgrades the request to a client socket connection and starts
// its read/write pumps.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	id := fmt.Sprintf("c%d", r.nextID.Add(1))
	client := newClient(id, conn, r, r.log)

	r.mu.Lock()
	r.allClients[client] = struct{}{}
	r.mu.Unlock()
	if r.m != nil {
		r.m.ClientsConnected.Inc()
	}
	if r.snapshot != nil {
		r.snapshot.HandleClientConnect(client)
	}
	go client.writePump()
	go client.readPump()
}

func (r *Registry) handleInbound(c *Client, data []byte) {
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.Warn("malformed inbound frame", "err", err)
		return
	}

	switch env.Type {
	case "subscribe_kline":
		r.handleSubscribeKline(c, env.Payload)
	case "unsubscribe_kline":
		r.handleUnsubscribeKline(c, env.Payload)
	case "request_historical_kline":
		r.handleHistoricalRequest(c, env.Payload)
	case "data-update":
		if r.snapshot != nil {
			r.snapshot.HandleDataUpdate(c, env.Payload)
		}
	default:
		r.log.Debug("unhandled inbound event", "type", env.Type)
	}
}

func (r *Registry) handleHistoricalRequest(c *Client, payload json.RawMessage) {
	var req model.KlineRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		r.log.Warn("malformed request_historical_kline", "err", err)
		return
	}
	if r.historical != nil {
		r.historical.HandleHistoricalRequest(c, req)
	}
}

func (r *Registry) handleSubscribeKline(c *Client, payload json.RawMessage) {
	var req model.KlineRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		r.log.Warn("malformed subscribe_kline", "err", err)
		return
	}
	if err := r.SubscribeKline(req.Address, req.Chain, req.Interval, c); err != nil {
		r.log.Warn("subscribe_kline rejected", "address", req.Address, "chain", req.Chain, "err", err)
	}
}

func (r *Registry) handleUnsubscribeKline(c *Client, payload json.RawMessage) {
	var req model.KlineRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		r.log.Warn("malformed unsubscribe_kline", "err", err)
		return
	}
	r.UnsubscribeKline(req.Address, req.Chain, req.Interval, c)
}

// SubscribeKline implements §4.6's subscribe_kline: compute pool_id and the
// normalized room key, join the client to the room (creating it if new),
// add the room to the address index, and ensure a worker exists and is
// commanded to subscribe to the relevant kline (and, if this is the
// address's first live room, tick) stream.
func (r *Registry) SubscribeKline(address, chain, interval string, client *Client) error {
	poolID, ok := chainaddr.PoolID(chain)
	if !ok {
		return fmt.Errorf("registry: unsupported chain %q", chain)
	}
	normalized := chainaddr.Normalize(chain, address)
	roomKey := chainaddr.RoomKey(poolID, normalized, interval)

	r.mu.Lock()
	if t, ok := r.lazyTimers[normalized]; ok {
		t.Stop()
		delete(r.lazyTimers, normalized)
	}

	room, exists := r.rooms[roomKey]
	if !exists {
		room = newRoom(roomKey)
		r.rooms[roomKey] = room
	}
	room.clients[client] = struct{}{}

	addrSet, hadAddr := r.index[normalized]
	if !hadAddr {
		addrSet = make(map[string]struct{})
		r.index[normalized] = addrSet
	}
	addrSet[roomKey] = struct{}{}
	r.mu.Unlock()

	client.addRoom(roomKey)

	if !exists {
		w := r.ensureWorker(normalized, poolID)
		w.SubscribeKline(interval)
		if !hadAddr {
			w.SubscribeTick()
		}
		if r.m != nil {
			r.m.RoomsActive.Inc()
		}
	}
	return nil
}

// UnsubscribeKline implements §4.6's unsubscribe_kline: remove the client
// from the room; if the room empties, remove it and command the worker to
// drop the kline stream; if the address's room set also empties, schedule a
// lazy tick-unsubscribe.
func (r *Registry) UnsubscribeKline(address, chain, interval string, client *Client) {
	poolID, ok := chainaddr.PoolID(chain)
	if !ok {
		return
	}
	normalized := chainaddr.Normalize(chain, address)
	roomKey := chainaddr.RoomKey(poolID, normalized, interval)
	r.unsubscribeRoomKey(roomKey, normalized, interval, client)
}

func (r *Registry) unsubscribeRoomKey(roomKey, normalizedAddress, interval string, client *Client) {
	r.mu.Lock()
	room, ok := r.rooms[roomKey]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(room.clients, client)
	roomEmpty := len(room.clients) == 0
	var addrEmpty bool
	if roomEmpty {
		delete(r.rooms, roomKey)
		if addrSet, ok := r.index[normalizedAddress]; ok {
			delete(addrSet, roomKey)
			addrEmpty = len(addrSet) == 0
			if addrEmpty {
				delete(r.index, normalizedAddress)
			}
		}
	}
	w := r.workers[normalizedAddress]
	r.mu.Unlock()

	client.removeRoom(roomKey)

	if !roomEmpty || w == nil {
		return
	}
	w.UnsubscribeKline(interval)
	if r.m != nil {
		r.m.RoomsActive.Dec()
	}
	if addrEmpty {
		r.scheduleLazyUnsub(normalizedAddress, w)
	}
}

// disconnect tears down every room membership held by client, following the
// same per-room teardown path as an explicit unsubscribe.
func (r *Registry) disconnect(client *Client) {
	r.mu.Lock()
	delete(r.allClients, client)
	r.mu.Unlock()
	if r.m != nil {
		r.m.ClientsConnected.Dec()
	}
	for _, key := range client.snapshotRooms() {
		_, address, interval, ok := chainaddr.ParseRoomKey(key)
		if !ok {
			continue
		}
		r.unsubscribeRoomKey(key, address, interval, client)
	}
}

// scheduleLazyUnsub defers the tick-stream teardown by cfg.LazyUnsubDelay;
// if a subscribe arrives for the address before it fires, SubscribeKline
// will have already cancelled this timer.
func (r *Registry) scheduleLazyUnsub(normalizedAddress string, w *worker.Worker) {
	r.mu.Lock()
	if t, ok := r.lazyTimers[normalizedAddress]; ok {
		t.Stop()
	}
	r.lazyTimers[normalizedAddress] = time.AfterFunc(r.cfg.LazyUnsubDelay, func() {
		r.mu.Lock()
		_, resubscribed := r.index[normalizedAddress]
		delete(r.lazyTimers, normalizedAddress)
		r.mu.Unlock()
		if resubscribed {
			return
		}
		w.UnsubscribeTick()
	})
	r.mu.Unlock()
}

func (r *Registry) ensureWorker(normalizedAddress string, poolID int) *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[normalizedAddress]; ok {
		return w
	}
	w := worker.New(normalizedAddress, poolID, r.cfg.TunnelCfg, r, r.log)
	r.workers[normalizedAddress] = w
	if r.m != nil {
		r.m.WorkersActive.Inc()
	}
	go func() {
		w.Run(r.workerCtx)
		r.mu.Lock()
		if r.workers[normalizedAddress] == w {
			delete(r.workers, normalizedAddress)
			if r.m != nil {
				r.m.WorkersActive.Dec()
			}
		}
		r.mu.Unlock()
	}()
	return w
}

// RoomKeysForAddress implements worker.Sink.
func (r *Registry) RoomKeysForAddress(address string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.index[address]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// UpdateCandle implements worker.Sink: apply mutate under the room's own
// lock, then broadcast outside any lock if mutate asked for it.
func (r *Registry) UpdateCandle(roomKey string, mutate func(existing *model.Candle, exists bool) (model.Candle, bool)) {
	r.mu.RLock()
	room := r.rooms[roomKey]
	r.mu.RUnlock()
	if room == nil {
		return
	}

	room.mu.Lock()
	var existingPtr *model.Candle
	if room.candle != nil {
		existingPtr = room.candle
	}
	updated, broadcast := mutate(existingPtr, room.candle != nil)
	if broadcast {
		c := updated
		room.candle = &c
	}
	room.mu.Unlock()

	if !broadcast {
		return
	}
	if r.m != nil {
		r.m.KlineFramesTotal.Inc()
	}
	r.broadcastToRoom(room, updated)
}

func (r *Registry) broadcastToRoom(room *Room, candle model.Candle) {
	r.mu.RLock()
	clients := make([]*Client, 0, len(room.clients))
	for c := range room.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	event := model.KlineUpdateEvent{Room: room.key, Data: candle}
	for _, c := range clients {
		c.Send("kline_update", event)
	}
}

// SeedCandle sets a room's current_candle without broadcasting, used by the
// historical service to give live ticks a merge target per §4.3 step 6.
func (r *Registry) SeedCandle(roomKey string, candle model.Candle) {
	r.mu.RLock()
	room := r.rooms[roomKey]
	r.mu.RUnlock()
	if room == nil {
		return
	}
	room.mu.Lock()
	if room.candle == nil {
		c := candle
		room.candle = &c
	}
	room.mu.Unlock()
}

// BroadcastExceptSender re-broadcasts an enriched/filtered snapshot payload
// to every connected client except the one that sent it, per §6's literal
// "broadcast except sender" rule for the data-update relay.
func (r *Registry) BroadcastExceptSender(sender *Client, eventType string, payload any) {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.allClients))
	for c := range r.allClients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		if c == sender {
			continue
		}
		c.Send(eventType, payload)
	}
}
