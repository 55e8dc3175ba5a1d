// Package alert implements the Alert Engine: per-item threshold rules,
// a per-(chain,address,type) cooldown, and a bounded broadcast history,
// adapted from the teacher's single-mutex-guarded notification shape.
package alert

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"

	"tokenfeed/internal/model"
)

// Config holds the threshold rules and bookkeeping limits, all overridable
// per deployment.
type Config struct {
	V1, V5 float64 // notional (volume*price) thresholds, 1m/5m
	P1, P5 float64 // |price change| fraction thresholds, 1m/5m
	M1, M5 float64 // notional floor required alongside P1/P5
	CooldownMs int64
	MaxHistory int
}

func (c Config) withDefaults() Config {
	if c.V1 == 0 {
		c.V1 = 50
	}
	if c.V5 == 0 {
		c.V5 = 200
	}
	if c.P1 == 0 {
		c.P1 = 0.05
	}
	if c.P5 == 0 {
		c.P5 = 0.25
	}
	if c.M1 == 0 {
		c.M1 = 20
	}
	if c.M5 == 0 {
		c.M5 = 100
	}
	if c.CooldownMs == 0 {
		c.CooldownMs = 60000
	}
	if c.MaxHistory == 0 {
		c.MaxHistory = 50
	}
	return c
}

// Engine evaluates hotlist items against the threshold rules and maintains
// the broadcast history.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	cooldowns map[string]int64
	history   []model.AlertEntry // most-recent-first, bounded to cfg.MaxHistory
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		cooldowns: make(map[string]int64),
	}
}

// Evaluate runs every rule against item and returns the alerts that fired
// (cooldown-suppressed rules produce nothing). nowMs is the caller-supplied
// current time in Unix milliseconds.
func (e *Engine) Evaluate(item model.RawItem, nowMs int64) []model.AlertEntry {
	notional1m := item.Volume1m * item.Price
	notional5m := item.Volume5m * item.Price

	var fired []model.AlertEntry

	if notional1m > e.cfg.V1 {
		if entry, ok := e.tryFire(item, "volume1m", fmt.Sprintf("1m volume %.2f", notional1m), nowMs); ok {
			fired = append(fired, entry)
		}
	}
	if notional5m > e.cfg.V5 {
		if entry, ok := e.tryFire(item, "volume5m", fmt.Sprintf("5m volume %.2f", notional5m), nowMs); ok {
			fired = append(fired, entry)
		}
	}
	if math.Abs(item.PriceChange1m) > e.cfg.P1 && notional1m > e.cfg.M1 {
		dir := direction(item.PriceChange1m)
		msg := fmt.Sprintf("1m price %s %.2f%%", dir, item.PriceChange1m*100)
		if entry, ok := e.tryFire(item, "priceChange1m", msg, nowMs); ok {
			fired = append(fired, entry)
		}
	}
	if math.Abs(item.PriceChange5m) > e.cfg.P5 && notional5m > e.cfg.M5 {
		dir := direction(item.PriceChange5m)
		msg := fmt.Sprintf("5m price %s %.2f%%", dir, item.PriceChange5m*100)
		if entry, ok := e.tryFire(item, "priceChange5m", msg, nowMs); ok {
			fired = append(fired, entry)
		}
	}
	return fired
}

func direction(change float64) string {
	if change < 0 {
		return "down"
	}
	return "up"
}

func cooldownKey(chain, address, alertType string) string {
	return chain + ":" + strings.ToLower(address) + ":" + alertType
}

func (e *Engine) tryFire(item model.RawItem, alertType, message string, nowMs int64) (model.AlertEntry, bool) {
	key := cooldownKey(item.Chain, item.Address, alertType)

	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.cooldowns[key]; ok && nowMs-last < e.cfg.CooldownMs {
		return model.AlertEntry{}, false
	}
	e.cooldowns[key] = nowMs

	entry := model.AlertEntry{
		ID:              uuid.NewString(),
		Chain:           item.Chain,
		ContractAddress: item.Address,
		Symbol:          item.Symbol,
		Message:         message,
		TimestampMs:     nowMs,
		AlertType:       alertType,
	}

	e.history = append([]model.AlertEntry{entry}, e.history...)
	if len(e.history) > e.cfg.MaxHistory {
		e.history = e.history[:e.cfg.MaxHistory]
	}
	return entry, true
}

// History returns a copy of the current most-recent-first alert history,
// for replay to a newly connected client.
func (e *Engine) History() []model.AlertEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.AlertEntry, len(e.history))
	copy(out, e.history)
	return out
}
