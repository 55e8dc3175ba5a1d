// Package snapshot implements the data-update dispatcher: category routing
// for hotlist/meme snapshot payloads, hotlist notional filtering, narrative
// enrichment for meme items, alert evaluation, and the address->symbol map
// shared by both paths.
package snapshot

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tokenfeed/internal/alert"
	"tokenfeed/internal/model"
	"tokenfeed/internal/narrative"
	"tokenfeed/internal/registry"
)

// Config configures a Service.
type Config struct {
	MinHotlistUSD float64
}

// Service dispatches inbound data-update frames and relays the
// filtered/enriched result to every other connected client.
type Service struct {
	cfg      Config
	reg      *registry.Registry
	alertEng *alert.Engine
	enricher *narrative.Enricher
	log      *slog.Logger

	symbolsMu sync.RWMutex
	symbols   map[string]string // normalized "chain:address" -> symbol
}

// New constructs a Service.
func New(cfg Config, reg *registry.Registry, alertEng *alert.Engine, enricher *narrative.Enricher, log *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		reg:      reg,
		alertEng: alertEng,
		enricher: enricher,
		log:      log,
		symbols:  make(map[string]string),
	}
}

func symbolKey(chain, address string) string {
	return chain + ":" + strings.ToLower(address)
}

// SymbolFor returns the last known symbol for a chain/address pair, if any.
func (s *Service) SymbolFor(chain, address string) (string, bool) {
	s.symbolsMu.RLock()
	defer s.symbolsMu.RUnlock()
	sym, ok := s.symbols[symbolKey(chain, address)]
	return sym, ok
}

func (s *Service) rememberSymbol(item model.RawItem) {
	if item.Symbol == "" {
		return
	}
	s.symbolsMu.Lock()
	s.symbols[symbolKey(item.Chain, item.Address)] = item.Symbol
	s.symbolsMu.Unlock()
}

// HandleDataUpdate implements registry.SnapshotHandler.
func (s *Service) HandleDataUpdate(client *registry.Client, raw json.RawMessage) {
	var payload model.DataUpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.log.Warn("malformed data-update payload", "err", err)
		return
	}

	switch payload.Category {
	case model.CategoryHotlist:
		s.handleHotlist(client, payload)
	case model.CategoryMemeNew, model.CategoryMemeMigrated:
		s.handleMeme(client, payload)
	default:
		s.log.Debug("dropping data-update with unrecognized category", "category", payload.Category)
	}
}

// filterHotlist drops items below the notional floor.
func filterHotlist(items []model.RawItem, minUSD float64) []model.RawItem {
	kept := items[:0]
	for _, item := range items {
		if item.Volume24h*item.Price < minUSD {
			continue
		}
		kept = append(kept, item)
	}
	return kept
}

// filterMeme drops items with no symbol — the upstream crawler emits these
// for pools it hasn't finished indexing yet.
func filterMeme(items []model.RawItem) []model.RawItem {
	kept := items[:0]
	for _, item := range items {
		if item.Symbol == "" {
			continue
		}
		kept = append(kept, item)
	}
	return kept
}

// assignNarrativeChainIDs fills in each item's NarrativeChainID from its
// chain tag (leaving an existing value untouched) and returns every item as
// a narrative.NarrativeEntity; items whose chain has no narrative id stay
// unset and are negative-cached by the enricher.
func assignNarrativeChainIDs(items []model.RawItem) []narrative.NarrativeEntity {
	entities := make([]narrative.NarrativeEntity, 0, len(items))
	for i := range items {
		item := &items[i]
		if item.NarrativeChainID == nil {
			if chainID, ok := narrative.ChainID(item.Chain); ok {
				item.NarrativeChainID = &chainID
			}
		}
		entities = append(entities, item)
	}
	return entities
}

func (s *Service) handleHotlist(client *registry.Client, payload model.DataUpdatePayload) {
	payload.Data = filterHotlist(payload.Data, s.cfg.MinHotlistUSD)
	for _, item := range payload.Data {
		s.rememberSymbol(item)
	}

	nowMs := time.Now().UnixMilli()
	for _, item := range payload.Data {
		fired := s.alertEng.Evaluate(item, nowMs)
		for _, entry := range fired {
			s.reg.BroadcastExceptSender(client, "alert_update", entry)
		}
	}

	s.reg.BroadcastExceptSender(client, "data-broadcast", payload)
}

func (s *Service) handleMeme(client *registry.Client, payload model.DataUpdatePayload) {
	payload.Data = filterMeme(payload.Data)

	entities := assignNarrativeChainIDs(payload.Data)
	s.enricher.Enrich(context.Background(), entities)

	for _, item := range payload.Data {
		s.rememberSymbol(item)
	}

	s.reg.BroadcastExceptSender(client, "data-broadcast", payload)
}

// HandleClientConnect implements registry.SnapshotHandler: replay the
// current alert history to a freshly connected client.
func (s *Service) HandleClientConnect(client *registry.Client) {
	client.Send("alert_history", s.alertEng.History())
}
