package snapshot

import (
	"log/slog"
	"os"
	"testing"

	"tokenfeed/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFilterHotlistDropsBelowNotionalFloor(t *testing.T) {
	items := []model.RawItem{
		{Address: "0x1", Volume24h: 10, Price: 1},  // 10, dropped
		{Address: "0x2", Volume24h: 100, Price: 1}, // 100, kept
	}
	kept := filterHotlist(items, 50)
	if len(kept) != 1 || kept[0].Address != "0x2" {
		t.Fatalf("expected only 0x2 to survive the floor, got %+v", kept)
	}
}

func TestFilterMemeDropsEmptySymbol(t *testing.T) {
	items := []model.RawItem{
		{Address: "0x1", Symbol: ""},
		{Address: "0x2", Symbol: "FOO"},
	}
	kept := filterMeme(items)
	if len(kept) != 1 || kept[0].Address != "0x2" {
		t.Fatalf("expected only symboled item to survive, got %+v", kept)
	}
}

func TestAssignNarrativeChainIDsFillsSupportedChainsOnly(t *testing.T) {
	items := []model.RawItem{
		{Address: "0x1", Chain: "bsc"},
		{Address: "0x2", Chain: "solana"},
	}
	entities := assignNarrativeChainIDs(items)
	if len(entities) != 2 {
		t.Fatalf("expected every item to produce an entity regardless of chain support, got %d", len(entities))
	}
	if id, ok := items[0].GetNarrativeChainID(); !ok || id != 56 {
		t.Fatalf("expected bsc item to get chain id 56, got %d ok=%v", id, ok)
	}
	if _, ok := items[1].GetNarrativeChainID(); ok {
		t.Fatalf("expected unsupported chain to leave NarrativeChainID unset")
	}
}

func TestAssignNarrativeChainIDsPreservesExistingValue(t *testing.T) {
	preset := 999
	items := []model.RawItem{{Address: "0x1", Chain: "bsc", NarrativeChainID: &preset}}
	assignNarrativeChainIDs(items)
	if id, ok := items[0].GetNarrativeChainID(); !ok || id != 999 {
		t.Fatalf("expected pre-set chain id to survive, got %d ok=%v", id, ok)
	}
}

func TestServiceRememberAndLookupSymbol(t *testing.T) {
	s := New(Config{}, nil, nil, nil, testLogger())
	s.rememberSymbol(model.RawItem{Chain: "bsc", Address: "0xABC", Symbol: "FOO"})

	sym, ok := s.SymbolFor("bsc", "0xabc")
	if !ok || sym != "FOO" {
		t.Fatalf("expected case-insensitive symbol lookup to find FOO, got %q ok=%v", sym, ok)
	}

	if _, ok := s.SymbolFor("bsc", "0xdef"); ok {
		t.Fatalf("expected no symbol for an address never remembered")
	}
}

func TestServiceRememberSymbolIgnoresEmpty(t *testing.T) {
	s := New(Config{}, nil, nil, nil, testLogger())
	s.rememberSymbol(model.RawItem{Chain: "bsc", Address: "0xabc", Symbol: ""})

	if _, ok := s.SymbolFor("bsc", "0xabc"); ok {
		t.Fatalf("expected empty symbol to not be remembered")
	}
}
