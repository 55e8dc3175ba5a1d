package alert

import (
	"testing"

	"tokenfeed/internal/model"
)

func newTestEngine() *Engine {
	return New(Config{V1: 50, V5: 200, P1: 0.05, P5: 0.25, M1: 20, M5: 100, CooldownMs: 60000, MaxHistory: 3})
}

func TestEvaluateFiresVolumeAlertAboveThreshold(t *testing.T) {
	e := newTestEngine()
	item := model.RawItem{Chain: "bsc", Address: "0xabc", Symbol: "FOO", Volume1m: 10, Price: 10}

	fired := e.Evaluate(item, 1000)
	if len(fired) != 1 || fired[0].AlertType != "volume1m" {
		t.Fatalf("expected a single volume1m alert, got %+v", fired)
	}
}

func TestEvaluateBelowThresholdFiresNothing(t *testing.T) {
	e := newTestEngine()
	item := model.RawItem{Chain: "bsc", Address: "0xabc", Volume1m: 1, Price: 1}
	if fired := e.Evaluate(item, 1000); len(fired) != 0 {
		t.Fatalf("expected no alerts, got %+v", fired)
	}
}

func TestEvaluateSuppressesDuplicateWithinCooldown(t *testing.T) {
	e := newTestEngine()
	item := model.RawItem{Chain: "bsc", Address: "0xabc", Volume1m: 10, Price: 10}

	first := e.Evaluate(item, 1000)
	if len(first) != 1 {
		t.Fatalf("expected first evaluation to fire, got %+v", first)
	}
	second := e.Evaluate(item, 1000+59999)
	if len(second) != 0 {
		t.Fatalf("expected cooldown to suppress repeat firing, got %+v", second)
	}
	third := e.Evaluate(item, 1000+60000)
	if len(third) != 1 {
		t.Fatalf("expected alert to fire again once cooldown elapses, got %+v", third)
	}
}

func TestEvaluatePriceChangeRequiresBothThresholds(t *testing.T) {
	e := newTestEngine()
	// large price move but notional too small to require M1
	item := model.RawItem{Chain: "bsc", Address: "0xabc", PriceChange1m: 0.5, Volume1m: 1, Price: 1}
	if fired := e.Evaluate(item, 1000); len(fired) != 0 {
		t.Fatalf("expected no priceChange1m alert without sufficient notional, got %+v", fired)
	}

	item2 := model.RawItem{Chain: "bsc", Address: "0xdef", PriceChange1m: 0.5, Volume1m: 30, Price: 1}
	fired := e.Evaluate(item2, 1000)
	var sawPriceChange bool
	for _, a := range fired {
		if a.AlertType == "priceChange1m" {
			sawPriceChange = true
		}
	}
	if !sawPriceChange {
		t.Fatalf("expected priceChange1m alert when both thresholds clear, got %+v", fired)
	}
}

func TestHistoryIsMostRecentFirstAndBounded(t *testing.T) {
	e := newTestEngine()
	for i, addr := range []string{"0x1", "0x2", "0x3", "0x4"} {
		item := model.RawItem{Chain: "bsc", Address: addr, Volume1m: 10, Price: 10}
		e.Evaluate(item, int64(1000+i*70000))
	}
	hist := e.History()
	if len(hist) != 3 {
		t.Fatalf("expected history bounded to MaxHistory=3, got %d entries", len(hist))
	}
	if hist[0].ContractAddress != "0x4" {
		t.Fatalf("expected most recent alert first, got %+v", hist[0])
	}
}

func TestHistoryReturnsACopy(t *testing.T) {
	e := newTestEngine()
	e.Evaluate(model.RawItem{Chain: "bsc", Address: "0x1", Volume1m: 10, Price: 10}, 1000)

	hist := e.History()
	hist[0].Message = "mutated"

	hist2 := e.History()
	if hist2[0].Message == "mutated" {
		t.Fatalf("History must return an independent copy")
	}
}
