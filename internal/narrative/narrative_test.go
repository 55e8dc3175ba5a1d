package narrative

import "testing"

func TestCacheClaimPendingIsIdempotent(t *testing.T) {
	c := NewCache()
	if !c.ClaimPending("0xabc") {
		t.Fatalf("expected first claim to succeed")
	}
	if c.ClaimPending("0xabc") {
		t.Fatalf("expected second claim on same key to fail")
	}
	val, ok := c.Get("0xabc")
	if !ok || val != pendingSentinel {
		t.Fatalf("expected pending sentinel cached, got %q ok=%v", val, ok)
	}
}

func TestCacheDeleteUnclaimsSlot(t *testing.T) {
	c := NewCache()
	c.ClaimPending("0xabc")
	c.Delete("0xabc")
	if !c.ClaimPending("0xabc") {
		t.Fatalf("expected claim to succeed again after delete")
	}
}

func TestCacheSetOverwritesPending(t *testing.T) {
	c := NewCache()
	c.ClaimPending("0xabc")
	c.Set("0xabc", "a narrative")
	val, ok := c.Get("0xabc")
	if !ok || val != "a narrative" {
		t.Fatalf("expected final narrative cached, got %q ok=%v", val, ok)
	}
}

func TestChainIDKnownAndUnknown(t *testing.T) {
	cases := []struct {
		chain string
		want  int
		ok    bool
	}{
		{"bsc", 56, true},
		{"eth", 1, true},
		{"ethereum", 1, true},
		{"base", 8453, true},
		{"arb", 42161, true},
		{"arbitrum", 42161, true},
		{"matic", 137, true},
		{"polygon", 137, true},
		{"op", 10, true},
		{"optimism", 10, true},
		{"avax", 43114, true},
		{"avalanche", 43114, true},
		{"solana", 0, false},
	}
	for _, tc := range cases {
		got, ok := ChainID(tc.chain)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ChainID(%q) = %d,%v want %d,%v", tc.chain, got, ok, tc.want, tc.ok)
		}
	}
}

type fakeEntity struct {
	address   string
	chain     string
	chainID   int
	hasChain  bool
	narrative string
}

func (f *fakeEntity) GetAddress() string                { return f.address }
func (f *fakeEntity) GetChain() string                  { return f.chain }
func (f *fakeEntity) GetNarrativeChainID() (int, bool)  { return f.chainID, f.hasChain }
func (f *fakeEntity) SetNarrative(text string)          { f.narrative = text }

func TestEnrichSkipsUnsupportedChainAndNegativeCaches(t *testing.T) {
	cache := NewCache()
	e := &Enricher{cfg: Config{}.withDefaults(), cache: cache}

	item := &fakeEntity{address: "0xabc", chain: "solana", hasChain: false}
	e.Enrich(nil, []NarrativeEntity{item})

	val, ok := cache.Get("0xabc")
	if !ok || val != "" {
		t.Fatalf("expected unsupported chain to negative-cache as empty string, got %q ok=%v", val, ok)
	}
	if item.narrative != "" {
		t.Fatalf("expected no narrative set for unsupported chain")
	}
}

func TestEnrichAttachesAlreadyCachedNarrative(t *testing.T) {
	cache := NewCache()
	cache.Set("0xabc", "already known narrative")
	e := &Enricher{cfg: Config{}.withDefaults(), cache: cache}

	item := &fakeEntity{address: "0xabc", chain: "bsc", chainID: 56, hasChain: true}
	e.Enrich(nil, []NarrativeEntity{item})

	if item.narrative != "already known narrative" {
		t.Fatalf("expected cached narrative attached immediately, got %q", item.narrative)
	}
}

func TestEnrichDoesNotAttachPendingSentinel(t *testing.T) {
	cache := NewCache()
	cache.ClaimPending("0xdef")
	e := &Enricher{cfg: Config{}.withDefaults(), cache: cache}

	item := &fakeEntity{address: "0xdef", chain: "bsc", chainID: 56, hasChain: true}
	e.Enrich(nil, []NarrativeEntity{item})

	if item.narrative != "" {
		t.Fatalf("expected no narrative attached while slot is pending, got %q", item.narrative)
	}
}
