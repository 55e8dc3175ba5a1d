package model

// SnapshotCategory tags an inbound data-update payload's origin kind.
type SnapshotCategory string

const (
	CategoryHotlist       SnapshotCategory = "hotlist"
	CategoryMemeNew       SnapshotCategory = "meme_new"
	CategoryMemeMigrated  SnapshotCategory = "meme_migrated"
	CategoryUnknown       SnapshotCategory = "unknown"
)

// SnapshotType tags whether a data-update batch is a full snapshot, an
// incremental update, or a full replace.
type SnapshotType string

const (
	SnapshotTypeSnapshot SnapshotType = "snapshot"
	SnapshotTypeUpdate   SnapshotType = "update"
	SnapshotTypeFull     SnapshotType = "full"
)

// DataUpdatePayload is the inbound/outbound data-update envelope.
type DataUpdatePayload struct {
	Category SnapshotCategory `json:"category"`
	Type     SnapshotType     `json:"type"`
	Data     []RawItem        `json:"data"`
}

// RawItem is a permissive snapshot item: it carries both the hotlist and
// meme field sets so a single decode can drive either enrichment path,
// mirroring the upstream crawler's loosely-typed payload shape.
type RawItem struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Symbol  string `json:"symbol"`

	Volume24h      float64 `json:"volume24h"`
	Volume1m       float64 `json:"volume1m"`
	Volume5m       float64 `json:"volume5m"`
	Price          float64 `json:"price"`
	PriceChange1m  float64 `json:"priceChange1m"`
	PriceChange5m  float64 `json:"priceChange5m"`

	NarrativeChainID *int   `json:"narrativeChainId,omitempty"`
	Narrative        string `json:"narrative,omitempty"`
}

// GetAddress returns the item's token address (NarrativeEntity capability).
func (r *RawItem) GetAddress() string { return r.Address }

// GetChain returns the item's chain tag (NarrativeEntity capability).
func (r *RawItem) GetChain() string { return r.Chain }

// GetNarrativeChainID returns the numeric chain id used by the narrative API,
// and whether the item declares one at all (NarrativeEntity capability).
func (r *RawItem) GetNarrativeChainID() (int, bool) {
	if r.NarrativeChainID == nil {
		return 0, false
	}
	return *r.NarrativeChainID, true
}

// SetNarrative attaches a fetched narrative string (NarrativeEntity capability).
func (r *RawItem) SetNarrative(text string) { r.Narrative = text }
