package model

import (
	"encoding/json"
	"strconv"
)

// FlexFloat64 unmarshals a JSON number OR a JSON string holding a number,
// since upstream frames mix both representations across fields.
type FlexFloat64 float64

func (f *FlexFloat64) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = FlexFloat64(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = FlexFloat64(v)
	return nil
}

// Tick is a single trade event from the upstream exchange, carrying the
// pool's two token sides and which side is the tracked token.
type Tick struct {
	PoolID    int
	Address   string // normalized tracked-token address
	T0Address string // "t0a" field, as received
	T1Address string // "t1a" field, as received
	Price     float64
	USDVolume float64
}

// UpstreamEnvelope is the duck-typed wrapper every upstream WS frame arrives
// in: {"stream": "...", "data": {...}}. Dispatch is by stream-name prefix,
// never by an additional type tag.
type UpstreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"` // present on SUBSCRIBE/UNSUBSCRIBE ack frames
}

// KlineFrameData is the payload shape of a "kl@..." stream frame.
type KlineFrameData struct {
	Open   FlexFloat64 `json:"o"`
	High   FlexFloat64 `json:"h"`
	Low    FlexFloat64 `json:"l"`
	Close  FlexFloat64 `json:"c"`
	Volume FlexFloat64 `json:"v"`
	Time   int64       `json:"t"`
}

// TickFrameData is the payload shape of a "tx@..." stream frame.
type TickFrameData struct {
	T0Address string      `json:"t0a"`
	T1Address string      `json:"t1a"`
	T0PriceUD FlexFloat64 `json:"t0pu"`
	T1PriceUD FlexFloat64 `json:"t1pu"`
	USDVolume FlexFloat64 `json:"v"`
}
