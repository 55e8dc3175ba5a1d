package model

import "encoding/json"

// Candle is a time-bucketed OHLCV record for one token-interval room.
// Time is Unix seconds, UTC, aligned to the start of its interval bucket.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// LiquiditySample is a minute-aligned liquidity reading for an address.
type LiquiditySample struct {
	Address    string  `json:"-"`
	TimeBucket int64   `json:"time_bucket"`
	Value      float64 `json:"value"`
}
