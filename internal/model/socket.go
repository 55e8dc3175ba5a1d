package model

// SocketEnvelope is the flat wire frame every client socket event is sent
// and received in: {"type": "<event-name>", "payload": ...}.
type SocketEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// KlineRequest is the payload shape shared by subscribe_kline,
// unsubscribe_kline, and request_historical_kline.
type KlineRequest struct {
	Address  string `json:"address"`
	Chain    string `json:"chain"`
	Interval string `json:"interval"`
}

// KlineUpdateEvent is the outbound kline_update payload.
type KlineUpdateEvent struct {
	Room string `json:"room"`
	Data Candle `json:"data"`
}

// HistoricalKlineEvent is the outbound historical_kline_initial /
// historical_kline_completed payload.
type HistoricalKlineEvent struct {
	Address          string            `json:"address"`
	Chain            string            `json:"chain"`
	Interval         string            `json:"interval"`
	Data             []Candle          `json:"data"`
	LiquidityHistory []LiquiditySample `json:"liquidity_history,omitempty"`
}
