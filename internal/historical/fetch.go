package historical

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"tokenfeed/internal/model"
)

// apiResponse mirrors the upstream candle endpoint: each row is a
// positional [open, high, low, close, volume, time_ms] array, elements
// mixed string/number depending on the field.
type apiResponse struct {
	Data [][]json.RawMessage `json:"data"`
}

func parseRow(row []json.RawMessage) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("historical: short candle row (%d fields)", len(row))
	}
	var o, h, l, c, v, tMs model.FlexFloat64
	if err := json.Unmarshal(row[0], &o); err != nil {
		return model.Candle{}, err
	}
	if err := json.Unmarshal(row[1], &h); err != nil {
		return model.Candle{}, err
	}
	if err := json.Unmarshal(row[2], &l); err != nil {
		return model.Candle{}, err
	}
	if err := json.Unmarshal(row[3], &c); err != nil {
		return model.Candle{}, err
	}
	if err := json.Unmarshal(row[4], &v); err != nil {
		return model.Candle{}, err
	}
	if err := json.Unmarshal(row[5], &tMs); err != nil {
		return model.Candle{}, err
	}
	return model.Candle{
		Time:   int64(tMs) / 1000,
		Open:   float64(o),
		High:   float64(h),
		Low:    float64(l),
		Close:  float64(c),
		Volume: float64(v),
	}, nil
}

// buildFetchURL composes the upstream candle endpoint request URL.
func buildFetchURL(base, normalizedAddress, chain, interval string, limit int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("historical: parse api url: %w", err)
	}
	q := u.Query()
	q.Set("address", normalizedAddress)
	q.Set("platform", chain)
	q.Set("interval", formatIntervalForAPI(interval))
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
