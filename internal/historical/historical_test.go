package historical

import (
	"encoding/json"
	"testing"

	"tokenfeed/internal/model"
)

func TestIntervalToSeconds(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1m", 60},
		{"5m", 300},
		{"1h", 3600},
		{"1d", 86400},
	}
	for _, tc := range cases {
		got, err := intervalToSeconds(tc.in)
		if err != nil {
			t.Fatalf("intervalToSeconds(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("intervalToSeconds(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
	if _, err := intervalToSeconds("bogus"); err == nil {
		t.Fatalf("expected error for malformed interval")
	}
}

func TestFormatIntervalForAPI(t *testing.T) {
	if got := formatIntervalForAPI("1m"); got != "1in" {
		t.Fatalf("formatIntervalForAPI(1m) = %q, want 1in", got)
	}
	if got := formatIntervalForAPI("1h"); got != "1h" {
		t.Fatalf("formatIntervalForAPI(1h) = %q, want unchanged", got)
	}
}

func TestGapFillSynthesizesMissingBucketsFlatAtLastClose(t *testing.T) {
	rows := []model.Candle{
		{Time: 60, Open: 1, High: 2, Low: 1, Close: 1.5},
		{Time: 180, Open: 1.5, High: 3, Low: 1.5, Close: 2.5},
	}
	filled := gapFill(rows, 60, 5, 220)

	if len(filled) != 5 {
		t.Fatalf("expected 5 slots, got %d", len(filled))
	}
	// end = floor(220/60)*60 = 180, start = 180 - 4*60 = -60
	wantTimes := []int64{-60, 0, 60, 120, 180}
	for i, want := range wantTimes {
		if filled[i].Time != want {
			t.Fatalf("slot %d: time = %d, want %d", i, filled[i].Time, want)
		}
	}

	real60 := filled[2]
	if real60.Close != 1.5 {
		t.Fatalf("slot for t=60 should be the real candle, got %+v", real60)
	}

	// slots before the first real candle seed from the second-newest
	// real candle's (open+close)/2 midpoint = (1+1.5)/2 = 1.25
	synth := filled[0]
	if synth.Open != 1.25 || synth.High != 1.25 || synth.Low != 1.25 || synth.Close != 1.25 {
		t.Fatalf("synthesized slot should be flat at seeded last_close, got %+v", synth)
	}
	if synth.Volume != 0 {
		t.Fatalf("synthesized slot must carry zero volume, got %v", synth.Volume)
	}

	// the gap between the two real candles (t=120) holds flat at the
	// first real candle's close
	between := filled[3]
	if between.Close != 1.5 {
		t.Fatalf("slot for t=120 should be flat at 1.5, got %+v", between)
	}

	// the last slot (t=180) is the second real row itself
	if filled[4].Close != 2.5 {
		t.Fatalf("last slot should be the newest real candle, got %+v", filled[4])
	}
}

func TestGapFillWithNoRowsProducesAllZeroFlatCandles(t *testing.T) {
	filled := gapFill(nil, 60, 3, 180)
	for _, c := range filled {
		if c.Open != 0 || c.Close != 0 || c.Volume != 0 {
			t.Fatalf("expected all-zero synthesized candles, got %+v", c)
		}
	}
}

func TestClamp(t *testing.T) {
	if got := clamp(1, 2, 500); got != 2 {
		t.Fatalf("clamp(1,2,500) = %d, want 2", got)
	}
	if got := clamp(900, 2, 500); got != 500 {
		t.Fatalf("clamp(900,2,500) = %d, want 500", got)
	}
	if got := clamp(42, 2, 500); got != 42 {
		t.Fatalf("clamp(42,2,500) = %d, want 42", got)
	}
}

func TestParseRowHandlesMixedStringAndNumericFields(t *testing.T) {
	raw := []string{`"1.5"`, `2`, `"0.9"`, `1.8`, `"123.4"`, `1700000000000`}
	row := make([]json.RawMessage, len(raw))
	for i, s := range raw {
		row[i] = json.RawMessage(s)
	}

	candle, err := parseRow(row)
	if err != nil {
		t.Fatalf("parseRow: %v", err)
	}
	if candle.Open != 1.5 || candle.High != 2 || candle.Low != 0.9 || candle.Close != 1.8 || candle.Volume != 123.4 {
		t.Fatalf("unexpected parsed candle: %+v", candle)
	}
	if candle.Time != 1700000000 {
		t.Fatalf("expected time in seconds, got %d", candle.Time)
	}
}
