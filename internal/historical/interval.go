package historical

import (
	"fmt"
	"strconv"
	"strings"
)

// intervalToSeconds parses a kline interval string ("1m", "5m", "1h", "1d")
// into its bucket width in seconds.
func intervalToSeconds(interval string) (int64, error) {
	if interval == "" {
		return 0, fmt.Errorf("historical: empty interval")
	}
	unit := interval[len(interval)-1]
	qty, err := strconv.ParseInt(interval[:len(interval)-1], 10, 64)
	if err != nil || qty <= 0 {
		return 0, fmt.Errorf("historical: malformed interval %q", interval)
	}
	switch unit {
	case 'm':
		return qty * 60, nil
	case 'h':
		return qty * 3600, nil
	case 'd':
		return qty * 86400, nil
	default:
		return 0, fmt.Errorf("historical: unsupported interval unit in %q", interval)
	}
}

// formatIntervalForAPI rewrites a bare-minute interval ("1m") into the
// upstream candle endpoint's expected suffix ("1in"); hour/day intervals
// pass through unchanged.
func formatIntervalForAPI(interval string) string {
	if strings.HasSuffix(interval, "m") {
		return strings.TrimSuffix(interval, "m") + "in"
	}
	return interval
}
