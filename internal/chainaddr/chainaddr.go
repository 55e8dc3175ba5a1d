// Package chainaddr centralizes address normalization and the upstream
// stream-name/room-key conventions, so every call site (index, room key,
// worker map) applies the same rule. The alert cooldown key does not use
// this package; it lowercases the address on every chain.
package chainaddr

import (
	"fmt"
	"strconv"
	"strings"
)

// PoolID maps a chain identifier to its upstream numeric pool code.
func PoolID(chain string) (int, bool) {
	switch strings.ToLower(chain) {
	case "bsc":
		return 14, true
	case "sol", "solana":
		return 16, true
	case "base":
		return 199, true
	default:
		return 0, false
	}
}

// Normalize returns the canonical form of an address for a given chain:
// lowercased for EVM chains, left case-sensitive for Solana (pool_id 16).
func Normalize(chain, address string) string {
	if strings.EqualFold(chain, "sol") || strings.EqualFold(chain, "solana") {
		return address
	}
	return strings.ToLower(address)
}

// RoomKey builds "kl@<pool_id>@<normalized_address>@<interval>".
func RoomKey(poolID int, normalizedAddress, interval string) string {
	return fmt.Sprintf("kl@%d@%s@%s", poolID, normalizedAddress, interval)
}

// KlineStreamName is the upstream subscription name for a kline stream.
func KlineStreamName(poolID int, normalizedAddress, interval string) string {
	return RoomKey(poolID, normalizedAddress, interval)
}

// TickStreamName is the upstream subscription name for a tick stream.
func TickStreamName(poolID int, normalizedAddress string) string {
	return fmt.Sprintf("tx@%d_%s", poolID, normalizedAddress)
}

// ParseRoomKey splits a "kl@<pool_id>@<address>@<interval>" key back into
// its parts. Returns ok=false if the key is malformed.
func ParseRoomKey(key string) (poolID int, address, interval string, ok bool) {
	parts := strings.Split(key, "@")
	if len(parts) != 4 || parts[0] != "kl" {
		return 0, "", "", false
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", "", false
	}
	return id, parts[2], parts[3], true
}

// ParseTickStream splits a "tx@<pool_id>_<address>" stream name.
func ParseTickStream(stream string) (poolID int, address string, ok bool) {
	rest := strings.TrimPrefix(stream, "tx@")
	if rest == stream {
		return 0, "", false
	}
	idx := strings.IndexByte(rest, '_')
	if idx < 0 {
		return 0, "", false
	}
	id, err := strconv.Atoi(rest[:idx])
	if err != nil {
		return 0, "", false
	}
	return id, rest[idx+1:], true
}
