package candlestore

import (
	"context"
	"fmt"
	"time"

	"tokenfeed/internal/model"
)

const liquidityRetention = 24 * time.Hour

// RecordLiquidityBatch inserts a batch of minute-aligned liquidity samples
// for one address in a single transaction.
func (s *Store) RecordLiquidityBatch(address string, rows []model.LiquiditySample) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.writeDB.Begin()
	if err != nil {
		return fmt.Errorf("candlestore: liquidity begin: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO liquidity_history_1m (address, time_bucket, value)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("candlestore: liquidity prepare: %w", err)
	}
	for _, r := range rows {
		if _, err := stmt.Exec(address, r.TimeBucket, r.Value); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("candlestore: liquidity insert: %w", err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

// QueryLiquidityAggregated returns one sample per interval-aligned bucket,
// equal to the last 1-minute sample observed in that bucket (close-like
// semantics). intervalSeconds == 60 returns the raw 1m samples unchanged.
func (s *Store) QueryLiquidityAggregated(address string, intervalSeconds int64) ([]model.LiquiditySample, error) {
	if intervalSeconds <= 60 {
		rows, err := s.readDB.Query(`
			SELECT time_bucket, value FROM liquidity_history_1m
			WHERE address = ? ORDER BY time_bucket ASC
		`, address)
		if err != nil {
			return nil, fmt.Errorf("candlestore: liquidity query: %w", err)
		}
		defer rows.Close()
		return scanLiquidity(rows)
	}

	rows, err := s.readDB.Query(`
		SELECT (time_bucket / ?) * ? AS bucket, value
		FROM liquidity_history_1m
		WHERE address = ?
		ORDER BY time_bucket ASC
	`, intervalSeconds, intervalSeconds, address)
	if err != nil {
		return nil, fmt.Errorf("candlestore: liquidity aggregate query: %w", err)
	}
	defer rows.Close()

	byBucket := make(map[int64]float64)
	var order []int64
	for rows.Next() {
		var bucket int64
		var value float64
		if err := rows.Scan(&bucket, &value); err != nil {
			return nil, fmt.Errorf("candlestore: liquidity scan: %w", err)
		}
		if _, seen := byBucket[bucket]; !seen {
			order = append(order, bucket)
		}
		byBucket[bucket] = value // last-write-wins: rows arrive time-ascending
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.LiquiditySample, 0, len(order))
	for _, b := range order {
		out = append(out, model.LiquiditySample{TimeBucket: b, Value: byBucket[b]})
	}
	return out, nil
}

func scanLiquidity(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]model.LiquiditySample, error) {
	var out []model.LiquiditySample
	for rows.Next() {
		var s model.LiquiditySample
		if err := rows.Scan(&s.TimeBucket, &s.Value); err != nil {
			return nil, fmt.Errorf("candlestore: liquidity scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PruneLiquidityLoop periodically deletes liquidity samples older than 24h.
// Runs until ctx is cancelled; intended to be started as a background goroutine.
func (s *Store) PruneLiquidityLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-liquidityRetention).Unix()
			if _, err := s.writeDB.Exec(`DELETE FROM liquidity_history_1m WHERE time_bucket < ?`, cutoff); err != nil {
				s.log.Error("liquidity prune failed", "err", err)
			}
		}
	}
}
