package candlestore

import (
	"database/sql"
	"fmt"

	"tokenfeed/internal/model"
)

// GetLatest returns the most recent limit rows for primary_key, ascending by time.
func (s *Store) GetLatest(primaryKey string, limit int) ([]model.Candle, error) {
	rows, err := s.readDB.Query(`
		SELECT time, open, high, low, close, volume FROM (
			SELECT time, open, high, low, close, volume
			FROM klines WHERE primary_key = ?
			ORDER BY time DESC LIMIT ?
		) ORDER BY time ASC
	`, primaryKey, limit)
	if err != nil {
		return nil, fmt.Errorf("candlestore: get_latest: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Time, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("candlestore: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetLast returns the single most recent row for primary_key, or (zero, false).
func (s *Store) GetLast(primaryKey string) (model.Candle, bool, error) {
	var c model.Candle
	err := s.readDB.QueryRow(`
		SELECT time, open, high, low, close, volume FROM klines
		WHERE primary_key = ? ORDER BY time DESC LIMIT 1
	`, primaryKey).Scan(&c.Time, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
	if err == sql.ErrNoRows {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, fmt.Errorf("candlestore: get_last: %w", err)
	}
	return c, true, nil
}

// UpsertAndPrune inserts-or-replaces rows then trims primary_key's rows to
// the most recent maxKlines, both inside one transaction.
func (s *Store) UpsertAndPrune(primaryKey string, rows []model.Candle) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.writeDB.Begin()
	if err != nil {
		return fmt.Errorf("candlestore: begin: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO klines (primary_key, time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("candlestore: prepare: %w", err)
	}
	for _, c := range rows {
		if _, err := stmt.Exec(primaryKey, c.Time, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("candlestore: insert: %w", err)
		}
	}
	stmt.Close()

	if _, err := tx.Exec(`
		DELETE FROM klines WHERE rowid IN (
			SELECT rowid FROM klines WHERE primary_key = ?
			ORDER BY time DESC LIMIT -1 OFFSET ?
		)
	`, primaryKey, s.maxKlines); err != nil {
		tx.Rollback()
		return fmt.Errorf("candlestore: prune: %w", err)
	}

	return tx.Commit()
}

// Clear deletes every row for primary_key.
func (s *Store) Clear(primaryKey string) error {
	_, err := s.writeDB.Exec(`DELETE FROM klines WHERE primary_key = ?`, primaryKey)
	if err != nil {
		return fmt.Errorf("candlestore: clear: %w", err)
	}
	return nil
}

// Count returns the number of rows stored for primary_key (test/invariant helper).
func (s *Store) Count(primaryKey string) (int, error) {
	var n int
	err := s.readDB.QueryRow(`SELECT COUNT(*) FROM klines WHERE primary_key = ?`, primaryKey).Scan(&n)
	return n, err
}
