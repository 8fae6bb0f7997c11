package sqlite

import (
	"database/sql"
	"time"
)

// ─── Settings Key-Value ─────────────────────────────────────────────────────

// Set stores a settings value under key, replacing any previous value.
func (d *DB) Set(key string, value []byte) error {
	_, err := d.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().Unix(),
	)
	return err
}

// Get retrieves a settings value by key.
// Returns nil (no error) when the key has never been written, so callers
// can distinguish "seed defaults" from a read failure.
func (d *DB) Get(key string) ([]byte, error) {
	var value []byte
	err := d.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes a settings key. Missing keys are a no-op.
func (d *DB) Delete(key string) error {
	_, err := d.db.Exec(`DELETE FROM settings WHERE key = ?`, key)
	return err
}

// Keys returns all stored settings keys.
func (d *DB) Keys() ([]string, error) {
	rows, err := d.db.Query(`SELECT key FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
