package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/kv"
)

// KV is a kv.Store backed by the kv table.
type KV struct {
	db *sql.DB
}

// KV returns the key/value view of the database.
func (s *Store) KV() *KV {
	return &KV{db: s.db}
}

var _ kv.Store = (*KV)(nil)

// Get returns the entry for key, or kv.ErrNotFound.
func (k *KV) Get(ctx context.Context, key string) (kv.Entry, error) {
	e := kv.Entry{Key: key}
	err := k.db.QueryRowContext(ctx,
		"SELECT value, version FROM kv WHERE key = ?", key,
	).Scan(&e.Value, &e.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return kv.Entry{}, kv.ErrNotFound
	}
	if err != nil {
		return kv.Entry{}, fmt.Errorf("kv get %q: %w", key, err)
	}
	return e, nil
}

// CompareAndSwap writes value if the stored version equals expected; an
// expected version of 0 creates the key. It returns the new version, or
// kv.ErrConflict on a version mismatch and kv.ErrNotFound for a missing key.
func (k *KV) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if expected == 0 {
		res, err := k.db.ExecContext(ctx,
			"INSERT INTO kv (key, value, version, updated_at) VALUES (?, ?, 1, ?) ON CONFLICT(key) DO NOTHING",
			key, value, now)
		if err != nil {
			return 0, fmt.Errorf("kv create %q: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, kv.ErrConflict
		}
		return 1, nil
	}

	res, err := k.db.ExecContext(ctx,
		"UPDATE kv SET value = ?, version = version + 1, updated_at = ? WHERE key = ? AND version = ?",
		value, now, key, expected)
	if err != nil {
		return 0, fmt.Errorf("kv update %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := k.Get(ctx, key); errors.Is(err, kv.ErrNotFound) {
			return 0, kv.ErrNotFound
		}
		return 0, kv.ErrConflict
	}
	return expected + 1, nil
}

// List returns the entries whose keys start with prefix, in key order.
func (k *KV) List(ctx context.Context, prefix string) ([]kv.Entry, error) {
	rows, err := k.db.QueryContext(ctx,
		"SELECT key, value, version FROM kv WHERE key >= ? AND key < ? ORDER BY key",
		prefix, prefixEnd(prefix))
	if err != nil {
		return nil, fmt.Errorf("kv list %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []kv.Entry
	for rows.Next() {
		var e kv.Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Version); err != nil {
			return nil, fmt.Errorf("kv scan: %w", err)
		}
		if strings.HasPrefix(e.Key, prefix) {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

// prefixEnd returns the smallest string greater than every string that
// starts with prefix, so the range query can use the primary key index.
func prefixEnd(prefix string) string {
	if prefix == "" {
		return "\xff\xff\xff\xff"
	}
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return "\xff\xff\xff\xff"
}

// Delete removes key, or returns kv.ErrNotFound.
func (k *KV) Delete(ctx context.Context, key string) error {
	res, err := k.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kv.ErrNotFound
	}
	return nil
}
