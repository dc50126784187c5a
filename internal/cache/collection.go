package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Collection is a keyed set of JSON-encoded records in one table.
type Collection[V any] struct {
	c     *Cache
	table string
	index func(V) (key string, ord int64)

	// mirrorMu serializes Mirror calls.
	mirrorMu sync.Mutex
}

func newCollection[V any](c *Cache, table string, index func(V) (string, int64)) *Collection[V] {
	return &Collection[V]{c: c, table: table, index: index}
}

func (col *Collection[V]) key(v V) string {
	key, _ := col.index(v)
	return key
}

// Get returns the record stored under key, or ErrNotFound.
func (col *Collection[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V
	db, err := col.c.conn()
	if err != nil {
		return zero, err
	}
	var data string
	err = db.QueryRowContext(ctx, `SELECT data FROM `+col.table+` WHERE id = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("get %s %s: %w", col.table, key, err)
	}
	var v V
	if err := unmarshal([]byte(data), &v); err != nil {
		return zero, fmt.Errorf("decode %s %s: %w", col.table, key, err)
	}
	return v, nil
}

// All returns every record, newest first by the collection's ordering column.
func (col *Collection[V]) All(ctx context.Context) ([]V, error) {
	db, err := col.c.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id, data FROM `+col.table+` ORDER BY ord DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", col.table, err)
	}
	defer rows.Close()

	var out []V
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", col.table, err)
		}
		var v V
		if err := unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", col.table, id, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", col.table, err)
	}
	return out, nil
}

// Put inserts or replaces records in a single transaction.
func (col *Collection[V]) Put(ctx context.Context, values ...V) error {
	db, err := col.c.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO `+col.table+` (id, ord, data) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, v := range values {
		key, ord := col.index(v)
		data, err := marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", col.table, key, err)
		}
		if _, err := stmt.ExecContext(ctx, key, ord, string(data)); err != nil {
			return fmt.Errorf("put %s %s: %w", col.table, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Delete removes records by key. Missing keys are ignored.
func (col *Collection[V]) Delete(ctx context.Context, keys ...string) error {
	db, err := col.c.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+col.table+` WHERE id = ?`, key); err != nil {
			return fmt.Errorf("delete %s %s: %w", col.table, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Mirror deletes keys and writes values in one transaction. Calls are
// serialized, and when current is set each value is replaced by the version
// current returns for its key, or skipped when current no longer holds it.
// Callers racing to mirror the same in-memory collection thus leave the
// table matching it.
func (col *Collection[V]) Mirror(ctx context.Context, values []V, keys []string, current func(key string) (V, bool)) error {
	col.mirrorMu.Lock()
	defer col.mirrorMu.Unlock()

	db, err := col.c.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+col.table+` WHERE id = ?`, key); err != nil {
			return fmt.Errorf("delete %s %s: %w", col.table, key, err)
		}
	}
	for _, v := range values {
		if current != nil {
			cur, ok := current(col.key(v))
			if !ok {
				continue
			}
			v = cur
		}
		key, ord := col.index(v)
		data, err := marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", col.table, key, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO `+col.table+` (id, ord, data) VALUES (?, ?, ?)`, key, ord, string(data)); err != nil {
			return fmt.Errorf("put %s %s: %w", col.table, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Clear removes every record.
func (col *Collection[V]) Clear(ctx context.Context) error {
	db, err := col.c.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM `+col.table); err != nil {
		return fmt.Errorf("clear %s: %w", col.table, err)
	}
	return nil
}

// Count returns the number of records.
func (col *Collection[V]) Count(ctx context.Context) (int, error) {
	db, err := col.c.conn()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+col.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", col.table, err)
	}
	return n, nil
}

// Replace clears the collection and stores values in one transaction.
func (col *Collection[V]) Replace(ctx context.Context, values []V) error {
	db, err := col.c.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+col.table); err != nil {
		return fmt.Errorf("clear %s: %w", col.table, err)
	}
	for _, v := range values {
		key, ord := col.index(v)
		data, err := marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", col.table, key, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO `+col.table+` (id, ord, data) VALUES (?, ?, ?)`, key, ord, string(data)); err != nil {
			return fmt.Errorf("put %s %s: %w", col.table, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
