// Package cache is the durable local store backing the reactive state:
// reports, profiles, settings, the offline outbox, drawn shapes and followed
// keys, all kept in one SQLite file.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"nostr-incidents/internal/geo"
	"nostr-incidents/internal/profile"
	"nostr-incidents/internal/report"
)

// ErrStorageUnavailable is returned by every operation once the database
// could not be opened.
var ErrStorageUnavailable = errors.New("cache: storage unavailable")

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("cache: not found")

const schema = `
CREATE TABLE IF NOT EXISTS reports (
    id      TEXT PRIMARY KEY,
    ord     INTEGER NOT NULL,  -- created_at
    data    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_ord ON reports(ord);

CREATE TABLE IF NOT EXISTS profiles (
    id      TEXT PRIMARY KEY,  -- author pubkey
    ord     INTEGER NOT NULL,  -- fetched_at
    data    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    id      TEXT PRIMARY KEY,
    data    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
    queue_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT NOT NULL,
    data        TEXT NOT NULL,
    enqueued_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS shapes (
    id      TEXT PRIMARY KEY,
    ord     INTEGER NOT NULL,  -- created_at
    data    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS followed (
    id      TEXT PRIMARY KEY,  -- pubkey
    ord     INTEGER NOT NULL,  -- followed_at
    data    TEXT NOT NULL
);
`

// Followed is one entry of the followed-authors list.
type Followed struct {
	PubKey     string `json:"pk"`
	FollowedAt int64  `json:"followedAt"`
}

// Cache is the SQLite-backed local store. The connection is opened on first
// use and shared by every collection.
type Cache struct {
	path string

	once    sync.Once
	db      *sql.DB
	openErr error

	Reports  *Collection[*report.Report]
	Profiles *Collection[*profile.Profile]
	Shapes   *Collection[*geo.Shape]
	Followed *Collection[Followed]
	Outbox   *Outbox
}

// New returns a cache for the database file at path. Nothing is opened yet.
func New(path string) *Cache {
	c := &Cache{path: path}
	c.Reports = newCollection(c, "reports", func(r *report.Report) (string, int64) { return r.ID, r.At })
	c.Profiles = newCollection(c, "profiles", func(p *profile.Profile) (string, int64) { return p.PubKey, p.FetchedAt })
	c.Shapes = newCollection(c, "shapes", func(s *geo.Shape) (string, int64) { return s.ID, s.CreatedAt.Unix() })
	c.Followed = newCollection(c, "followed", func(f Followed) (string, int64) { return f.PubKey, f.FollowedAt })
	c.Outbox = &Outbox{c: c}
	return c
}

// conn opens the database once. A failed open is logged a single time and
// every later call returns ErrStorageUnavailable.
func (c *Cache) conn() (*sql.DB, error) {
	c.once.Do(func() {
		c.db, c.openErr = open(c.path)
		if c.openErr != nil {
			slog.Error("local cache unavailable, continuing in memory", "component", "cache", "path", c.path, "error", c.openErr)
		}
	})
	if c.openErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, c.openErr)
	}
	return c.db, nil
}

func open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// Open forces the connection open and reports whether storage is usable.
func (c *Cache) Open() error {
	_, err := c.conn()
	return err
}

// Available reports whether the database opened successfully.
func (c *Cache) Available() bool {
	return c.Open() == nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

const settingsKey = "settings"

// LoadSettings decodes the settings record into v. found is false when no
// record has been saved yet.
func (c *Cache) LoadSettings(ctx context.Context, v any) (found bool, err error) {
	db, err := c.conn()
	if err != nil {
		return false, err
	}
	var data string
	err = db.QueryRowContext(ctx, `SELECT data FROM settings WHERE id = ?`, settingsKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load settings: %w", err)
	}
	if err := unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("decode settings: %w", err)
	}
	return true, nil
}

// SaveSettings replaces the settings record.
func (c *Cache) SaveSettings(ctx context.Context, v any) error {
	db, err := c.conn()
	if err != nil {
		return err
	}
	data, err := marshal(v)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO settings (id, data) VALUES (?, ?)`, settingsKey, string(data)); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
