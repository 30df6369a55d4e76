// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package localstore is a versioned, keyed record store on top of SQLite.
//
// Each collection is a table holding JSON documents plus one column per
// declared secondary index. The schema version lives in PRAGMA user_version;
// opening a database with an older version creates whatever collections and
// indexes are missing. A Store owns at most one live connection and hands it
// out to every caller until Reset, Destroy or a version change closes it.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/mobiletoly/go-posync/internal/notify"
)

// Supported database/sql driver names.
const (
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3 (cgo)
	DriverModernc = "sqlite"  // modernc.org/sqlite (pure Go)
)

// Close reasons carried by ConnectionClosed.
const (
	ReasonReset         = "reset"
	ReasonDestroy       = "destroy"
	ReasonVersionChange = "version_change"
)

// Config holds configuration for a Store
type Config struct {
	Path               string             // database file, ":memory:" for a private in-memory database
	Driver             string             // DriverMattn or DriverModernc
	Version            int                // schema version stamped after an upgrade
	Collections        []CollectionSchema // collections and indexes created on upgrade
	BusyTimeout        time.Duration      // per-statement wait for locks held by other connections
	BlockedGracePeriod time.Duration      // how long Open keeps retrying while blocked
	DestroyTimeout     time.Duration      // after this Destroy gives up and reports success
	Logger             *slog.Logger
}

// DefaultConfig returns a configuration for path with the given schema.
func DefaultConfig(path string, version int, collections []CollectionSchema) *Config {
	return &Config{
		Path:               path,
		Driver:             DriverMattn,
		Version:            version,
		Collections:        collections,
		BusyTimeout:        5 * time.Second,
		BlockedGracePeriod: 10 * time.Second,
		DestroyTimeout:     500 * time.Millisecond,
		Logger:             slog.Default(),
	}
}

// ConnectionClosed is published whenever the store drops its live connection.
type ConnectionClosed struct {
	Reason string
	At     time.Time
}

// Conn is a live database connection at a known schema version.
type Conn struct {
	db      *sql.DB
	version int
}

// DB exposes the underlying handle.
func (c *Conn) DB() *sql.DB { return c.db }

// Version is the schema version observed when the connection was opened.
func (c *Conn) Version() int { return c.version }

// Store is the local record store service.
type Store struct {
	cfg         Config
	logger      *slog.Logger
	collections map[string]CollectionSchema

	mu   sync.Mutex // guards conn; serializes open, reset and destroy
	conn *Conn

	events *notify.Hub[ConnectionClosed]
}

// New validates the configuration and returns a Store. No connection is made
// until the first Open or primitive call.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("config.Path must be provided")
	}
	if cfg.Version < 1 {
		return nil, fmt.Errorf("config.Version must be positive, got %d", cfg.Version)
	}
	c := *cfg
	if c.Driver == "" {
		c.Driver = DriverMattn
	}
	if c.Driver != DriverMattn && c.Driver != DriverModernc {
		return nil, fmt.Errorf("unsupported sqlite driver %q", c.Driver)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	collections := make(map[string]CollectionSchema, len(c.Collections))
	for _, cs := range c.Collections {
		if err := cs.validate(); err != nil {
			return nil, err
		}
		if _, dup := collections[cs.Name]; dup {
			return nil, fmt.Errorf("duplicate collection %q", cs.Name)
		}
		collections[cs.Name] = cs
	}

	return &Store{
		cfg:         c,
		logger:      c.Logger,
		collections: collections,
		events:      notify.NewHub[ConnectionClosed](0),
	}, nil
}

// Events subscribes to connection-closed notifications.
func (s *Store) Events() (<-chan ConnectionClosed, func()) { return s.events.Subscribe() }

// Collections returns the declared collection names in declaration order.
func (s *Store) Collections() []string {
	names := make([]string, 0, len(s.cfg.Collections))
	for _, c := range s.cfg.Collections {
		names = append(names, c.Name)
	}
	return names
}

func (s *Store) dsn() string {
	ms := s.cfg.BusyTimeout.Milliseconds()
	if s.cfg.Driver == DriverModernc {
		if s.cfg.Path == ":memory:" {
			return fmt.Sprintf("file::memory:?_pragma=busy_timeout(%d)&_txlock=immediate", ms)
		}
		return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_txlock=immediate", s.cfg.Path, ms)
	}
	if s.cfg.Path == ":memory:" {
		return fmt.Sprintf("file::memory:?_busy_timeout=%d&_txlock=immediate", ms)
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d&_txlock=immediate", s.cfg.Path, ms)
}

// Open returns the live connection, opening and upgrading the database first
// if needed. Concurrent callers share a single open attempt.
func (s *Store) Open(ctx context.Context) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *Store) openLocked(ctx context.Context) (*Conn, error) {
	if s.conn != nil {
		onDisk, err := readUserVersion(ctx, s.conn.db)
		if err != nil {
			return nil, classify("check schema version", err)
		}
		if onDisk == s.conn.version {
			return s.conn, nil
		}
		s.logger.Info("database schema version changed, closing connection",
			"opened_version", s.conn.version, "disk_version", onDisk)
		s.closeLocked(ReasonVersionChange)
	}

	deadline := time.Now().Add(s.cfg.BlockedGracePeriod)
	backoff := 25 * time.Millisecond
	for {
		conn, err := s.connect(ctx)
		if err == nil {
			s.conn = conn
			return conn, nil
		}
		if !errors.Is(err, ErrStorageBlocked) || time.Now().After(deadline) {
			return nil, err
		}
		s.logger.Debug("database open blocked, retrying", "path", s.cfg.Path, "backoff", backoff)
		if serr := sleepWithContext(ctx, backoff); serr != nil {
			return nil, fmt.Errorf("failed to open database: %w: %w", ErrStorageBlocked, serr)
		}
		backoff = min(backoff*2, time.Second)
	}
}

func (s *Store) connect(ctx context.Context) (*Conn, error) {
	db, err := sql.Open(s.cfg.Driver, s.dsn())
	if err != nil {
		return nil, classify("open database", err)
	}
	// A single connection keeps writes serialized and in-memory databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify("open database", err)
	}

	version, err := readUserVersion(ctx, db)
	if err != nil {
		db.Close()
		return nil, classify("read schema version", err)
	}
	if version < s.cfg.Version {
		if err := s.upgrade(ctx, db, version); err != nil {
			db.Close()
			return nil, err
		}
		version = s.cfg.Version
	}

	s.logger.Debug("database opened", "path", s.cfg.Path, "driver", s.cfg.Driver, "version", version)
	return &Conn{db: db, version: version}, nil
}

func (s *Store) upgrade(ctx context.Context, db *sql.DB, from int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin schema upgrade", err)
	}
	defer tx.Rollback()

	// Re-read under the write lock: another connection may have upgraded meanwhile.
	current, err := readUserVersion(ctx, tx)
	if err != nil {
		return classify("read schema version", err)
	}
	if current >= s.cfg.Version {
		return nil
	}
	if err := upgradeSchema(ctx, tx, s.cfg.Collections, s.cfg.Version); err != nil {
		return classify("upgrade schema", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("commit schema upgrade", err)
	}
	s.logger.Info("database schema upgraded", "path", s.cfg.Path, "from", from, "to", s.cfg.Version)
	return nil
}

// Reset closes the live connection without touching stored data.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(ReasonReset)
}

// Close is Reset followed by closing the event hub; the Store must not be used afterwards.
func (s *Store) Close() error {
	s.Reset()
	s.events.Close()
	return nil
}

func (s *Store) closeLocked(reason string) {
	if s.conn == nil {
		return
	}
	if err := s.conn.db.Close(); err != nil {
		s.logger.Warn("failed to close database", "error", err)
	}
	s.conn = nil
	s.events.Publish(ConnectionClosed{Reason: reason, At: time.Now()})
}

// Destroy closes the live connection and deletes every collection along with
// the schema version. If other connections keep the database locked for longer
// than DestroyTimeout it logs and returns nil, leaving the data in place.
func (s *Store) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(ReasonDestroy)

	if s.cfg.Path == ":memory:" {
		return nil
	}

	deadline := time.Now().Add(s.cfg.DestroyTimeout)
	backoff := 25 * time.Millisecond
	for {
		err := s.dropAll(ctx)
		if err == nil {
			s.logger.Info("database destroyed", "path", s.cfg.Path)
			return nil
		}
		if !errors.Is(err, ErrStorageBlocked) {
			return err
		}
		if time.Now().After(deadline) {
			s.logger.Warn("database destroy blocked by other connections, giving up",
				"path", s.cfg.Path, "timeout", s.cfg.DestroyTimeout, "error", err)
			return nil
		}
		if serr := sleepWithContext(ctx, backoff); serr != nil {
			return serr
		}
		backoff = min(backoff*2, 250*time.Millisecond)
	}
}

func (s *Store) dropAll(ctx context.Context) error {
	db, err := sql.Open(s.cfg.Driver, s.dsn())
	if err != nil {
		return classify("open database", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin destroy", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return classify("list tables", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return classify("list tables", err)
		}
		tables = append(tables, name)
	}
	rows.Close()

	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, t)); err != nil {
			return classify("drop table "+t, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `PRAGMA user_version = 0`); err != nil {
		return classify("reset schema version", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("commit destroy", err)
	}
	return nil
}

// HasCollection reports whether the named collection currently exists on disk.
func (s *Store) HasCollection(ctx context.Context, name string) (bool, error) {
	conn, err := s.Open(ctx)
	if err != nil {
		return false, err
	}
	var n int
	err = conn.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, classify("check collection "+name, err)
	}
	return n > 0, nil
}
