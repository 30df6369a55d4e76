package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID       int64   `json:"id"`
	Scope    int64   `json:"scope"`
	Name     string  `json:"name"`
	Category *int64  `json:"category_id"`
	Price    float64 `json:"price"`
}

type queued struct {
	LocalID int64  `json:"local_id,omitempty"`
	Status  string `json:"sync_status"`
	Note    string `json:"note"`
}

func testCollections() []CollectionSchema {
	return []CollectionSchema{
		{
			Name:      "items",
			KeyFields: []string{"id", "scope"},
			Indexes:   []IndexSchema{{Name: "scope"}, {Name: "category_id"}},
		},
		{
			Name:          "queue",
			KeyFields:     []string{"local_id"},
			AutoIncrement: true,
			Indexes:       []IndexSchema{{Name: "sync_status"}},
		},
		{
			Name:      "meta",
			KeyFields: []string{"key"},
		},
	}
}

func newTestStore(t *testing.T, driver string) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	cfg := DefaultConfig(path, 2, testCollections())
	cfg.Driver = driver
	cfg.BusyTimeout = 50 * time.Millisecond
	cfg.BlockedGracePeriod = 200 * time.Millisecond
	cfg.DestroyTimeout = 200 * time.Millisecond
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func int64p(v int64) *int64 { return &v }

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = New(DefaultConfig("", 1, nil))
	require.Error(t, err)

	_, err = New(DefaultConfig("x.db", 0, nil))
	require.Error(t, err)

	bad := DefaultConfig("x.db", 1, []CollectionSchema{{Name: "Bad-Name", KeyFields: []string{"id"}}})
	_, err = New(bad)
	require.Error(t, err)

	dup := DefaultConfig("x.db", 1, []CollectionSchema{
		{Name: "a", KeyFields: []string{"id"}},
		{Name: "a", KeyFields: []string{"id"}},
	})
	_, err = New(dup)
	require.Error(t, err)

	cfg := DefaultConfig("x.db", 1, nil)
	cfg.Driver = "postgres"
	_, err = New(cfg)
	require.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t, DriverMattn)
	ctx := context.Background()

	c1, err := s.Open(ctx)
	require.NoError(t, err)
	c2, err := s.Open(ctx)
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, 2, c1.Version())

	var wg sync.WaitGroup
	conns := make([]*Conn, 8)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.Open(ctx)
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()
	for _, c := range conns {
		require.Same(t, c1, c)
	}

	for _, name := range s.Collections() {
		ok, err := s.HasCollection(ctx, name)
		require.NoError(t, err)
		require.True(t, ok, "collection %s should exist", name)
	}
}

func TestUpgradeAddsMissingCollectionsAndIndexes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upgrade.db")
	ctx := context.Background()

	v1 := DefaultConfig(path, 1, []CollectionSchema{
		{Name: "items", KeyFields: []string{"id", "scope"}, Indexes: []IndexSchema{{Name: "scope"}}},
	})
	s1, err := New(v1)
	require.NoError(t, err)
	_, err = s1.PutMany(ctx, "items", []item{
		{ID: 1, Scope: 0, Name: "a", Category: int64p(7)},
		{ID: 2, Scope: 0, Name: "b"},
	})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := New(DefaultConfig(path, 2, testCollections()))
	require.NoError(t, err)
	defer s2.Close()

	ok, err := s2.HasCollection(ctx, "queue")
	require.NoError(t, err)
	require.True(t, ok)

	// category_id did not exist at version 1 and is backfilled from stored documents.
	n, err := s2.CountByIndex(ctx, "items", "category_id", 7)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	all := []item{}
	require.NoError(t, s2.GetAll(ctx, "items", &all))
	require.Len(t, all, 2)
}

func TestPrimitives(t *testing.T) {
	for _, driver := range []string{DriverMattn, DriverModernc} {
		t.Run(driver, func(t *testing.T) {
			s, _ := newTestStore(t, driver)
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "items", item{ID: 1, Scope: 5, Name: "tea", Category: int64p(3), Price: 2.5}))
			require.NoError(t, s.Put(ctx, "items", item{ID: 1, Scope: 0, Name: "tea global"}))

			var got item
			ok, err := s.Get(ctx, "items", K(1, 5), &got)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "tea", got.Name)
			require.Equal(t, 2.5, got.Price)

			ok, err = s.Get(ctx, "items", K(99, 5), &got)
			require.NoError(t, err)
			require.False(t, ok)

			// Put replaces by key
			require.NoError(t, s.Put(ctx, "items", item{ID: 1, Scope: 5, Name: "green tea", Category: int64p(3)}))
			n, err := s.Count(ctx, "items")
			require.NoError(t, err)
			require.Equal(t, 2, n)

			var scoped []item
			require.NoError(t, s.GetAllByIndex(ctx, "items", "scope", 5, &scoped))
			require.Len(t, scoped, 1)
			require.Equal(t, "green tea", scoped[0].Name)

			n, err = s.CountByIndex(ctx, "items", "category_id", int64(3))
			require.NoError(t, err)
			require.Equal(t, 1, n)

			require.NoError(t, s.Delete(ctx, "items", K(1, 5)))
			require.NoError(t, s.Delete(ctx, "items", K(1, 5)), "deleting a missing key is not an error")
			n, err = s.CountByIndex(ctx, "items", "scope", 5)
			require.NoError(t, err)
			require.Zero(t, n)

			require.NoError(t, s.Clear(ctx, "items"))
			n, err = s.Count(ctx, "items")
			require.NoError(t, err)
			require.Zero(t, n)
		})
	}
}

func TestAddAssignsIncreasingKeys(t *testing.T) {
	s, _ := newTestStore(t, DriverMattn)
	ctx := context.Background()

	id1, err := s.Add(ctx, "queue", queued{Status: "pending", Note: "first"})
	require.NoError(t, err)
	id2, err := s.Add(ctx, "queue", queued{LocalID: 77, Status: "failed", Note: "second"})
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	var q queued
	ok, err := s.Get(ctx, "queue", K(id2), &q)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id2, q.LocalID, "stored document carries the assigned key")

	q.Status = "syncing"
	require.NoError(t, s.Put(ctx, "queue", q))

	var syncing []queued
	require.NoError(t, s.GetAllByIndex(ctx, "queue", "sync_status", "syncing", &syncing))
	require.Len(t, syncing, 1)

	removed, err := s.DeleteByIndex(ctx, "queue", "sync_status", "pending")
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, err = s.Add(ctx, "items", item{ID: 1})
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestPutManyIsAtomic(t *testing.T) {
	s, _ := newTestStore(t, DriverMattn)
	ctx := context.Background()

	_, err := s.PutMany(ctx, "items", []item{{ID: 1, Name: "keep"}})
	require.NoError(t, err)

	// The second record has no scope key: nothing from the batch may be written.
	batch := []map[string]any{
		{"id": 2, "scope": 0, "name": "new"},
		{"id": 3, "name": "broken"},
	}
	_, err = s.PutMany(ctx, "items", batch)
	require.ErrorIs(t, err, ErrInvalidRecord)

	n, err := s.Count(ctx, "items")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.PutMany(ctx, "items", map[string]any{"id": 1})
	require.ErrorIs(t, err, ErrInvalidRecord)

	written, err := s.ReplaceAll(ctx, "items", []item{{ID: 9, Name: "only"}})
	require.NoError(t, err)
	require.Equal(t, 1, written)
	var all []item
	require.NoError(t, s.GetAll(ctx, "items", &all))
	require.Len(t, all, 1)
	require.Equal(t, int64(9), all[0].ID)
}

func TestUnknownCollectionAndIndex(t *testing.T) {
	s, _ := newTestStore(t, DriverMattn)
	ctx := context.Background()

	_, err := s.Count(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownCollection)

	var out []item
	err = s.GetAllByIndex(ctx, "items", "nope", 1, &out)
	require.ErrorIs(t, err, ErrUnknownCollection)
}

func TestResetKeepsDataAndPublishesClose(t *testing.T) {
	s, _ := newTestStore(t, DriverMattn)
	ctx := context.Background()
	events, cancel := s.Events()
	defer cancel()

	require.NoError(t, s.Put(ctx, "meta", map[string]any{"key": "k", "value": 1}))
	c1, err := s.Open(ctx)
	require.NoError(t, err)

	s.Reset()
	ev := <-events
	require.Equal(t, ReasonReset, ev.Reason)

	c2, err := s.Open(ctx)
	require.NoError(t, err)
	require.NotSame(t, c1, c2)

	n, err := s.Count(ctx, "meta")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDestroyDropsEverything(t *testing.T) {
	s, path := newTestStore(t, DriverMattn)
	ctx := context.Background()

	_, err := s.Add(ctx, "queue", queued{Status: "pending"})
	require.NoError(t, err)
	require.NoError(t, s.Destroy(ctx))

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	var tables, version int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`).Scan(&tables))
	require.NoError(t, db.QueryRow(`PRAGMA user_version`).Scan(&version))
	require.Zero(t, tables)
	require.Zero(t, version)

	// Next use recreates the schema.
	n, err := s.Count(ctx, "queue")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDestroyGivesUpWhenBlocked(t *testing.T) {
	s, path := newTestStore(t, DriverMattn)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "meta", map[string]any{"key": "k"}))

	blocker, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=10", path))
	require.NoError(t, err)
	defer blocker.Close()
	blocker.SetMaxOpenConns(1)
	tx, err := blocker.Begin()
	require.NoError(t, err)
	_, err = tx.Exec(`INSERT INTO meta (pk, data) VALUES ('["x"]', '{"key":"x"}')`)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Destroy(ctx), "blocked destroy resolves without error")
	require.Less(t, time.Since(start), 5*time.Second)
	require.NoError(t, tx.Rollback())

	ok, err := s.HasCollection(ctx, "meta")
	require.NoError(t, err)
	require.True(t, ok, "data survives a destroy that gave up")
}

func TestOpenBlockedReportsStorageBlocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.db")
	ctx := context.Background()

	blocker, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=10", path))
	require.NoError(t, err)
	defer blocker.Close()
	blocker.SetMaxOpenConns(1)
	tx, err := blocker.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.Exec(`CREATE TABLE hold (x)`)
	require.NoError(t, err)

	cfg := DefaultConfig(path, 1, testCollections())
	cfg.BusyTimeout = 20 * time.Millisecond
	cfg.BlockedGracePeriod = 100 * time.Millisecond
	s, err := New(cfg)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Open(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStorageBlocked), "got %v", err)
}

func TestVersionChangeClosesConnection(t *testing.T) {
	s, path := newTestStore(t, DriverMattn)
	ctx := context.Background()
	events, cancel := s.Events()
	defer cancel()

	c1, err := s.Open(ctx)
	require.NoError(t, err)

	// Another context wipes the database, as a schema repair does.
	other, err := New(DefaultConfig(path, 2, testCollections()))
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Destroy(ctx))

	n, err := s.Count(ctx, "items")
	require.NoError(t, err)
	require.Zero(t, n)

	ev := <-events
	require.Equal(t, ReasonVersionChange, ev.Reason)

	c2, err := s.Open(ctx)
	require.NoError(t, err)
	require.NotSame(t, c1, c2)
	require.Equal(t, 2, c2.Version())
}

func TestMissingTableIsCollectionMissing(t *testing.T) {
	s, _ := newTestStore(t, DriverMattn)
	ctx := context.Background()
	c, err := s.Open(ctx)
	require.NoError(t, err)
	_, err = c.DB().Exec(`DROP TABLE items`)
	require.NoError(t, err)

	ok, err := s.HasCollection(ctx, "items")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Count(ctx, "items")
	require.ErrorIs(t, err, ErrCollectionMissing)
}
