// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

var (
	// ErrStorageUnavailable is returned when the database cannot be opened or used.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrStorageBlocked is returned when other connections hold locks that
	// prevent an open, upgrade, write or destroy from proceeding.
	ErrStorageBlocked = errors.New("storage blocked")
	// ErrUnknownCollection is returned for collection names absent from the schema.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrCollectionMissing is returned when a declared collection has no backing table on disk.
	ErrCollectionMissing = errors.New("collection missing")
	// ErrInvalidRecord is returned when a record cannot be encoded for its collection.
	ErrInvalidRecord = errors.New("invalid record")
)

// isBusy reports whether err is a lock contention error from either SQLite driver.
func isBusy(err error) bool {
	var mattnErr sqlite3.Error
	if errors.As(err, &mattnErr) {
		return mattnErr.Code == sqlite3.ErrBusy || mattnErr.Code == sqlite3.ErrLocked
	}
	var moderncErr *sqlite.Error
	if errors.As(err, &moderncErr) {
		code := moderncErr.Code() & 0xff
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	// Both drivers surface the primary result text when the code is not wrapped.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func isNoSuchTable(err error) bool {
	return strings.Contains(err.Error(), "no such table")
}

// classify wraps a driver error with the matching storage sentinel.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrStorageBlocked), errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrCollectionMissing), errors.Is(err, ErrInvalidRecord),
		errors.Is(err, ErrUnknownCollection):
		return fmt.Errorf("failed to %s: %w", op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("failed to %s: %w", op, err)
	case isBusy(err):
		return fmt.Errorf("failed to %s: %w: %w", op, ErrStorageBlocked, err)
	case isNoSuchTable(err):
		return fmt.Errorf("failed to %s: %w: %w", op, ErrCollectionMissing, err)
	default:
		return fmt.Errorf("failed to %s: %w: %w", op, ErrStorageUnavailable, err)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
