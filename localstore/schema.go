// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// IndexSchema declares a secondary index over a top-level JSON field of the record.
type IndexSchema struct {
	Name  string // index name used by GetAllByIndex/CountByIndex, e.g. "customer_id"
	Field string // JSON property to index; defaults to Name
}

// CollectionSchema declares one keyed collection of JSON records.
type CollectionSchema struct {
	Name string
	// KeyFields lists the JSON properties forming the primary key, in order.
	// A single field with AutoIncrement set makes the store assign integer keys.
	KeyFields     []string
	AutoIncrement bool
	Indexes       []IndexSchema
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func (c CollectionSchema) validate() error {
	if !identRe.MatchString(c.Name) {
		return fmt.Errorf("invalid collection name %q", c.Name)
	}
	if len(c.KeyFields) == 0 {
		return fmt.Errorf("collection %s: at least one key field is required", c.Name)
	}
	if c.AutoIncrement && len(c.KeyFields) != 1 {
		return fmt.Errorf("collection %s: auto-increment requires exactly one key field", c.Name)
	}
	seen := make(map[string]bool, len(c.Indexes))
	for _, ix := range c.Indexes {
		if !identRe.MatchString(ix.Name) {
			return fmt.Errorf("collection %s: invalid index name %q", c.Name, ix.Name)
		}
		if seen[ix.Name] {
			return fmt.Errorf("collection %s: duplicate index %q", c.Name, ix.Name)
		}
		seen[ix.Name] = true
	}
	return nil
}

func (c CollectionSchema) index(name string) (IndexSchema, bool) {
	for _, ix := range c.Indexes {
		if ix.Name == name {
			return ix, true
		}
	}
	return IndexSchema{}, false
}

func (ix IndexSchema) field() string {
	if ix.Field != "" {
		return ix.Field
	}
	return ix.Name
}

func indexColumn(name string) string { return "ix_" + name }

func (c CollectionSchema) createStatements() []string {
	pk := "pk TEXT PRIMARY KEY NOT NULL"
	if c.AutoIncrement {
		pk = "pk INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	cols := []string{pk, "data TEXT NOT NULL"}
	for _, ix := range c.Indexes {
		// No declared type: values keep the affinity they were bound with.
		cols = append(cols, indexColumn(ix.Name))
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, c.Name, strings.Join(cols, ", ")),
	}
	for _, ix := range c.Indexes {
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s(%s)`,
			c.Name, ix.Name, c.Name, indexColumn(ix.Name)))
	}
	return stmts
}

type queryExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// tableColumns returns the lower-cased column names of table using PRAGMA table_info.
func tableColumns(ctx context.Context, q queryExecer, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid, notNull, pk int
		var name, declaredType string
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

// upgradeSchema creates every missing collection and index and stamps the
// schema version. Existing collections gain columns for newly declared indexes.
func upgradeSchema(ctx context.Context, tx *sql.Tx, collections []CollectionSchema, version int) error {
	for _, c := range collections {
		for _, stmt := range c.createStatements()[:1] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create collection %s: %w", c.Name, err)
			}
		}
		cols, err := tableColumns(ctx, tx, c.Name)
		if err != nil {
			return err
		}
		for _, ix := range c.Indexes {
			if cols[indexColumn(ix.Name)] {
				continue
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, c.Name, indexColumn(ix.Name))); err != nil {
				return fmt.Errorf("failed to add index column %s.%s: %w", c.Name, ix.Name, err)
			}
			if err := backfillIndex(ctx, tx, c.Name, ix); err != nil {
				return err
			}
		}
		for _, stmt := range c.createStatements()[1:] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create index on %s: %w", c.Name, err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, version)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// backfillIndex populates a newly added index column from the stored documents.
func backfillIndex(ctx context.Context, tx *sql.Tx, table string, ix IndexSchema) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT pk, data FROM %s`, table))
	if err != nil {
		return fmt.Errorf("failed to read %s for index backfill: %w", table, err)
	}
	type update struct {
		pk    any
		value any
	}
	var updates []update
	for rows.Next() {
		var pk any
		var data string
		if err := rows.Scan(&pk, &data); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		doc, err := decodeDocument([]byte(data))
		if err != nil {
			continue
		}
		updates = append(updates, update{pk: pk, value: indexValue(doc[ix.field()])})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s = ? WHERE pk = ?`, table, indexColumn(ix.Name)), u.value, u.pk); err != nil {
			return fmt.Errorf("failed to backfill %s.%s: %w", table, ix.Name, err)
		}
	}
	return nil
}

func readUserVersion(ctx context.Context, q queryExecer) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}
