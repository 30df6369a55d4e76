// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

func (s *Store) schema(name string) (CollectionSchema, error) {
	c, ok := s.collections[name]
	if !ok {
		return CollectionSchema{}, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return c, nil
}

func (s *Store) indexFor(c CollectionSchema, index string) (IndexSchema, error) {
	ix, ok := c.index(index)
	if !ok {
		return IndexSchema{}, fmt.Errorf("%w: %s has no index %q", ErrUnknownCollection, c.Name, index)
	}
	return ix, nil
}

// Get loads the record stored under key into dst. It reports false when no
// record exists.
func (s *Store) Get(ctx context.Context, collection string, key Key, dst any) (bool, error) {
	c, err := s.schema(collection)
	if err != nil {
		return false, err
	}
	pk, err := key.encode(c)
	if err != nil {
		return false, err
	}
	conn, err := s.Open(ctx)
	if err != nil {
		return false, err
	}

	var data string
	err = conn.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE pk = ?`, c.Name), pk).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify("get from "+c.Name, err)
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return false, fmt.Errorf("failed to decode %s record: %w", c.Name, err)
	}
	return true, nil
}

// GetAll loads every record of the collection into dst, which must point to a slice.
func (s *Store) GetAll(ctx context.Context, collection string, dst any) error {
	c, err := s.schema(collection)
	if err != nil {
		return err
	}
	return s.queryInto(ctx, c, fmt.Sprintf(`SELECT data FROM %s ORDER BY pk`, c.Name), nil, dst)
}

// GetAllByIndex loads the records whose index value equals value into dst.
func (s *Store) GetAllByIndex(ctx context.Context, collection, index string, value any, dst any) error {
	c, err := s.schema(collection)
	if err != nil {
		return err
	}
	ix, err := s.indexFor(c, index)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`SELECT data FROM %s WHERE %s = ? ORDER BY pk`, c.Name, indexColumn(ix.Name))
	return s.queryInto(ctx, c, q, []any{queryValue(value)}, dst)
}

func (s *Store) queryInto(ctx context.Context, c CollectionSchema, query string, args []any, dst any) error {
	conn, err := s.Open(ctx)
	if err != nil {
		return err
	}
	rows, err := conn.db.QueryContext(ctx, query, args...)
	if err != nil {
		return classify("read "+c.Name, err)
	}
	defer rows.Close()

	// Assemble the documents into a JSON array and decode once into dst.
	var buf bytes.Buffer
	buf.WriteByte('[')
	n := 0
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return classify("scan "+c.Name, err)
		}
		if n > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(data)
		n++
	}
	if err := rows.Err(); err != nil {
		return classify("read "+c.Name, err)
	}
	buf.WriteByte(']')

	if err := json.Unmarshal(buf.Bytes(), dst); err != nil {
		return fmt.Errorf("failed to decode %s records: %w", c.Name, err)
	}
	return nil
}

func insertSQL(c CollectionSchema) string {
	cols := []string{"pk", "data"}
	for _, ix := range c.Indexes {
		cols = append(cols, indexColumn(ix.Name))
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`, c.Name, strings.Join(cols, ", "), marks)
}

func writeRecord(ctx context.Context, q queryExecer, stmt string, rec encodedRecord) error {
	args := append([]any{rec.pk, string(rec.data)}, rec.index...)
	_, err := q.ExecContext(ctx, stmt, args...)
	return err
}

// Put inserts or replaces one record.
func (s *Store) Put(ctx context.Context, collection string, record any) error {
	c, err := s.schema(collection)
	if err != nil {
		return err
	}
	rec, err := encodeRecord(c, record, false)
	if err != nil {
		return err
	}
	conn, err := s.Open(ctx)
	if err != nil {
		return err
	}
	if err := writeRecord(ctx, conn.db, insertSQL(c), rec); err != nil {
		return classify("put into "+c.Name, err)
	}
	return nil
}

// PutMany inserts or replaces all records in a single transaction. records
// must be a slice. Every record is validated before anything is written, so
// either all of them are stored or none is.
func (s *Store) PutMany(ctx context.Context, collection string, records any) (int, error) {
	return s.writeAll(ctx, collection, records, false)
}

// ReplaceAll clears the collection and stores records in one transaction.
func (s *Store) ReplaceAll(ctx context.Context, collection string, records any) (int, error) {
	return s.writeAll(ctx, collection, records, true)
}

func (s *Store) writeAll(ctx context.Context, collection string, records any, clear bool) (int, error) {
	c, err := s.schema(collection)
	if err != nil {
		return 0, err
	}
	raws, err := splitRecords(records)
	if err != nil {
		return 0, err
	}
	encoded := make([]encodedRecord, 0, len(raws))
	for i, raw := range raws {
		rec, err := encodeRecord(c, raw, false)
		if err != nil {
			return 0, fmt.Errorf("record %d: %w", i, err)
		}
		encoded = append(encoded, rec)
	}
	if len(encoded) == 0 && !clear {
		return 0, nil
	}

	conn, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}
	tx, err := conn.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("begin write to "+c.Name, err)
	}
	defer tx.Rollback()

	if clear {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, c.Name)); err != nil {
			return 0, classify("clear "+c.Name, err)
		}
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL(c))
	if err != nil {
		return 0, classify("prepare write to "+c.Name, err)
	}
	defer stmt.Close()

	for _, rec := range encoded {
		args := append([]any{rec.pk, string(rec.data)}, rec.index...)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, classify("write to "+c.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("commit write to "+c.Name, err)
	}
	return len(encoded), nil
}

// Add stores a record in an auto-increment collection and returns the
// assigned key. The key field of the stored document is set to that key.
func (s *Store) Add(ctx context.Context, collection string, record any) (int64, error) {
	c, err := s.schema(collection)
	if err != nil {
		return 0, err
	}
	if !c.AutoIncrement {
		return 0, fmt.Errorf("%w: collection %s does not assign keys", ErrInvalidRecord, c.Name)
	}
	rec, err := encodeRecord(c, record, true)
	if err != nil {
		return 0, err
	}
	conn, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := conn.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("begin add to "+c.Name, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertSQL(c), append([]any{nil, string(rec.data)}, rec.index...)...)
	if err != nil {
		return 0, classify("add to "+c.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("read assigned key", err)
	}
	data, err := withKey(c, rec.data, id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET data = ? WHERE pk = ?`, c.Name), string(data), id); err != nil {
		return 0, classify("add to "+c.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("commit add to "+c.Name, err)
	}
	return id, nil
}

// Delete removes the record stored under key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, collection string, key Key) error {
	c, err := s.schema(collection)
	if err != nil {
		return err
	}
	pk, err := key.encode(c)
	if err != nil {
		return err
	}
	conn, err := s.Open(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE pk = ?`, c.Name), pk); err != nil {
		return classify("delete from "+c.Name, err)
	}
	return nil
}

// DeleteByIndex removes every record whose index value equals value and
// returns how many were removed.
func (s *Store) DeleteByIndex(ctx context.Context, collection, index string, value any) (int64, error) {
	c, err := s.schema(collection)
	if err != nil {
		return 0, err
	}
	ix, err := s.indexFor(c, index)
	if err != nil {
		return 0, err
	}
	conn, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}
	res, err := conn.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, c.Name, indexColumn(ix.Name)), queryValue(value))
	if err != nil {
		return 0, classify("delete from "+c.Name, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Clear removes every record of the collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	c, err := s.schema(collection)
	if err != nil {
		return err
	}
	conn, err := s.Open(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, c.Name)); err != nil {
		return classify("clear "+c.Name, err)
	}
	return nil
}

// Count returns the number of records in the collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	c, err := s.schema(collection)
	if err != nil {
		return 0, err
	}
	return s.count(ctx, c, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.Name))
}

// CountByIndex returns the number of records whose index value equals value.
func (s *Store) CountByIndex(ctx context.Context, collection, index string, value any) (int, error) {
	c, err := s.schema(collection)
	if err != nil {
		return 0, err
	}
	ix, err := s.indexFor(c, index)
	if err != nil {
		return 0, err
	}
	return s.count(ctx, c, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ?`, c.Name, indexColumn(ix.Name)), queryValue(value))
}

func (s *Store) count(ctx context.Context, c CollectionSchema, query string, args ...any) (int, error) {
	conn, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := conn.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classify("count "+c.Name, err)
	}
	return n, nil
}
