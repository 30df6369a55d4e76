// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Key identifies a record. Composite keys list their parts in KeyFields order.
type Key []any

// K builds a Key from its parts.
func K(parts ...any) Key { return Key(parts) }

// encode converts a key into the value stored in the pk column.
func (k Key) encode(c CollectionSchema) (any, error) {
	if len(k) != len(c.KeyFields) {
		return nil, fmt.Errorf("%w: collection %s expects %d key parts, got %d", ErrInvalidRecord, c.Name, len(c.KeyFields), len(k))
	}
	if c.AutoIncrement {
		id, ok := toInt64(k[0])
		if !ok {
			return nil, fmt.Errorf("%w: collection %s requires an integer key, got %T", ErrInvalidRecord, c.Name, k[0])
		}
		return id, nil
	}
	b, err := json.Marshal([]any(k))
	if err != nil {
		return nil, fmt.Errorf("%w: encode key: %v", ErrInvalidRecord, err)
	}
	return string(b), nil
}

type encodedRecord struct {
	pk    any // nil for records awaiting an auto-increment key
	data  []byte
	index []any
}

func decodeDocument(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("record is null")
	}
	return doc, nil
}

// encodeRecord validates a record against its collection and extracts the
// key and index column values. allowMissingKey is set for Add.
func encodeRecord(c CollectionSchema, record any, allowMissingKey bool) (encodedRecord, error) {
	var raw []byte
	switch r := record.(type) {
	case json.RawMessage:
		raw = r
	case []byte:
		raw = r
	default:
		b, err := json.Marshal(record)
		if err != nil {
			return encodedRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		raw = b
	}

	doc, err := decodeDocument(raw)
	if err != nil {
		return encodedRecord{}, fmt.Errorf("%w: collection %s: %v", ErrInvalidRecord, c.Name, err)
	}

	enc := encodedRecord{data: raw}
	key := make(Key, 0, len(c.KeyFields))
	for _, f := range c.KeyFields {
		v, ok := doc[f]
		if !ok || v == nil {
			if allowMissingKey && c.AutoIncrement {
				key = nil
				break
			}
			return encodedRecord{}, fmt.Errorf("%w: collection %s: missing key field %q", ErrInvalidRecord, c.Name, f)
		}
		key = append(key, v)
	}
	if key != nil {
		if c.AutoIncrement && allowMissingKey {
			// Add always assigns a fresh key.
			delete(doc, c.KeyFields[0])
			if enc.data, err = json.Marshal(doc); err != nil {
				return encodedRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
			}
		} else {
			if enc.pk, err = key.encode(c); err != nil {
				return encodedRecord{}, err
			}
		}
	}

	for _, ix := range c.Indexes {
		enc.index = append(enc.index, indexValue(doc[ix.field()]))
	}
	return enc, nil
}

// withKey sets the auto-increment key field on a stored document.
func withKey(c CollectionSchema, data []byte, id int64) ([]byte, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}
	doc[c.KeyFields[0]] = id
	return json.Marshal(doc)
}

// indexValue normalizes a decoded JSON value for storage in an index column.
func indexValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// queryValue normalizes a caller supplied index value the same way indexValue
// treats decoded JSON.
func queryValue(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case json.Number:
		return indexValue(t)
	default:
		if i, ok := toInt64(v); ok {
			return i
		}
		return v
	}
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// splitRecords turns a slice (of any element type) into individual raw records.
func splitRecords(records any) ([]json.RawMessage, error) {
	if raws, ok := records.([]json.RawMessage); ok {
		return raws, nil
	}
	b, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		return nil, fmt.Errorf("%w: records must be a list: %v", ErrInvalidRecord, err)
	}
	return raws, nil
}
