package localstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyEncodingMatchesStoredDocuments(t *testing.T) {
	items := testCollections()[0]

	enc, err := encodeRecord(items, item{ID: 5, Scope: 0, Name: "Tea"}, false)
	require.NoError(t, err)

	pk, err := K(5, 0).encode(items)
	require.NoError(t, err)
	require.Equal(t, pk, enc.pk)
	require.Equal(t, "[5,0]", pk)

	_, err = K(5).encode(items)
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestEncodeRecordRequiresKeyFields(t *testing.T) {
	items := testCollections()[0]
	_, err := encodeRecord(items, map[string]any{"id": 1, "name": "no scope"}, false)
	require.ErrorIs(t, err, ErrInvalidRecord)

	_, err = encodeRecord(items, json.RawMessage(`null`), false)
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestEncodeRecordForAddDropsKey(t *testing.T) {
	q := testCollections()[1]

	enc, err := encodeRecord(q, queued{LocalID: 9, Status: "pending"}, true)
	require.NoError(t, err)
	require.Nil(t, enc.pk)
	require.NotContains(t, string(enc.data), "local_id")
	require.Equal(t, []any{"pending"}, enc.index)

	data, err := withKey(q, enc.data, 12)
	require.NoError(t, err)
	var back queued
	require.NoError(t, json.Unmarshal(data, &back))
	require.EqualValues(t, 12, back.LocalID)

	pk, err := K(int64(12)).encode(q)
	require.NoError(t, err)
	require.EqualValues(t, 12, pk)
	_, err = K("12").encode(q)
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestIndexAndQueryValuesAgree(t *testing.T) {
	require.Equal(t, int64(3), indexValue(json.Number("3")))
	require.Equal(t, 2.5, indexValue(json.Number("2.5")))
	require.Equal(t, int64(1), indexValue(true))
	require.Nil(t, indexValue(nil))
	require.Equal(t, `{"a":1}`, indexValue(map[string]any{"a": 1}))

	require.Equal(t, indexValue(json.Number("3")), queryValue(3))
	require.Equal(t, indexValue(true), queryValue(true))
	require.Equal(t, "silver", queryValue("silver"))
}

func TestSplitRecords(t *testing.T) {
	raws, err := splitRecords([]item{{ID: 1}, {ID: 2}})
	require.NoError(t, err)
	require.Len(t, raws, 2)

	_, err = splitRecords(item{ID: 1})
	require.ErrorIs(t, err, ErrInvalidRecord)
}
