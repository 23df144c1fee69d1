package etl_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesetl/internal/apperrors"
	"salesetl/internal/etl"
)

func table(fields []etl.Field, rows ...map[string]any) *etl.Table {
	records := make([]etl.Record, len(rows))
	for i, r := range rows {
		records[i] = etl.Record{Data: r}
	}
	return etl.NewTable(&etl.Schema{Fields: fields}, records)
}

// ── LeftJoin ───────────────────────────────────────────────

func TestLeftJoin_SharedKeyAppearsOnce(t *testing.T) {
	tx := table([]etl.Field{{Name: "TransactionNo", Type: etl.TypeText}, {Name: "ProductNo", Type: etl.TypeText}},
		map[string]any{"TransactionNo": "T1", "ProductNo": "P1"},
		map[string]any{"TransactionNo": "T2", "ProductNo": "P9"},
	)
	products := table([]etl.Field{{Name: "ProductNo", Type: etl.TypeText}, {Name: "ProductName", Type: etl.TypeText}},
		map[string]any{"ProductNo": "P1", "ProductName": "Mug"},
	)

	out, err := etl.LeftJoin(tx, products, "ProductNo", "ProductNo")
	require.NoError(t, err)

	assert.Equal(t, []string{"TransactionNo", "ProductNo", "ProductName"}, out.Schema.FieldNames())
	require.Equal(t, 2, out.Len())
	assert.Equal(t, "Mug", out.Records[0].Data["ProductName"])
	assert.Nil(t, out.Records[1].Data["ProductName"], "unmatched row gets null right columns")
	assert.Equal(t, "T2", out.Records[1].Data["TransactionNo"], "left order preserved")
}

func TestLeftJoin_DifferentKeyNamesKeepBoth(t *testing.T) {
	tx := table([]etl.Field{{Name: "Date", Type: etl.TypeDate}},
		map[string]any{"Date": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	)
	rates := table([]etl.Field{{Name: "date", Type: etl.TypeDate}, {Name: "gbp_thb", Type: etl.TypeNumber}},
		map[string]any{"date": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "gbp_thb": 35.5},
	)

	out, err := etl.LeftJoin(tx, rates, "Date", "date")
	require.NoError(t, err)
	assert.Equal(t, []string{"Date", "date", "gbp_thb"}, out.Schema.FieldNames())
	assert.Equal(t, 35.5, out.Records[0].Data["gbp_thb"])
}

func TestLeftJoin_CollidingColumnsGetSuffixes(t *testing.T) {
	left := table([]etl.Field{{Name: "k"}, {Name: "v"}}, map[string]any{"k": "a", "v": 1})
	right := table([]etl.Field{{Name: "k"}, {Name: "v"}}, map[string]any{"k": "a", "v": 2})

	out, err := etl.LeftJoin(left, right, "k", "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"k", "v_x", "v_y"}, out.Schema.FieldNames())
	assert.Equal(t, 1, out.Records[0].Data["v_x"])
	assert.Equal(t, 2, out.Records[0].Data["v_y"])
}

func TestLeftJoin_NumericKeysMatchAcrossTypes(t *testing.T) {
	left := table([]etl.Field{{Name: "id"}}, map[string]any{"id": int64(5)})
	right := table([]etl.Field{{Name: "ref"}, {Name: "name"}}, map[string]any{"ref": 5.0, "name": "five"})

	out, err := etl.LeftJoin(left, right, "id", "ref")
	require.NoError(t, err)
	assert.Equal(t, "five", out.Records[0].Data["name"])
}

func TestLeftJoin_NullKeyNeverMatches(t *testing.T) {
	left := table([]etl.Field{{Name: "k"}}, map[string]any{"k": nil})
	right := table([]etl.Field{{Name: "k"}, {Name: "x"}}, map[string]any{"k": nil, "x": "should not join"})

	out, err := etl.LeftJoin(left, right, "k", "k")
	require.NoError(t, err)
	require.Equal(t, 1, out.Len())
	assert.Nil(t, out.Records[0].Data["x"])
}

func TestLeftJoin_DuplicateRightKeysMultiplyRows(t *testing.T) {
	left := table([]etl.Field{{Name: "k"}}, map[string]any{"k": "a"})
	right := table([]etl.Field{{Name: "k"}, {Name: "x"}},
		map[string]any{"k": "a", "x": 1},
		map[string]any{"k": "a", "x": 2},
	)

	out, err := etl.LeftJoin(left, right, "k", "k")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())
}

func TestLeftJoin_MissingKey(t *testing.T) {
	left := table([]etl.Field{{Name: "k"}})
	right := table([]etl.Field{{Name: "other"}})

	_, err := etl.LeftJoin(left, right, "k", "k")
	assert.ErrorIs(t, err, apperrors.ErrSchemaMismatch)
}

// ── CheckUniqueKey ─────────────────────────────────────────

func TestCheckUniqueKey(t *testing.T) {
	unique := table([]etl.Field{{Name: "k"}},
		map[string]any{"k": "a"},
		map[string]any{"k": nil},
		map[string]any{"k": nil},
	)
	assert.NoError(t, unique.CheckUniqueKey("k"), "nulls are not duplicates")

	dup := table([]etl.Field{{Name: "k"}},
		map[string]any{"k": int64(1)},
		map[string]any{"k": 1.0},
	)
	assert.ErrorIs(t, dup.CheckUniqueKey("k"), apperrors.ErrValidation)
	assert.ErrorIs(t, dup.CheckUniqueKey("missing"), apperrors.ErrSchemaMismatch)
}
