package etl_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesetl/internal/apperrors"
	"salesetl/internal/etl"
)

func TestApply_ComputeMultipliesExactly(t *testing.T) {
	in := table([]etl.Field{{Name: "Price", Type: etl.TypeNumber}, {Name: "Quantity", Type: etl.TypeInteger}},
		map[string]any{"Price": 10.0, "Quantity": int64(2)},
		map[string]any{"Price": 0.1, "Quantity": int64(3)},
		map[string]any{"Price": nil, "Quantity": int64(3)},
	)

	out, err := in.Apply(&etl.ComputeTransform{Columns: []etl.ComputeColumn{
		{Name: "total_amount", Expression: "{Price} * {Quantity}"},
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"Price", "Quantity", "total_amount"}, out.Schema.FieldNames())
	assert.Equal(t, 20.0, out.Records[0].Data["total_amount"])
	assert.Equal(t, 0.3, out.Records[1].Data["total_amount"])
	assert.Nil(t, out.Records[2].Data["total_amount"], "null factor yields null")

	f, _ := out.Schema.Field("total_amount")
	assert.Equal(t, etl.TypeNumber, f.Type)
}

func TestApply_ComputeLiteralFactor(t *testing.T) {
	in := table([]etl.Field{{Name: "a"}}, map[string]any{"a": "4"})
	out, err := in.Apply(&etl.ComputeTransform{Columns: []etl.ComputeColumn{{Name: "b", Expression: "{a} * 2.5"}}})
	require.NoError(t, err)
	assert.Equal(t, 10.0, out.Records[0].Data["b"])
}

func TestApply_ComputeRejectsMissingColumn(t *testing.T) {
	in := table([]etl.Field{{Name: "a"}})
	_, err := in.Apply(&etl.ComputeTransform{Columns: []etl.ComputeColumn{{Name: "b", Expression: "{a} * {nope}"}}})
	assert.ErrorIs(t, err, apperrors.ErrSchemaMismatch)

	_, err = in.Apply(&etl.ComputeTransform{Columns: []etl.ComputeColumn{{Name: "b", Expression: "{a} + 1"}}})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestApply_RenameSelectDrop(t *testing.T) {
	in := table([]etl.Field{{Name: "a"}, {Name: "b"}, {Name: "c"}},
		map[string]any{"a": 1, "b": 2, "c": 3},
	)

	out, err := in.Apply(
		&etl.DropTransform{Fields: []string{"b"}},
		&etl.RenameTransform{Mapping: map[string]string{"a": "x", "c": "y"}},
		&etl.SelectTransform{Fields: []string{"y", "x"}},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "x"}, out.Schema.FieldNames())
	assert.Equal(t, map[string]any{"x": 1, "y": 3}, out.Records[0].Data)

	// input untouched
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, in.Records[0].Data)
}

func TestApply_StrictSchemaErrors(t *testing.T) {
	in := table([]etl.Field{{Name: "a"}, {Name: "b"}})

	_, err := in.Apply(&etl.DropTransform{Fields: []string{"zzz"}})
	assert.ErrorIs(t, err, apperrors.ErrSchemaMismatch)

	_, err = in.Apply(&etl.SelectTransform{Fields: []string{"a", "zzz"}})
	assert.ErrorIs(t, err, apperrors.ErrSchemaMismatch)

	_, err = in.Apply(&etl.RenameTransform{Mapping: map[string]string{"a": "b"}})
	assert.ErrorIs(t, err, apperrors.ErrSchemaMismatch)

	_, err = in.Apply(&etl.TypeCastTransform{Field: "zzz", CastType: etl.TypeDate})
	assert.ErrorIs(t, err, apperrors.ErrSchemaMismatch)
}

func TestApply_TypeCastDate(t *testing.T) {
	in := table([]etl.Field{{Name: "date", Type: etl.TypeText}},
		map[string]any{"date": "2024-01-01"},
		map[string]any{"date": "2024-01-02T10:30:00Z"},
		map[string]any{"date": int64(1704153600000)},
		map[string]any{"date": "not a date"},
	)

	out, err := in.Apply(&etl.TypeCastTransform{Field: "date", CastType: etl.TypeDate})
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), out.Records[0].Data["date"])
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), out.Records[1].Data["date"])
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), out.Records[2].Data["date"])
	assert.Nil(t, out.Records[3].Data["date"])
}

func TestApply_TypeCastStrict(t *testing.T) {
	in := table([]etl.Field{{Name: "date", Type: etl.TypeText}},
		map[string]any{"date": "2024-01-01"},
		map[string]any{"date": nil},
		map[string]any{"date": "not a date"},
	)

	_, err := in.Apply(&etl.TypeCastTransform{Field: "date", CastType: etl.TypeDate, Strict: true})
	assert.ErrorIs(t, err, apperrors.ErrSchemaMismatch)
	assert.ErrorContains(t, err, "row 3")

	ok, err := table([]etl.Field{{Name: "date"}}, in.Records[0].Data, in.Records[1].Data).
		Apply(&etl.TypeCastTransform{Field: "date", CastType: etl.TypeDate, Strict: true})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ok.Records[0].Data["date"])
	assert.Nil(t, ok.Records[1].Data["date"])
}

// ── Coerce / KeyOf ─────────────────────────────────────────

func TestCoerce(t *testing.T) {
	v, err := etl.Coerce("42", etl.TypeInteger)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = etl.Coerce([]byte("12.50"), etl.TypeNumber)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	v, err = etl.Coerce(int64(7), etl.TypeText)
	require.NoError(t, err)
	assert.Equal(t, "7", v)

	_, err = etl.Coerce(1.5, etl.TypeInteger)
	assert.Error(t, err)

	v, err = etl.Coerce(nil, etl.TypeNumber)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestKeyOf(t *testing.T) {
	a, _ := etl.KeyOf(int64(5))
	b, _ := etl.KeyOf(5.0)
	assert.Equal(t, a, b)

	d1, _ := etl.KeyOf(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "2024-01-01", d1)

	_, ok := etl.KeyOf(nil)
	assert.False(t, ok)
}
