// Package artifact persists tables between pipeline steps as Parquet files.
//
// Each step writes one artifact and the next step reads it back, so a step
// can be re-run on its own and the final artifact is what the warehouse
// loads. The Arrow schema is stored in the file so types survive the trip.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"

	"salesetl/internal/etl"
)

var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// ArrowSchema maps an etl schema onto Arrow types. Every column is nullable.
func ArrowSchema(s *etl.Schema) *arrow.Schema {
	fields := make([]arrow.Field, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = arrow.Field{Name: f.Name, Type: arrowType(f.Type), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(typ string) arrow.DataType {
	switch typ {
	case etl.TypeInteger:
		return arrow.PrimitiveTypes.Int64
	case etl.TypeNumber:
		return arrow.PrimitiveTypes.Float64
	case etl.TypeBoolean:
		return arrow.FixedWidthTypes.Boolean
	case etl.TypeDate:
		return arrow.FixedWidthTypes.Date32
	case etl.TypeDatetime:
		return timestampType
	default:
		return arrow.BinaryTypes.String
	}
}

func fieldType(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.INT32, arrow.INT64:
		return etl.TypeInteger
	case arrow.FLOAT32, arrow.FLOAT64:
		return etl.TypeNumber
	case arrow.BOOL:
		return etl.TypeBoolean
	case arrow.DATE32:
		return etl.TypeDate
	case arrow.TIMESTAMP:
		return etl.TypeDatetime
	default:
		return etl.TypeText
	}
}

// Write stores t at path as a Snappy-compressed Parquet file.
// The file is written to a temporary name first and renamed into place.
func Write(path string, t *etl.Table) error {
	schema := ArrowSchema(t.Schema)
	mem := memory.NewGoAllocator()

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	for row, rec := range t.Records {
		for i, f := range t.Schema.Fields {
			if err := appendValue(b.Field(i), f, rec.Data[f.Name]); err != nil {
				return fmt.Errorf("artifact %s: row %d column %s: %w", filepath.Base(path), row, f.Name, err)
			}
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}

	w, err := pqarrow.NewFileWriter(schema, f,
		parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy)),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()),
	)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("parquet writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		os.Remove(tmp)
		return fmt.Errorf("write parquet: %w", err)
	}
	// Closing the parquet writer closes the file as well.
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close parquet: %w", err)
	}
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		os.Remove(tmp)
		return fmt.Errorf("close artifact: %w", err)
	}
	return os.Rename(tmp, path)
}

func appendValue(b array.Builder, f etl.Field, v any) error {
	v, err := etl.Coerce(v, f.Type)
	if err != nil {
		return err
	}
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch bb := b.(type) {
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		bb.Append(s)
	case *array.Int64Builder:
		bb.Append(v.(int64))
	case *array.Float64Builder:
		bb.Append(v.(float64))
	case *array.BooleanBuilder:
		bb.Append(v.(bool))
	case *array.Date32Builder:
		bb.Append(arrow.Date32FromTime(v.(time.Time)))
	case *array.TimestampBuilder:
		bb.Append(arrow.Timestamp(v.(time.Time).UnixMicro()))
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}

// Read loads a Parquet artifact into a table.
func Read(ctx context.Context, path string) (*etl.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	mem := memory.NewGoAllocator()
	tbl, err := pqarrow.ReadTable(ctx, f, parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", filepath.Base(path), err)
	}
	defer tbl.Release()

	arrSchema := tbl.Schema()
	schema := &etl.Schema{Fields: make([]etl.Field, arrSchema.NumFields())}
	for i, af := range arrSchema.Fields() {
		schema.Fields[i] = etl.Field{Name: af.Name, Type: fieldType(af.Type)}
	}

	n := int(tbl.NumRows())
	records := make([]etl.Record, n)
	for i := range records {
		records[i] = etl.Record{Data: make(map[string]any, len(schema.Fields))}
	}
	for i, field := range schema.Fields {
		row := 0
		for _, chunk := range tbl.Column(i).Data().Chunks() {
			for j := 0; j < chunk.Len(); j++ {
				records[row].Data[field.Name] = valueAt(chunk, j)
				row++
			}
		}
	}
	return etl.NewTable(schema, records), nil
}

func valueAt(arr arrow.Array, i int) any {
	if arr.IsNull(i) {
		return nil
	}
	switch a := arr.(type) {
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Int64:
		return a.Value(i)
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Float64:
		return a.Value(i)
	case *array.Float32:
		return float64(a.Value(i))
	case *array.Boolean:
		return a.Value(i)
	case *array.Date32:
		return a.Value(i).ToTime().UTC()
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC()
	default:
		return a.ValueStr(i)
	}
}
