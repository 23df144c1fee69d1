package sources

import (
	"context"
	"fmt"
	"strings"

	"salesetl/internal/dbclient"
	"salesetl/internal/etl"
)

// ── Database Source ────────────────────────────────────────
// Reads the result of a query from the source database, one page at a time.
// A Connector holds a single cursor, so one Database source runs one query
// at a time.

// DefaultPageSize is the number of rows fetched per round trip.
const DefaultPageSize = 500

// Database is an etl.Source backed by a dbclient.Connector.
type Database struct {
	Conn     dbclient.Connector
	PageSize int
}

// NewDatabase creates a database source over conn.
func NewDatabase(conn dbclient.Connector) *Database {
	return &Database{Conn: conn, PageSize: DefaultPageSize}
}

func (s *Database) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:  "database",
		Label: "Database Query",
		ConfigFields: []etl.ConfigField{
			{Key: "query", Label: "Query", Required: true, Help: "SELECT statement to run against the source database"},
		},
	}
}

func (s *Database) pageSize() int {
	if s.PageSize <= 0 {
		return DefaultPageSize
	}
	return s.PageSize
}

func (s *Database) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	page, err := s.Conn.Execute(ctx, cfg.String("query"), 1)
	if err != nil {
		return nil, err
	}
	return schemaFromPage(page), nil
}

func (s *Database) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		err := s.scan(ctx, cfg.String("query"), func(schema *etl.Schema, rec etl.Record) bool {
			select {
			case out <- rec:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

// Snapshot runs the query once and returns schema and rows together.
func (s *Database) Snapshot(ctx context.Context, cfg etl.SourceConfig) (*etl.Table, error) {
	var (
		schema  *etl.Schema
		records []etl.Record
	)
	err := s.scan(ctx, cfg.String("query"), func(sc *etl.Schema, rec etl.Record) bool {
		schema = sc
		records = append(records, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	if schema == nil {
		// No rows: the schema still comes from the query's columns.
		if schema, err = s.Discover(ctx, cfg); err != nil {
			return nil, err
		}
	}
	return etl.NewTable(schema, records), nil
}

// scan executes query and calls emit for every row until emit returns false.
func (s *Database) scan(ctx context.Context, query string, emit func(*etl.Schema, etl.Record) bool) error {
	page, err := s.Conn.Execute(ctx, query, s.pageSize())
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	schema := schemaFromPage(page)

	for {
		for _, row := range page.Rows {
			if !emit(schema, recordFromRow(schema, row)) {
				return nil
			}
		}
		if !page.HasMore {
			return nil
		}
		if page, err = s.Conn.FetchMore(ctx, s.pageSize()); err != nil {
			return fmt.Errorf("fetch more: %w", err)
		}
	}
}

func schemaFromPage(page *dbclient.QueryPage) *etl.Schema {
	schema := &etl.Schema{Fields: make([]etl.Field, len(page.Columns))}
	for i, col := range page.Columns {
		var dbType string
		if i < len(page.ColumnTypes) {
			dbType = page.ColumnTypes[i]
		}
		schema.Fields[i] = etl.Field{Name: col, Type: FieldTypeFor(dbType)}
	}
	return schema
}

// recordFromRow converts a row into a record, coercing values to the
// column type. Values that do not fit are kept as returned by the driver.
func recordFromRow(schema *etl.Schema, row []any) etl.Record {
	data := make(map[string]any, len(schema.Fields))
	for i, f := range schema.Fields {
		if i >= len(row) {
			data[f.Name] = nil
			continue
		}
		v, err := etl.Coerce(row[i], f.Type)
		if err != nil {
			v = row[i]
		}
		data[f.Name] = v
	}
	return etl.Record{Data: data}
}

// FieldTypeFor maps a database type name onto an etl field type.
func FieldTypeFor(dbType string) string {
	t := strings.ToUpper(strings.TrimSpace(dbType))
	t = strings.TrimPrefix(t, "UNSIGNED ")
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "INT2", "INT4", "INT8", "SERIAL", "BIGSERIAL":
		return etl.TypeInteger
	case "DECIMAL", "NUMERIC", "FLOAT", "DOUBLE", "REAL", "FLOAT4", "FLOAT8", "DOUBLE PRECISION":
		return etl.TypeNumber
	case "BOOL", "BOOLEAN":
		return etl.TypeBoolean
	case "DATE":
		return etl.TypeDate
	case "DATETIME", "TIMESTAMP", "TIMESTAMPTZ":
		return etl.TypeDatetime
	default:
		return etl.TypeText
	}
}
