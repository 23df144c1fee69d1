package etl

// ── Record ─────────────────────────────────────────────────
// Common intermediate data format.
// All sources emit Records, all steps pass Tables between each other.
// Inspired by the Airbyte record protocol / Singer record message.

// Field types understood by the artifact writer and the warehouse.
const (
	TypeText     = "text"
	TypeInteger  = "integer"
	TypeNumber   = "number"
	TypeBoolean  = "boolean"
	TypeDate     = "date"
	TypeDatetime = "datetime"
)

// Field describes a single column in a dataset.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"` // "text" | "integer" | "number" | "boolean" | "date" | "datetime"
}

// Schema describes the shape of records coming from a source.
// Field order is the column order of every artifact written from it.
type Schema struct {
	Fields []Field `json:"fields"`
}

// FieldNames returns an ordered list of field names.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Index returns the position of the named field, or -1.
func (s *Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Has reports whether the schema contains the named field.
func (s *Schema) Has(name string) bool { return s.Index(name) >= 0 }

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	if i := s.Index(name); i >= 0 {
		return s.Fields[i], true
	}
	return Field{}, false
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	fields := make([]Field, len(s.Fields))
	copy(fields, s.Fields)
	return &Schema{Fields: fields}
}

// Record is a single row of data flowing through the pipeline.
// A missing key and a nil value both mean null.
type Record struct {
	Data map[string]any `json:"data"`
}

// Clone returns a shallow copy of the record's data map.
func (r Record) Clone() Record {
	data := make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		data[k] = v
	}
	return Record{Data: data}
}

// Table is an immutable-by-convention batch of records with a schema.
// Transforms and joins return new tables instead of mutating their input.
type Table struct {
	Schema  *Schema  `json:"schema"`
	Records []Record `json:"records"`
}

// NewTable builds a table; a nil schema is treated as empty.
func NewTable(schema *Schema, records []Record) *Table {
	if schema == nil {
		schema = &Schema{}
	}
	return &Table{Schema: schema, Records: records}
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Records) }

// Column returns the values of one column in row order.
func (t *Table) Column(name string) []any {
	out := make([]any, len(t.Records))
	for i, r := range t.Records {
		out[i] = r.Data[name]
	}
	return out
}

// RequireColumns returns the names from cols that the table lacks.
func (t *Table) RequireColumns(cols ...string) []string {
	var missing []string
	for _, c := range cols {
		if !t.Schema.Has(c) {
			missing = append(missing, c)
		}
	}
	return missing
}
