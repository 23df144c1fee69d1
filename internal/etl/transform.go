package etl

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"salesetl/internal/apperrors"
)

// ── Transformer ────────────────────────────────────────────
// Transformers modify records in-flight between stages.
// They are composable: each takes a record, returns a (possibly modified)
// record and a boolean indicating whether to keep it. Each transformer
// also rewrites the schema so column order survives the chain.
//
// Pattern: Benthos processor chain.

// Transformer processes a single record and the schema it belongs to.
type Transformer interface {
	Transform(Record) (Record, bool)
	TransformSchema(*Schema) (*Schema, error)
}

// FallibleTransformer is a Transformer that can reject a record. When a
// transformer implements it, the chain calls TryTransform instead of
// Transform and stops at the first error.
type FallibleTransformer interface {
	Transformer
	TryTransform(Record) (Record, bool, error)
}

// ── Built-in Transforms ────────────────────────────────────

// RenameTransform renames fields in a record.
type RenameTransform struct {
	Mapping map[string]string // oldName → newName
}

func (t *RenameTransform) Transform(r Record) (Record, bool) {
	out := make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		if to, ok := t.Mapping[k]; ok {
			out[to] = v
		} else if _, shadowed := out[k]; !shadowed {
			out[k] = v
		}
	}
	r.Data = out
	return r, true
}

func (t *RenameTransform) TransformSchema(s *Schema) (*Schema, error) {
	out := s.Clone()
	seen := make(map[string]bool, len(out.Fields))
	for i, f := range out.Fields {
		if to, ok := t.Mapping[f.Name]; ok {
			out.Fields[i].Name = to
		}
		if seen[out.Fields[i].Name] {
			return nil, fmt.Errorf("%w: rename produces duplicate column %q", apperrors.ErrSchemaMismatch, out.Fields[i].Name)
		}
		seen[out.Fields[i].Name] = true
	}
	return out, nil
}

// SelectTransform keeps only the specified fields, in the given order.
type SelectTransform struct {
	Fields []string
}

func (t *SelectTransform) Transform(r Record) (Record, bool) {
	filtered := make(map[string]any, len(t.Fields))
	for _, f := range t.Fields {
		if v, ok := r.Data[f]; ok {
			filtered[f] = v
		}
	}
	r.Data = filtered
	return r, true
}

func (t *SelectTransform) TransformSchema(s *Schema) (*Schema, error) {
	out := &Schema{Fields: make([]Field, 0, len(t.Fields))}
	var missing []string
	for _, name := range t.Fields {
		f, ok := s.Field(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		out.Fields = append(out.Fields, f)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing columns %s", apperrors.ErrSchemaMismatch, strings.Join(missing, ", "))
	}
	return out, nil
}

// DropTransform removes fields. Dropping a field that does not exist is an error,
// matching a strict column drop.
type DropTransform struct {
	Fields []string
}

func (t *DropTransform) Transform(r Record) (Record, bool) {
	r = r.Clone()
	for _, f := range t.Fields {
		delete(r.Data, f)
	}
	return r, true
}

func (t *DropTransform) TransformSchema(s *Schema) (*Schema, error) {
	drop := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		if !s.Has(f) {
			return nil, fmt.Errorf("%w: cannot drop missing column %q", apperrors.ErrSchemaMismatch, f)
		}
		drop[f] = true
	}
	out := &Schema{}
	for _, f := range s.Fields {
		if !drop[f.Name] {
			out.Fields = append(out.Fields, f)
		}
	}
	return out, nil
}

// ComputeTransform adds or overwrites numeric fields.
// Expression format: a product of {field_name} references and numeric
// literals, e.g. "{Price} * {Quantity}". Arithmetic is exact (decimal) and
// a null factor yields a null result.
type ComputeTransform struct {
	Columns []ComputeColumn
}

type ComputeColumn struct {
	Name       string
	Expression string
}

func (t *ComputeTransform) Transform(r Record) (Record, bool) {
	r = r.Clone()
	for _, col := range t.Columns {
		if col.Name == "" || col.Expression == "" {
			continue
		}
		r.Data[col.Name] = evaluateProduct(r.Data, col.Expression)
	}
	return r, true
}

func (t *ComputeTransform) TransformSchema(s *Schema) (*Schema, error) {
	out := s.Clone()
	for _, col := range t.Columns {
		terms, err := parseProduct(col.Expression)
		if err != nil {
			return nil, fmt.Errorf("compute %s: %w", col.Name, err)
		}
		for _, term := range terms {
			if term.field != "" && !out.Has(term.field) {
				return nil, fmt.Errorf("%w: compute %s references missing column %q",
					apperrors.ErrSchemaMismatch, col.Name, term.field)
			}
		}
		if i := out.Index(col.Name); i >= 0 {
			out.Fields[i].Type = TypeNumber
		} else {
			out.Fields = append(out.Fields, Field{Name: col.Name, Type: TypeNumber})
		}
	}
	return out, nil
}

type productTerm struct {
	field   string
	literal decimal.Decimal
}

// parseProduct splits "{a} * {b} * 2" into its factors.
func parseProduct(expr string) ([]productTerm, error) {
	parts := strings.Split(expr, "*")
	terms := make([]productTerm, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		switch {
		case strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") && len(p) > 2:
			terms = append(terms, productTerm{field: p[1 : len(p)-1]})
		default:
			d, err := decimal.NewFromString(p)
			if err != nil {
				return nil, fmt.Errorf("%w: unsupported expression term %q in %q", apperrors.ErrValidation, p, expr)
			}
			terms = append(terms, productTerm{literal: d})
		}
	}
	return terms, nil
}

// evaluateProduct resolves {field} references and multiplies them.
func evaluateProduct(data map[string]any, expr string) any {
	terms, err := parseProduct(expr)
	if err != nil {
		return nil
	}
	result := decimal.NewFromInt(1)
	for _, term := range terms {
		if term.field == "" {
			result = result.Mul(term.literal)
			continue
		}
		d, ok := toDecimal(data[term.field])
		if !ok {
			return nil
		}
		result = result.Mul(d)
	}
	return result.InexactFloat64()
}

// TypeCastTransform converts a field's value to a target type.
// Values that cannot be converted become null, unless Strict is set, in
// which case they fail the chain with ErrSchemaMismatch. Nulls stay null
// either way.
type TypeCastTransform struct {
	Field    string
	CastType string // one of the Type* constants
	Strict   bool
}

func (t *TypeCastTransform) Transform(r Record) (Record, bool) {
	r, keep, err := t.cast(r)
	if err != nil {
		r.Data[t.Field] = nil
	}
	return r, keep
}

func (t *TypeCastTransform) TryTransform(r Record) (Record, bool, error) {
	r, keep, err := t.cast(r)
	if err != nil && t.Strict {
		return r, false, err
	}
	if err != nil {
		r.Data[t.Field] = nil
	}
	return r, keep, nil
}

func (t *TypeCastTransform) cast(r Record) (Record, bool, error) {
	v, ok := r.Data[t.Field]
	if !ok {
		return r, true, nil
	}
	r = r.Clone()
	cast, err := Coerce(v, t.CastType)
	if err != nil {
		return r, true, fmt.Errorf("%w: column %q: cannot cast %v to %s: %v",
			apperrors.ErrSchemaMismatch, t.Field, v, t.CastType, err)
	}
	r.Data[t.Field] = cast
	return r, true, nil
}

func (t *TypeCastTransform) TransformSchema(s *Schema) (*Schema, error) {
	i := s.Index(t.Field)
	if i < 0 {
		return nil, fmt.Errorf("%w: cannot cast missing column %q", apperrors.ErrSchemaMismatch, t.Field)
	}
	out := s.Clone()
	out.Fields[i].Type = t.CastType
	return out, nil
}

// ── Helpers ────────────────────────────────────────────────

// ApplyTransformers runs a chain of transformers on a record.
func ApplyTransformers(r Record, ts []Transformer) (Record, bool, error) {
	for _, t := range ts {
		var (
			keep bool
			err  error
		)
		if ft, ok := t.(FallibleTransformer); ok {
			r, keep, err = ft.TryTransform(r)
		} else {
			r, keep = t.Transform(r)
		}
		if err != nil {
			return r, false, err
		}
		if !keep {
			return r, false, nil
		}
	}
	return r, true, nil
}

// Apply runs the chain over a whole table and returns a new table.
// Schema errors are reported before any record is touched; the first
// record error aborts the whole table.
func (t *Table) Apply(ts ...Transformer) (*Table, error) {
	schema := t.Schema
	for _, tr := range ts {
		var err error
		if schema, err = tr.TransformSchema(schema); err != nil {
			return nil, err
		}
	}

	records := make([]Record, 0, len(t.Records))
	for i, rec := range t.Records {
		out, keep, err := ApplyTransformers(rec.Clone(), ts)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if keep {
			records = append(records, out)
		}
	}
	return NewTable(schema, records), nil
}
