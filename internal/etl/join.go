package etl

import (
	"fmt"

	"salesetl/internal/apperrors"
)

// ── Join ───────────────────────────────────────────────────
// LeftJoin merges two tables the way a dataframe left merge does:
//   - every left row appears once per matching right row, or exactly once
//     with nulls in the right-hand columns when nothing matches;
//   - left row order is preserved;
//   - when both keys share a name the key column appears once;
//   - any other column present on both sides gets a _x / _y suffix.

// Join suffixes for colliding non-key columns.
const (
	LeftSuffix  = "_x"
	RightSuffix = "_y"
)

// LeftJoin joins left and right on left.leftKey == right.rightKey.
func LeftJoin(left, right *Table, leftKey, rightKey string) (*Table, error) {
	if !left.Schema.Has(leftKey) {
		return nil, fmt.Errorf("%w: left join key %q not found", apperrors.ErrSchemaMismatch, leftKey)
	}
	if !right.Schema.Has(rightKey) {
		return nil, fmt.Errorf("%w: right join key %q not found", apperrors.ErrSchemaMismatch, rightKey)
	}
	sharedKey := leftKey == rightKey

	// Decide output names for every column.
	rightNames := make(map[string]bool, len(right.Schema.Fields))
	for _, f := range right.Schema.Fields {
		if !(sharedKey && f.Name == rightKey) {
			rightNames[f.Name] = true
		}
	}
	leftNames := make(map[string]bool, len(left.Schema.Fields))
	for _, f := range left.Schema.Fields {
		leftNames[f.Name] = true
	}

	schema := &Schema{}
	leftOut := make(map[string]string, len(left.Schema.Fields))
	for _, f := range left.Schema.Fields {
		name := f.Name
		if rightNames[name] && !(sharedKey && name == leftKey) {
			name += LeftSuffix
		}
		leftOut[f.Name] = name
		schema.Fields = append(schema.Fields, Field{Name: name, Type: f.Type})
	}
	rightOut := make(map[string]string, len(right.Schema.Fields))
	for _, f := range right.Schema.Fields {
		if sharedKey && f.Name == rightKey {
			continue
		}
		name := f.Name
		if leftNames[name] {
			name += RightSuffix
		}
		rightOut[f.Name] = name
		schema.Fields = append(schema.Fields, Field{Name: name, Type: f.Type})
	}
	if dup := firstDuplicate(schema); dup != "" {
		return nil, fmt.Errorf("%w: join produces duplicate column %q", apperrors.ErrSchemaMismatch, dup)
	}

	// Index the right side by normalized key.
	index := make(map[string][]Record, len(right.Records))
	for _, r := range right.Records {
		k, ok := KeyOf(r.Data[rightKey])
		if !ok {
			continue
		}
		index[k] = append(index[k], r)
	}

	records := make([]Record, 0, len(left.Records))
	for _, l := range left.Records {
		base := make(map[string]any, len(schema.Fields))
		for name, out := range leftOut {
			base[out] = l.Data[name]
		}

		var matches []Record
		if k, ok := KeyOf(l.Data[leftKey]); ok {
			matches = index[k]
		}
		if len(matches) == 0 {
			for _, out := range rightOut {
				base[out] = nil
			}
			records = append(records, Record{Data: base})
			continue
		}
		for _, m := range matches {
			row := make(map[string]any, len(schema.Fields))
			for k, v := range base {
				row[k] = v
			}
			for name, out := range rightOut {
				row[out] = m.Data[name]
			}
			records = append(records, Record{Data: row})
		}
	}

	return NewTable(schema, records), nil
}

func firstDuplicate(s *Schema) string {
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if seen[f.Name] {
			return f.Name
		}
		seen[f.Name] = true
	}
	return ""
}

// CheckUniqueKey fails when two rows share a non-null key. Joining against a
// table that passes keeps the left row count unchanged.
func (t *Table) CheckUniqueKey(key string) error {
	if !t.Schema.Has(key) {
		return fmt.Errorf("%w: key %q not found", apperrors.ErrSchemaMismatch, key)
	}
	seen := make(map[string]bool, len(t.Records))
	for _, r := range t.Records {
		k, ok := KeyOf(r.Data[key])
		if !ok {
			continue
		}
		if seen[k] {
			return fmt.Errorf("%w: duplicate key %s=%s", apperrors.ErrValidation, key, k)
		}
		seen[k] = true
	}
	return nil
}
