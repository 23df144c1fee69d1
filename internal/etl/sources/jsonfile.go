package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"salesetl/internal/apperrors"
	"salesetl/internal/etl"
)

// ── JSON File Source ────────────────────────────────────────
// Reads records from a local JSON file with the same layout the HTTP
// source expects. Used for offline runs against a saved rate payload.

// JSONFile is an etl.Source over a local JSON document.
type JSONFile struct{}

func (s *JSONFile) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:  "json_file",
		Label: "JSON File",
		ConfigFields: []etl.ConfigField{
			{Key: "filePath", Label: "File Path", Required: true, Help: "Path to the JSON file"},
			{Key: "dataPath", Label: "Data Path", Help: "Dot-separated path to the array (e.g., 'data.items'). Leave empty if root is an array."},
		},
	}
}

func (s *JSONFile) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	t, err := s.Snapshot(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return t.Schema, nil
}

func (s *JSONFile) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	return streamSnapshot(ctx, func() (*etl.Table, error) { return s.Snapshot(ctx, cfg) })
}

func (s *JSONFile) Snapshot(ctx context.Context, cfg etl.SourceConfig) (*etl.Table, error) {
	filePath := cfg.String("filePath")
	if filePath == "" {
		return nil, fmt.Errorf("filePath is required")
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseJSONRecords(data, cfg.String("dataPath"))
}

// ── JSON parsing ───────────────────────────────────────────

// ParseJSONRecords turns a JSON array of objects (or a single object) into
// a table. Column order follows first appearance across the objects;
// integers stay int64 unless some row holds a fraction, in which case the
// column becomes a number. Non-object array items are skipped.
func ParseJSONRecords(data []byte, dataPath string) (*etl.Table, error) {
	raw := json.RawMessage(data)
	if dataPath != "" {
		for _, part := range strings.Split(dataPath, ".") {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(raw, &obj); err != nil {
				return nil, fmt.Errorf("data path %q: %w", dataPath, err)
			}
			next, ok := obj[part]
			if !ok {
				return nil, fmt.Errorf("%w: data path %q not found in response", apperrors.ErrSchemaMismatch, dataPath)
			}
			raw = next
		}
	}

	var items []json.RawMessage
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '{':
		items = []json.RawMessage{trimmed}
	default:
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}

	schema := &etl.Schema{}
	index := make(map[string]int)
	records := make([]etl.Record, 0, len(items))
	for _, item := range items {
		keys, values, ok, err := decodeObject(item)
		if err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		if !ok {
			continue
		}
		for _, k := range keys {
			typ := inferType(values[k])
			i, seen := index[k]
			if !seen {
				index[k] = len(schema.Fields)
				schema.Fields = append(schema.Fields, etl.Field{Name: k, Type: typ})
				continue
			}
			schema.Fields[i].Type = widenType(schema.Fields[i].Type, typ)
		}
		records = append(records, etl.Record{Data: values})
	}

	for i, f := range schema.Fields {
		if f.Type == "" {
			schema.Fields[i].Type = etl.TypeText
		}
	}
	return etl.NewTable(schema, records), nil
}

// decodeObject reads one JSON object, keeping its key order.
// ok is false when item is not an object.
func decodeObject(item json.RawMessage) (keys []string, values map[string]any, ok bool, err error) {
	dec := json.NewDecoder(bytes.NewReader(item))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, nil, false, err
	}
	if d, isDelim := tok.(json.Delim); !isDelim || d != '{' {
		return nil, nil, false, nil
	}

	values = make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, false, err
		}
		key, _ := tok.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, nil, false, err
		}
		if _, dup := values[key]; !dup {
			keys = append(keys, key)
		}
		values[key] = flattenValue(v)
	}
	return keys, values, true, nil
}

// flattenValue keeps scalars and serializes nested objects/arrays as JSON.
func flattenValue(v any) any {
	switch val := v.(type) {
	case nil, string, bool:
		return val
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	default:
		b, _ := json.Marshal(val)
		return string(b)
	}
}

// inferType returns "" for null so a later row can decide the type.
func inferType(v any) string {
	switch v.(type) {
	case nil:
		return ""
	case int64:
		return etl.TypeInteger
	case float64:
		return etl.TypeNumber
	case bool:
		return etl.TypeBoolean
	default:
		return etl.TypeText
	}
}

func widenType(have, next string) string {
	switch {
	case have == "" || have == next:
		if next == "" {
			return have
		}
		return next
	case next == "":
		return have
	case (have == etl.TypeInteger && next == etl.TypeNumber) || (have == etl.TypeNumber && next == etl.TypeInteger):
		return etl.TypeNumber
	default:
		return etl.TypeText
	}
}
