package etl

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"salesetl/internal/apperrors"
)

// ── Source ──────────────────────────────────────────────────
// A Source extracts data from an external system.
// Implementations live in etl/sources/, one file per source type.
//
// Pattern: Airbyte connector protocol (spec → discover → read).

// SourceConfig is an opaque configuration map parsed per source type.
type SourceConfig map[string]any

// String returns a config value as a string, or "" when absent.
func (c SourceConfig) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// ConfigField describes a single configuration input for a source.
type ConfigField struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	Default  string `json:"default,omitempty"`
	Help     string `json:"help,omitempty"`
}

// SourceSpec describes a source type: its label and config fields.
type SourceSpec struct {
	Type         string        `json:"type"`
	Label        string        `json:"label"`
	ConfigFields []ConfigField `json:"configFields"`
}

// Validate checks that every required config field is present.
func (s SourceSpec) Validate(cfg SourceConfig) error {
	for _, f := range s.ConfigFields {
		if f.Required && cfg.String(f.Key) == "" {
			return fmt.Errorf("%w: %s source requires %q", apperrors.ErrValidation, s.Type, f.Key)
		}
	}
	return nil
}

// Source is the interface every data source must implement.
type Source interface {
	// Spec returns metadata about this source type.
	Spec() SourceSpec

	// Discover introspects the source and returns the expected schema.
	Discover(ctx context.Context, cfg SourceConfig) (*Schema, error)

	// Read streams records from the source into a channel.
	// The channel is closed when all records have been read or ctx is cancelled.
	// Errors are sent on the error channel (buffered size 1).
	Read(ctx context.Context, cfg SourceConfig) (<-chan Record, <-chan error)
}

// Snapshotter is implemented by sources that can produce the schema and the
// records from a single fetch. Collect prefers it over Discover + Read.
type Snapshotter interface {
	Snapshot(ctx context.Context, cfg SourceConfig) (*Table, error)
}

// Collect reads a whole source into a Table.
func Collect(ctx context.Context, src Source, cfg SourceConfig) (*Table, error) {
	if err := src.Spec().Validate(cfg); err != nil {
		return nil, err
	}
	if s, ok := src.(Snapshotter); ok {
		return s.Snapshot(ctx, cfg)
	}

	schema, err := src.Discover(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	recCh, errCh := src.Read(ctx, cfg)
	var records []Record
	for rec := range recCh {
		records = append(records, rec)
	}
	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewTable(schema, records), nil
}

// ── Source Registry ────────────────────────────────────────

// Registry maps source types to implementations.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates a registry holding the given sources.
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source)}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// Register registers a source by its spec type, replacing any previous one.
func (r *Registry) Register(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[s.Spec().Type] = s
}

// Get returns a registered source by type, or an error if not found.
func (r *Registry) Get(typ string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[typ]
	if !ok {
		return nil, fmt.Errorf("%w: unknown source type %q", apperrors.ErrNotFound, typ)
	}
	return s, nil
}

// List returns the specs of all registered sources, sorted by type.
func (r *Registry) List() []SourceSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]SourceSpec, 0, len(r.sources))
	for _, s := range r.sources {
		specs = append(specs, s.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Type < specs[j].Type })
	return specs
}
