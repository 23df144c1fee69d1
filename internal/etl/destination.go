package etl

import (
	"context"
	"fmt"
	"strings"

	"salesetl/internal/apperrors"
)

// ── Destination ────────────────────────────────────────────
// A Destination bulk-loads a columnar artifact into a target table.
// The only production destination is BigQuery (internal/warehouse).
//
// Pattern: Singer target protocol.

// WriteMode determines how rows are written to the destination table.
type WriteMode string

const (
	WriteTruncate WriteMode = "WRITE_TRUNCATE" // replace existing rows
	WriteAppend   WriteMode = "WRITE_APPEND"   // add rows without deleting existing
)

// ParseWriteMode accepts WRITE_TRUNCATE / WRITE_APPEND and the short forms
// truncate, replace and append.
func ParseWriteMode(s string) (WriteMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "WRITE_TRUNCATE", "TRUNCATE", "REPLACE":
		return WriteTruncate, nil
	case "WRITE_APPEND", "APPEND":
		return WriteAppend, nil
	default:
		return "", fmt.Errorf("%w: unknown write mode %q", apperrors.ErrValidation, s)
	}
}

// LoadRequest describes one bulk load.
type LoadRequest struct {
	// SourcePath is a local artifact path or a gs:// URI.
	SourcePath string
	// Table is the destination, "project.dataset.table" or "dataset.table".
	Table string
	Mode  WriteMode
}

// LoadResult reports what the destination accepted.
type LoadResult struct {
	JobID      string
	OutputRows int64
}

// Destination writes an artifact to a target system.
type Destination interface {
	Load(ctx context.Context, req LoadRequest) (*LoadResult, error)
}
