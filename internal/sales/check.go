package sales

import (
	"context"
	"fmt"
	"strings"

	"salesetl/internal/apperrors"
	"salesetl/internal/domain"
)

// CheckReport is the outcome of a preflight check.
type CheckReport struct {
	Database      bool     `json:"database"`
	MissingTables []string `json:"missingTables,omitempty"`
	RateColumns   []string `json:"rateColumns,omitempty"`
}

// Check verifies that the source database is reachable, the three source
// tables exist and the rate endpoint returns the expected columns. Nothing
// is written.
func (p *Pipeline) Check(ctx context.Context) (*CheckReport, error) {
	report := &CheckReport{}

	if err := p.db.TestConnection(ctx); err != nil {
		return report, fmt.Errorf("source database: %w", err)
	}
	report.Database = true

	missing, err := p.db.TablesExist(ctx, p.opts.Schema,
		[]string{p.opts.ProductTable, p.opts.CustomerTable, p.opts.TransactionTable})
	if err != nil {
		return report, err
	}
	report.MissingTables = missing
	if len(missing) > 0 {
		return report, fmt.Errorf("%w: source tables %s", apperrors.ErrNotFound, strings.Join(missing, ", "))
	}

	src, cfg, err := p.rateSource()
	if err != nil {
		return report, err
	}
	schema, err := src.Discover(ctx, cfg)
	if err != nil {
		return report, fmt.Errorf("conversion rates: %w", err)
	}
	report.RateColumns = schema.FieldNames()
	for _, col := range []string{domain.ColRateDate, p.opts.RateField} {
		if !schema.Has(col) {
			return report, fmt.Errorf("%w: conversion rate response has no %q column", apperrors.ErrSchemaMismatch, col)
		}
	}
	return report, nil
}
