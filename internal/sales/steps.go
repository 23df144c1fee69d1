package sales

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"salesetl/internal/apperrors"
	"salesetl/internal/artifact"
	"salesetl/internal/domain"
	"salesetl/internal/etl"
)

// ── Steps ──────────────────────────────────────────────────
// Each step reads its inputs, writes one artifact and reports row counts.
// Steps communicate only through artifact files.

// ExtractTransactions reads the three source tables, joins them and writes
// the transaction artifact.
func (p *Pipeline) ExtractTransactions(ctx context.Context) (*etl.StepResult, error) {
	src, err := p.sources.Get("database")
	if err != nil {
		return nil, err
	}

	// One connector cursor at a time, so the tables are read in sequence.
	tables := make(map[string]*etl.Table, 3)
	for _, name := range []string{p.opts.ProductTable, p.opts.CustomerTable, p.opts.TransactionTable} {
		t, err := etl.Collect(ctx, src, etl.SourceConfig{"query": p.selectAll(name)})
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		tables[name] = t
		p.log.Debug("table read", zap.String("table", name), zap.Int("rows", t.Len()))
	}

	tx := tables[p.opts.TransactionTable]
	merged, err := JoinTransactions(tx, tables[p.opts.ProductTable], tables[p.opts.CustomerTable])
	if err != nil {
		return nil, err
	}
	if err := artifact.Write(p.opts.TransactionArtifact, merged); err != nil {
		return nil, err
	}

	p.log.Info("transactions extracted",
		zap.Int("rows", merged.Len()), zap.String("artifact", p.opts.TransactionArtifact))
	return &etl.StepResult{RowsIn: tx.Len(), RowsOut: merged.Len(), Artifact: p.opts.TransactionArtifact}, nil
}

// ExtractRates fetches the conversion rate series and writes the rate artifact.
func (p *Pipeline) ExtractRates(ctx context.Context) (*etl.StepResult, error) {
	src, cfg, err := p.rateSource()
	if err != nil {
		return nil, err
	}
	raw, err := etl.Collect(ctx, src, cfg)
	if err != nil {
		return nil, fmt.Errorf("fetch conversion rates: %w", err)
	}
	rates, err := PrepareRates(raw, p.opts.RateField)
	if err != nil {
		return nil, err
	}
	if err := artifact.Write(p.opts.RateArtifact, rates); err != nil {
		return nil, err
	}

	p.log.Info("conversion rates extracted",
		zap.Int("rows", rates.Len()), zap.String("artifact", p.opts.RateArtifact))
	return &etl.StepResult{RowsIn: raw.Len(), RowsOut: rates.Len(), Artifact: p.opts.RateArtifact}, nil
}

// MergeAndEnrich reads both artifacts and writes the output artifact.
func (p *Pipeline) MergeAndEnrich(ctx context.Context) (*etl.StepResult, error) {
	tx, err := artifact.Read(ctx, p.opts.TransactionArtifact)
	if err != nil {
		return nil, err
	}
	rates, err := artifact.Read(ctx, p.opts.RateArtifact)
	if err != nil {
		return nil, err
	}

	out, err := Enrich(tx, rates, p.opts.RateField)
	if err != nil {
		return nil, err
	}
	if err := artifact.Write(p.opts.OutputArtifact, out); err != nil {
		return nil, err
	}
	p.outputRows = out.Len()

	unmatched := 0
	for _, v := range out.Column(domain.ColConvertedAmount) {
		if v == nil {
			unmatched++
		}
	}
	if unmatched > 0 {
		p.log.Warn("transactions without a conversion rate", zap.Int("rows", unmatched))
	}
	p.log.Info("sales merged", zap.Int("rows", out.Len()), zap.String("artifact", p.opts.OutputArtifact))
	return &etl.StepResult{RowsIn: tx.Len(), RowsOut: out.Len(), Artifact: p.opts.OutputArtifact}, nil
}

// Load hands the output artifact to the warehouse.
func (p *Pipeline) Load(ctx context.Context) (*etl.StepResult, error) {
	if p.dest == nil {
		return nil, fmt.Errorf("%w: no warehouse destination", apperrors.ErrValidation)
	}
	source := p.opts.LoadSourceURI
	if source == "" {
		source = p.opts.OutputArtifact
	}

	res, err := p.dest.Load(ctx, etl.LoadRequest{
		SourcePath: source,
		Table:      p.opts.DestinationTable,
		Mode:       p.opts.WriteMode,
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", filepath.Base(source), err)
	}

	p.log.Info("warehouse load finished",
		zap.String("table", p.opts.DestinationTable), zap.String("mode", string(p.opts.WriteMode)),
		zap.String("job_id", res.JobID), zap.Int64("rows", res.OutputRows))
	return &etl.StepResult{RowsIn: p.outputRows, RowsOut: int(res.OutputRows), Artifact: source}, nil
}
