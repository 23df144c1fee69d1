// Package sales implements the sales pipeline: extract transactions and
// conversion rates, merge them into the warehouse schema, and load the
// result.
package sales

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"salesetl/internal/config"
	"salesetl/internal/dbclient"
	"salesetl/internal/etl"
)

// Step names, as recorded in run history and metrics.
const (
	StepExtractTransactions = "extract_transactions"
	StepExtractRates        = "extract_rates"
	StepMerge               = "merge_and_enrich"
	StepLoad                = "load"
)

// Options configures a Pipeline.
type Options struct {
	// Source tables
	Schema           string
	ProductTable     string
	CustomerTable    string
	TransactionTable string

	// Conversion rates: an http(s) URL, or a local JSON file path.
	RateURL   string
	RateField string

	// Artifact paths
	TransactionArtifact string
	RateArtifact        string
	OutputArtifact      string

	// Load
	DestinationTable string
	WriteMode        etl.WriteMode
	// LoadSourceURI, when set, is loaded instead of the local output
	// artifact (e.g. a gs:// object the artifact is synced to).
	LoadSourceURI string
	SkipLoad      bool
}

// OptionsFromConfig builds pipeline options from configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	mode, err := etl.ParseWriteMode(cfg.WriteDisposition)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Schema:              cfg.SourceSchema,
		ProductTable:        cfg.ProductTable,
		CustomerTable:       cfg.CustomerTable,
		TransactionTable:    cfg.TransactionTable,
		RateURL:             cfg.ConversionRateURL,
		RateField:           cfg.ConversionRateField,
		TransactionArtifact: cfg.ArtifactPath(config.TransactionArtifact),
		RateArtifact:        cfg.ArtifactPath(config.RateArtifact),
		OutputArtifact:      cfg.ArtifactPath(config.OutputArtifact),
		DestinationTable:    cfg.DestinationTable,
		WriteMode:           mode,
		LoadSourceURI:       cfg.BigQuerySourceURI,
	}, nil
}

// Pipeline wires the four steps together. A Pipeline executes one run at
// a time; the service layer guards against overlapping runs.
type Pipeline struct {
	opts    Options
	db      dbclient.Connector
	sources *etl.Registry
	dest    etl.Destination
	log     *zap.Logger

	// OnStepDone is forwarded to the engine.
	OnStepDone func(etl.StepResult)

	outputRows int
}

// NewPipeline creates a pipeline. sources must hold the "database" source
// and the source type the rate URL resolves to ("http" or "json_file").
// dest may be nil when opts.SkipLoad is set.
func NewPipeline(opts Options, db dbclient.Connector, sources *etl.Registry, dest etl.Destination, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{opts: opts, db: db, sources: sources, dest: dest, log: log.Named("sales")}
}

// Options returns the pipeline's configuration.
func (p *Pipeline) Options() Options { return p.opts }

// Stages returns the step graph: both extracts run concurrently, merge
// waits for both, load waits for merge.
func (p *Pipeline) Stages() [][]etl.Step {
	stages := [][]etl.Step{
		{
			etl.StepFunc{StepName: StepExtractTransactions, Fn: p.ExtractTransactions},
			etl.StepFunc{StepName: StepExtractRates, Fn: p.ExtractRates},
		},
		{etl.StepFunc{StepName: StepMerge, Fn: p.MergeAndEnrich}},
	}
	if !p.opts.SkipLoad {
		stages = append(stages, []etl.Step{etl.StepFunc{StepName: StepLoad, Fn: p.Load}})
	}
	return stages
}

// Run executes the whole pipeline once.
func (p *Pipeline) Run(ctx context.Context, runID string) (*etl.RunResult, error) {
	if !p.opts.SkipLoad && p.dest == nil {
		return nil, fmt.Errorf("sales pipeline: no destination configured")
	}
	eng := &etl.Engine{Stages: p.Stages(), Logger: p.log, OnStepDone: p.OnStepDone}
	return eng.Run(ctx, runID)
}

// rateSource resolves the rate URL to a registered source and its config.
func (p *Pipeline) rateSource() (etl.Source, etl.SourceConfig, error) {
	url := p.opts.RateURL
	typ, cfg := "http", etl.SourceConfig{"url": url}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		typ, cfg = "json_file", etl.SourceConfig{"filePath": strings.TrimPrefix(url, "file://")}
	}
	src, err := p.sources.Get(typ)
	if err != nil {
		return nil, nil, err
	}
	return src, cfg, nil
}

// selectAll builds the SELECT * statement for one source table.
func (p *Pipeline) selectAll(table string) string {
	return "SELECT * FROM " + dbclient.QualifiedName(p.db.Driver(), p.opts.Schema, table)
}
