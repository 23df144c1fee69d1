// Package warehouse loads pipeline output into BigQuery.
package warehouse

import (
	"context"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"salesetl/internal/apperrors"
	"salesetl/internal/etl"
)

// TableRef identifies a BigQuery table.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

func (r TableRef) String() string {
	if r.Project == "" {
		return r.Dataset + "." + r.Table
	}
	return r.Project + "." + r.Dataset + "." + r.Table
}

// ParseTableRef accepts "project.dataset.table" or "dataset.table".
// A leading "project:" form (legacy SQL) is accepted too.
func ParseTableRef(s string) (TableRef, error) {
	s = strings.TrimSpace(strings.Replace(s, ":", ".", 1))
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return TableRef{}, fmt.Errorf("%w: invalid table reference %q", apperrors.ErrValidation, s)
		}
	}
	switch len(parts) {
	case 2:
		return TableRef{Dataset: parts[0], Table: parts[1]}, nil
	case 3:
		return TableRef{Project: parts[0], Dataset: parts[1], Table: parts[2]}, nil
	default:
		return TableRef{}, fmt.Errorf("%w: invalid table reference %q", apperrors.ErrValidation, s)
	}
}

func writeDisposition(m etl.WriteMode) (bigquery.TableWriteDisposition, error) {
	switch m {
	case etl.WriteTruncate:
		return bigquery.WriteTruncate, nil
	case etl.WriteAppend:
		return bigquery.WriteAppend, nil
	default:
		return "", fmt.Errorf("%w: unsupported write mode %q", apperrors.ErrValidation, m)
	}
}

// BigQueryLoader is an etl.Destination that runs BigQuery load jobs from
// Parquet files.
type BigQueryLoader struct {
	client *bigquery.Client
	log    *zap.Logger
}

// NewBigQueryLoader creates a loader for project. When endpoint is set the
// client talks to it without credentials (a local emulator).
func NewBigQueryLoader(ctx context.Context, project, endpoint string, log *zap.Logger) (*BigQueryLoader, error) {
	if project == "" {
		project = bigquery.DetectProjectID
	}
	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	client, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery client: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BigQueryLoader{client: client, log: log.Named("bigquery")}, nil
}

// Close releases the client.
func (l *BigQueryLoader) Close() error { return l.client.Close() }

// loader builds the load job for req. The returned closer releases the
// local file, if any.
func (l *BigQueryLoader) loader(req etl.LoadRequest) (*bigquery.Loader, func(), error) {
	ref, err := ParseTableRef(req.Table)
	if err != nil {
		return nil, nil, err
	}
	wd, err := writeDisposition(req.Mode)
	if err != nil {
		return nil, nil, err
	}

	var (
		src     bigquery.LoadSource
		release = func() {}
	)
	if strings.HasPrefix(req.SourcePath, "gs://") {
		gcs := bigquery.NewGCSReference(req.SourcePath)
		gcs.SourceFormat = bigquery.Parquet
		src = gcs
	} else {
		f, err := os.Open(req.SourcePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open artifact: %w", err)
		}
		rs := bigquery.NewReaderSource(f)
		rs.SourceFormat = bigquery.Parquet
		src = rs
		release = func() { f.Close() }
	}

	dataset := l.client.Dataset(ref.Dataset)
	if ref.Project != "" {
		dataset = l.client.DatasetInProject(ref.Project, ref.Dataset)
	}
	ld := dataset.Table(ref.Table).LoaderFrom(src)
	ld.WriteDisposition = wd
	ld.CreateDisposition = bigquery.CreateIfNeeded
	return ld, release, nil
}

// Load runs a load job and waits for it to finish.
func (l *BigQueryLoader) Load(ctx context.Context, req etl.LoadRequest) (*etl.LoadResult, error) {
	ld, closeSrc, err := l.loader(req)
	if err != nil {
		return nil, err
	}
	defer closeSrc()

	job, err := ld.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("start load job: %w", err)
	}
	l.log.Info("load job started", zap.String("job_id", job.ID()), zap.String("table", req.Table),
		zap.String("mode", string(req.Mode)))

	status, err := job.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for load job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("load job %s: %w", job.ID(), err)
	}

	res := &etl.LoadResult{JobID: job.ID()}
	if status.Statistics != nil {
		if stats, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
			res.OutputRows = stats.OutputRows
		}
	}
	return res, nil
}
