package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"salesetl/internal/apperrors"
	"salesetl/internal/config"
	"salesetl/internal/dbclient"
	"salesetl/internal/domain"
	"salesetl/internal/etl"
	"salesetl/internal/etl/sources"
	"salesetl/internal/httpapi"
	"salesetl/internal/logger"
	"salesetl/internal/metrics"
	"salesetl/internal/ratecache"
	"salesetl/internal/sales"
	"salesetl/internal/service"
	"salesetl/internal/storage"
	"salesetl/internal/warehouse"
)

const serviceName = "salesetl"

const usage = `usage: salesetl <command> [flags]

commands:
  run     execute the pipeline once (default)
  serve   run on schedule / file changes and serve the ops API
  check   verify the source database and rate endpoint
  runs    print recent run history
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := "run", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	if err := dispatch(ctx, cmd, args, os.Stdout); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, apperrors.ErrValidation) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		skipLoad := fs.Bool("skip-load", false, "build the output artifact without loading it")
		fs.Parse(args)
		return runCmd(ctx, *skipLoad, out)
	case "serve":
		fs := flag.NewFlagSet("serve", flag.ExitOnError)
		skipLoad := fs.Bool("skip-load", false, "build the output artifact without loading it")
		fs.Parse(args)
		return serveCmd(ctx, *skipLoad)
	case "check":
		return checkCmd(ctx, out)
	case "runs":
		fs := flag.NewFlagSet("runs", flag.ExitOnError)
		limit := fs.Int("n", 20, "number of runs to show")
		fs.Parse(args)
		return runsCmd(ctx, *limit, out)
	case "help":
		fmt.Fprint(out, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("%w: unknown command %q", apperrors.ErrValidation, cmd)
	}
}

// ── Wiring ─────────────────────────────────────────────────

// app holds everything a command needs; close releases it in reverse.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	pipeline *sales.Pipeline
	store    *storage.RunStore
	closers  []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	a.log.Sync()
}

func newApp(ctx context.Context, skipLoad bool) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(skipLoad); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logger.ForEnvironment(serviceName, cfg.Environment)}

	if err := a.build(ctx, skipLoad); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, skipLoad bool) error {
	cfg := a.cfg

	conn, err := dbclient.Open(domain.DatabaseDriver(cfg.SourceDriver), cfg.SourceDSN)
	if err != nil {
		return fmt.Errorf("open source database: %w", err)
	}
	a.closers = append(a.closers, conn.Close)

	var cache sources.Cache
	if cfg.RedisURL != "" {
		rc, err := ratecache.NewFromURL(cfg.RedisURL, cfg.RateCacheTTL, a.log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rc.Close)
		if err := rc.Ping(ctx); err != nil {
			a.log.Warn("rate cache unavailable, continuing without it", zap.Error(err))
		}
		cache = rc
	}
	registry := etl.NewRegistry(
		sources.NewDatabase(conn),
		sources.NewHTTP(cfg.HTTPTimeout, cache),
		&sources.JSONFile{},
	)

	opts, err := sales.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts.SkipLoad = skipLoad

	var dest etl.Destination
	if !skipLoad {
		loader, err := warehouse.NewBigQueryLoader(ctx, cfg.BigQueryProject, cfg.BigQueryEndpoint, a.log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, loader.Close)
		dest = loader
	}
	a.pipeline = sales.NewPipeline(opts, conn, registry, dest, a.log)

	store, err := openRunStore(cfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, store.close)
	a.store = store.RunStore
	return nil
}

type runStore struct {
	*storage.RunStore
	close func() error
}

func openRunStore(cfg *config.Config) (*runStore, error) {
	db, err := storage.New(cfg.RunLogPath)
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}
	return &runStore{RunStore: storage.NewRunStore(db), close: db.Close}, nil
}

func (a *app) service(m *metrics.Metrics) *service.PipelineService {
	return service.NewPipelineService(a.pipeline, a.store, m, service.LogEmitter{Logger: a.log}, a.log,
		service.Options{RunTimeout: a.cfg.RunTimeout})
}

// ── Commands ───────────────────────────────────────────────

func runCmd(ctx context.Context, skipLoad bool, out io.Writer) error {
	a, err := newApp(ctx, skipLoad)
	if err != nil {
		return err
	}
	defer a.close()

	run, err := a.service(nil).RunOnce(ctx, domain.TriggerManual)
	if run != nil {
		printRun(out, run)
	}
	return err
}

func serveCmd(ctx context.Context, skipLoad bool) error {
	a, err := newApp(ctx, skipLoad)
	if err != nil {
		return err
	}
	defer a.close()

	m := metrics.New()
	svc := a.service(m)
	if err := svc.StartTriggers(ctx, a.cfg.Schedule, a.cfg.WatchPath); err != nil {
		return err
	}
	defer svc.Stop()

	srvErr := httpapi.New(svc, m.Handler(), a.log).ListenAndServe(ctx, a.cfg.HTTPAddr)

	svc.Stop()
	a.log.Info("waiting for running pipeline to finish")
	waitCtx, cancel := context.WithTimeout(context.Background(), a.cfg.RunTimeout)
	defer cancel()
	if !svc.WaitRunning(waitCtx) {
		a.log.Warn("shutdown timed out with a run in progress")
	}
	return srvErr
}

func checkCmd(ctx context.Context, out io.Writer) error {
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	checkCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	report, err := a.pipeline.Check(checkCtx)
	if report != nil {
		fmt.Fprintf(out, "database reachable: %t\n", report.Database)
		if len(report.MissingTables) > 0 {
			fmt.Fprintf(out, "missing tables:     %v\n", report.MissingTables)
		}
		if len(report.RateColumns) > 0 {
			fmt.Fprintf(out, "rate columns:       %v\n", report.RateColumns)
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func runsCmd(ctx context.Context, limit int, out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	store, err := openRunStore(cfg)
	if err != nil {
		return err
	}
	defer store.close()

	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTRIGGER\tSTATUS\tSTARTED\tDURATION\tERROR")
	for _, r := range runs {
		dur := "-"
		if !r.FinishedAt.IsZero() {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Trigger, r.Status, r.StartedAt.Format(time.RFC3339), dur, r.Error)
	}
	return tw.Flush()
}

func printRun(out io.Writer, run *domain.PipelineRun) {
	fmt.Fprintf(out, "run %s: %s\n", run.ID, run.Status)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tROWS IN\tROWS OUT\tDURATION\tERROR")
	for _, s := range run.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			s.Step, s.Status, s.RowsIn, s.RowsOut, s.Duration.Round(time.Millisecond), s.Error)
	}
	tw.Flush()
}
