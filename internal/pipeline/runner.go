// Package pipeline wires one extract-and-load run:
//
//	fetch (GA4) -> export CSV -> { archive copy, upsert into the table }
//
// The archive upload and the database load both only read the export, so
// they run concurrently once the file is on disk.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"gaetl/internal/analytics"
	"gaetl/internal/csvio"
	"gaetl/internal/dataset"
	"gaetl/internal/logging"
	"gaetl/internal/metrics"
	"gaetl/internal/upsert"
)

// Fetcher produces the report for a window.
type Fetcher interface {
	Fetch(ctx context.Context, w analytics.Window) (*dataset.Table, error)
}

// Archiver copies a local file off-host and returns where it went.
type Archiver interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// Persister loads a dataset into the destination table.
type Persister interface {
	Persist(ctx context.Context, t *dataset.Table, opts upsert.Options) (upsert.Result, error)
}

// Runner holds the collaborators of a run. Fetcher may be nil for runs that
// only load files; Archiver may be nil to skip archiving.
type Runner struct {
	Fetcher   Fetcher
	Archiver  Archiver
	Persister Persister

	ExportDir  string
	ExportName string
	Persist    upsert.Options
	LastDays   int
	Job        string

	// Now is a seam for tests. Defaults to time.Now.
	Now func() time.Time
}

// RunOptions override the configured run.
type RunOptions struct {
	// Days overrides LastDays when > 0.
	Days int

	// DryRun stops after the CSV export.
	DryRun bool
}

// Report describes a finished run.
type Report struct {
	RunID      string         `json:"run_id"`
	Window     string         `json:"window,omitempty"`
	Fetched    int            `json:"fetched"`
	ExportPath string         `json:"export_path,omitempty"`
	ArchiveURL string         `json:"archive_url,omitempty"`
	DryRun     bool           `json:"dry_run,omitempty"`
	Result     *upsert.Result `json:"-"`
	Load       *LoadSummary   `json:"load,omitempty"`
	Duration   time.Duration  `json:"duration_ns"`
}

// LoadSummary is the printable part of an upsert.Result.
type LoadSummary struct {
	Table      string   `json:"table"`
	Created    bool     `json:"created"`
	Attempted  int      `json:"attempted"`
	Upserted   int      `json:"upserted"`
	Failed     int      `json:"failed"`
	Canceled   bool     `json:"canceled,omitempty"`
	Rejections []string `json:"rejections,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Summarize converts a Result for printing.
func Summarize(res upsert.Result) *LoadSummary {
	s := &LoadSummary{
		Table:     res.Table,
		Created:   res.Created,
		Attempted: res.Attempted,
		Upserted:  res.Upserted,
		Failed:    res.Failed,
		Canceled:  res.Canceled,
	}
	for _, r := range res.Rejections {
		s.Rejections = append(s.Rejections, fmt.Sprintf("row %d [%s]: %v", r.Row, r.Key, r.Err))
	}
	if res.Err != nil {
		s.Error = res.Err.Error()
	}
	return s
}

// Run executes fetch, export, then archive and load.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (Report, error) {
	start := r.now()
	ctx = withRunID(ctx)
	rep := Report{RunID: logging.RunID(ctx), DryRun: opts.DryRun}
	log := logging.Ctx(ctx)

	if r.Fetcher == nil {
		return rep, errors.New("pipeline: no fetcher configured")
	}

	days := r.LastDays
	if opts.Days > 0 {
		days = opts.Days
	}
	w := analytics.DaysAgo(start, days)
	rep.Window = w.String()

	stepStart := time.Now()
	tbl, err := r.Fetcher.Fetch(ctx, w)
	metrics.RecordStep(r.job(), "fetch", err, time.Since(stepStart))
	if err != nil {
		return rep, err
	}
	rep.Fetched = tbl.Len()

	stepStart = time.Now()
	path, err := csvio.WriteFile(r.ExportDir, r.ExportName, start, tbl)
	metrics.RecordStep(r.job(), "export", err, time.Since(stepStart))
	if err != nil {
		return rep, fmt.Errorf("export: %w", err)
	}
	rep.ExportPath = path
	log.Info().Str("path", path).Int("rows", tbl.Len()).Msg("stage=export ok")

	if opts.DryRun {
		rep.Duration = time.Since(start)
		return rep, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if r.Archiver != nil {
		g.Go(func() error {
			dst, err := r.Archiver.Upload(gctx, path)
			rep.ArchiveURL = dst
			return err
		})
	}
	g.Go(func() error {
		// The load keeps going if the archive fails; cancellation of the run
		// itself still reaches it through ctx.
		res, err := r.Persister.Persist(ctx, tbl, r.Persist)
		rep.Result = &res
		rep.Load = Summarize(res)
		return err
	})
	err = g.Wait()
	rep.Duration = time.Since(start)
	return rep, err
}

// LoadFile upserts a CSV file, the input path for re-loading an export.
func (r *Runner) LoadFile(ctx context.Context, path string) (upsert.Result, error) {
	ctx = withRunID(ctx)
	tbl, err := csvio.ReadFile(ctx, path)
	if err != nil {
		return upsert.Result{Err: err}, err
	}
	logging.Ctx(ctx).Info().Str("path", path).Int("rows", tbl.Len()).Msg("stage=read ok")
	return r.Persister.Persist(ctx, tbl, r.Persist)
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) job() string {
	if r.Job == "" {
		return "gaetl"
	}
	return r.Job
}

func withRunID(ctx context.Context) context.Context {
	if logging.RunID(ctx) != "" {
		return ctx
	}
	return logging.WithRunID(ctx, logging.NewRunID())
}
