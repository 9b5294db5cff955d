// Package upsert persists an untyped dataset into a relational table.
//
// Engine.Persist is the whole flow for one run:
//
//	sanitize column labels -> open session -> Catalog.EnsureTable
//	  -> Executor.Apply (one transaction, one savepoint per row) -> close
//
// The first run against a database creates the table (types inferred from the
// data unless the caller supplies ColumnSpecs). Later runs merge into it on the
// key columns, so re-running the same dataset leaves the table unchanged.
package upsert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gaetl/internal/dataset"
	"gaetl/internal/logging"
	"gaetl/internal/metrics"
	"gaetl/internal/probe"
	"gaetl/internal/storage"
)

// DefaultTable is the destination when Options.Table is empty.
const DefaultTable = "google_organic_analytics_data"

// OpenFunc opens a backend session.
type OpenFunc func(ctx context.Context, cfg storage.Config) (storage.Session, error)

// Options describe the destination of one Persist call.
type Options struct {
	// Table is the destination table, optionally schema-qualified.
	Table string

	// KeyColumns is the composite key, as raw or sanitized labels. Empty means
	// every column of the dataset.
	KeyColumns []string

	// Columns, when set, declares the types used to create the table and
	// disables inference. It must name every dataset column.
	Columns []storage.ColumnSpec
}

// Engine runs persistence against one configured backend.
type Engine struct {
	Storage storage.Config

	// Job labels metrics. Defaults to "gaetl".
	Job string

	// Open is a seam for tests. Defaults to storage.Open.
	Open OpenFunc
}

// Persist writes t into the destination table and reports what happened.
//
// The returned error is Result.Err: nil unless the run failed as a whole.
// Rejected rows alone do not make the run fail.
//
// Errors:
//   - ErrSchemaConflict before any backend work when labels collide after
//     sanitization, or key/explicit columns do not match the dataset, or the
//     existing table lacks a dataset column.
//   - ErrConnection / ErrTimeout from connect, probe, create or a statement.
//   - ErrFinalizationFailed when the commit fails.
func (e *Engine) Persist(ctx context.Context, t *dataset.Table, opts Options) (Result, error) {
	table := opts.Table
	if table == "" {
		table = DefaultTable
	}
	res := Result{Table: table}
	log := logging.Ctx(ctx).With().Str("table", table).Logger()

	names, err := probe.SanitizeColumns(t.Columns())
	if err != nil {
		res.Err = err
		return res, err
	}
	keys, err := sanitizeSubset("key column", opts.KeyColumns, names)
	if err != nil {
		res.Err = err
		return res, err
	}
	explicit, err := explicitColumns(opts.Columns, names)
	if err != nil {
		res.Err = err
		return res, err
	}

	sess, err := e.open(ctx)
	if err != nil {
		res.Err = err
		return res, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("close session")
		}
	}()

	start := time.Now()
	cat := &Catalog{Session: sess}
	created, existing, err := cat.EnsureTable(ctx, storage.TableSpec{Name: table, Columns: explicit, KeyColumns: keys}, func() []storage.ColumnSpec {
		return probe.InferColumns(t, names)
	})
	metrics.RecordStep(e.job(), "ensure_table", err, time.Since(start))
	if err != nil {
		res.Err = err
		return res, err
	}
	res.Created = created
	log.Debug().Bool("created", created).Dur("duration", durMS(start)).Msg("stage=ensure_table ok")

	spec, err := alignSpec(table, names, keys, existing)
	if err != nil {
		res.Err = err
		return res, err
	}

	start = time.Now()
	applied := (&Executor{Session: sess, Job: e.job()}).Apply(ctx, spec, t.Rows())
	applied.Created = created
	metrics.RecordStep(e.job(), "apply", applied.Err, time.Since(start))
	metrics.RecordRows(e.job(), "attempted", applied.Attempted)
	metrics.RecordRows(e.job(), "upserted", applied.Upserted)
	metrics.RecordRows(e.job(), "failed", applied.Failed)
	metrics.RecordBatch(e.job())

	ev := log.Info()
	if applied.Err != nil {
		ev = log.Error().Err(applied.Err)
	}
	ev.Int("attempted", applied.Attempted).
		Int("upserted", applied.Upserted).
		Int("failed", applied.Failed).
		Bool("canceled", applied.Canceled).
		Dur("duration", durMS(start)).
		Msg("stage=apply done")

	return applied, applied.Err
}

// Dump reads the destination table back, optionally filtered to a range of
// one column.
func (e *Engine) Dump(ctx context.Context, table string, filter *storage.RangeFilter) (*dataset.Table, error) {
	if table == "" {
		table = DefaultTable
	}
	sess, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return sess.Select(ctx, table, filter)
}

func (e *Engine) open(ctx context.Context) (storage.Session, error) {
	open := e.Open
	if open == nil {
		open = storage.Open
	}
	return open(ctx, e.Storage)
}

func (e *Engine) job() string {
	if e.Job == "" {
		return "gaetl"
	}
	return e.Job
}

// sanitizeSubset sanitizes labels and checks each one names a distinct dataset
// column.
func sanitizeSubset(what string, labels, names []string) ([]string, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		s := probe.SanitizeColumn(l)
		if !contains(names, s) {
			return nil, fmt.Errorf("%w: %s %q is not a dataset column", storage.ErrSchemaConflict, what, l)
		}
		if contains(out, s) {
			return nil, fmt.Errorf("%w: %s %q repeats column %q", storage.ErrSchemaConflict, what, l, s)
		}
		out = append(out, s)
	}
	return out, nil
}

// explicitColumns sanitizes caller-declared specs and orders them like the
// dataset.
func explicitColumns(cols []storage.ColumnSpec, names []string) ([]storage.ColumnSpec, error) {
	if len(cols) == 0 {
		return nil, nil
	}
	byName := make(map[string]storage.ColumnSpec, len(cols))
	for _, c := range cols {
		raw := c.Name
		c.Name = probe.SanitizeColumn(raw)
		if _, dup := byName[c.Name]; dup {
			return nil, fmt.Errorf("%w: column spec %q repeats column %q", storage.ErrSchemaConflict, raw, c.Name)
		}
		byName[c.Name] = c
	}
	out := make([]storage.ColumnSpec, len(names))
	for i, n := range names {
		c, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: no column spec for dataset column %q", storage.ErrSchemaConflict, n)
		}
		out[i] = c
	}
	return out, nil
}

// alignSpec maps the dataset columns onto the table's columns, keeping dataset
// order and taking name spelling and types from the table. Backends that fold
// identifier case may report "sessions" for "Sessions".
func alignSpec(table string, names, keys []string, existing []storage.ColumnSpec) (storage.TableSpec, error) {
	find := func(n string) (storage.ColumnSpec, bool) {
		for _, c := range existing {
			if c.Name == n {
				return c, true
			}
		}
		for _, c := range existing {
			if strings.EqualFold(c.Name, n) {
				return c, true
			}
		}
		return storage.ColumnSpec{}, false
	}

	spec := storage.TableSpec{Name: table, Columns: make([]storage.ColumnSpec, len(names))}
	for i, n := range names {
		c, ok := find(n)
		if !ok {
			return storage.TableSpec{}, storage.Wrap("align", table, storage.ErrSchemaConflict, fmt.Errorf("table has no column %q", n))
		}
		spec.Columns[i] = c
	}
	for _, k := range keys {
		c, _ := find(k)
		spec.KeyColumns = append(spec.KeyColumns, c.Name)
	}
	return spec, nil
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
