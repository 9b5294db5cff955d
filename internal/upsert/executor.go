package upsert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gaetl/internal/dataset"
	"gaetl/internal/logging"
	"gaetl/internal/metrics"
	"gaetl/internal/storage"
)

// Rejection records one row that was not applied.
type Rejection struct {
	Row int    // index in the dataset
	Key string // key values joined by "|"
	Err error  // matches storage.ErrRowRejected
}

// Result is the outcome of one persistence run.
//
// Accounting:
//   - Attempted counts rows the executor started; rows skipped because of
//     cancellation are not attempted.
//   - Upserted + Failed == Attempted.
//   - When the batch is rolled back or its commit fails, Upserted is 0 and
//     every attempted row counts as failed.
type Result struct {
	Table      string
	Created    bool
	Attempted  int
	Upserted   int
	Failed     int
	Rejections []Rejection
	Canceled   bool
	Err        error
}

// Executor applies rows to an existing table inside one transaction.
type Executor struct {
	Session storage.Session

	// Job labels the finalize step metric. Defaults to "gaetl".
	Job string
}

// Apply upserts rows into spec.Name. spec.Columns must be in row order and
// carry the table's authoritative types.
//
// Each row is coerced to the column types and upserted in its own savepoint;
// a row that fails either step is recorded in Rejections and the loop goes
// on. Cancellation of ctx is checked between rows: the loop stops and the
// rows accepted so far are still committed. A fatal backend error (timeout,
// lost connection) rolls the whole batch back.
func (e *Executor) Apply(ctx context.Context, spec storage.TableSpec, rows []dataset.Row) Result {
	res := Result{Table: spec.Name}
	log := logging.Ctx(ctx)

	batch, err := e.Session.Begin(ctx)
	if err != nil {
		res.Err = err
		return res
	}

	names := spec.ColumnNames()
	keys := spec.Keys()
	// In-flight statements are bounded by the statement timeout, not by ctx.
	stmtCtx := context.WithoutCancel(ctx)

	for i, row := range rows {
		if ctx.Err() != nil {
			res.Canceled = true
			log.Warn().Str("table", spec.Name).Int("remaining", len(rows)-i).Msg("run canceled, committing accepted rows")
			break
		}
		res.Attempted++

		values, err := coerceRow(spec.Columns, row)
		if err != nil {
			res.reject(i, storage.RowKey(names, row, keys), &storage.OpError{Op: "coerce", Table: spec.Name, Kind: storage.ErrRowRejected, Err: err})
			log.Debug().Int("row", i).Err(err).Msg("row rejected")
			continue
		}

		err = batch.Upsert(stmtCtx, spec, names, values)
		switch {
		case err == nil:
			res.Upserted++
		case !storage.IsFatal(err):
			res.reject(i, storage.RowKey(names, values, keys), err)
			log.Debug().Int("row", i).Err(err).Msg("row rejected")
		default:
			if rbErr := batch.Rollback(stmtCtx); rbErr != nil {
				log.Error().Err(rbErr).Str("table", spec.Name).Msg("rollback failed")
			}
			res.fail(err)
			return res
		}
	}

	start := time.Now()
	err = batch.Commit(stmtCtx)
	metrics.RecordStep(e.job(), "finalize", err, time.Since(start))
	if err != nil {
		if !errors.Is(err, storage.ErrFinalizationFailed) {
			err = &storage.OpError{Op: "commit", Table: spec.Name, Kind: storage.ErrFinalizationFailed, Err: err}
		}
		res.fail(err)
	}
	return res
}

func (e *Executor) job() string {
	if e.Job == "" {
		return "gaetl"
	}
	return e.Job
}

func (r *Result) reject(row int, key string, err error) {
	r.Failed++
	r.Rejections = append(r.Rejections, Rejection{Row: row, Key: key, Err: err})
}

// fail marks the whole batch as lost.
func (r *Result) fail(err error) {
	r.Err = err
	r.Upserted = 0
	r.Failed = r.Attempted
}

func coerceRow(cols []storage.ColumnSpec, row dataset.Row) ([]any, error) {
	if len(row) != len(cols) {
		return nil, fmt.Errorf("row has %d values, want %d", len(row), len(cols))
	}
	out := make([]any, len(row))
	for i, v := range row {
		cv, err := storage.Coerce(v, cols[i].Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", cols[i].Name, err)
		}
		out[i] = cv
	}
	return out, nil
}
