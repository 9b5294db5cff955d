package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gaetl/internal/dataset"
	"gaetl/internal/storage"
)

// Session implements storage.Session over one pinned *sql.Conn.
//
// The *sql.DB behind it is capped at a single connection, so every statement
// of the run (probe, DDL, transaction) travels over the same server session.
type Session struct {
	db          *sql.DB
	conn        dbConn
	d           Dialect
	stmtTimeout time.Duration
	closeOnce   sync.Once
	closeErr    error
}

// Open opens driver/dsn, pins one connection and verifies it with a ping.
//
// Errors:
//   - Returns the raw driver error; storage.Open wraps it as ErrConnection or
//     ErrTimeout.
func Open(ctx context.Context, driver, dsn string, d Dialect, cfg storage.Config) (*Session, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := c.PingContext(ctx); err != nil {
		_ = c.Close()
		_ = db.Close()
		return nil, err
	}
	return &Session{
		db:          db,
		conn:        &sqlConn{c: c},
		d:           d,
		stmtTimeout: cfg.StatementTimeout,
	}, nil
}

// newSession builds a Session over an arbitrary dbConn (tests).
func newSession(c dbConn, d Dialect, stmtTimeout time.Duration) *Session {
	return &Session{conn: c, d: d, stmtTimeout: stmtTimeout}
}

func (s *Session) stmtCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.stmtTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.stmtTimeout)
}

// Probe implements storage.Session.
func (s *Session) Probe(ctx context.Context, table string) ([]storage.ColumnSpec, error) {
	ctx, cancel := s.stmtCtx(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, s.d.ProbeSQL(QuoteTable(s.d, table)))
	if err != nil {
		return nil, s.classifyProbe(table, err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, storage.Wrap("probe", table, storage.ErrConnection, err)
	}
	out := make([]storage.ColumnSpec, len(types))
	for i, ct := range types {
		nullable, ok := ct.Nullable()
		out[i] = storage.ColumnSpec{
			Name:     ct.Name(),
			Type:     s.d.StorageType(ct.DatabaseTypeName()),
			Nullable: !ok || nullable,
		}
	}
	for rows.Next() {
		// At most one row; only the column metadata is used.
	}
	if err := rows.Err(); err != nil {
		return nil, s.classifyProbe(table, err)
	}
	return out, nil
}

func (s *Session) classifyProbe(table string, err error) error {
	if s.d.IsNotFound(err) {
		return storage.Wrap("probe", table, storage.ErrTableNotFound, err)
	}
	return storage.Wrap("probe", table, storage.ErrConnection, err)
}

// CreateTable implements storage.Session.
func (s *Session) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	ddl, err := BuildCreateSQL(s.d, spec)
	if err != nil {
		return storage.Wrap("create", spec.Name, storage.ErrSchemaConflict, err)
	}

	ctx, cancel := s.stmtCtx(ctx)
	defer cancel()

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		if s.d.IsAlreadyExists(err) {
			return storage.Wrap("create", spec.Name, storage.ErrTableAlreadyExists, err)
		}
		if sr, ok := s.d.(SchemaRejecter); ok && sr.IsSchemaRejected(err) {
			return storage.Wrap("create", spec.Name, storage.ErrSchemaConflict, fmt.Errorf("key columns %v rejected: %w", spec.Keys(), err))
		}
		return storage.Wrap("create", spec.Name, storage.ErrConnection, err)
	}
	return nil
}

// Begin implements storage.Session. The transaction is not bound to ctx's
// cancellation: a canceled run still commits the rows it already accepted.
func (s *Session) Begin(ctx context.Context) (storage.Batch, error) {
	tx, err := s.conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, storage.Wrap("begin", "", storage.ErrConnection, err)
	}
	return &batch{s: s, tx: tx}, nil
}

// Select implements storage.Session.
func (s *Session) Select(ctx context.Context, table string, filter *storage.RangeFilter) (*dataset.Table, error) {
	cols, err := s.Probe(ctx, table)
	if err != nil {
		return nil, err
	}

	q, args, err := BuildSelectSQL(s.d, table, cols, filter)
	if err != nil {
		return nil, storage.Wrap("select", table, storage.ErrSchemaConflict, err)
	}

	ctx, cancel := s.stmtCtx(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storage.Wrap("select", table, storage.ErrConnection, err)
	}
	defer rows.Close()

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	out, err := dataset.New(names...)
	if err != nil {
		return nil, storage.Wrap("select", table, storage.ErrSchemaConflict, err)
	}

	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, storage.Wrap("select", table, storage.ErrConnection, err)
		}
		for i := range raw {
			raw[i] = s.d.ScanValue(raw[i], cols[i].Type)
		}
		if err := out.Append(raw...); err != nil {
			return nil, storage.Wrap("select", table, storage.ErrConnection, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("select", table, storage.ErrConnection, err)
	}
	return out, nil
}

// buildSelectSQL reads every column ordered by all columns, so the output is
// deterministic for any key layout.
func BuildSelectSQL(d Dialect, table string, cols []storage.ColumnSpec, filter *storage.RangeFilter) (string, []any, error) {
	names := make([]string, len(cols))
	order := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
		order[i] = fmt.Sprintf("%d", i+1)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(JoinIdents(d, names))
	b.WriteString(" FROM ")
	b.WriteString(QuoteTable(d, table))

	var args []any
	if filter != nil && (filter.From != nil || filter.To != nil) {
		typ := storage.TypeUnknown
		found := false
		for _, c := range cols {
			if c.Name == filter.Column {
				typ, found = c.Type, true
				break
			}
		}
		if !found {
			return "", nil, fmt.Errorf("filter column %q is not in table %s", filter.Column, table)
		}

		var conds []string
		for _, bound := range []struct {
			op string
			v  any
		}{{">=", filter.From}, {"<=", filter.To}} {
			if bound.v == nil {
				continue
			}
			nv, err := dataset.Normalize(bound.v)
			if err != nil {
				return "", nil, err
			}
			cv, err := storage.Coerce(nv, typ)
			if err != nil {
				return "", nil, fmt.Errorf("filter bound: %w", err)
			}
			args = append(args, d.BindValue(cv))
			conds = append(conds, fmt.Sprintf("%s %s %s", d.QuoteIdent(filter.Column), bound.op, d.Placeholder(len(args))))
		}
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(order, ", "))
	return b.String(), args, nil
}

// Close implements storage.Session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.conn != nil {
			errs = append(errs, s.conn.Close())
		}
		if s.db != nil {
			errs = append(errs, s.db.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// batch is the run's transaction with one savepoint per row.
type batch struct {
	s     *Session
	tx    txConn
	seq   int
	table string
	done  bool
}

// Upsert implements storage.Batch.
func (b *batch) Upsert(ctx context.Context, spec storage.TableSpec, columns []string, row []any) error {
	b.table = spec.Name
	b.seq++
	sp := fmt.Sprintf("gaetl_row_%d", b.seq)

	ctx, cancel := b.s.stmtCtx(ctx)
	defer cancel()

	if _, err := b.tx.ExecContext(ctx, b.s.d.SavepointSQL(sp)); err != nil {
		return storage.Wrap("upsert", spec.Name, storage.ErrConnection, err)
	}

	args := make([]any, len(row))
	for i, v := range row {
		args[i] = b.s.d.BindValue(v)
	}

	_, execErr := b.tx.ExecContext(ctx, b.s.d.UpsertSQL(spec, columns), args...)
	if execErr != nil && ctx.Err() != nil {
		return storage.Wrap("upsert", spec.Name, storage.ErrTimeout, execErr)
	}

	// The savepoint is resolved on a fresh deadline: the row's own may be
	// nearly spent.
	rctx, rcancel := b.s.stmtCtx(context.WithoutCancel(ctx))
	defer rcancel()

	if execErr != nil {
		if _, err := b.tx.ExecContext(rctx, b.s.d.RollbackToSQL(sp)); err != nil {
			return storage.Wrap("upsert", spec.Name, storage.ErrConnection, errors.Join(execErr, err))
		}
	}
	if rel := b.s.d.ReleaseSQL(sp); rel != "" {
		if _, err := b.tx.ExecContext(rctx, rel); err != nil {
			return storage.Wrap("upsert", spec.Name, storage.ErrConnection, err)
		}
	}
	if execErr != nil {
		return &storage.OpError{Op: "upsert", Table: spec.Name, Kind: storage.ErrRowRejected, Err: execErr}
	}
	return nil
}

// Commit implements storage.Batch. database/sql commits carry no context; the
// connection's own timeouts apply.
func (b *batch) Commit(_ context.Context) error {
	if b.done {
		return storage.Wrap("commit", b.table, storage.ErrFinalizationFailed, sql.ErrTxDone)
	}
	b.done = true
	if err := b.tx.Commit(); err != nil {
		return &storage.OpError{Op: "commit", Table: b.table, Kind: storage.ErrFinalizationFailed, Err: err}
	}
	return nil
}

// Rollback implements storage.Batch. Rolling back a finished batch is a no-op.
func (b *batch) Rollback(_ context.Context) error {
	if b.done {
		return nil
	}
	b.done = true
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return storage.Wrap("rollback", b.table, storage.ErrConnection, err)
	}
	return nil
}

// ScanDefault is the ScanValue most dialects use: driver bytes become text and
// the value is coerced to the column's storage type when that is lossless.
func ScanDefault(v any, typ storage.Type) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil
	}
	if c, err := storage.Coerce(v, typ); err == nil && c != nil {
		return c
	}
	return v
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.Conn used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlConn wraps *sql.Conn to implement dbConn.
type sqlConn struct {
	c *sql.Conn
}

func (s *sqlConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.c.ExecContext(ctx, query, args...)
}

func (s *sqlConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.c.QueryContext(ctx, query, args...)
}

func (s *sqlConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.c.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlConn) Close() error { return s.c.Close() }

// compile-time sanity checks (no runtime cost).
var (
	_ dbConn          = (*sqlConn)(nil)
	_ txConn          = (*sql.Tx)(nil)
	_ storage.Session = (*Session)(nil)
	_ storage.Batch   = (*batch)(nil)
)
