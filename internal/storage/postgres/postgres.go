// Package postgres registers the "postgres" storage backend on a single
// pgx.Conn. Row savepoints use pgx nested transactions.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"gaetl/internal/dataset"
	"gaetl/internal/storage"
	"gaetl/internal/storage/sqldb"
)

// SQLSTATE codes the catalog cares about.
const (
	codeUndefinedTable = "42P01"
	codeDuplicateTable = "42P07"
	// Two concurrent CREATE TABLEs can collide on the pg_type catalog index
	// before either sees the other's table.
	codeUniqueViolation = "23505"
)

func init() {
	storage.Register("postgres", Open)
}

// Session implements storage.Session for Postgres.
type Session struct {
	conn        *pgx.Conn
	stmtTimeout time.Duration
	closeOnce   sync.Once
	closeErr    error
}

// Open connects one pgx.Conn (no pool: a run uses exactly one connection).
func Open(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	pc, err := pgx.ParseConfig(buildDSN(cfg))
	if err != nil {
		return nil, err
	}
	conn, err := pgx.ConnectConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn, stmtTimeout: cfg.StatementTimeout}, nil
}

func buildDSN(cfg storage.Config) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:   "/" + cfg.Database,
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	if cfg.ConnectTimeout > 0 {
		q := url.Values{}
		secs := int(cfg.ConnectTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", strconv.Itoa(secs))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (s *Session) stmtCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.stmtTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.stmtTimeout)
}

// Probe implements storage.Session using the result's field descriptions.
func (s *Session) Probe(ctx context.Context, table string) ([]storage.ColumnSpec, error) {
	ctx, cancel := s.stmtCtx(ctx)
	defer cancel()

	d := Dialect{}
	rows, err := s.conn.Query(ctx, d.ProbeSQL(sqldb.QuoteTable(d, table)))
	if err != nil {
		return nil, classifyProbe(table, err)
	}
	var out []storage.ColumnSpec
	for _, fd := range rows.FieldDescriptions() {
		out = append(out, storage.ColumnSpec{Name: fd.Name, Type: typeForOID(fd.DataTypeOID), Nullable: true})
	}
	for rows.Next() {
		// At most one row; only the field descriptions are used.
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classifyProbe(table, err)
	}
	return out, nil
}

func classifyProbe(table string, err error) error {
	if hasCode(err, codeUndefinedTable) {
		return storage.Wrap("probe", table, storage.ErrTableNotFound, err)
	}
	return storage.Wrap("probe", table, storage.ErrConnection, err)
}

// CreateTable implements storage.Session.
func (s *Session) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	ddl, err := sqldb.BuildCreateSQL(Dialect{}, spec)
	if err != nil {
		return storage.Wrap("create", spec.Name, storage.ErrSchemaConflict, err)
	}

	ctx, cancel := s.stmtCtx(ctx)
	defer cancel()

	if _, err := s.conn.Exec(ctx, ddl); err != nil {
		if (Dialect{}).IsAlreadyExists(err) {
			return storage.Wrap("create", spec.Name, storage.ErrTableAlreadyExists, err)
		}
		return storage.Wrap("create", spec.Name, storage.ErrConnection, err)
	}
	return nil
}

// Begin implements storage.Session.
func (s *Session) Begin(ctx context.Context) (storage.Batch, error) {
	ctx, cancel := s.stmtCtx(context.WithoutCancel(ctx))
	defer cancel()

	tx, err := s.conn.Begin(ctx)
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
	q, args, err := sqldb.BuildSelectSQL(Dialect{}, table, cols, filter)
	if err != nil {
		return nil, storage.Wrap("select", table, storage.ErrSchemaConflict, err)
	}

	ctx, cancel := s.stmtCtx(ctx)
	defer cancel()

	rows, err := s.conn.Query(ctx, q, args...)
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
		vals, err := rows.Values()
		if err != nil {
			return nil, storage.Wrap("select", table, storage.ErrConnection, err)
		}
		for i := range vals {
			vals[i] = Dialect{}.ScanValue(vals[i], cols[i].Type)
		}
		if err := out.Append(vals...); err != nil {
			return nil, storage.Wrap("select", table, storage.ErrConnection, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("select", table, storage.ErrConnection, err)
	}
	return out, nil
}

// Close implements storage.Session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeErr = s.conn.Close(ctx)
	})
	return s.closeErr
}

type batch struct {
	s     *Session
	tx    pgx.Tx
	table string
	done  bool
}

// Upsert implements storage.Batch. tx.Begin on a pgx.Tx issues SAVEPOINT;
// Rollback and Commit on the nested tx map to ROLLBACK TO / RELEASE.
func (b *batch) Upsert(ctx context.Context, spec storage.TableSpec, columns []string, row []any) error {
	b.table = spec.Name

	ctx, cancel := b.s.stmtCtx(ctx)
	defer cancel()

	sp, err := b.tx.Begin(ctx)
	if err != nil {
		return storage.Wrap("upsert", spec.Name, storage.ErrConnection, err)
	}

	args := make([]any, len(row))
	for i, v := range row {
		args[i] = Dialect{}.BindValue(v)
	}

	_, execErr := sp.Exec(ctx, Dialect{}.UpsertSQL(spec, columns), args...)
	if execErr != nil && ctx.Err() != nil {
		return storage.Wrap("upsert", spec.Name, storage.ErrTimeout, execErr)
	}

	rctx, rcancel := b.s.stmtCtx(context.WithoutCancel(ctx))
	defer rcancel()

	if execErr != nil {
		if err := sp.Rollback(rctx); err != nil {
			return storage.Wrap("upsert", spec.Name, storage.ErrConnection, errors.Join(execErr, err))
		}
		return &storage.OpError{Op: "upsert", Table: spec.Name, Kind: storage.ErrRowRejected, Err: execErr}
	}
	if err := sp.Commit(rctx); err != nil {
		return storage.Wrap("upsert", spec.Name, storage.ErrConnection, err)
	}
	return nil
}

// Commit implements storage.Batch. The commit gets its own statement deadline
// and ignores the caller's cancellation.
func (b *batch) Commit(ctx context.Context) error {
	if b.done {
		return storage.Wrap("commit", b.table, storage.ErrFinalizationFailed, pgx.ErrTxClosed)
	}
	b.done = true

	ctx, cancel := b.s.stmtCtx(context.WithoutCancel(ctx))
	defer cancel()

	if err := b.tx.Commit(ctx); err != nil {
		return &storage.OpError{Op: "commit", Table: b.table, Kind: storage.ErrFinalizationFailed, Err: err}
	}
	return nil
}

// Rollback implements storage.Batch.
func (b *batch) Rollback(ctx context.Context) error {
	if b.done {
		return nil
	}
	b.done = true

	ctx, cancel := b.s.stmtCtx(context.WithoutCancel(ctx))
	defer cancel()

	if err := b.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return storage.Wrap("rollback", b.table, storage.ErrConnection, err)
	}
	return nil
}

// Dialect renders Postgres SQL. The session executes it over pgx; savepoints
// go through nested transactions, so the savepoint statements here serve
// diagnostics and tests.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

// QuoteIdent returns a double-quoted identifier, escaping '"' as '""'.
func (Dialect) QuoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Dialect) ColumnType(c storage.ColumnSpec, _ bool) string {
	switch c.Type {
	case storage.TypeInteger:
		return "BIGINT"
	case storage.TypeFloat:
		return "DOUBLE PRECISION"
	case storage.TypeDateTime:
		return "TIMESTAMP"
	case storage.TypeBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// StorageType maps a type name as printed by format_type (used when a caller
// has names rather than OIDs).
func (Dialect) StorageType(dbType string) storage.Type {
	t := strings.ToUpper(strings.TrimSpace(dbType))
	switch {
	case t == "":
		return storage.TypeUnknown
	case t == "BOOLEAN", t == "BOOL":
		return storage.TypeBoolean
	case strings.HasPrefix(t, "TIMESTAMP"), t == "DATE":
		return storage.TypeDateTime
	case strings.Contains(t, "INT"):
		return storage.TypeInteger
	case t == "DOUBLE PRECISION", t == "REAL", strings.HasPrefix(t, "NUMERIC"), strings.HasPrefix(t, "FLOAT"):
		return storage.TypeFloat
	default:
		return storage.TypeText
	}
}

func typeForOID(oid uint32) storage.Type {
	switch oid {
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		return storage.TypeInteger
	case pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID:
		return storage.TypeFloat
	case pgtype.BoolOID:
		return storage.TypeBoolean
	case pgtype.DateOID, pgtype.TimestampOID, pgtype.TimestamptzOID:
		return storage.TypeDateTime
	default:
		return storage.TypeText
	}
}

func (Dialect) CreateSuffix() string { return "" }

func (Dialect) ProbeSQL(table string) string {
	return "SELECT * FROM " + table + " LIMIT 1"
}

// UpsertSQL builds INSERT ... ON CONFLICT (keys) DO UPDATE SET col = EXCLUDED.col.
func (d Dialect) UpsertSQL(spec storage.TableSpec, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqldb.QuoteTable(d, spec.Name))
	b.WriteString(" (")
	b.WriteString(sqldb.JoinIdents(d, columns))
	b.WriteString(") VALUES (")
	b.WriteString(sqldb.Placeholders(d, len(columns)))
	b.WriteString(") ON CONFLICT (")
	b.WriteString(sqldb.JoinIdents(d, spec.Keys()))
	b.WriteString(") ")

	set := sqldb.NonKeyColumns(spec, columns)
	if len(set) == 0 {
		b.WriteString("DO NOTHING")
		return b.String()
	}
	b.WriteString("DO UPDATE SET ")
	for i, c := range set {
		if i > 0 {
			b.WriteString(", ")
		}
		q := d.QuoteIdent(c)
		b.WriteString(q + " = EXCLUDED." + q)
	}
	return b.String()
}

func (Dialect) SavepointSQL(name string) string { return "SAVEPOINT " + name }
func (Dialect) RollbackToSQL(name string) string {
	return "ROLLBACK TO SAVEPOINT " + name
}
func (Dialect) ReleaseSQL(name string) string { return "RELEASE SAVEPOINT " + name }

func (Dialect) BindValue(v any) any { return v }

// ScanValue unwraps pgtype.Numeric before the default coercion.
func (Dialect) ScanValue(v any, typ storage.Type) any {
	if n, ok := v.(pgtype.Numeric); ok {
		if f, err := n.Float64Value(); err == nil && f.Valid {
			return f.Float64
		}
		return nil
	}
	return sqldb.ScanDefault(v, typ)
}

func (Dialect) IsNotFound(err error) bool { return hasCode(err, codeUndefinedTable) }

func (Dialect) IsAlreadyExists(err error) bool {
	return hasCode(err, codeDuplicateTable) || hasCode(err, codeUniqueViolation)
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

var _ sqldb.Dialect = Dialect{}
