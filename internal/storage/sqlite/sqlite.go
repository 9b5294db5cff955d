// Package sqlite registers the "sqlite" storage backend (modernc.org/sqlite,
// pure Go). It backs local runs and the engine's test suite.
package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gaetl/internal/storage"
	"gaetl/internal/storage/sqldb"
)

// Key design points vs the server backends:
//   - SQLite has no native timestamp type. Timestamps are stored as
//     RFC3339Nano text for reliable round-trip behavior and easy debugging.
//   - Tables are not STRICT; value coercion happens before binding, so a
//     non-numeric value never reaches an INTEGER column.
//   - Concurrent writers share one file; busy_timeout makes the loser of a
//     CREATE TABLE race wait for the lock and then see "already exists".
func init() {
	storage.Register("sqlite", Open)
}

// Open opens the SQLite database at cfg.Database (a file path) or cfg.DSN.
func Open(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	return sqldb.Open(ctx, "sqlite", dsn, Dialect{}, cfg)
}

func buildDSN(cfg storage.Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return "", fmt.Errorf("sqlite: database path is empty")
	}
	sep := "?"
	if strings.Contains(cfg.Database, "?") {
		sep = "&"
	}
	return cfg.Database + sep + "_pragma=busy_timeout(5000)", nil
}

// Dialect implements sqldb.Dialect for SQLite.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) QuoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) ColumnType(c storage.ColumnSpec, _ bool) string {
	switch c.Type {
	case storage.TypeInteger:
		return "INTEGER"
	case storage.TypeFloat:
		return "REAL"
	case storage.TypeDateTime:
		return "DATETIME"
	case storage.TypeBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// StorageType follows SQLite's affinity rules, checking the declared names this
// package writes before the generic substrings.
func (Dialect) StorageType(dbType string) storage.Type {
	t := strings.ToUpper(strings.TrimSpace(dbType))
	switch {
	case t == "":
		return storage.TypeUnknown
	case strings.Contains(t, "BOOL"):
		return storage.TypeBoolean
	case strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return storage.TypeDateTime
	case strings.Contains(t, "INT"):
		return storage.TypeInteger
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"),
		strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return storage.TypeFloat
	default:
		return storage.TypeText
	}
}

func (Dialect) CreateSuffix() string { return "" }

func (Dialect) ProbeSQL(table string) string {
	return "SELECT * FROM " + table + " LIMIT 1"
}

// UpsertSQL builds INSERT ... ON CONFLICT (keys) DO UPDATE. Key-only tables
// use DO NOTHING: the stored row already equals the incoming one.
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
		b.WriteString(q + " = excluded." + q)
	}
	return b.String()
}

func (Dialect) SavepointSQL(name string) string  { return "SAVEPOINT " + name }
func (Dialect) RollbackToSQL(name string) string { return "ROLLBACK TO SAVEPOINT " + name }
func (Dialect) ReleaseSQL(name string) string    { return "RELEASE SAVEPOINT " + name }

func (Dialect) BindValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return formatSQLiteTime(x)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

func (Dialect) ScanValue(v any, typ storage.Type) any {
	if typ == storage.TypeDateTime {
		if s, ok := v.(string); ok {
			if ts, err := parseSQLiteTime(s); err == nil {
				return ts
			}
		}
	}
	return sqldb.ScanDefault(v, typ)
}

func (Dialect) IsNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func (Dialect) IsAlreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - Common "SQLite-like" formats used by other tools/libs:
//     "2006-01-02 15:04:05Z07:00"
//     "2006-01-02 15:04:05.999999999Z07:00"
//     "2006-01-02 15:04:05" (interpreted as UTC)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}
	if ts, ok := storage.ParseTime(s); ok {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

var _ sqldb.Dialect = Dialect{}
