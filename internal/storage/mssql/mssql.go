// Package mssql registers the "mssql" storage backend for Microsoft SQL Server
// (github.com/microsoft/go-mssqldb, "sqlserver" driver).
//
// Upserts use a single-row MERGE ... WITH (HOLDLOCK) so concurrent writers of
// the same key serialize on the key range instead of racing into a duplicate
// key error. Row isolation uses SAVE TRANSACTION / ROLLBACK TRANSACTION; SQL
// Server has no RELEASE, savepoints simply end with the transaction.
package mssql

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	mssqldb "github.com/microsoft/go-mssqldb"

	"gaetl/internal/storage"
	"gaetl/internal/storage/sqldb"
)

// Server error numbers the catalog cares about.
const (
	errInvalidObjectName = 208
	errObjectExists      = 2714
)

func init() {
	storage.Register("mssql", Open)
}

// Open connects with the "sqlserver" driver.
func Open(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	return sqldb.Open(ctx, "sqlserver", buildDSN(cfg), Dialect{}, cfg)
}

// buildDSN renders a sqlserver:// URL.
//
// Example:
//
//	sqlserver://etl:secret@db:1433?database=analytics&connection+timeout=30
func buildDSN(cfg storage.Config) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	port := cfg.Port
	if port == 0 {
		port = 1433
	}
	q := url.Values{}
	if cfg.Database != "" {
		q.Set("database", cfg.Database)
	}
	if cfg.ConnectTimeout > 0 {
		secs := int(cfg.ConnectTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		q.Set("connection timeout", strconv.Itoa(secs))
	}
	u := url.URL{
		Scheme:   "sqlserver",
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		RawQuery: q.Encode(),
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	return u.String()
}

// Dialect implements sqldb.Dialect for SQL Server.
type Dialect struct{}

func (Dialect) Name() string { return "mssql" }

// QuoteIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func (Dialect) QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (Dialect) Placeholder(n int) string { return "@p" + strconv.Itoa(n) }

// ColumnType maps storage types. NVARCHAR(MAX) cannot be part of an index, so
// text key columns are bounded. Two text keys plus a DATETIME2 stay under the
// 900-byte clustered key limit.
func (Dialect) ColumnType(c storage.ColumnSpec, key bool) string {
	switch c.Type {
	case storage.TypeInteger:
		return "BIGINT"
	case storage.TypeFloat:
		return "FLOAT"
	case storage.TypeDateTime:
		return "DATETIME2"
	case storage.TypeBoolean:
		return "BIT"
	default:
		if key {
			return "NVARCHAR(200)"
		}
		return "NVARCHAR(MAX)"
	}
}

func (Dialect) StorageType(dbType string) storage.Type {
	switch strings.ToUpper(strings.TrimSpace(dbType)) {
	case "":
		return storage.TypeUnknown
	case "BIT":
		return storage.TypeBoolean
	case "BIGINT", "INT", "SMALLINT", "TINYINT":
		return storage.TypeInteger
	case "FLOAT", "REAL", "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		return storage.TypeFloat
	case "DATETIME2", "DATETIME", "SMALLDATETIME", "DATE", "DATETIMEOFFSET":
		return storage.TypeDateTime
	default:
		return storage.TypeText
	}
}

func (Dialect) CreateSuffix() string { return "" }

func (Dialect) ProbeSQL(table string) string {
	return "SELECT TOP 1 * FROM " + table
}

// UpsertSQL builds a single-row MERGE. Key-only tables have no WHEN MATCHED
// branch.
func (d Dialect) UpsertSQL(spec storage.TableSpec, columns []string) string {
	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(sqldb.QuoteTable(d, spec.Name))
	b.WriteString(" WITH (HOLDLOCK) AS target USING (SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(i+1) + " AS " + d.QuoteIdent(c))
	}
	b.WriteString(") AS source ON ")
	for i, k := range spec.Keys() {
		if i > 0 {
			b.WriteString(" AND ")
		}
		q := d.QuoteIdent(k)
		b.WriteString("target." + q + " = source." + q)
	}

	if set := sqldb.NonKeyColumns(spec, columns); len(set) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range set {
			if i > 0 {
				b.WriteString(", ")
			}
			q := d.QuoteIdent(c)
			b.WriteString("target." + q + " = source." + q)
		}
	}

	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(sqldb.JoinIdents(d, columns))
	b.WriteString(") VALUES (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("source." + d.QuoteIdent(c))
	}
	b.WriteString(");")
	return b.String()
}

func (Dialect) SavepointSQL(name string) string  { return "SAVE TRANSACTION " + name }
func (Dialect) RollbackToSQL(name string) string { return "ROLLBACK TRANSACTION " + name }
func (Dialect) ReleaseSQL(string) string         { return "" }

func (Dialect) BindValue(v any) any { return v }

func (Dialect) ScanValue(v any, typ storage.Type) any { return sqldb.ScanDefault(v, typ) }

func (Dialect) IsNotFound(err error) bool { return hasNumber(err, errInvalidObjectName) }

func (Dialect) IsAlreadyExists(err error) bool { return hasNumber(err, errObjectExists) }

func hasNumber(err error, n int32) bool {
	var me mssqldb.Error
	if errors.As(err, &me) {
		return me.Number == n
	}
	var pe *mssqldb.Error
	return errors.As(err, &pe) && pe.Number == n
}

var _ sqldb.Dialect = Dialect{}
