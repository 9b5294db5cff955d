// Package sqldb implements storage.Session on top of database/sql for the
// backends that ship a database/sql driver (MySQL, SQLite, SQL Server).
//
// Each backend package supplies a Dialect: identifier quoting, type mapping,
// savepoint syntax, the upsert statement and error classification. Everything
// else (one pinned connection, statement deadlines, per-row savepoints, commit
// as the finalization step) lives here once.
package sqldb

import (
	"fmt"
	"strings"

	"gaetl/internal/storage"
)

// Dialect captures the per-backend SQL differences.
type Dialect interface {
	// Name is the backend kind, used in log lines and errors.
	Name() string

	// QuoteIdent quotes one identifier part.
	QuoteIdent(name string) string

	// Placeholder returns the bind marker for the 1-based argument n.
	Placeholder(n int) string

	// ColumnType returns the SQL type for a column; key columns may need a
	// bounded text type.
	ColumnType(c storage.ColumnSpec, key bool) string

	// StorageType maps a driver-reported type name back to a storage.Type.
	StorageType(dbType string) storage.Type

	// CreateSuffix is appended after the CREATE TABLE column list.
	CreateSuffix() string

	// ProbeSQL returns a statement reading at most one row of table.
	ProbeSQL(table string) string

	// UpsertSQL returns the single-row upsert for the given columns, binding
	// one placeholder per column in order.
	UpsertSQL(spec storage.TableSpec, columns []string) string

	// Savepoint statements. Release may be empty when the backend has none.
	SavepointSQL(name string) string
	RollbackToSQL(name string) string
	ReleaseSQL(name string) string

	// BindValue converts a coerced value into what the driver should receive.
	BindValue(v any) any

	// ScanValue converts a scanned value for the given column type.
	ScanValue(v any, typ storage.Type) any

	IsNotFound(err error) bool
	IsAlreadyExists(err error) bool
}

// SchemaRejecter is implemented by dialects that can tell a CREATE TABLE the
// server refused for its shape (e.g. a primary key over the index size limit)
// from a backend failure.
type SchemaRejecter interface {
	IsSchemaRejected(err error) bool
}

// QuoteTable quotes a possibly schema-qualified table name.
func QuoteTable(d Dialect, name string) string {
	schema, table := storage.SplitQualifiedName(name)
	if schema == "" {
		return d.QuoteIdent(table)
	}
	return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
}

// JoinIdents quotes and comma-joins column names.
func JoinIdents(d Dialect, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = d.QuoteIdent(c)
	}
	return strings.Join(parts, ", ")
}

// Placeholders returns "p1, p2, ..." for n arguments starting at 1.
func Placeholders(d Dialect, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.Placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

// BuildCreateSQL renders CREATE TABLE for spec. There is no IF NOT EXISTS: a
// concurrent creator must surface as an already-exists error. Key columns are
// NOT NULL and form the composite primary key.
func BuildCreateSQL(d Dialect, spec storage.TableSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	defs := make([]string, 0, len(spec.Columns)+1)
	for _, c := range spec.Columns {
		key := spec.IsKey(c.Name)
		def := d.QuoteIdent(c.Name) + " " + d.ColumnType(c, key)
		if key || !c.Nullable {
			def += " NOT NULL"
		} else {
			def += " NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, "PRIMARY KEY ("+JoinIdents(d, spec.Keys())+")")

	sql := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", QuoteTable(d, spec.Name), strings.Join(defs, ",\n  "))
	if suffix := d.CreateSuffix(); suffix != "" {
		sql += " " + suffix
	}
	return sql, nil
}

// NonKeyColumns returns the columns of cols that are not part of spec's key.
func NonKeyColumns(spec storage.TableSpec, cols []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if !spec.IsKey(c) {
			out = append(out, c)
		}
	}
	return out
}
