// Package mysql registers the "mysql" storage backend (go-sql-driver/mysql).
// It is the production target of the analytics load.
package mysql

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"gaetl/internal/storage"
	"gaetl/internal/storage/sqldb"
)

// Server error numbers the catalog cares about.
const (
	erNoSuchTable      = 1146
	erTableExistsError = 1050
	erTooLongKey       = 1071
)

func init() {
	storage.Register("mysql", Open)
}

// Open connects to MySQL/MariaDB using cfg's discrete fields (or cfg.DSN).
func Open(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	return sqldb.Open(ctx, "mysql", buildDSN(cfg), Dialect{}, cfg)
}

// buildDSN renders a go-sql-driver DSN. Times are parsed into time.Time in UTC
// so DATETIME columns round-trip.
func buildDSN(cfg storage.Config) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	c.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	c.DBName = cfg.Database
	c.ParseTime = true
	c.Loc = time.UTC
	c.Timeout = cfg.ConnectTimeout
	c.Params = map[string]string{"charset": "utf8mb4"}
	return c.FormatDSN()
}

// Dialect implements sqldb.Dialect for MySQL.
type Dialect struct{}

func (Dialect) Name() string { return "mysql" }

// QuoteIdent returns a backtick-quoted identifier, escaping '`' as '``'.
func (Dialect) QuoteIdent(id string) string {
	return "`" + strings.ReplaceAll(id, "`", "``") + "`"
}

func (Dialect) Placeholder(int) string { return "?" }

// ColumnType maps storage types. TEXT cannot be part of an index without a
// prefix length, so text key columns use VARCHAR(191): the longest utf8mb4
// VARCHAR that fits the classic 767-byte index limit.
func (Dialect) ColumnType(c storage.ColumnSpec, key bool) string {
	switch c.Type {
	case storage.TypeInteger:
		return "BIGINT"
	case storage.TypeFloat:
		return "DOUBLE"
	case storage.TypeDateTime:
		return "DATETIME(6)"
	case storage.TypeBoolean:
		return "BOOLEAN"
	default:
		if key {
			return "VARCHAR(191)"
		}
		return "TEXT"
	}
}

// StorageType maps driver type names. BOOLEAN is an alias of TINYINT(1), so a
// TINYINT column reads back as BOOLEAN.
func (Dialect) StorageType(dbType string) storage.Type {
	t := strings.ToUpper(strings.TrimSpace(dbType))
	switch {
	case t == "TINYINT", t == "BIT":
		return storage.TypeBoolean
	case strings.Contains(t, "INT"), t == "YEAR":
		return storage.TypeInteger
	case t == "DOUBLE", t == "FLOAT", t == "DECIMAL":
		return storage.TypeFloat
	case t == "DATETIME", t == "TIMESTAMP", t == "DATE":
		return storage.TypeDateTime
	case t == "":
		return storage.TypeUnknown
	default:
		return storage.TypeText
	}
}

func (Dialect) CreateSuffix() string { return "ENGINE=InnoDB DEFAULT CHARSET=utf8mb4" }

func (Dialect) ProbeSQL(table string) string {
	return "SELECT * FROM " + table + " LIMIT 1"
}

// UpsertSQL builds INSERT ... ON DUPLICATE KEY UPDATE. VALUES(col) is used
// instead of the 8.0.19 row alias so MariaDB accepts the statement too.
func (d Dialect) UpsertSQL(spec storage.TableSpec, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqldb.QuoteTable(d, spec.Name))
	b.WriteString(" (")
	b.WriteString(sqldb.JoinIdents(d, columns))
	b.WriteString(") VALUES (")
	b.WriteString(sqldb.Placeholders(d, len(columns)))
	b.WriteString(") ON DUPLICATE KEY UPDATE ")

	set := sqldb.NonKeyColumns(spec, columns)
	if len(set) == 0 {
		// key-only table: a no-op assignment keeps the statement valid
		set = spec.Keys()[:1]
	}
	for i, c := range set {
		if i > 0 {
			b.WriteString(", ")
		}
		q := d.QuoteIdent(c)
		b.WriteString(q + " = VALUES(" + q + ")")
	}
	return b.String()
}

func (Dialect) SavepointSQL(name string) string { return "SAVEPOINT " + name }
func (Dialect) RollbackToSQL(name string) string {
	return "ROLLBACK TO SAVEPOINT " + name
}
func (Dialect) ReleaseSQL(name string) string { return "RELEASE SAVEPOINT " + name }

func (Dialect) BindValue(v any) any { return v }

func (Dialect) ScanValue(v any, typ storage.Type) any { return sqldb.ScanDefault(v, typ) }

func (Dialect) IsNotFound(err error) bool { return hasNumber(err, erNoSuchTable) }

func (Dialect) IsAlreadyExists(err error) bool { return hasNumber(err, erTableExistsError) }

// IsSchemaRejected reports a primary key over InnoDB's 3072-byte limit, which
// five or more VARCHAR(191) keys reach.
func (Dialect) IsSchemaRejected(err error) bool { return hasNumber(err, erTooLongKey) }

func hasNumber(err error, n uint16) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == n
}

var (
	_ sqldb.Dialect        = Dialect{}
	_ sqldb.SchemaRejecter = Dialect{}
)
