package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gaetl/internal/dataset"
)

// Config is what a backend needs to open one session.
//
// When to use:
//   - Build a Config from the loaded application config and pass it to Open.
//
// Edge cases:
//   - Kind must match a registered backend ("mysql", "postgres", "sqlite",
//     "mssql").
//   - DSN, when set, is passed to the driver verbatim and the discrete fields
//     are ignored. For sqlite, Database is the file path.
//   - Zero timeouts mean "no deadline".
type Config struct {
	Kind     string
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Database string

	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
}

// Session is one dedicated backend connection used for a single run.
//
// IMPORTANT: a Session is not safe for concurrent use. Runs that race on the
// same table each open their own Session.
type Session interface {
	// Probe runs a bounded read of the table and reports its columns with the
	// types the database declares for them.
	//
	// Errors:
	//   - ErrTableNotFound when the table does not exist.
	//   - ErrTimeout when the statement deadline elapsed.
	//   - ErrConnection for anything else.
	Probe(ctx context.Context, table string) ([]ColumnSpec, error)

	// CreateTable issues a plain CREATE TABLE (no IF NOT EXISTS) with a
	// composite primary key over spec.Keys().
	//
	// Errors:
	//   - ErrTableAlreadyExists when another creator won the race.
	CreateTable(ctx context.Context, spec TableSpec) error

	// Begin opens the run's single transaction.
	Begin(ctx context.Context) (Batch, error)

	// Select reads the table back, optionally restricted to a range on one
	// column. Rows come back ordered by the table's first column.
	Select(ctx context.Context, table string, filter *RangeFilter) (*dataset.Table, error)

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Batch is the run's transaction. Each Upsert is isolated in a savepoint so a
// failing row leaves earlier rows intact.
type Batch interface {
	// Upsert inserts one row, overwriting non-key columns on key conflict.
	// columns names the values in row; values are already coerced.
	//
	// Errors:
	//   - ErrRowRejected when the statement failed and was rolled back to the
	//     row's savepoint; the batch remains usable.
	//   - ErrTimeout or ErrConnection when the batch is no longer usable.
	Upsert(ctx context.Context, spec TableSpec, columns []string, row []any) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// RangeFilter restricts Select to From <= Column <= To. A nil bound is open.
type RangeFilter struct {
	Column string
	From   any
	To     any
}

// ---- backend factories ----

// Factory opens a session for a registered backend.
type Factory func(ctx context.Context, cfg Config) (Session, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by Open.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open connects to the configured backend.
//
// Edge cases:
//   - cfg.ConnectTimeout bounds the dial and handshake; elapsing it yields
//     ErrTimeout.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - ErrConnection for an empty or unknown kind and for every dial failure.
func Open(ctx context.Context, cfg Config) (Session, error) {
	if cfg.Kind == "" {
		return nil, Wrap("connect", "", ErrConnection, fmt.Errorf("missing storage kind"))
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, Wrap("connect", "", ErrConnection, fmt.Errorf("unsupported storage kind=%s (registered: %v)", cfg.Kind, Kinds()))
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	s, err := f(ctx, cfg)
	if err != nil {
		return nil, Wrap("connect", "", ErrConnection, err)
	}
	return s, nil
}
