package storage

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is; backends wrap driver errors in
// an *OpError carrying one of these as Kind.
var (
	// ErrSchemaConflict: column labels collide (or vanish) after sanitization,
	// or caller-supplied columns/keys do not line up with the dataset. Fatal,
	// raised before any backend work.
	ErrSchemaConflict = errors.New("schema conflict")

	// ErrConnection: the backend is unreachable, credentials were rejected, or
	// a probe failed for a reason other than "table not found". Fatal.
	ErrConnection = errors.New("connection failed")

	// ErrTableAlreadyExists: CREATE TABLE lost a race with another creator.
	// Recoverable; the catalog treats the table as existing.
	ErrTableAlreadyExists = errors.New("table already exists")

	// ErrTableNotFound: the existence probe found no table. Internal to the
	// catalog; it triggers creation.
	ErrTableNotFound = errors.New("table not found")

	// ErrRowRejected: one row failed coercion or its statement. Recoverable;
	// recorded in the run result.
	ErrRowRejected = errors.New("row rejected")

	// ErrFinalizationFailed: the batch commit failed. Fatal for the batch.
	ErrFinalizationFailed = errors.New("finalization failed")

	// ErrTimeout: a connect or statement deadline elapsed. Fatal.
	ErrTimeout = errors.New("timeout")
)

// OpError annotates a failed backend operation.
//
// errors.Is matches both the Kind sentinel and anything in the Err chain, so
// callers can test errors.Is(err, storage.ErrTimeout) and still reach the
// driver error underneath.
type OpError struct {
	Op    string // "connect", "probe", "create", "upsert", "commit", "select"
	Table string
	Kind  error
	Err   error
}

func (e *OpError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Table, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error { return []error{e.Kind, e.Err} }

// Wrap builds an *OpError, promoting deadline errors to ErrTimeout whatever
// kind the caller suggested.
func Wrap(op, table string, kind error, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	return &OpError{Op: op, Table: table, Kind: kind, Err: err}
}

// IsFatal reports whether err must stop a run. Rejected rows and lost create
// races are the only recoverable kinds.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrRowRejected) && !errors.Is(err, ErrTableAlreadyExists)
}
