package upsert

import (
	"context"
	"errors"

	"gaetl/internal/logging"
	"gaetl/internal/storage"
)

// InferFunc produces column specs for a table that has to be created.
type InferFunc func() []storage.ColumnSpec

// Catalog provisions destination tables. It never alters an existing table.
type Catalog struct {
	Session storage.Session
}

// EnsureTable makes sure spec.Name exists and reports its authoritative
// columns.
//
// Steps:
//   - bounded existence probe; a found table is used as-is (created=false) and
//     the types the probe reports win over anything the caller proposed
//   - otherwise CREATE TABLE from spec; when spec.Columns is empty, infer is
//     called to supply them
//   - losing a creation race to another engine is not an error: the table is
//     probed again and reported with created=false
//
// Errors:
//   - ErrConnection / ErrTimeout from the probe or the DDL.
//   - ErrSchemaConflict when the spec to create is structurally invalid.
func (c *Catalog) EnsureTable(ctx context.Context, spec storage.TableSpec, infer InferFunc) (created bool, columns []storage.ColumnSpec, err error) {
	cols, err := c.Session.Probe(ctx, spec.Name)
	if err == nil {
		return false, cols, nil
	}
	if !errors.Is(err, storage.ErrTableNotFound) {
		return false, nil, err
	}

	if len(spec.Columns) == 0 && infer != nil {
		spec.Columns = infer()
	}
	if err := spec.Validate(); err != nil {
		return false, nil, storage.Wrap("create", spec.Name, storage.ErrSchemaConflict, err)
	}

	err = c.Session.CreateTable(ctx, spec)
	switch {
	case err == nil:
		logging.Ctx(ctx).Info().Str("table", spec.Name).Strs("keys", spec.Keys()).Msg("table created")
		return true, spec.Columns, nil
	case errors.Is(err, storage.ErrTableAlreadyExists):
		logging.Ctx(ctx).Debug().Str("table", spec.Name).Msg("table created concurrently")
		cols, err := c.Session.Probe(ctx, spec.Name)
		if err != nil {
			return false, nil, err
		}
		return false, cols, nil
	default:
		return false, nil, err
	}
}
