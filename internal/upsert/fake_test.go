package upsert

import (
	"context"
	"errors"
	"sync"

	"gaetl/internal/dataset"
	"gaetl/internal/storage"
)

// fakeDB is the state shared by fake sessions, standing in for one database.
type fakeDB struct {
	mu      sync.Mutex
	tables  map[string][]storage.ColumnSpec
	creates int
}

func newFakeDB() *fakeDB {
	return &fakeDB{tables: map[string][]storage.ColumnSpec{}}
}

type fakeSession struct {
	db *fakeDB

	probeErr error
	// probed, when set, is called after the existence check and before the
	// result is returned.
	probed func()

	upsert    func(ctx context.Context, row []any) error
	commitErr error

	mu     sync.Mutex
	batch  *fakeBatch
	closed int
}

func (s *fakeSession) Probe(_ context.Context, table string) ([]storage.ColumnSpec, error) {
	if s.probeErr != nil {
		return nil, s.probeErr
	}
	s.db.mu.Lock()
	cols, ok := s.db.tables[table]
	s.db.mu.Unlock()
	if s.probed != nil {
		s.probed()
	}
	if !ok {
		return nil, &storage.OpError{Op: "probe", Table: table, Kind: storage.ErrTableNotFound, Err: errors.New("no such table")}
	}
	return cols, nil
}

func (s *fakeSession) CreateTable(_ context.Context, spec storage.TableSpec) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.tables[spec.Name]; ok {
		return &storage.OpError{Op: "create", Table: spec.Name, Kind: storage.ErrTableAlreadyExists, Err: errors.New("already exists")}
	}
	s.db.tables[spec.Name] = spec.Columns
	s.db.creates++
	return nil
}

func (s *fakeSession) Begin(context.Context) (storage.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = &fakeBatch{s: s}
	return s.batch, nil
}

func (s *fakeSession) Select(context.Context, string, *storage.RangeFilter) (*dataset.Table, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type fakeBatch struct {
	s          *fakeSession
	rows       [][]any
	committed  bool
	rolledBack bool
}

func (b *fakeBatch) Upsert(ctx context.Context, _ storage.TableSpec, _ []string, row []any) error {
	if b.s.upsert != nil {
		if err := b.s.upsert(ctx, row); err != nil {
			return err
		}
	}
	b.rows = append(b.rows, row)
	return nil
}

func (b *fakeBatch) Commit(context.Context) error {
	if b.s.commitErr != nil {
		return b.s.commitErr
	}
	b.committed = true
	return nil
}

func (b *fakeBatch) Rollback(context.Context) error {
	b.rolledBack = true
	return nil
}

var _ storage.Session = (*fakeSession)(nil)
