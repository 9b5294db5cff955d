package upsert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"gaetl/internal/dataset"
	"gaetl/internal/metrics"
	"gaetl/internal/storage"
)

func visitsSpec() storage.TableSpec {
	return storage.TableSpec{
		Name: "visits",
		Columns: []storage.ColumnSpec{
			{Name: "date", Type: storage.TypeDateTime},
			{Name: "landingPage", Type: storage.TypeText},
			{Name: "Sessions", Type: storage.TypeInteger, Nullable: true},
		},
		KeyColumns: []string{"date", "landingPage"},
	}
}

func rowsOf(rows ...[]any) []dataset.Row {
	out := make([]dataset.Row, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

func gaDataset(t *testing.T, rows ...[]any) *dataset.Table {
	t.Helper()
	tbl := dataset.MustNew("date", "landingPage", "Sessions")
	for _, r := range rows {
		require.NoError(t, tbl.Append(r...))
	}
	return tbl
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, ok := storage.ParseTime(s)
	require.True(t, ok, s)
	return ts
}

// stepRecorder keeps the etl_step_total labels seen for one job.
type stepRecorder struct {
	job   string
	mu    sync.Mutex
	steps []string
}

func (r *stepRecorder) IncCounter(name string, _ float64, l metrics.Labels) {
	if name != "etl_step_total" || l["job"] != r.job {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, l["step"]+"="+l["status"])
}

func (r *stepRecorder) ObserveHistogram(string, float64, metrics.Labels) {}

func installSteps(t *testing.T, job string) *stepRecorder {
	t.Helper()
	r := &stepRecorder{job: job}
	metrics.SetBackend(r)
	t.Cleanup(func() { metrics.SetBackend(nil) })
	return r
}

func rejected(table string) error {
	return &storage.OpError{Op: "upsert", Table: table, Kind: storage.ErrRowRejected, Err: errors.New("constraint failed")}
}

//
// Executor
//

func TestExecutor_IsolatesRejectedRows(t *testing.T) {
	s := &fakeSession{db: newFakeDB(), upsert: func(_ context.Context, row []any) error {
		if row[1] == "/bad" {
			return rejected("visits")
		}
		return nil
	}}

	res := (&Executor{Session: s}).Apply(context.Background(), visitsSpec(), rowsOf(
		[]any{"2024-01-02", "/a", "3"},
		[]any{"2024-01-02", "/bad", "1"},
		[]any{"2024-01-03", "/a", "5"},
	))

	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 2, res.Upserted)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, 1, res.Rejections[0].Row)
	assert.Equal(t, "2024-01-02T00:00:00Z|/bad", res.Rejections[0].Key)
	assert.True(t, errors.Is(res.Rejections[0].Err, storage.ErrRowRejected))
	assert.True(t, s.batch.committed)
	assert.Len(t, s.batch.rows, 2)
}

func TestExecutor_CoercionFailureNeverReachesBackend(t *testing.T) {
	s := &fakeSession{db: newFakeDB()}

	res := (&Executor{Session: s}).Apply(context.Background(), visitsSpec(), rowsOf(
		[]any{"2024-01-02", "/a", "abc"},
		[]any{"2024-01-02", "/b", "2"},
		[]any{"2024-01-02", "/c"},
	))

	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Upserted)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Rejections, 2)
	assert.True(t, errors.Is(res.Rejections[0].Err, storage.ErrRowRejected))
	assert.Contains(t, res.Rejections[0].Err.Error(), "Sessions")
	assert.Equal(t, []any{mustTime(t, "2024-01-02"), "/b", int64(2)}, s.batch.rows[0])
}

func TestExecutor_CommitFailureFailsBatch(t *testing.T) {
	s := &fakeSession{db: newFakeDB(), commitErr: errors.New("connection reset")}

	res := (&Executor{Session: s}).Apply(context.Background(), visitsSpec(), rowsOf(
		[]any{"2024-01-02", "/a", "3"},
		[]any{"2024-01-02", "/b", "1"},
	))

	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, storage.ErrFinalizationFailed))
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 0, res.Upserted)
	assert.Equal(t, 2, res.Failed)
}

func TestExecutor_RecordsFinalizeStep(t *testing.T) {
	steps := installSteps(t, "finalize-job")

	ok := &fakeSession{db: newFakeDB()}
	res := (&Executor{Session: ok, Job: "finalize-job"}).Apply(context.Background(), visitsSpec(), rowsOf(
		[]any{"2024-01-02", "/a", "3"},
	))
	require.NoError(t, res.Err)

	bad := &fakeSession{db: newFakeDB(), commitErr: errors.New("connection reset")}
	res = (&Executor{Session: bad, Job: "finalize-job"}).Apply(context.Background(), visitsSpec(), rowsOf(
		[]any{"2024-01-02", "/a", "3"},
	))
	require.Error(t, res.Err)

	assert.Equal(t, []string{"finalize=ok", "finalize=error"}, steps.steps)
}

func TestExecutor_TimeoutAbortsAndRollsBack(t *testing.T) {
	calls := 0
	s := &fakeSession{db: newFakeDB(), upsert: func(context.Context, []any) error {
		calls++
		if calls == 2 {
			return storage.Wrap("upsert", "visits", storage.ErrRowRejected, fmt.Errorf("exec: %w", context.DeadlineExceeded))
		}
		return nil
	}}

	res := (&Executor{Session: s}).Apply(context.Background(), visitsSpec(), rowsOf(
		[]any{"2024-01-02", "/a", "3"},
		[]any{"2024-01-02", "/b", "1"},
		[]any{"2024-01-02", "/c", "1"},
	))

	assert.True(t, errors.Is(res.Err, storage.ErrTimeout))
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 0, res.Upserted)
	assert.Equal(t, 2, res.Failed)
	assert.True(t, s.batch.rolledBack)
	assert.False(t, s.batch.committed)
}

func TestExecutor_CancelCommitsAcceptedRows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &fakeSession{db: newFakeDB(), upsert: func(stmtCtx context.Context, _ []any) error {
		cancel()
		if stmtCtx.Err() != nil {
			return errors.New("statement saw cancellation")
		}
		return nil
	}}

	res := (&Executor{Session: s}).Apply(ctx, visitsSpec(), rowsOf(
		[]any{"2024-01-02", "/a", "3"},
		[]any{"2024-01-02", "/b", "1"},
	))

	require.NoError(t, res.Err)
	assert.True(t, res.Canceled)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Upserted)
	assert.True(t, s.batch.committed)
}

//
// Catalog
//

func TestCatalog_ExistingTableIsAuthoritative(t *testing.T) {
	db := newFakeDB()
	db.tables["visits"] = visitsSpec().Columns
	s := &fakeSession{db: db}

	inferred := false
	created, cols, err := (&Catalog{Session: s}).EnsureTable(context.Background(), storage.TableSpec{Name: "visits"}, func() []storage.ColumnSpec {
		inferred = true
		return nil
	})

	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, inferred, "inference must not run for an existing table")
	assert.Equal(t, visitsSpec().Columns, cols)
	assert.Equal(t, 0, db.creates)
}

func TestCatalog_ProbeFailureIsFatal(t *testing.T) {
	s := &fakeSession{db: newFakeDB(), probeErr: storage.Wrap("probe", "visits", storage.ErrConnection, errors.New("access denied"))}

	_, _, err := (&Catalog{Session: s}).EnsureTable(context.Background(), visitsSpec(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrConnection))
}

func TestCatalog_InvalidSpecIsSchemaConflict(t *testing.T) {
	s := &fakeSession{db: newFakeDB()}
	spec := visitsSpec()
	spec.KeyColumns = []string{"missing"}

	_, _, err := (&Catalog{Session: s}).EnsureTable(context.Background(), spec, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrSchemaConflict))
}

// TestCatalog_ConcurrentFirstCreate holds both callers after their existence
// probe so both attempt the DDL.
func TestCatalog_ConcurrentFirstCreate(t *testing.T) {
	db := newFakeDB()

	var barrier sync.WaitGroup
	barrier.Add(2)
	var once [2]sync.Once
	newSession := func(i int) *fakeSession {
		return &fakeSession{db: db, probed: func() {
			once[i].Do(func() {
				barrier.Done()
				barrier.Wait()
			})
		}}
	}

	var created [2]bool
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			c, _, err := (&Catalog{Session: newSession(i)}).EnsureTable(ctx, visitsSpec(), nil)
			created[i] = c
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, db.creates)
	assert.True(t, created[0] != created[1], "exactly one caller creates: %v", created)
}

//
// Engine
//

func TestEngine_SchemaConflictBeforeBackend(t *testing.T) {
	opened := false
	e := &Engine{Open: func(context.Context, storage.Config) (storage.Session, error) {
		opened = true
		return &fakeSession{db: newFakeDB()}, nil
	}}

	res, err := e.Persist(context.Background(), dataset.MustNew("Landing Page", "Landing_Page"), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrSchemaConflict))
	assert.Same(t, err, res.Err)
	assert.False(t, opened, "no backend work on a schema conflict")
}

func TestEngine_UnknownKeyColumn(t *testing.T) {
	e := &Engine{Open: func(context.Context, storage.Config) (storage.Session, error) {
		t.Fatal("must not open")
		return nil, nil
	}}
	_, err := e.Persist(context.Background(), gaDataset(t), Options{KeyColumns: []string{"page"}})
	assert.True(t, errors.Is(err, storage.ErrSchemaConflict))

	_, err = e.Persist(context.Background(), gaDataset(t), Options{Columns: []storage.ColumnSpec{{Name: "date"}}})
	assert.True(t, errors.Is(err, storage.ErrSchemaConflict), "explicit columns must cover the dataset")
}

func TestEngine_DuplicateKeyOrColumnSpec(t *testing.T) {
	e := &Engine{Open: func(context.Context, storage.Config) (storage.Session, error) {
		t.Fatal("must not open")
		return nil, nil
	}}
	ds := gaDataset(t, []any{"2024-01-02", "/a", "1"})

	_, err := e.Persist(context.Background(), ds, Options{KeyColumns: []string{"date", "date"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrSchemaConflict))
	assert.Contains(t, err.Error(), "repeats")

	_, err = e.Persist(context.Background(), ds, Options{KeyColumns: []string{"landingPage", " landingPage"}})
	assert.True(t, errors.Is(err, storage.ErrSchemaConflict), "labels equal after sanitizing are duplicates")

	_, err = e.Persist(context.Background(), ds, Options{Columns: []storage.ColumnSpec{
		{Name: "date", Type: storage.TypeDateTime},
		{Name: "landingPage", Type: storage.TypeText},
		{Name: "Sessions", Type: storage.TypeInteger},
		{Name: "Sessions ", Type: storage.TypeText},
	}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrSchemaConflict))
	assert.Contains(t, err.Error(), "column spec")
}

func TestEngine_RecordsEveryStep(t *testing.T) {
	steps := installSteps(t, "steps-job")
	e := &Engine{Job: "steps-job", Open: func(context.Context, storage.Config) (storage.Session, error) {
		return &fakeSession{db: newFakeDB()}, nil
	}}

	_, err := e.Persist(context.Background(), gaDataset(t, []any{"2024-01-02", "/a", "1"}), Options{Table: "visits"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ensure_table=ok", "finalize=ok", "apply=ok"}, steps.steps)
}

func TestEngine_ClosesSessionOnFailure(t *testing.T) {
	s := &fakeSession{db: newFakeDB(), probeErr: storage.Wrap("probe", "t", storage.ErrConnection, errors.New("gone"))}
	e := &Engine{Open: func(context.Context, storage.Config) (storage.Session, error) { return s, nil }}

	_, err := e.Persist(context.Background(), gaDataset(t, []any{"2024-01-02", "/a", "1"}), Options{Table: "t"})
	require.Error(t, err)
	assert.Equal(t, 1, s.closed)
}

func TestEngine_ConnectFailure(t *testing.T) {
	e := &Engine{Storage: storage.Config{Kind: "nope"}}
	res, err := e.Persist(context.Background(), gaDataset(t), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrConnection))
	assert.Equal(t, DefaultTable, res.Table)
}

func TestEngine_ExistingTableMissingColumn(t *testing.T) {
	db := newFakeDB()
	db.tables["visits"] = visitsSpec().Columns[:2]
	s := &fakeSession{db: db}
	e := &Engine{Open: func(context.Context, storage.Config) (storage.Session, error) { return s, nil }}

	_, err := e.Persist(context.Background(), gaDataset(t, []any{"2024-01-02", "/a", "1"}), Options{Table: "visits"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrSchemaConflict))
	assert.Nil(t, s.batch, "no transaction for a mismatched table")
}

func TestAlignSpec_CaseFoldedNames(t *testing.T) {
	existing := []storage.ColumnSpec{
		{Name: "date", Type: storage.TypeDateTime},
		{Name: "landingpage", Type: storage.TypeText},
		{Name: "sessions", Type: storage.TypeInteger},
	}
	spec, err := alignSpec("visits", []string{"landingPage", "date", "Sessions"}, []string{"date", "landingPage"}, existing)
	require.NoError(t, err)
	assert.Equal(t, []string{"landingpage", "date", "sessions"}, spec.ColumnNames())
	assert.Equal(t, []string{"date", "landingpage"}, spec.KeyColumns)
	assert.Equal(t, storage.TypeInteger, spec.Columns[2].Type)
}
