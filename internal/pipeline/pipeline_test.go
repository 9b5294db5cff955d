package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gaetl/internal/analytics"
	"gaetl/internal/dataset"
	"gaetl/internal/storage"
	"gaetl/internal/upsert"
)

type fakeFetcher struct {
	table  *dataset.Table
	err    error
	window analytics.Window
}

func (f *fakeFetcher) Fetch(_ context.Context, w analytics.Window) (*dataset.Table, error) {
	f.window = w
	return f.table, f.err
}

type fakeArchiver struct {
	path string
	err  error
}

func (a *fakeArchiver) Upload(_ context.Context, p string) (string, error) {
	a.path = p
	if a.err != nil {
		return "", a.err
	}
	return "s3://bucket/" + filepath.Base(p), nil
}

type fakePersister struct {
	calls atomic.Int32
	rows  int
	opts  upsert.Options
	err   error
}

func (p *fakePersister) Persist(_ context.Context, t *dataset.Table, opts upsert.Options) (upsert.Result, error) {
	p.calls.Add(1)
	p.rows = t.Len()
	p.opts = opts
	res := upsert.Result{Table: opts.Table, Attempted: t.Len(), Upserted: t.Len()}
	if p.err != nil {
		res.Upserted, res.Failed, res.Err = 0, t.Len(), p.err
	}
	return res, p.err
}

func visits(t *testing.T) *dataset.Table {
	t.Helper()
	tbl := dataset.MustNew("date", "landingPage", "Sessions")
	require.NoError(t, tbl.Append("2024-02-28", "/a", int64(3)))
	require.NoError(t, tbl.Append("2024-02-29", "/b", int64(5)))
	return tbl
}

func newRunner(t *testing.T, f Fetcher, a Archiver, p Persister) *Runner {
	t.Helper()
	r := &Runner{
		Fetcher:    f,
		Persister:  p,
		ExportDir:  t.TempDir(),
		ExportName: "google_organic_analytics_data",
		Persist:    upsert.Options{Table: "visits", KeyColumns: []string{"date", "landingPage"}},
		LastDays:   30,
		Now:        func() time.Time { return time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC) },
	}
	if a != nil {
		r.Archiver = a
	}
	return r
}

func TestRun_FetchExportArchiveLoad(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{table: visits(t)}
	a := &fakeArchiver{}
	p := &fakePersister{}
	r := newRunner(t, f, a, p)

	rep, err := r.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, "2024-01-31..2024-02-29", rep.Window)
	assert.Equal(t, 2, rep.Fetched)
	assert.Equal(t, filepath.Join(r.ExportDir, "2024-03-01_google_organic_analytics_data.csv"), rep.ExportPath)
	assert.FileExists(t, rep.ExportPath)
	assert.Equal(t, rep.ExportPath, a.path)
	assert.Equal(t, "s3://bucket/2024-03-01_google_organic_analytics_data.csv", rep.ArchiveURL)

	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, 2, p.rows)
	assert.Equal(t, "visits", p.opts.Table)
	require.NotNil(t, rep.Load)
	assert.Equal(t, 2, rep.Load.Upserted)
	assert.Empty(t, rep.Load.Error)
}

func TestRun_DaysOverride(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{table: visits(t)}
	r := newRunner(t, f, nil, &fakePersister{})

	rep, err := r.Run(context.Background(), RunOptions{Days: 7})
	require.NoError(t, err)
	assert.Equal(t, "2024-02-23..2024-02-29", rep.Window)
	assert.Empty(t, rep.ArchiveURL)
}

func TestRun_DryRunSkipsLoad(t *testing.T) {
	t.Parallel()

	a := &fakeArchiver{}
	p := &fakePersister{}
	r := newRunner(t, &fakeFetcher{table: visits(t)}, a, p)

	rep, err := r.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.FileExists(t, rep.ExportPath)
	assert.Zero(t, p.calls.Load())
	assert.Empty(t, a.path)
	assert.Nil(t, rep.Load)
}

func TestRun_FetchErrorStops(t *testing.T) {
	t.Parallel()

	p := &fakePersister{}
	r := newRunner(t, &fakeFetcher{err: errors.New("quota exceeded")}, nil, p)

	rep, err := r.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Empty(t, rep.ExportPath)
	assert.Zero(t, p.calls.Load())

	entries, err := os.ReadDir(r.ExportDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_ArchiveFailureStillLoads(t *testing.T) {
	t.Parallel()

	p := &fakePersister{}
	r := newRunner(t, &fakeFetcher{table: visits(t)}, &fakeArchiver{err: errors.New("denied")}, p)

	rep, err := r.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
	assert.Equal(t, int32(1), p.calls.Load())
	require.NotNil(t, rep.Load)
	assert.Equal(t, 2, rep.Load.Upserted)
}

func TestRun_LoadErrorSurfaces(t *testing.T) {
	t.Parallel()

	p := &fakePersister{err: storage.ErrConnection}
	r := newRunner(t, &fakeFetcher{table: visits(t)}, nil, p)

	rep, err := r.Run(context.Background(), RunOptions{})
	require.ErrorIs(t, err, storage.ErrConnection)
	require.NotNil(t, rep.Load)
	assert.Equal(t, 2, rep.Load.Failed)
	assert.NotEmpty(t, rep.Load.Error)
}

func TestRun_NoFetcher(t *testing.T) {
	t.Parallel()

	r := newRunner(t, nil, nil, &fakePersister{})
	r.Fetcher = nil
	_, err := r.Run(context.Background(), RunOptions{})
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "in.csv")
	require.NoError(t, os.WriteFile(path, []byte("date,landingPage,Sessions\n2024-01-02,/a,3\n2024-01-02,/b,\n"), 0o644))

	p := &fakePersister{}
	r := newRunner(t, nil, nil, p)

	res, err := r.LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Upserted)
	assert.Equal(t, 2, p.rows)

	_, err = r.LoadFile(context.Background(), filepath.Join(dir, "missing.csv"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	s := Summarize(upsert.Result{
		Table:     "visits",
		Attempted: 3,
		Upserted:  2,
		Failed:    1,
		Rejections: []upsert.Rejection{
			{Row: 1, Key: "2024-01-02|/b", Err: storage.ErrRowRejected},
		},
	})
	assert.Equal(t, "visits", s.Table)
	require.Len(t, s.Rejections, 1)
	assert.Contains(t, s.Rejections[0], "row 1 [2024-01-02|/b]")
	assert.Empty(t, s.Error)
}

func TestScheduler_RunsUntilCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var runs atomic.Int32
	s := &Scheduler{
		Spec: "@every 1s",
		Job: func(context.Context) error {
			if runs.Add(1) >= 2 {
				cancel()
			}
			return nil
		},
	}
	require.NoError(t, s.Run(ctx))
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
	assert.NotErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestScheduler_InvalidSpec(t *testing.T) {
	t.Parallel()

	s := &Scheduler{Spec: "every day", Job: func(context.Context) error { return nil }}
	require.Error(t, s.Run(context.Background()))

	s = &Scheduler{Spec: "0 6 * * *"}
	require.Error(t, s.Run(context.Background()))
}
