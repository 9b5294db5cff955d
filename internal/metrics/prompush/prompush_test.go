package prompush

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gaetl/internal/metrics"
)

type gateway struct {
	mu     sync.Mutex
	method string
	path   string
	body   []byte
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	g.mu.Lock()
	g.method, g.path, g.body = r.Method, r.URL.Path, body
	g.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestBackend_RecordsKnownMetrics(t *testing.T) {
	b, err := New(Options{URL: "http://unused"})
	require.NoError(t, err)

	b.IncCounter("etl_records_total", 2, metrics.Labels{"job": "gaetl", "kind": "upserted"})
	b.IncCounter("etl_records_total", 1, metrics.Labels{"job": "gaetl", "kind": "upserted"})
	b.IncCounter("etl_step_total", 1, metrics.Labels{"step": "apply"})
	b.IncCounter("not_a_metric", 1, nil)
	b.IncCounter("etl_batches_total", 0, nil)
	b.ObserveHistogram("etl_step_duration_seconds", 0.25, metrics.Labels{"step": "apply", "status": "ok"})

	assert.Equal(t, 3.0, testutil.ToFloat64(b.counters["etl_records_total"].WithLabelValues("upserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.counters["etl_step_total"].WithLabelValues("apply", "")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.counters["etl_batches_total"].WithLabelValues()))
	assert.Equal(t, 1, testutil.CollectAndCount(b.hists["etl_step_duration_seconds"]))
}

func TestFlush_PushesToGateway(t *testing.T) {
	gw := &gateway{}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	b, err := New(Options{URL: srv.URL, JobName: "nightly", Grouping: map[string]string{"instance": "etl1"}})
	require.NoError(t, err)

	b.IncCounter("etl_batches_total", 1, metrics.Labels{"job": "nightly"})
	require.NoError(t, b.Flush())

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, http.MethodPut, gw.method)
	assert.Equal(t, "/metrics/job/nightly/instance/etl1", gw.path)
	assert.True(t, bytes.Contains(gw.body, []byte("etl_batches_total")))
}

func TestFlush_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := New(Options{URL: srv.URL})
	require.NoError(t, err)
	err = b.Flush()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompush")
}
