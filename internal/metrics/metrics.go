// Package metrics is the backend-neutral metrics facade used by the load
// pipeline.
//
// Core code records through the package-level helpers (RecordStep, RecordRows,
// RecordBatch, RecordHTTP). A concrete backend (Datadog, Prometheus
// Pushgateway) is installed once at process start with SetBackend; until then
// every call is a no-op.
//
// Metric names are part of the operational contract:
//
//	etl_step_total{job,step,status}
//	etl_step_duration_seconds{job,step,status}
//	etl_records_total{job,kind}          kind: attempted|upserted|failed
//	etl_batches_total{job}
//	etl_http_requests_total{job,status}
//	etl_http_errors_total{job,status}
//	etl_http_request_duration_seconds{job,status}
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for concurrent
// use and must ignore names they do not know.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer.
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. nil restores the no-op
// backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend when it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// RecordStep counts one pipeline step and its duration. status is "ok" when
// err is nil, "error" otherwise.
func RecordStep(job, step string, err error, d time.Duration) {
	l := Labels{"job": job, "step": step, "status": status(err)}
	IncCounter("etl_step_total", 1, l)
	ObserveHistogram("etl_step_duration_seconds", d.Seconds(), l)
}

// RecordRows adds n to the record counter of the given kind. Zero is dropped.
func RecordRows(job, kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter("etl_records_total", float64(n), Labels{"job": job, "kind": kind})
}

// RecordBatch counts one committed or failed batch.
func RecordBatch(job string) {
	IncCounter("etl_batches_total", 1, Labels{"job": job})
}

// RecordHTTP records one outbound API request. code 0 means no response was
// received.
func RecordHTTP(job string, code int, err error, d time.Duration) {
	st := "none"
	if code > 0 {
		st = strconv.Itoa(code)
	}
	l := Labels{"job": job, "status": st}
	IncCounter("etl_http_requests_total", 1, l)
	if err != nil || code >= 400 {
		IncCounter("etl_http_errors_total", 1, l)
	}
	ObserveHistogram("etl_http_request_duration_seconds", d.Seconds(), l)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
