// Package prompush implements a Prometheus Pushgateway backend for the
// internal/metrics package.
//
// A load run is a batch job with no scrape endpoint, so metrics live in a
// private registry and Flush pushes the whole registry to the gateway, grouped
// by job. The "job" label of metric events becomes the grouping key and is not
// repeated on the series.
package prompush

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"gaetl/internal/metrics"
)

// Options configures the pusher.
type Options struct {
	// URL of the Pushgateway, e.g. "http://pushgateway:9091".
	URL string
	// JobName is the grouping job. Defaults to "gaetl".
	JobName string
	// Grouping adds extra grouping labels (e.g. instance).
	Grouping map[string]string
	// Timeout bounds one push. Defaults to 10s.
	Timeout time.Duration
	// Client overrides the HTTP client (tests).
	Client *http.Client
}

// Backend implements metrics.Backend on a private Prometheus registry.
type Backend struct {
	reg     *prometheus.Registry
	pusher  *push.Pusher
	timeout time.Duration

	counters map[string]*prometheus.CounterVec
	hists    map[string]*prometheus.HistogramVec
	labels   map[string][]string
}

// New builds the registry and pusher.
//
// Errors:
//   - Returns an error when URL is empty.
func New(opts Options) (*Backend, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("prompush: missing pushgateway url")
	}
	job := opts.JobName
	if job == "" {
		job = "gaetl"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	b := &Backend{
		reg:      prometheus.NewRegistry(),
		timeout:  timeout,
		counters: make(map[string]*prometheus.CounterVec),
		hists:    make(map[string]*prometheus.HistogramVec),
		labels:   make(map[string][]string),
	}

	b.counter("etl_step_total", "Pipeline steps by outcome.", "step", "status")
	b.counter("etl_records_total", "Rows by outcome (attempted, upserted, failed).", "kind")
	b.counter("etl_batches_total", "Batches finalized.")
	b.counter("etl_http_requests_total", "Analytics API requests by HTTP status.", "status")
	b.counter("etl_http_errors_total", "Failed analytics API requests by HTTP status.", "status")
	b.histogram("etl_step_duration_seconds", "Pipeline step duration.", "step", "status")
	b.histogram("etl_http_request_duration_seconds", "Analytics API request duration.", "status")

	p := push.New(opts.URL, job).Gatherer(b.reg)
	for k, v := range opts.Grouping {
		p = p.Grouping(k, v)
	}
	if opts.Client != nil {
		p = p.Client(opts.Client)
	}
	b.pusher = p
	return b, nil
}

func (b *Backend) counter(name, help string, labels ...string) {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	b.reg.MustRegister(v)
	b.counters[name] = v
	b.labels[name] = labels
}

func (b *Backend) histogram(name, help string, labels ...string) {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: prometheus.DefBuckets}, labels)
	b.reg.MustRegister(v)
	b.hists[name] = v
	b.labels[name] = labels
}

func (b *Backend) values(name string, l metrics.Labels) []string {
	names := b.labels[name]
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = l[n]
	}
	return out
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, l metrics.Labels) {
	v, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	v.WithLabelValues(b.values(name, l)...).Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, l metrics.Labels) {
	v, ok := b.hists[name]
	if !ok || value < 0 {
		return
	}
	v.WithLabelValues(b.values(name, l)...).Observe(value)
}

// Flush replaces the job's metric group on the gateway with the registry.
func (b *Backend) Flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("prompush: %w", err)
	}
	return nil
}

var (
	_ metrics.Backend = (*Backend)(nil)
	_ metrics.Flusher = (*Backend)(nil)
)
