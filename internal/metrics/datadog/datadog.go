// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Flushing:
//   - metrics are buffered in memory under a mutex
//   - a ticker flushes the buffer periodically (default once per minute), so a
//     long scheduled run shows up as a time series rather than a single spike
//   - Close stops the ticker and flushes one final time
//
// Counters are submitted as COUNT series. Histograms are reduced locally to
// p50/p90/p95/p99/max/samples GAUGE series per tag set.
//
// Credentials come from the usual DD_API_KEY / DD_SITE environment variables
// read by the Datadog client.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"gaetl/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "gaetl".
	JobName string

	// Tags are extra Datadog tags (e.g. "env:prod", "team:growth").
	Tags []string

	// FlushEvery is the periodic flush interval. Defaults to 60s.
	FlushEvery time.Duration

	// Test seams; production leaves them nil.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the part of *datadogV2.MetricsApi the backend uses.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu  sync.Mutex
	buf buffer
}

// buffer is one collection window. Keys are tag-set keys built by tagKey.
type buffer struct {
	stepCounts   map[string]float64
	stepDur      map[string][]float64
	recordCounts map[string]float64
	batchCount   float64

	httpReqCounts map[string]float64
	httpErrCounts map[string]float64
	httpReqDur    map[string][]float64
}

func newBuffer() buffer {
	return buffer{
		stepCounts:    make(map[string]float64),
		stepDur:       make(map[string][]float64),
		recordCounts:  make(map[string]float64),
		httpReqCounts: make(map[string]float64),
		httpErrCounts: make(map[string]float64),
		httpReqDur:    make(map[string][]float64),
	}
}

func (s buffer) isEmpty() bool {
	return len(s.stepCounts) == 0 &&
		len(s.stepDur) == 0 &&
		len(s.recordCounts) == 0 &&
		s.batchCount == 0 &&
		len(s.httpReqCounts) == 0 &&
		len(s.httpErrCounts) == 0 &&
		len(s.httpReqDur) == 0
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend and starts its flush loop.
//
// Edge cases:
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//
// Errors:
//   - Client construction does not fail; network errors surface from Flush.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "gaetl"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}
	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		buf:        newBuffer(),
	}
	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs a final Flush. Later calls only
// flush.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "etl_step_total":
		b.buf.stepCounts[tagKey("step:"+labels["step"], "status:"+labels["status"])] += delta
	case "etl_records_total":
		if labels["kind"] == "" {
			return
		}
		b.buf.recordCounts[tagKey("kind:"+labels["kind"])] += delta
	case "etl_batches_total":
		b.buf.batchCount += delta
	case "etl_http_requests_total":
		b.buf.httpReqCounts[tagKey("status:"+orUnknown(labels["status"]))] += delta
	case "etl_http_errors_total":
		b.buf.httpErrCounts[tagKey("status:"+orUnknown(labels["status"]))] += delta
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "etl_step_duration_seconds":
		k := tagKey("step:"+labels["step"], "status:"+labels["status"])
		b.buf.stepDur[k] = append(b.buf.stepDur[k], value)
	case "etl_http_request_duration_seconds":
		k := tagKey("status:" + orUnknown(labels["status"]))
		b.buf.httpReqDur[k] = append(b.buf.httpReqDur[k], value)
	}
}

// Flush submits the buffered window and starts a new one. The window is
// dropped even when submission fails.
func (b *Backend) Flush() error {
	b.mu.Lock()
	snap := b.buf
	b.buf = newBuffer()
	b.mu.Unlock()

	if snap.isEmpty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	if err != nil {
		return fmt.Errorf("datadog submit: %w", err)
	}
	return nil
}

// buildSeries converts a window into Datadog series at a fixed timestamp.
func (b *Backend) buildSeries(s buffer, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, 16)

	counts := func(metric string, m map[string]float64) {
		for _, k := range sortedKeys(m) {
			if m[k] == 0 {
				continue
			}
			series = append(series, point(metric, datadogV2.METRICINTAKETYPE_COUNT, m[k], withTags(b.baseTags, splitTagKey(k)...), nowUnix))
		}
	}
	percentiles := func(prefix string, m map[string][]float64) {
		for _, k := range sortedKeys(m) {
			addPercentiles(&series, withTags(b.baseTags, splitTagKey(k)...), prefix, m[k], nowUnix)
		}
	}

	counts("etl.step.total", s.stepCounts)
	percentiles("etl.step.duration_seconds", s.stepDur)
	counts("etl.records.total", s.recordCounts)
	if s.batchCount != 0 {
		series = append(series, point("etl.batches.total", datadogV2.METRICINTAKETYPE_COUNT, s.batchCount, b.baseTags, nowUnix))
	}
	counts("etl.http.requests.total", s.httpReqCounts)
	counts("etl.http.errors.total", s.httpErrCounts)
	percentiles("etl.http.request_duration_seconds", s.httpReqDur)
	return series
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges. samples is not
// modified.
func addPercentiles(series *[]datadogV2.MetricSeries, tags []string, prefix string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	gauge := datadogV2.METRICINTAKETYPE_GAUGE
	*series = append(*series,
		point(prefix+".p50", gauge, percentileNearestRank(cp, 0.50), tags, nowUnix),
		point(prefix+".p90", gauge, percentileNearestRank(cp, 0.90), tags, nowUnix),
		point(prefix+".p95", gauge, percentileNearestRank(cp, 0.95), tags, nowUnix),
		point(prefix+".p99", gauge, percentileNearestRank(cp, 0.99), tags, nowUnix),
		point(prefix+".max", gauge, cp[len(cp)-1], tags, nowUnix),
		point(prefix+".samples", gauge, float64(len(cp)), tags, nowUnix),
	)
}

func point(metric string, typ datadogV2.MetricIntakeType, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func tagKey(tags ...string) string { return strings.Join(tags, "\x00") }

func splitTagKey(k string) []string { return strings.Split(k, "\x00") }

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var (
	_ metrics.Backend = (*Backend)(nil)
	_ metrics.Flusher = (*Backend)(nil)
)
