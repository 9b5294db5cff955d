package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gaetl/internal/config"
	"gaetl/internal/logging"
	"gaetl/internal/metrics"
	"gaetl/internal/metrics/datadog"
	"gaetl/internal/metrics/prompush"
)

// metricsBackend is the shutdown side of a buffering backend.
type metricsBackend interface {
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		b, err := datadog.NewBackend(ctx, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	newPushBackend = func(opts prompush.Options) (metrics.Flusher, error) {
		b, err := prompush.New(opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = func(format string, v ...any) {
		logging.Warn().Msgf(format, v...)
	}
)

// initMetrics installs the configured backend and returns its cleanup. The
// cleanup is never nil and flushes buffered series once.
func initMetrics(ctx context.Context, cfg config.MetricsConfig) (func(), error) {
	job := cfg.Job
	if job == "" {
		job = "gaetl"
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "none":
		return func() {}, nil

	case "datadog":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       cfg.Tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return func() {}, fmt.Errorf("datadog: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			// Close stops the flush loop and submits what is left.
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	case "pushgateway":
		b, err := newPushBackend(prompush.Options{URL: cfg.PushgatewayURL, JobName: job})
		if err != nil {
			return func() {}, fmt.Errorf("pushgateway: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Flush(); err != nil {
				logPrintf("metrics: pushgateway flush error: %v", err)
			}
		}, nil

	default:
		return func() {}, fmt.Errorf("unknown metrics backend %q", cfg.Backend)
	}
}
