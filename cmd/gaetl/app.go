package main

import (
	"context"
	"fmt"
	"io"

	"gaetl/internal/analytics"
	"gaetl/internal/archive"
	"gaetl/internal/config"
	"gaetl/internal/logging"
	"gaetl/internal/pipeline"
	"gaetl/internal/upsert"
)

// app is the state shared by the commands of one invocation.
type app struct {
	deps   appDeps
	stdout io.Writer
	stderr io.Writer

	configPath string
	output     string
	verbose    bool

	cfg     *config.Config
	cleanup func()
}

// setup loads the configuration, reconfigures logging and installs the
// metrics backend. It runs once per invocation and only for commands that
// need it.
func (a *app) setup(ctx context.Context) (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := a.deps.loadConfig(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Logging.Level
	if a.verbose {
		level = "debug"
	}
	logging.Init(logging.Config{Level: level, Format: cfg.Logging.Format, Output: a.stderr})

	cleanup, err := a.deps.initMetrics(ctx, cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	a.cfg, a.cleanup = cfg, cleanup
	return cfg, nil
}

func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
}

// buildRunner wires the production collaborators. The GA fetcher is only
// built when the command fetches.
func buildRunner(ctx context.Context, cfg *config.Config, withFetcher bool) (runner, error) {
	r := &pipeline.Runner{
		Persister:  &upsert.Engine{Storage: cfg.Storage(), Job: cfg.Metrics.Job},
		ExportDir:  cfg.Export.Dir,
		ExportName: cfg.Export.Name,
		Persist:    upsert.Options{Table: cfg.DB.Table, KeyColumns: cfg.DB.KeyColumns},
		LastDays:   cfg.GA.LastDays,
		Job:        cfg.Metrics.Job,
	}
	if !withFetcher {
		return r, nil
	}

	if err := cfg.RequireGA(); err != nil {
		return nil, err
	}
	f, err := analytics.NewFetcher(ctx, analytics.Options{
		CredentialsFile: cfg.GA.CredentialsFile,
		PropertyID:      cfg.GA.PropertyID,
		LandingPrefix:   cfg.GA.LandingPrefix,
		Endpoint:        cfg.GA.Endpoint,
		Timeout:         cfg.GA.Timeout,
		Job:             cfg.Metrics.Job,
	})
	if err != nil {
		return nil, err
	}
	r.Fetcher = f

	opts := archive.OptionsFromEnv()
	opts.Job = cfg.Metrics.Job
	arc, err := archive.New(ctx, cfg.Export.ArchiveURL, opts)
	if err != nil {
		return nil, err
	}
	if arc != nil {
		r.Archiver = arc
	}
	return r, nil
}
