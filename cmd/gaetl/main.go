// Command gaetl pulls the Google organic landing-page report from GA4, keeps a
// dated CSV export and upserts it into a SQL table.
//
//	gaetl run [--days N] [--dry-run]
//	gaetl load FILE
//	gaetl probe FILE
//	gaetl check [--from DATE] [--to DATE]
//	gaetl schedule [--cron SPEC]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	goccyjson "github.com/goccy/go-json"

	"gaetl/internal/config"
	"gaetl/internal/dataset"
	"gaetl/internal/pipeline"
	"gaetl/internal/storage"
	"gaetl/internal/upsert"

	// register every backend with the storage factory; config picks one.
	_ "gaetl/internal/storage/mssql"
	_ "gaetl/internal/storage/mysql"
	_ "gaetl/internal/storage/postgres"
	_ "gaetl/internal/storage/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runner is the part of pipeline.Runner the commands use.
type runner interface {
	Run(ctx context.Context, opts pipeline.RunOptions) (pipeline.Report, error)
	LoadFile(ctx context.Context, path string) (upsert.Result, error)
}

// tableDumper reads the destination table back.
type tableDumper interface {
	Dump(ctx context.Context, table string, filter *storage.RangeFilter) (*dataset.Table, error)
}

// appDeps are the seams between command parsing and the outside world.
type appDeps struct {
	loadConfig  func(path string) (*config.Config, error)
	initMetrics func(ctx context.Context, cfg config.MetricsConfig) (func(), error)
	newRunner   func(ctx context.Context, cfg *config.Config, withFetcher bool) (runner, error)
	newDumper   func(cfg *config.Config) tableDumper
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:  config.Load,
		initMetrics: initMetrics,
		newRunner:   buildRunner,
		newDumper: func(cfg *config.Config) tableDumper {
			return &upsert.Engine{Storage: cfg.Storage(), Job: cfg.Metrics.Job}
		},
	}
}

// usageError marks errors that exit with code 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// runMain executes one invocation and returns the process exit code:
// 0 on success, 1 on failure, 2 on usage errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	a := &app{deps: deps, stdout: stdout, stderr: stderr}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var ue usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		fmt.Fprintf(stderr, "usage: %v\n", err)
		fmt.Fprintf(stderr, "run '%s --help' for usage\n", root.Name())
		return 2
	}
	if a.output == "json" {
		_ = printJSON(stdout, map[string]any{"error": err.Error()})
	} else {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return 1
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := goccyjson.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
