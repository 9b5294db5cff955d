package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"gaetl/internal/csvio"
	"gaetl/internal/logging"
	"gaetl/internal/pipeline"
	"gaetl/internal/probe"
	"gaetl/internal/storage"
	"gaetl/internal/upsert"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "gaetl",
		Short:         "Load the GA4 organic landing-page report into a SQL table",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.output != "table" && a.output != "json" {
				return usageError{fmt.Errorf("unsupported output format %q: use 'table' or 'json'", a.output)}
			}
			if a.verbose {
				logging.Init(logging.Config{Level: "debug", Output: a.stderr})
			}
			return nil
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file (default $CONFIG_PATH or ./gaetl.yaml)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "Output format (table, json)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRunCmd(a),
		newLoadCmd(a),
		newProbeCmd(a),
		newCheckCmd(a),
		newScheduleCmd(a),
	)
	return root
}

// args wraps a cobra positional-args check so its failures are usage errors.
func args(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := check(cmd, a); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func newRunCmd(a *app) *cobra.Command {
	var opts pipeline.RunOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch the report, export it to CSV and load it",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Days < 0 {
				return usageError{fmt.Errorf("--days must be positive, got %d", opts.Days)}
			}
			ctx := cmd.Context()
			cfg, err := a.setup(ctx)
			if err != nil {
				return err
			}
			r, err := a.deps.newRunner(ctx, cfg, true)
			if err != nil {
				return err
			}
			rep, err := r.Run(ctx, opts)
			if perr := a.printReport(rep); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().IntVar(&opts.Days, "days", 0, "report window in days ending yesterday (default LAST_DAYS)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "fetch and export only")
	return cmd
}

func newLoadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "load FILE",
		Short: "Upsert a CSV file into the destination table",
		Args:  args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			ctx := cmd.Context()
			cfg, err := a.setup(ctx)
			if err != nil {
				return err
			}
			r, err := a.deps.newRunner(ctx, cfg, false)
			if err != nil {
				return err
			}
			res, err := r.LoadFile(ctx, argv[0])
			if perr := a.printLoad(pipeline.Summarize(res)); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newProbeCmd(a *app) *cobra.Command {
	var table string
	cmd := &cobra.Command{
		Use:   "probe FILE",
		Short: "Show sanitized column names, inferred types and a suggested key for a CSV file",
		Args:  args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			t, err := csvio.ReadFile(cmd.Context(), argv[0])
			if err != nil {
				return err
			}
			rep, err := probe.Analyze(t, table)
			if err != nil {
				return err
			}
			if a.output == "json" {
				return printJSON(a.stdout, rep)
			}
			return rep.Render(a.stdout)
		},
	}
	cmd.Flags().StringVar(&table, "table", upsert.DefaultTable, "table name shown in the report")
	return cmd
}

func newCheckCmd(a *app) *cobra.Command {
	var (
		table  string
		column string
		from   string
		to     string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Print the destination table",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := a.setup(ctx)
			if err != nil {
				return err
			}
			if table == "" {
				table = cfg.DB.Table
			}
			var filter *storage.RangeFilter
			if from != "" || to != "" {
				filter = &storage.RangeFilter{Column: column}
				if from != "" {
					filter.From = from
				}
				if to != "" {
					filter.To = to
				}
			}
			t, err := a.deps.newDumper(cfg).Dump(ctx, table, filter)
			if err != nil {
				return err
			}
			return a.printTable(t)
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "table to print (default db.table)")
	cmd.Flags().StringVar(&column, "column", "date", "column the --from/--to range applies to")
	cmd.Flags().StringVar(&from, "from", "", "inclusive lower bound")
	cmd.Flags().StringVar(&to, "to", "", "inclusive upper bound")
	return cmd
}

func newScheduleCmd(a *app) *cobra.Command {
	var spec string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline on a cron schedule until interrupted",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := a.setup(ctx)
			if err != nil {
				return err
			}
			if spec == "" {
				spec = cfg.Schedule
			}
			if spec == "" {
				return usageError{fmt.Errorf("no schedule: set SCHEDULE or pass --cron")}
			}
			r, err := a.deps.newRunner(ctx, cfg, true)
			if err != nil {
				return err
			}
			s := &pipeline.Scheduler{
				Spec: spec,
				Job: func(ctx context.Context) error {
					rep, err := r.Run(ctx, pipeline.RunOptions{})
					ev := logging.Ctx(ctx).Info()
					if err != nil {
						ev = logging.Ctx(ctx).Error().Err(err)
					}
					ev.Str("window", rep.Window).
						Int("fetched", rep.Fetched).
						Str("export", rep.ExportPath).
						Dur("duration", rep.Duration).
						Msg("scheduled run done")
					return nil
				},
			}
			return s.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&spec, "cron", "", "five-field cron expression (default SCHEDULE)")
	return cmd
}
