package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"gaetl/internal/dataset"
	"gaetl/internal/pipeline"
	"gaetl/internal/storage"
)

func (a *app) printReport(rep pipeline.Report) error {
	if a.output == "json" {
		return printJSON(a.stdout, rep)
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run_id\t%s\n", rep.RunID)
	fmt.Fprintf(tw, "window\t%s\n", rep.Window)
	fmt.Fprintf(tw, "fetched\t%d\n", rep.Fetched)
	if rep.ExportPath != "" {
		fmt.Fprintf(tw, "export\t%s\n", rep.ExportPath)
	}
	if rep.ArchiveURL != "" {
		fmt.Fprintf(tw, "archive\t%s\n", rep.ArchiveURL)
	}
	if rep.DryRun {
		fmt.Fprintf(tw, "dry_run\ttrue\n")
	}
	if rep.Load != nil {
		writeLoad(tw, rep.Load)
	}
	fmt.Fprintf(tw, "duration\t%s\n", rep.Duration.Truncate(time.Millisecond))
	return tw.Flush()
}

func (a *app) printLoad(s *pipeline.LoadSummary) error {
	if a.output == "json" {
		return printJSON(a.stdout, s)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	writeLoad(tw, s)
	return tw.Flush()
}

func writeLoad(tw *tabwriter.Writer, s *pipeline.LoadSummary) {
	fmt.Fprintf(tw, "table\t%s\n", s.Table)
	fmt.Fprintf(tw, "created\t%t\n", s.Created)
	fmt.Fprintf(tw, "attempted\t%d\n", s.Attempted)
	fmt.Fprintf(tw, "upserted\t%d\n", s.Upserted)
	fmt.Fprintf(tw, "failed\t%d\n", s.Failed)
	if s.Canceled {
		fmt.Fprintf(tw, "canceled\ttrue\n")
	}
	for _, r := range s.Rejections {
		fmt.Fprintf(tw, "rejected\t%s\n", r)
	}
	if s.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", s.Error)
	}
}

// printTable prints a dataset as aligned columns, or as a JSON array of
// objects keyed by column name.
func (a *app) printTable(t *dataset.Table) error {
	cols := t.Columns()
	if a.output == "json" {
		rows := make([]map[string]any, 0, t.Len())
		for _, row := range t.Rows() {
			m := make(map[string]any, len(cols))
			for i, c := range cols {
				m[c] = row[i]
			}
			rows = append(rows, m)
		}
		return printJSON(a.stdout, rows)
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
	cells := make([]string, len(cols))
	for _, row := range t.Rows() {
		for i, v := range row {
			cells[i] = storage.FormatText(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	fmt.Fprintf(tw, "(%d rows)\n", t.Len())
	return tw.Flush()
}
