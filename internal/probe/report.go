package probe

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"gaetl/internal/dataset"
	"gaetl/internal/storage"
)

const distinctCapPerColumn = 10000

// ColumnReport describes one column of a probed dataset.
type ColumnReport struct {
	Raw      string       `json:"raw"`
	Name     string       `json:"name"`
	Type     storage.Type `json:"type"`
	Layout   string       `json:"layout,omitempty"`
	NonNull  int          `json:"non_null"`
	Distinct int          `json:"distinct"`
	Capped   bool         `json:"capped,omitempty"`
}

// Report is the probe summary of a dataset: sanitized names, inferred types,
// per-column uniqueness and a suggested key.
type Report struct {
	Table         string         `json:"table"`
	Rows          int            `json:"rows"`
	Columns       []ColumnReport `json:"columns"`
	SuggestedKeys []string       `json:"suggested_keys"`
}

// Specs returns the inferred schema as ColumnSpecs.
func (r Report) Specs() []storage.ColumnSpec {
	out := make([]storage.ColumnSpec, len(r.Columns))
	for i, c := range r.Columns {
		out[i] = storage.ColumnSpec{Name: c.Name, Type: c.Type, Nullable: true}
	}
	return out
}

// Analyze sanitizes and types every column of t and measures its uniqueness.
//
// Errors:
//   - storage.ErrSchemaConflict from SanitizeColumns.
func Analyze(t *dataset.Table, table string) (Report, error) {
	raw := t.Columns()
	names, err := SanitizeColumns(raw)
	if err != nil {
		return Report{}, err
	}

	rep := Report{Table: table, Rows: t.Len(), Columns: make([]ColumnReport, len(names))}
	for i, name := range names {
		values := t.ColumnAt(i)
		c := ColumnReport{Raw: raw[i], Name: name, Type: InferType(values)}
		if c.Type == storage.TypeDateTime {
			c.Layout = detectLayout(values)
		}
		c.NonNull, c.Distinct, c.Capped = uniqueness(values)
		rep.Columns[i] = c
	}
	rep.SuggestedKeys = suggestKeys(t, rep.Columns)
	return rep, nil
}

// uniqueness counts non-null values and their distinct text forms. Distinct
// counting stops at distinctCapPerColumn to bound memory on ID-like columns.
func uniqueness(values []any) (nonNull, distinct int, capped bool) {
	set := make(map[string]struct{})
	for _, v := range values {
		if dataset.IsNull(v) {
			continue
		}
		nonNull++
		if capped {
			continue
		}
		set[storage.NormalizeKey(v)] = struct{}{}
		if len(set) >= distinctCapPerColumn {
			capped = true
			set = nil
		}
	}
	if capped {
		return nonNull, distinctCapPerColumn, true
	}
	return nonNull, len(set), false
}

// suggestKeys picks a small column set whose values identify every row.
//
// Candidates are fully populated, non-FLOAT columns, tried dimension-first
// (DATETIME, TEXT, BOOLEAN, INTEGER) and otherwise in column order. Columns
// are added one at a time until the combination is unique across the rows.
// Returns nil when no combination is unique; the caller then keys on every
// column.
func suggestKeys(t *dataset.Table, cols []ColumnReport) []string {
	if t.Len() == 0 {
		return nil
	}

	rank := map[storage.Type]int{
		storage.TypeDateTime: 0,
		storage.TypeText:     1,
		storage.TypeBoolean:  2,
		storage.TypeInteger:  3,
	}
	var cands []int
	for i, c := range cols {
		if _, ok := rank[c.Type]; !ok || c.NonNull < t.Len() {
			continue
		}
		cands = append(cands, i)
	}
	sort.SliceStable(cands, func(a, b int) bool {
		return rank[cols[cands[a]].Type] < rank[cols[cands[b]].Type]
	})

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}

	var keys []string
	for _, i := range cands {
		keys = append(keys, cols[i].Name)
		if uniqueOn(t, names, keys) {
			return keys
		}
	}
	return nil
}

func uniqueOn(t *dataset.Table, names, keys []string) bool {
	seen := make(map[string]struct{}, t.Len())
	for _, row := range t.Rows() {
		k := storage.RowKey(names, row, keys)
		if _, dup := seen[k]; dup {
			return false
		}
		seen[k] = struct{}{}
	}
	return true
}

// Render writes the report as aligned text:
//
//	table=visits rows=2
//	header       name         type      layout      non_null  distinct  ratio
//	Landing Page Landing_Page TEXT                  2         2         100.0%
//	suggested_keys=date,Landing_Page
func (r Report) Render(w io.Writer) error {
	fmt.Fprintf(w, "table=%s rows=%d\n", r.Table, r.Rows)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "header\tname\ttype\tlayout\tnon_null\tdistinct\tratio")
	for _, c := range r.Columns {
		ratio := "-"
		if c.NonNull > 0 {
			ratio = fmt.Sprintf("%.1f%%", float64(c.Distinct)/float64(c.NonNull)*100)
			if c.Capped {
				ratio = ">" + ratio
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", c.Raw, c.Name, c.Type, c.Layout, c.NonNull, c.Distinct, ratio)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	keys := "(all columns)"
	if len(r.SuggestedKeys) > 0 {
		keys = strings.Join(r.SuggestedKeys, ",")
	}
	_, err := fmt.Fprintf(w, "suggested_keys=%s\n", keys)
	return err
}
