package csvio

import (
	"fmt"
	"time"

	"gaetl/internal/dataset"
	"gaetl/internal/storage"
)

// FilterByDate returns the rows of t whose column value falls in [from, to].
// Values may be time.Time or any text layout storage.ParseTime accepts; rows
// with a null or unparseable date are dropped.
func FilterByDate(t *dataset.Table, column string, from, to time.Time) (*dataset.Table, error) {
	ix, ok := t.ColumnIndex(column)
	if !ok {
		return nil, fmt.Errorf("no column %q", column)
	}
	out := dataset.MustNew(t.Columns()...)
	for _, row := range t.Rows() {
		ts, ok := asTime(row[ix])
		if !ok || ts.Before(from) || ts.After(to) {
			continue
		}
		if err := out.Append(row...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		return storage.ParseTime(x)
	default:
		return time.Time{}, false
	}
}
