// Package dataset holds the in-memory rectangular input handed to the upsert
// engine: an ordered list of column labels plus rows of positional values.
//
// Values are plain Go scalars so the same row can flow from a CSV reader, an
// API client or a database dump without conversion. The accepted dynamic types
// are nil, int64, float64, string, bool and time.Time; Append normalizes the
// common aliases (int, int32, float32, []byte, ...) into those.
package dataset

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies a value for type inference.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
	KindBool
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBool:
		return "boolean"
	case KindTime:
		return "timestamp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Row is one positional record; Row[i] belongs to column i.
type Row []any

// Table is an ordered set of uniquely named columns and the rows under them.
//
// Concurrency:
//   - A Table is not safe for concurrent mutation. Once built it is read-only
//     to the engine and may be shared by readers.
type Table struct {
	columns []string
	index   map[string]int
	rows    []Row
}

// New creates an empty table with the given column labels.
//
// Errors:
//   - Returns an error when no columns are given or a label repeats exactly.
//     Labels that differ only after sanitization are accepted here; that
//     collision is reported later as a schema conflict.
func New(columns ...string) (*Table, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("dataset: at least one column is required")
	}
	idx := make(map[string]int, len(columns))
	for i, c := range columns {
		if _, dup := idx[c]; dup {
			return nil, fmt.Errorf("dataset: duplicate column %q", c)
		}
		idx[c] = i
	}
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{columns: cols, index: idx}, nil
}

// MustNew is New for fixed column lists in code and tests.
func MustNew(columns ...string) *Table {
	t, err := New(columns...)
	if err != nil {
		panic(err)
	}
	return t
}

// Columns returns a copy of the column labels in order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// Width is the number of columns.
func (t *Table) Width() int { return len(t.columns) }

// Len is the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Row returns row i. The returned slice must not be modified.
func (t *Table) Row(i int) Row { return t.rows[i] }

// Rows returns all rows in insertion order. The slice must not be modified.
func (t *Table) Rows() []Row { return t.rows }

// ColumnIndex reports the position of a column label.
func (t *Table) ColumnIndex(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// ColumnAt returns the values of column i across all rows.
func (t *Table) ColumnAt(i int) []any {
	out := make([]any, len(t.rows))
	for r, row := range t.rows {
		out[r] = row[i]
	}
	return out
}

// Append adds one row. The number of values must match the column count.
func (t *Table) Append(values ...any) error {
	if len(values) != len(t.columns) {
		return fmt.Errorf("dataset: row %d has %d values, want %d", len(t.rows), len(values), len(t.columns))
	}
	row := make(Row, len(values))
	for i, v := range values {
		nv, err := Normalize(v)
		if err != nil {
			return fmt.Errorf("dataset: row %d column %q: %w", len(t.rows), t.columns[i], err)
		}
		row[i] = nv
	}
	t.rows = append(t.rows, row)
	return nil
}

// Normalize converts v to one of the canonical value types.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, int64, float64, string, bool:
		return x, nil
	case time.Time:
		return x, nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case []byte:
		return string(x), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// KindOf classifies a canonical value. Empty and whitespace-only strings are
// null: a CSV cell with nothing in it carries no type information.
func KindOf(v any) Kind {
	switch x := v.(type) {
	case nil:
		return KindNull
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case bool:
		return KindBool
	case time.Time:
		return KindTime
	case string:
		if strings.TrimSpace(x) == "" {
			return KindNull
		}
		return KindText
	default:
		return KindText
	}
}

// IsNull reports whether v carries no value.
func IsNull(v any) bool { return KindOf(v) == KindNull }
