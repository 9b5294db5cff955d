// Table and column descriptions shared by the engine and every backend package.
package storage

import (
	"fmt"
	"strings"
)

// Type is the backend-neutral storage type of a column. Each backend maps it to
// a concrete SQL type when creating tables and maps database type names back
// to it when probing an existing table.
type Type uint8

const (
	// TypeUnknown marks a column whose type could not be determined. Values for
	// such columns are bound as-is and the database decides.
	TypeUnknown Type = iota
	TypeInteger
	TypeFloat
	TypeText
	TypeDateTime
	TypeBoolean
)

func (t Type) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeFloat:
		return "FLOAT"
	case TypeText:
		return "TEXT"
	case TypeDateTime:
		return "DATETIME"
	case TypeBoolean:
		return "BOOLEAN"
	default:
		return "UNKNOWN"
	}
}

// ParseType accepts the names produced by Type.String (case-insensitive).
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INTEGER", "INT", "BIGINT":
		return TypeInteger, nil
	case "FLOAT", "DOUBLE", "REAL":
		return TypeFloat, nil
	case "TEXT", "STRING":
		return TypeText, nil
	case "DATETIME", "TIMESTAMP":
		return TypeDateTime, nil
	case "BOOLEAN", "BOOL":
		return TypeBoolean, nil
	default:
		return TypeUnknown, fmt.Errorf("storage: unknown column type %q", s)
	}
}

// MarshalText lets config and JSON output render types by name.
func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText is the inverse of MarshalText.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ColumnSpec describes one destination column.
type ColumnSpec struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Nullable bool   `json:"nullable"`
}

// TableSpec describes a destination table.
//
// Edge cases:
//   - KeyColumns empty means "every column is part of the key", which makes a
//     re-run of identical rows a no-op and keeps distinct rows distinct.
//   - Key columns are always created NOT NULL regardless of Nullable.
type TableSpec struct {
	Name       string       `json:"name"`
	Columns    []ColumnSpec `json:"columns"`
	KeyColumns []string     `json:"key_columns,omitempty"`
}

// ColumnNames returns the column names in declaration order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Keys returns the effective key column list.
func (t TableSpec) Keys() []string {
	if len(t.KeyColumns) > 0 {
		return t.KeyColumns
	}
	return t.ColumnNames()
}

// IsKey reports whether name is part of the effective key.
func (t TableSpec) IsKey(name string) bool {
	for _, k := range t.Keys() {
		if k == name {
			return true
		}
	}
	return false
}

// Column looks up a column by exact name.
func (t TableSpec) Column(name string) (ColumnSpec, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// Validate checks the structural rules every backend relies on.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("table %s: empty column name", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = true
	}
	for _, k := range t.KeyColumns {
		if !seen[k] {
			return fmt.Errorf("table %s: key column %q is not a column", t.Name, k)
		}
	}
	return nil
}

// SplitQualifiedName splits "schema.table" into its parts. Names without a
// single dot are returned unqualified.
func SplitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}
