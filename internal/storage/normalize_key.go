package storage

import (
	"strings"
)

// NormalizeKey converts a key value to a canonical string form, suitable for
// log lines and in-memory comparisons (e.g. "2024-01-02" or "8429529").
//
// Backends must not assume a particular underlying type for keys; text can
// come back from a driver as string or []byte and timestamps in any zone.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	default:
		return strings.TrimSpace(FormatText(v))
	}
}

// RowKey renders the key columns of a row as "a|b|c" for diagnostics.
// Columns not present in names are skipped.
func RowKey(names []string, row []any, keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for i, n := range names {
			if n == k && i < len(row) {
				parts = append(parts, NormalizeKey(row[i]))
				break
			}
		}
	}
	return strings.Join(parts, "|")
}
