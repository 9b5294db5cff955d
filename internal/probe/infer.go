package probe

import (
	"strings"
	"time"

	"gaetl/internal/dataset"
	"gaetl/internal/storage"
)

// InferType picks the storage type for one column's values.
//
// Typed values map directly: int64 -> INTEGER, float64 -> FLOAT, bool ->
// BOOLEAN, time.Time -> DATETIME. A column mixing INTEGER and FLOAT widens to
// FLOAT; any other mix of kinds is TEXT.
//
// Text values get the first type that every non-null value parses as, trying
// BOOLEAN, INTEGER, FLOAT, DATETIME, then TEXT. BOOLEAN means "true"/"false"
// only, so a 0/1 column stays INTEGER.
//
// Nulls and blank strings carry no information. A column with nothing else is
// TEXT.
func InferType(values []any) storage.Type {
	var kinds [dataset.KindTime + 1]bool
	var texts []string
	for _, v := range values {
		k := dataset.KindOf(v)
		kinds[k] = true
		if k == dataset.KindText {
			texts = append(texts, strings.TrimSpace(v.(string)))
		}
	}

	typed := 0
	for k := dataset.KindInt; k <= dataset.KindTime; k++ {
		if kinds[k] {
			typed++
		}
	}

	switch {
	case typed == 0:
		return storage.TypeText
	case typed == 1 && kinds[dataset.KindText]:
		return inferText(texts)
	case typed > 1 && kinds[dataset.KindText]:
		return storage.TypeText
	case typed == 2 && kinds[dataset.KindInt] && kinds[dataset.KindFloat]:
		return storage.TypeFloat
	case typed > 1:
		return storage.TypeText
	case kinds[dataset.KindInt]:
		return storage.TypeInteger
	case kinds[dataset.KindFloat]:
		return storage.TypeFloat
	case kinds[dataset.KindBool]:
		return storage.TypeBoolean
	case kinds[dataset.KindTime]:
		return storage.TypeDateTime
	default:
		return storage.TypeText
	}
}

// inferText runs the candidate parsers over non-blank text values.
func inferText(values []string) storage.Type {
	allBool := true
	allInt := true
	allFloat := true
	allTime := true

	for _, v := range values {
		if allBool {
			if _, ok := storage.ParseBool(v); !ok {
				allBool = false
			}
		}
		if allInt {
			if _, ok := storage.ParseInt(v); !ok {
				allInt = false
			}
		}
		if allFloat {
			if _, ok := storage.ParseFloat(v); !ok {
				allFloat = false
			}
		}
		if allTime {
			if _, ok := storage.ParseTime(v); !ok {
				allTime = false
			}
		}
		if !allBool && !allInt && !allFloat && !allTime {
			break
		}
	}

	switch {
	case allBool:
		return storage.TypeBoolean
	case allInt:
		return storage.TypeInteger
	case allFloat:
		return storage.TypeFloat
	case allTime:
		return storage.TypeDateTime
	default:
		return storage.TypeText
	}
}

// InferColumns builds a nullable ColumnSpec for every column of t, named by
// names (the sanitized labels, aligned with t.Columns()).
func InferColumns(t *dataset.Table, names []string) []storage.ColumnSpec {
	out := make([]storage.ColumnSpec, len(names))
	for i, name := range names {
		out[i] = storage.ColumnSpec{
			Name:     name,
			Type:     InferType(t.ColumnAt(i)),
			Nullable: true,
		}
	}
	return out
}

// detectLayout returns the most common DateLayouts entry matching the text
// values of a DATETIME column, or "" when the column holds no text.
func detectLayout(values []any) string {
	counts := make(map[string]int)
	for _, v := range values {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		if lay := matchLayout(strings.TrimSpace(s)); lay != "" {
			counts[lay]++
		}
	}
	best := ""
	bestN := 0
	// Ties resolve to the earlier, more specific layout.
	for _, lay := range storage.DateLayouts {
		if n := counts[lay]; n > bestN {
			best = lay
			bestN = n
		}
	}
	return best
}

func matchLayout(s string) string {
	for _, lay := range storage.DateLayouts {
		if _, err := time.ParseInLocation(lay, s, time.UTC); err == nil {
			return lay
		}
	}
	return ""
}
