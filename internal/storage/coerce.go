package storage

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayouts are the text layouts recognised as DATETIME values, most specific
// first. Values without a zone are read as UTC.
var DateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseBool accepts "true" and "false" in any case. Anything else, including
// "1", "yes" and "t", is not a boolean.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

// ParseInt accepts optionally signed base-10 integers that fit in int64.
func ParseInt(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n, err == nil
}

// ParseFloat accepts finite decimal and exponent notation.
func ParseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// ParseTime tries DateLayouts in order.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range DateLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// Coerce converts a canonical dataset value to the Go representation of typ:
// int64, float64, string, bool or time.Time. Nil and blank strings become nil.
//
// Errors:
//   - Returns an error when the value cannot be represented in typ without
//     loss (e.g. "abc" into INTEGER, 2.5 into INTEGER). The executor records
//     such rows as rejected.
func Coerce(v any, typ Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}

	switch typ {
	case TypeUnknown:
		return v, nil

	case TypeText:
		return FormatText(v), nil

	case TypeInteger:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			// float64(math.MaxInt64) rounds up to 2^63, so the upper bound is exclusive.
			if x == math.Trunc(x) && x >= -(1<<63) && x < 1<<63 {
				return int64(x), nil
			}
		case string:
			if n, ok := ParseInt(x); ok {
				return n, nil
			}
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		}

	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case string:
			if f, ok := ParseFloat(x); ok {
				return f, nil
			}
		}

	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			if x == 0 || x == 1 {
				return x == 1, nil
			}
		case string:
			if b, ok := ParseBool(x); ok {
				return b, nil
			}
			if x == "0" || x == "1" {
				return x == "1", nil
			}
		}

	case TypeDateTime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			if ts, ok := ParseTime(x); ok {
				return ts, nil
			}
		}
	}
	return nil, fmt.Errorf("cannot convert %T %q to %s", v, FormatText(v), typ)
}

// FormatText renders a canonical value as text.
func FormatText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(v)
	}
}
