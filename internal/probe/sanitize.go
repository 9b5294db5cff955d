// Package probe turns an untyped dataset into a column schema: it sanitizes
// raw column labels into SQL identifiers, infers a storage type per column and
// renders a human-readable summary (types, uniqueness, a suggested key) for the
// probe command.
//
// Design constraints:
//   - Everything here is pure and deterministic; no backend access.
//   - Inference is best-effort: an ambiguous column becomes TEXT rather than
//     an error.
package probe

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"gaetl/internal/storage"
)

// MaxIdentLen is the longest identifier SanitizeColumn produces, in bytes.
// 63 is the Postgres limit and fits every other supported backend.
const MaxIdentLen = 63

// SanitizeColumn converts a raw column label into an identifier.
//
// Rules, applied in order:
//   - trim surrounding whitespace
//   - every run of inner whitespace becomes one underscore
//   - accented Latin letters fold to ASCII ("Página" -> "Pagina")
//   - anything outside [A-Za-z0-9_] is dropped
//   - the result is cut to MaxIdentLen bytes
//
// Case is preserved. The function is idempotent: its output only contains
// characters it keeps, so a second pass changes nothing.
//
// Example:
//
//	SanitizeColumn("  Landing Page ")  // "Landing_Page"
//	SanitizeColumn("Sessions (7d)")    // "Sessions_7d"
func SanitizeColumn(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	s = strings.Join(strings.Fields(s), "_")
	s = foldAccents(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return truncateIdent(b.String())
}

// SanitizeColumns sanitizes every label and checks the results are usable as
// one table's column list.
//
// Errors:
//   - storage.ErrSchemaConflict when a label sanitizes to "" or two labels
//     sanitize to the same identifier. The error names both raw labels.
func SanitizeColumns(raw []string) ([]string, error) {
	out := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for i, label := range raw {
		name := SanitizeColumn(label)
		if name == "" {
			return nil, fmt.Errorf("%w: column %d (%q) has no usable characters", storage.ErrSchemaConflict, i, label)
		}
		if j, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: columns %q and %q both sanitize to %q", storage.ErrSchemaConflict, raw[j], label, name)
		}
		seen[name] = i
		out[i] = name
	}
	return out, nil
}

// NormalizeName converts an arbitrary string (typically a file name) into a
// lowercase identifier suitable for a table name.
func NormalizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.ToLower(foldAccents(s))

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := false
	for _, r := range s {
		if unicode.IsSpace(r) || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';' {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			lastUnderscore = (r == '_')
		}
	}
	return truncateIdent(strings.Trim(b.String(), "_"))
}

// foldAccents decomposes s (NFKD) and drops the combining marks.
func foldAccents(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func truncateIdent(s string) string {
	if len(s) <= MaxIdentLen {
		return s
	}
	// Cut on a UTF-8 boundary.
	cut := MaxIdentLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
