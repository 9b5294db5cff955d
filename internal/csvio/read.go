// Package csvio writes the dated CSV export and reads delimited files back
// into a dataset.Table.
//
// The file format is the plain one the job has always produced: a header
// line, then comma-separated records with standard quoting. Every value read
// back is text; empty fields become nil.
package csvio

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gaetl/internal/dataset"
)

// ReadOptions tune Read. The zero value reads a standard comma-separated file.
type ReadOptions struct {
	Comma      rune
	LazyQuotes bool

	// TrimSpace strips surrounding whitespace from every field.
	TrimSpace bool

	// OnError, when set, receives malformed records and reading continues.
	// When nil the first malformed record fails the read.
	OnError func(line int, err error)
}

// ReadFile reads the CSV file at path.
func ReadFile(ctx context.Context, path string) (*dataset.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := Read(ctx, f, ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return t, nil
}

// Read parses a header line and the records under it.
//
// Edge cases:
//   - A UTF-8 byte order mark before the first header is dropped.
//   - A record whose field count differs from the header is malformed: it is
//     passed to OnError, or fails the read when OnError is nil.
//   - Blank lines are skipped.
func Read(ctx context.Context, r io.Reader, opt ReadOptions) (*dataset.Table, error) {
	cr := csv.NewReader(r)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty input: no header line")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	columns := make([]string, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		columns[i] = strings.TrimSpace(h)
	}
	t, err := dataset.New(columns...)
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := cr.Read()
		if err == io.EOF {
			return t, nil
		}
		if err != nil {
			line := 0
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				line = pe.Line
			}
			if opt.OnError == nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			opt.OnError(line, err)
			continue
		}

		if len(rec) != len(columns) {
			line, _ := cr.FieldPos(0)
			err := fmt.Errorf("record has %d fields, header has %d", len(rec), len(columns))
			if opt.OnError == nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			opt.OnError(line, err)
			continue
		}

		row := make([]any, len(columns))
		for i, v := range rec {
			if opt.TrimSpace {
				v = strings.TrimSpace(v)
			}
			if v != "" {
				row[i] = v
			}
		}
		if err := t.Append(row...); err != nil {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
}
