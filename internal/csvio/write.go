package csvio

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gaetl/internal/dataset"
	"gaetl/internal/storage"
)

// FileName is the export file name for name on the day of now:
// "2024-01-02_google_organic_analytics_data.csv".
func FileName(name string, now time.Time) string {
	return now.Format("2006-01-02") + "_" + name + ".csv"
}

// WriteFile writes t to dir/FileName(name, now), creating dir when needed,
// and returns the path. The file is replaced atomically, so a re-run on the
// same day overwrites the earlier export.
func WriteFile(dir, name string, now time.Time, t *dataset.Table) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, FileName(name, now))

	tmp, err := os.CreateTemp(dir, ".gaetl-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	writeErr := Write(tmp, t)
	closeErr := tmp.Close()

	if writeErr != nil {
		_ = os.Remove(tmpName)
		return "", writeErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return "", closeErr
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	return path, nil
}

// Write renders t as CSV: the header, then one record per row. nil is written
// as an empty field.
func Write(w io.Writer, t *dataset.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns()); err != nil {
		return err
	}
	rec := make([]string, t.Width())
	for _, row := range t.Rows() {
		for i, v := range row {
			rec[i] = storage.FormatText(v)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
