// Package archive copies the CSV export to object storage after it has been
// written locally.
//
// The destination is a single URL:
//
//	s3://bucket/prefix
//	gs://bucket/prefix
//	azblob://container/prefix
//
// An empty URL disables archiving. The object key is the prefix joined with
// the local file's base name, so the dated export name is kept.
package archive

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gaetl/internal/logging"
	"gaetl/internal/metrics"
)

// Sink stores one object.
type Sink interface {
	Put(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64) error
}

// Location is a parsed archive URL.
type Location struct {
	Scheme string
	Bucket string
	Prefix string
}

// ParseLocation splits an archive URL into scheme, bucket and key prefix.
func ParseLocation(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("parse archive url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "s3", "gs", "azblob":
	default:
		return Location{}, fmt.Errorf("archive url %q: unsupported scheme %q (want s3, gs or azblob)", raw, u.Scheme)
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("archive url %q: missing bucket", raw)
	}
	return Location{
		Scheme: u.Scheme,
		Bucket: u.Host,
		Prefix: strings.Trim(u.Path, "/"),
	}, nil
}

// Key returns the object key for a local file.
func (l Location) Key(localPath string) string {
	return path.Join(l.Prefix, filepath.Base(localPath))
}

// URL returns the archive URL of key.
func (l Location) URL(key string) string {
	return l.Scheme + "://" + l.Bucket + "/" + key
}

// Archiver uploads files to one Location.
type Archiver struct {
	Location Location
	Sink     Sink
	Job      string
}

// New parses raw and builds the client for its scheme. It returns nil, nil
// when raw is empty.
func New(ctx context.Context, raw string, opts Options) (*Archiver, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	loc, err := ParseLocation(raw)
	if err != nil {
		return nil, err
	}

	var sink Sink
	switch loc.Scheme {
	case "s3":
		sink, err = newS3Sink(opts.S3)
	case "gs":
		sink, err = newGCSSink(ctx, opts.GCS)
	case "azblob":
		sink, err = newAzureSink(opts.Azure)
	}
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", loc.Scheme, err)
	}
	return &Archiver{Location: loc, Sink: sink, Job: opts.Job}, nil
}

// Upload copies localPath to the archive and returns the object URL.
func (a *Archiver) Upload(ctx context.Context, localPath string) (string, error) {
	start := time.Now()
	key := a.Location.Key(localPath)

	err := a.put(ctx, key, localPath)
	metrics.RecordStep(a.job(), "archive", err, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", a.Location.URL(key), err)
	}

	dst := a.Location.URL(key)
	logging.Ctx(ctx).Info().
		Str("src", localPath).
		Str("dst", dst).
		Dur("duration", time.Since(start).Truncate(time.Millisecond)).
		Msg("stage=archive ok")
	return dst, nil
}

func (a *Archiver) put(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	return a.Sink.Put(ctx, a.Location.Bucket, key, f, st.Size())
}

func (a *Archiver) job() string {
	if a.Job == "" {
		return "gaetl"
	}
	return a.Job
}
