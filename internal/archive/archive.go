// Package archive keeps a copy of every raw feed body under a dated key so
// decode failures can be replayed later.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Object describes one blob to write. Metadata is attached where the backend
// supports it.
type Object struct {
	Key         string
	ContentType string
	Metadata    map[string]string
}

// BlobStore persists an object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, obj Object, r io.Reader) (string, error)
}

// Entry is one raw body to archive.
type Entry struct {
	CycleID     string
	Source      string
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// Archiver writes entries to a BlobStore under a prefix.
type Archiver struct {
	blobs  BlobStore
	prefix string
}

// New builds an Archiver. A nil store yields an Archiver that discards
// everything.
func New(blobs BlobStore, prefix string) *Archiver {
	return &Archiver{blobs: blobs, prefix: strings.Trim(prefix, "/")}
}

// Enabled reports whether entries are actually written.
func (a *Archiver) Enabled() bool {
	return a != nil && a.blobs != nil
}

// Save stores e and returns the blob URI, or "" when archiving is disabled.
func (a *Archiver) Save(ctx context.Context, e Entry) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	key := Key(a.prefix, e)
	obj := Object{Key: key, ContentType: ContentType(e), Metadata: Metadata(e)}
	uri, err := a.blobs.PutObject(ctx, obj, bytes.NewReader(e.Body))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	return uri, nil
}

// Key builds <prefix>/<yyyy>/<mm>/<dd>/<cycle>-<source>.<ext>.
func Key(prefix string, e Entry) string {
	day := e.FetchedAt.UTC().Format("2006/01/02")
	name := fmt.Sprintf("%s-%s.%s", e.CycleID, e.Source, Extension(e.ContentType, e.Body))
	if prefix == "" {
		return path.Join(day, name)
	}
	return path.Join(prefix, day, name)
}

// Extension guesses a file extension from the content type, then the body.
func Extension(contentType string, body []byte) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "xml"):
		return "xml"
	case strings.Contains(ct, "json"):
		return "json"
	case strings.Contains(ct, "html"):
		return "html"
	}
	trimmed := bytes.TrimSpace(body)
	switch {
	case bytes.HasPrefix(trimmed, []byte("<?xml")):
		return "xml"
	case bytes.HasPrefix(trimmed, []byte("{")), bytes.HasPrefix(trimmed, []byte("[")):
		return "json"
	case bytes.HasPrefix(trimmed, []byte("<")):
		return "html"
	}
	return "txt"
}

// ContentType returns the entry's content type, or one derived from its
// extension when the feed did not send any.
func ContentType(e Entry) string {
	if ct := strings.TrimSpace(e.ContentType); ct != "" {
		return ct
	}
	switch Extension("", e.Body) {
	case "xml":
		return "application/xml"
	case "json":
		return "application/json"
	case "html":
		return "text/html"
	}
	return "text/plain"
}

// Metadata labels an archived body with the cycle that fetched it.
func Metadata(e Entry) map[string]string {
	return map[string]string{
		"cycle_id":   e.CycleID,
		"source":     e.Source,
		"fetched_at": e.FetchedAt.UTC().Format(time.RFC3339),
	}
}
