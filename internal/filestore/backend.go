// Package filestore keeps uploaded objects addressed by content hash.
// Objects live in a Backend (local disk or S3); the hash table lives in
// memory and is snapshotted alongside room history.
package filestore

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

var (
	ErrNotFound     = errors.New("object not found")
	ErrEmptyUpload  = errors.New("empty upload")
	ErrInvalidName  = errors.New("invalid object name")
	ErrInvalidInput = errors.New("invalid input")
)

// Object describes one stored object.
type Object struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Backend is where object bytes live. Remove of a missing object is not an error.
type Backend interface {
	Write(ctx context.Context, name string, r io.Reader) (int64, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Stat(ctx context.Context, name string) (Object, error)
	Remove(ctx context.Context, name string) error
	List(ctx context.Context) ([]Object, error)
}

// validName rejects anything that could escape the storage root.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.HasSuffix(name, tmpSuffix)
}

// sanitize reduces a display name to letters, digits, '-', '_' and '.'.
func sanitize(display string) string {
	base := filepath.Base(strings.ReplaceAll(display, `\`, "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > 120 {
		ext := filepath.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = strings.ToValidUTF8(out[:120-len(ext)], "") + ext
	}
	if out == "" {
		return "file"
	}
	return out
}
