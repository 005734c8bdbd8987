package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tmpSuffix = ".tmp"

// DiskBackend stores objects as flat files under one directory.
type DiskBackend struct {
	dir string
}

// NewDiskBackend creates dir if it does not exist.
func NewDiskBackend(dir string) (*DiskBackend, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &DiskBackend{dir: dir}, nil
}

func (d *DiskBackend) Dir() string { return d.dir }

// Write streams r to a temp file, fsyncs it and renames it into place.
func (d *DiskBackend) Write(ctx context.Context, name string, r io.Reader) (int64, error) {
	if !validName(name) {
		return 0, ErrInvalidName
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	full := filepath.Join(d.dir, name)
	tmp := full + tmpSuffix

	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	size, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("write object: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rename object: %w", err)
	}
	return size, nil
}

func (d *DiskBackend) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if !validName(name) {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(d.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open object %s: %w", name, err)
	}
	return f, nil
}

func (d *DiskBackend) Stat(_ context.Context, name string) (Object, error) {
	if !validName(name) {
		return Object{}, ErrNotFound
	}
	info, err := os.Stat(filepath.Join(d.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("stat object %s: %w", name, err)
	}
	return Object{Name: name, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (d *DiskBackend) Remove(_ context.Context, name string) error {
	if !validName(name) {
		return ErrInvalidName
	}
	err := os.Remove(filepath.Join(d.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove object %s: %w", name, err)
	}
	return nil
}

// List returns every stored object, skipping in-flight temp files.
func (d *DiskBackend) List(_ context.Context) ([]Object, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read upload dir: %w", err)
	}
	out := make([]Object, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Object{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
