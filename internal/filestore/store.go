package filestore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const SnapshotName = "file_hashes"

var (
	dedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_upload_dedup_hits_total",
		Help: "Uploads answered from an existing object with the same content hash",
	})
	objectsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_objects_written_total",
		Help: "New objects written to the storage backend",
	})
	orphansSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_orphan_objects_swept_total",
		Help: "Objects removed because no room referenced them",
	})
)

// SnapshotStore persists a flat keyed record set.
type SnapshotStore interface {
	Load(ctx context.Context, store string) (map[string][]byte, error)
	Replace(ctx context.Context, store string, records map[string][]byte) error
}

// PutResult reports where an upload ended up.
type PutResult struct {
	StoredName string
	Size       int64
	Duplicate  bool
}

// ObjectInfo is an object plus the content hash that maps to it, if any.
type ObjectInfo struct {
	Object
	Hash string
}

// Store maps content hashes to stored object names. Its lock is independent
// of the history lock and is always taken after it.
type Store struct {
	mu       sync.Mutex
	hashes   map[string]string
	reserved map[string]struct{}
	// objects handed to a caller that has not recorded a reference yet
	pins map[string]int

	saveMu  sync.Mutex
	backend Backend
	snap    SnapshotStore
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(backend Backend, snap SnapshotStore, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		hashes:   make(map[string]string),
		reserved: make(map[string]struct{}),
		pins:     make(map[string]int),
		backend:  backend,
		snap:     snap,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "filestore")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Put stores r under hash unless an object with the same hash already exists,
// in which case r is not consumed past its first byte and the existing name
// is returned.
func (s *Store) Put(ctx context.Context, hash, displayName string, r io.Reader) (PutResult, error) {
	return s.PutAndRecord(ctx, hash, displayName, r, nil)
}

// PutAndRecord is Put followed by record, during which the object cannot be
// swept. record is where the caller stores its reference to the object. The
// result is returned even when record fails.
func (s *Store) PutAndRecord(ctx context.Context, hash, displayName string, r io.Reader, record func(PutResult) error) (PutResult, error) {
	res, err := s.put(ctx, hash, displayName, r)
	if err != nil {
		return PutResult{}, err
	}
	defer s.unpin(res.StoredName)
	if record != nil {
		if err := record(res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Store) put(ctx context.Context, hash, displayName string, r io.Reader) (PutResult, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" || strings.TrimSpace(displayName) == "" {
		return PutResult{}, ErrInvalidInput
	}
	br := bufio.NewReader(r)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return PutResult{}, ErrEmptyUpload
		}
		return PutResult{}, fmt.Errorf("read upload: %w", err)
	}

	if res, ok := s.lookup(ctx, hash); ok {
		dedupHits.Inc()
		return res, nil
	}

	name, err := s.reserve(ctx, displayName)
	if err != nil {
		return PutResult{}, err
	}
	size, err := s.backend.Write(ctx, name, br)
	if err != nil {
		s.release(name)
		return PutResult{}, err
	}
	objectsWritten.Inc()

	s.mu.Lock()
	delete(s.reserved, name)
	if existing, ok := s.hashes[hash]; ok && existing != name {
		// lost a race with a concurrent upload of the same content
		s.mu.Unlock()
		if err := s.backend.Remove(ctx, name); err != nil {
			s.logger.Warn("failed to remove duplicate object",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
		}
		if res, ok := s.lookup(ctx, hash); ok {
			dedupHits.Inc()
			return res, nil
		}
		return PutResult{}, fmt.Errorf("object for hash %s vanished during upload", hash)
	}
	s.hashes[hash] = name
	s.pins[name]++
	s.mu.Unlock()

	s.persist(ctx)
	s.logger.Info("object stored", slog.String("name", name), slog.Int64("size", size))
	return PutResult{StoredName: name, Size: size}, nil
}

func (s *Store) unpin(name string) {
	s.mu.Lock()
	if s.pins[name] <= 1 {
		delete(s.pins, name)
	} else {
		s.pins[name]--
	}
	s.mu.Unlock()
}

// lookup returns the object already mapped to hash, pinned. A mapping whose
// object has disappeared is dropped and the lookup misses.
func (s *Store) lookup(ctx context.Context, hash string) (PutResult, bool) {
	s.mu.Lock()
	name, ok := s.hashes[hash]
	if ok {
		s.pins[name]++
	}
	s.mu.Unlock()
	if !ok {
		return PutResult{}, false
	}

	obj, err := s.backend.Stat(ctx, name)
	if err == nil {
		return PutResult{StoredName: name, Size: obj.Size, Duplicate: true}, true
	}
	s.unpin(name)
	if !errors.Is(err, ErrNotFound) {
		s.logger.Warn("stat failed during dedup", slog.String("name", name), slog.String("error", err.Error()))
		return PutResult{}, false
	}

	s.mu.Lock()
	if s.hashes[hash] != name {
		// remapped meanwhile; Put settles it after writing
		s.mu.Unlock()
		return PutResult{}, false
	}
	delete(s.hashes, hash)
	s.mu.Unlock()

	s.logger.Warn("dropping stale hash mapping", slog.String("hash", hash), slog.String("name", name))
	s.persist(ctx)
	return PutResult{}, false
}

// reserve picks an unused <unix ms>_<name> object name. The backend is
// consulted outside the lock; a Stat failure other than ErrNotFound fails
// the reservation.
func (s *Store) reserve(ctx context.Context, displayName string) (string, error) {
	clean := sanitize(displayName)
	for ms := s.now().UnixMilli(); ; ms++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		name := fmt.Sprintf("%d_%s", ms, clean)
		if !s.free(name) {
			continue
		}
		_, err := s.backend.Stat(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("check object name %s: %w", name, err)
		}

		s.mu.Lock()
		if s.freeLocked(name) {
			s.reserved[name] = struct{}{}
			s.mu.Unlock()
			return name, nil
		}
		s.mu.Unlock()
	}
}

func (s *Store) free(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeLocked(name)
}

func (s *Store) freeLocked(name string) bool {
	if _, taken := s.reserved[name]; taken {
		return false
	}
	for _, n := range s.hashes {
		if n == name {
			return false
		}
	}
	return true
}

func (s *Store) release(name string) {
	s.mu.Lock()
	delete(s.reserved, name)
	s.mu.Unlock()
}

// Remove deletes one object and every hash mapping that points at it.
func (s *Store) Remove(ctx context.Context, name string) error {
	if !validName(name) {
		return ErrInvalidName
	}
	if err := s.backend.Remove(ctx, name); err != nil {
		return err
	}
	s.mu.Lock()
	s.dropLocked(name)
	s.mu.Unlock()
	s.persist(ctx)
	return nil
}

func (s *Store) busyLocked(name string) bool {
	if _, ok := s.reserved[name]; ok {
		return true
	}
	return s.pins[name] > 0
}

func (s *Store) dropLocked(name string) {
	for h, n := range s.hashes {
		if n == name {
			delete(s.hashes, h)
		}
	}
}

// SweepOrphans removes names the caller has established nothing references.
// Objects pinned by an upload in progress are skipped. Missing objects count
// as removed. The hash table is persisted once.
func (s *Store) SweepOrphans(ctx context.Context, names []string) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}
	var errs []error
	removed := 0
	for _, name := range names {
		s.mu.Lock()
		if s.busyLocked(name) {
			s.mu.Unlock()
			continue
		}
		// unmapped first so no new upload can be deduplicated onto it
		s.dropLocked(name)
		s.mu.Unlock()
		if err := s.backend.Remove(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	orphansSwept.Add(float64(removed))
	s.persist(ctx)
	if removed > 0 {
		s.logger.Info("orphan objects removed", slog.Int("count", removed))
	}
	return removed, errors.Join(errs...)
}

// SweepUnreferenced removes every stored object not in referenced. Callers
// hold the history lock so referenced cannot change underneath.
func (s *Store) SweepUnreferenced(ctx context.Context, referenced map[string]struct{}) ([]string, error) {
	objs, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	var orphans []string
	s.mu.Lock()
	for _, o := range objs {
		if _, ok := referenced[o.Name]; !ok && !s.busyLocked(o.Name) {
			orphans = append(orphans, o.Name)
		}
	}
	s.mu.Unlock()
	if _, err := s.SweepOrphans(ctx, orphans); err != nil {
		return orphans, err
	}
	return orphans, nil
}

// Objects lists the backend contents with their known hashes.
func (s *Store) Objects(ctx context.Context) ([]ObjectInfo, error) {
	objs, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	byName := make(map[string]string, len(s.hashes))
	for h, n := range s.hashes {
		byName[n] = h
	}
	s.mu.Unlock()

	out := make([]ObjectInfo, 0, len(objs))
	for _, o := range objs {
		out = append(out, ObjectInfo{Object: o, Hash: byName[o.Name]})
	}
	return out, nil
}

// Stat returns metadata for one object.
func (s *Store) Stat(ctx context.Context, name string) (Object, error) {
	if !validName(name) {
		return Object{}, ErrNotFound
	}
	return s.backend.Stat(ctx, name)
}

// Open returns a reader for a stored object. The caller closes it.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if !validName(name) {
		return nil, ErrNotFound
	}
	return s.backend.Open(ctx, name)
}

// Hashes returns a copy of the hash table.
func (s *Store) Hashes() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes))
	for h, n := range s.hashes {
		out[h] = n
	}
	return out
}

func (s *Store) Load(ctx context.Context) error {
	if s.snap == nil {
		return nil
	}
	records, err := s.snap.Load(ctx, SnapshotName)
	if err != nil {
		return fmt.Errorf("load file hashes: %w", err)
	}
	hashes := make(map[string]string, len(records))
	for h, n := range records {
		hashes[h] = string(n)
	}
	s.mu.Lock()
	s.hashes = hashes
	s.mu.Unlock()
	s.logger.Info("file hashes loaded", slog.Int("count", len(hashes)))
	return nil
}

func (s *Store) Save(ctx context.Context) error {
	if s.snap == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	records := make(map[string][]byte, len(s.hashes))
	for h, n := range s.hashes {
		records[h] = []byte(n)
	}
	s.mu.Unlock()

	if err := s.snap.Replace(ctx, SnapshotName, records); err != nil {
		return fmt.Errorf("save file hashes: %w", err)
	}
	return nil
}

func (s *Store) persist(ctx context.Context) {
	if err := s.Save(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("file hash snapshot failed", slog.String("error", err.Error()))
	}
}
