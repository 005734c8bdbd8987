package filestore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type memSnapshot struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func (m *memSnapshot) Load(ctx context.Context, store string) (map[string][]byte, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[store], nil
}

func (m *memSnapshot) Replace(ctx context.Context, store string, records map[string][]byte) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]map[string][]byte)
	}
	m.data[store] = records
	return nil
}

func newTestStore(t *testing.T) (*Store, *DiskBackend, *memSnapshot) {
	t.Helper()
	backend, err := NewDiskBackend(t.TempDir())
	if err != nil {
		t.Fatalf("disk backend: %v", err)
	}
	snap := &memSnapshot{}
	now := time.UnixMilli(1700000000000)
	s := New(backend, snap, nil, WithClock(func() time.Time { return now }))
	return s, backend, snap
}

func TestPut_DeduplicatesByHash(t *testing.T) {
	s, backend, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Put(ctx, "h1", "report.pdf", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	if first.Duplicate || first.Size != 5 {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if first.StoredName != "1700000000000_report.pdf" {
		t.Fatalf("unexpected stored name %q", first.StoredName)
	}

	second, err := s.Put(ctx, "h1", "other-name.pdf", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if !second.Duplicate || second.StoredName != first.StoredName {
		t.Fatalf("expected duplicate of %q, got %+v", first.StoredName, second)
	}

	objs, _ := backend.List(ctx)
	if len(objs) != 1 {
		t.Fatalf("expected 1 object on disk, got %d", len(objs))
	}
}

func TestPut_SameNameSameMillisecondGetsDistinctObjects(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	a, err := s.Put(ctx, "ha", "a.txt", strings.NewReader("A"))
	if err != nil {
		t.Fatalf("put a: %v", err)
	}
	b, err := s.Put(ctx, "hb", "a.txt", strings.NewReader("B"))
	if err != nil {
		t.Fatalf("put b: %v", err)
	}
	if a.StoredName == b.StoredName {
		t.Fatalf("distinct contents must not share a stored name: %q", a.StoredName)
	}
}

func TestPut_StaleMappingIsReplaced(t *testing.T) {
	s, backend, _ := newTestStore(t)
	ctx := context.Background()

	first, _ := s.Put(ctx, "h1", "a.png", strings.NewReader("data"))
	if err := os.Remove(filepath.Join(backend.Dir(), first.StoredName)); err != nil {
		t.Fatalf("remove behind the store's back: %v", err)
	}

	again, err := s.Put(ctx, "h1", "a.png", strings.NewReader("data"))
	if err != nil {
		t.Fatalf("put after desync: %v", err)
	}
	if again.Duplicate {
		t.Fatalf("missing object must not be reported as duplicate")
	}
	if _, err := backend.Stat(ctx, again.StoredName); err != nil {
		t.Fatalf("expected object rewritten: %v", err)
	}
}

type failingStat struct {
	*DiskBackend
	err error
}

func (f failingStat) Stat(context.Context, string) (Object, error) {
	return Object{}, f.err
}

func TestPut_StatFailureFailsUpload(t *testing.T) {
	disk, err := NewDiskBackend(t.TempDir())
	if err != nil {
		t.Fatalf("disk backend: %v", err)
	}
	headErr := errors.New("s3 head: 403 Forbidden")
	s := New(failingStat{DiskBackend: disk, err: headErr}, &memSnapshot{}, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.Put(ctx, "h1", "a.txt", strings.NewReader("A"))
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, headErr) {
			t.Fatalf("expected the stat error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("put did not return")
	}

	// the store stays usable
	if len(s.Hashes()) != 0 {
		t.Fatalf("failed upload must not be mapped")
	}
	if err := s.Remove(ctx, "nothing.txt"); err != nil {
		t.Fatalf("remove after failed put: %v", err)
	}
	objs, _ := disk.List(ctx)
	if len(objs) != 0 {
		t.Fatalf("nothing should have been written: %+v", objs)
	}
}

func TestPut_RejectsBadInput(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "", "a.txt", strings.NewReader("x")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty hash, got %v", err)
	}
	if _, err := s.Put(ctx, "h", "a.txt", strings.NewReader("")); !errors.Is(err, ErrEmptyUpload) {
		t.Fatalf("expected ErrEmptyUpload, got %v", err)
	}
	if len(s.Hashes()) != 0 {
		t.Fatalf("rejected uploads must not touch the hash table")
	}
}

func TestSweepOrphans(t *testing.T) {
	s, backend, snap := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Put(ctx, "ha", "a.txt", strings.NewReader("A"))
	b, _ := s.Put(ctx, "hb", "b.txt", strings.NewReader("B"))

	n, err := s.SweepOrphans(ctx, []string{a.StoredName, "never-existed.txt"})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removals (missing counts), got %d", n)
	}
	if _, err := backend.Stat(ctx, a.StoredName); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected %s removed, got %v", a.StoredName, err)
	}
	hashes := s.Hashes()
	if _, ok := hashes["ha"]; ok {
		t.Fatalf("hash mapping for swept object must be dropped")
	}
	if hashes["hb"] != b.StoredName {
		t.Fatalf("unrelated mapping must survive")
	}
	if string(snap.data[SnapshotName]["hb"]) != b.StoredName {
		t.Fatalf("expected persisted hash table")
	}
}

func TestPutAndRecord_ObjectSurvivesSweepUntilRecorded(t *testing.T) {
	s, backend, _ := newTestStore(t)
	ctx := context.Background()

	first, _ := s.Put(ctx, "h1", "a.txt", strings.NewReader("A"))
	res, err := s.PutAndRecord(ctx, "h1", "a.txt", strings.NewReader("A"), func(res PutResult) error {
		// nothing references it yet, but the upload holds it
		if n, err := s.SweepOrphans(ctx, []string{res.StoredName}); err != nil || n != 0 {
			t.Fatalf("pinned object swept: n=%d err=%v", n, err)
		}
		orphans, err := s.SweepUnreferenced(ctx, map[string]struct{}{})
		if err != nil || len(orphans) != 0 {
			t.Fatalf("pinned object listed as orphan: %v %v", orphans, err)
		}
		return nil
	})
	if err != nil || !res.Duplicate || res.StoredName != first.StoredName {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	if _, err := backend.Stat(ctx, res.StoredName); err != nil {
		t.Fatalf("object gone after recording: %v", err)
	}

	if n, _ := s.SweepOrphans(ctx, []string{res.StoredName}); n != 1 {
		t.Fatalf("released object should be swept, got %d", n)
	}

	recErr := errors.New("room gone")
	res, err = s.PutAndRecord(ctx, "h2", "b.txt", strings.NewReader("B"), func(PutResult) error { return recErr })
	if !errors.Is(err, recErr) || res.StoredName == "" {
		t.Fatalf("expected record error with result, got %+v %v", res, err)
	}
}

func TestSweepUnreferenced(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	keep, _ := s.Put(ctx, "hk", "keep.txt", strings.NewReader("K"))
	drop, _ := s.Put(ctx, "hd", "drop.txt", strings.NewReader("D"))

	orphans, err := s.SweepUnreferenced(ctx, map[string]struct{}{keep.StoredName: {}})
	if err != nil {
		t.Fatalf("sweep unreferenced: %v", err)
	}
	if len(orphans) != 1 || orphans[0] != drop.StoredName {
		t.Fatalf("unexpected orphans: %v", orphans)
	}
	objs, _ := s.Objects(ctx)
	if len(objs) != 1 || objs[0].Name != keep.StoredName || objs[0].Hash != "hk" {
		t.Fatalf("unexpected remaining objects: %+v", objs)
	}
}

func TestLoadSave(t *testing.T) {
	s, backend, snap := newTestStore(t)
	ctx := context.Background()
	res, _ := s.Put(ctx, "h1", "a.txt", strings.NewReader("A"))

	s2 := New(backend, snap, nil)
	if err := s2.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	again, err := s2.Put(ctx, "h1", "a.txt", strings.NewReader("A"))
	if err != nil || !again.Duplicate || again.StoredName != res.StoredName {
		t.Fatalf("expected dedup after reload, got %+v err=%v", again, err)
	}

	rc, err := s2.Open(ctx, res.StoredName)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "A" {
		t.Fatalf("unexpected content %q", b)
	}
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd": "passwd",
		"my file.txt":      "my_file.txt",
		"报告.pdf":           "报告.pdf",
		"...":              "file",
		"a<b>c?.png":       "abc.png",
	}
	for in, want := range cases {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
