package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/suPer8Hu/ai-chatroom/internal/ai"
	"github.com/suPer8Hu/ai-chatroom/internal/chat"
	"github.com/suPer8Hu/ai-chatroom/internal/events"
	"github.com/suPer8Hu/ai-chatroom/internal/filestore"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubPreview struct {
	p chat.LinkPreview
}

func (s stubPreview) Fetch(ctx context.Context, url string) (chat.LinkPreview, bool) {
	_ = ctx
	p := s.p
	p.URL = url
	return p, true
}

type fixture struct {
	svc      *Service
	history  *chat.HistoryStore
	settings *ai.Settings
	recorder *events.Recorder
	dir      string
	clock    *fakeClock
}

func newFixture(t *testing.T, ollama ai.ProviderConfig, prev Previewer) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
	dir := t.TempDir()
	backend, err := filestore.NewDiskBackend(dir)
	if err != nil {
		t.Fatalf("disk backend: %v", err)
	}
	rec := &events.Recorder{}
	history := chat.NewHistoryStore(nil, nil, chat.WithHistoryClock(clock.Now))
	settings := ai.NewSettings(ollama, ai.DefaultOpenAIConfig(), ai.VariantOllama, nil, nil)
	providers := ai.DefaultRegistry()
	relay := ai.NewRelay(settings, providers, history, rec, ai.NewStats(), nil)

	svc := New(Deps{
		History:   history,
		Members:   chat.NewRegistry(),
		Files:     filestore.New(backend, nil, nil, filestore.WithClock(clock.Now)),
		Settings:  settings,
		Providers: providers,
		Relay:     relay,
		Preview:   prev,
		Events:    rec,
	}, WithClock(clock.Now))
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, history: history, settings: settings, recorder: rec, dir: dir, clock: clock}
}

func (f *fixture) objects(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func (f *fixture) upload(t *testing.T, room, user, name, content string) Upload {
	t.Helper()
	up, err := f.svc.UploadObject(context.Background(), room, user, name, fmt.Sprintf("sha-%x", content), strings.NewReader(content))
	if err != nil {
		t.Fatalf("upload %s: %v", name, err)
	}
	f.clock.Advance(time.Millisecond)
	return up
}

func TestJoin_BroadcastsNoticeAndMembers(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)

	if _, err := f.svc.Join("lobby", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	f.clock.Advance(time.Second)
	snap, err := f.svc.Join("lobby", "bob")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if snap.Count != 2 || snap.Members[0] != "alice" || snap.Members[1] != "bob" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	msgs := f.recorder.Named(events.Message)
	if len(msgs) != 2 {
		t.Fatalf("expected two join notices, got %d", len(msgs))
	}
	notice := msgs[1].Data.(chat.Message)
	if notice.Kind != chat.KindSystem || notice.Body != "bob 加入了房间" || msgs[1].Room != "lobby" {
		t.Fatalf("unexpected notice: %+v", notice)
	}
	infos := f.recorder.Named(events.RoomInfo)
	if len(infos) != 2 || infos[1].Data.(chat.Snapshot).Count != 2 {
		t.Fatalf("unexpected room_info events: %+v", infos)
	}
	if len(f.recorder.Named(events.AdminUpdate)) != 4 {
		t.Fatalf("expected rooms+stats admin updates per join")
	}

	page, err := f.svc.QueryHistory("lobby", "all")
	if err != nil || page.Total != 2 {
		t.Fatalf("history should hold both notices: %+v %v", page, err)
	}
}

func TestJoin_RejectsBlankKeys(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)
	if _, err := f.svc.Join(" ", "alice"); !errors.Is(err, chat.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.svc.Join("lobby", ""); !errors.Is(err, chat.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if f.history.Exists("lobby") || len(f.recorder.Events()) != 0 {
		t.Fatalf("rejected join must not touch state")
	}
}

func TestLeave_KeepsHistory(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)
	_, _ = f.svc.Join("lobby", "alice")

	snap, err := f.svc.Leave("lobby", "alice")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if snap.Count != 0 {
		t.Fatalf("expected empty room, got %+v", snap)
	}
	if !f.history.Exists("lobby") {
		t.Fatalf("history must outlive presence")
	}
	if n := len(f.recorder.Named(events.RoomInfo)); n != 1 {
		t.Fatalf("no room_info for an emptied room, got %d", n)
	}
	page, _ := f.svc.QueryHistory("lobby", "all")
	if last := page.Messages[len(page.Messages)-1]; last.Body != "alice 离开了房间" {
		t.Fatalf("unexpected last message: %+v", last)
	}
}

func TestPostUserMessage_UnknownRoom(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)
	if _, err := f.svc.PostUserMessage(PostRequest{Room: "nope", User: "a", Text: "hi"}); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if _, err := f.svc.PostUserMessage(PostRequest{Room: "nope", User: "a", Text: "  "}); !errors.Is(err, chat.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPostUserMessage_AttachesPreview(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), stubPreview{p: chat.LinkPreview{Title: "Go", SiteName: "go.dev"}})
	_, _ = f.svc.Join("lobby", "alice")

	msg, err := f.svc.PostUserMessage(PostRequest{Room: "lobby", User: "alice", Text: "look https://go.dev/doc and https://example.com"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	f.svc.Wait()

	updates := f.recorder.Named(events.LinkPreviewUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected one preview update, got %d", len(updates))
	}
	payload := updates[0].Data.(PreviewPayload)
	if payload.MessageID != msg.ID || payload.Preview.URL != "https://go.dev/doc" {
		t.Fatalf("unexpected preview payload: %+v", payload)
	}
	page, _ := f.svc.QueryHistory("lobby", "all")
	stored := page.Messages[len(page.Messages)-1]
	if stored.Preview == nil || stored.Preview.Title != "Go" {
		t.Fatalf("preview not stored on message: %+v", stored)
	}
}

func TestPostUserMessage_RelaysToAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"你好，"}}`)
		fmt.Fprintln(w, `{"message":{"content":"alice"}}`)
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer srv.Close()

	cfg := ai.DefaultOllamaConfig()
	cfg.Enabled = true
	cfg.Endpoint = srv.URL
	f := newFixture(t, cfg, nil)
	_, _ = f.svc.Join("lobby", "alice")

	if _, err := f.svc.PostUserMessage(PostRequest{Room: "lobby", User: "alice", Text: "hi", AIRequested: true, AssistantName: "小助手"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	f.svc.Wait()

	if len(f.recorder.Named(events.AIEnd)) != 1 || len(f.recorder.Named(events.AIError)) != 0 {
		t.Fatalf("expected a completed relay, got %+v", f.recorder.Events())
	}
	page, _ := f.svc.QueryHistory("lobby", "all")
	last := page.Messages[len(page.Messages)-1]
	if last.Kind != chat.KindAI || last.Body != "你好，alice" || last.Author != "小助手" {
		t.Fatalf("unexpected ai message: %+v", last)
	}
	stats, err := f.svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.Success != 1 || stats.SuccessRate != 100 {
		t.Fatalf("unexpected ai stats: %+v", stats.StatsSnapshot)
	}
}

func TestPostUserMessage_AIDisabledIsSilent(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)
	_, _ = f.svc.Join("lobby", "alice")
	if _, err := f.svc.PostUserMessage(PostRequest{Room: "lobby", User: "alice", Text: "hi", AIRequested: true}); err != nil {
		t.Fatalf("post: %v", err)
	}
	f.svc.Wait()
	if n := len(f.recorder.Named(events.AIStart)); n != 0 {
		t.Fatalf("disabled provider must not start a relay, got %d", n)
	}
}

func TestUploadObject_Dedup(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)
	_, _ = f.svc.Join("lobby", "alice")

	first := f.upload(t, "lobby", "alice", "cat.png", "meow")
	second := f.upload(t, "lobby", "bob", "other name.png", "meow")

	if first.File.Cached || !second.File.Cached {
		t.Fatalf("expected fresh then cached: %+v %+v", first.File, second.File)
	}
	if first.File.StoredName != second.File.StoredName {
		t.Fatalf("duplicate must reuse the stored object")
	}
	if second.Message.Body != "发送了文件: other name.png (已缓存)" {
		t.Fatalf("unexpected body: %q", second.Message.Body)
	}
	if first.File.DownloadURL != "/download/"+first.File.StoredName || first.File.Category != chat.MediaImage {
		t.Fatalf("unexpected file ref: %+v", first.File)
	}
	if first.File.Size != 4 || first.File.SizeText != "4 B" {
		t.Fatalf("unexpected size: %d %q", first.File.Size, first.File.SizeText)
	}
	if objs := f.objects(t); len(objs) != 1 {
		t.Fatalf("expected exactly one stored object, got %v", objs)
	}

	page, _ := f.svc.QueryHistory("lobby", "image")
	if len(page.Messages) != 2 {
		t.Fatalf("expected both uploads under image filter, got %d", len(page.Messages))
	}
}

func TestUploadObject_RejectsBeforeStoring(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)
	ctx := context.Background()

	if _, err := f.svc.UploadObject(ctx, "ghost", "alice", "a.txt", "h1", strings.NewReader("x")); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	_, _ = f.svc.Join("lobby", "alice")
	if _, err := f.svc.UploadObject(ctx, "lobby", "alice", "a.txt", "h1", strings.NewReader("")); !errors.Is(err, filestore.ErrEmptyUpload) {
		t.Fatalf("expected ErrEmptyUpload, got %v", err)
	}
	if objs := f.objects(t); len(objs) != 0 {
		t.Fatalf("rejected uploads must not store anything, got %v", objs)
	}
}

func TestDeleteRoom(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)
	ctx := context.Background()
	_, _ = f.svc.Join("a", "alice")
	_, _ = f.svc.Join("b", "bob")
	shared := f.upload(t, "a", "alice", "shared.txt", "same")
	_ = f.upload(t, "b", "bob", "shared.txt", "same")
	only := f.upload(t, "a", "alice", "only.txt", "mine")

	if _, err := f.svc.DeleteRoom(ctx, Caller{}, "a"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.DeleteRoom(ctx, Admin, "zzz"); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}

	files, err := f.svc.DeleteRoom(ctx, Admin, "a")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected both file refs returned, got %v", files)
	}
	objs := f.objects(t)
	if len(objs) != 1 || objs[0] != shared.File.StoredName {
		t.Fatalf("only the shared object should remain, got %v (removed %s)", objs, only.File.StoredName)
	}
	disbanded := f.recorder.Named(events.RoomDisbanded)
	if len(disbanded) != 1 || disbanded[0].Data.(DisbandedPayload).Message != "当前房间被管理员解散" {
		t.Fatalf("unexpected disband events: %+v", disbanded)
	}
	if f.svc.members.Occupied("a") || f.history.Exists("a") {
		t.Fatalf("room must be gone from presence and history")
	}
}

func TestSweepOrphansAndDeleteObject(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)
	ctx := context.Background()
	_, _ = f.svc.Join("lobby", "alice")
	kept := f.upload(t, "lobby", "alice", "kept.txt", "keep")
	if err := os.WriteFile(filepath.Join(f.dir, "stray.bin"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write stray: %v", err)
	}

	if _, err := f.svc.SweepOrphans(ctx, Caller{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	removed, err := f.svc.SweepOrphans(ctx, Admin)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(removed) != 1 || removed[0] != "stray.bin" {
		t.Fatalf("unexpected sweep result: %v", removed)
	}

	if err := f.svc.DeleteObject(ctx, Admin, "missing.txt"); !errors.Is(err, filestore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.svc.DeleteObject(ctx, Admin, kept.File.StoredName); err != nil {
		t.Fatalf("delete object: %v", err)
	}
	if objs := f.objects(t); len(objs) != 0 {
		t.Fatalf("expected empty store, got %v", objs)
	}
	rooms, _ := f.svc.Rooms(ctx)
	if len(rooms) != 1 || rooms[0].FileCount != 0 {
		t.Fatalf("room must no longer reference the object: %+v", rooms)
	}
	// the file message itself stays in the log
	page, _ := f.svc.QueryHistory("lobby", "file")
	if len(page.Messages) != 1 {
		t.Fatalf("file messages are never removed from history")
	}
}

func TestCollectGarbage(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)
	ctx := context.Background()

	_, _ = f.svc.Join("old", "alice")
	_, _ = f.svc.Leave("old", "alice")
	_, _ = f.svc.Join("busy", "carol")
	f.clock.Advance(2 * 24 * time.Hour)
	_, _ = f.svc.Join("recent", "bob")
	_, _ = f.svc.Leave("recent", "bob")
	f.clock.Advance(6*24*time.Hour + time.Second)

	removed := f.svc.CollectGarbage(ctx)
	if len(removed) != 1 || removed[0] != "old" {
		t.Fatalf("expected only the 8-day-idle empty room removed, got %v", removed)
	}
	if !f.history.Exists("recent") || !f.history.Exists("busy") {
		t.Fatalf("recent and occupied rooms must survive")
	}
}

func TestStartGC_RunsImmediately(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)
	_, _ = f.svc.Join("old", "alice")
	_, _ = f.svc.Leave("old", "alice")
	f.clock.Advance(8 * 24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	f.svc.StartGC(ctx, time.Hour)
	deadline := time.Now().Add(2 * time.Second)
	for f.history.Exists("old") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	f.svc.Wait()
	if f.history.Exists("old") {
		t.Fatalf("startup collection did not run")
	}
}

func TestProviderAdmin(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)
	ctx := context.Background()
	key := "sk-abcdefgh"

	if _, err := f.svc.SetProviderConfig(ctx, Caller{}, "thirdparty", ai.ConfigPatch{APIKey: &key}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	cfg, err := f.svc.SetProviderConfig(ctx, Admin, "thirdparty", ai.ConfigPatch{APIKey: &key})
	if err != nil {
		t.Fatalf("set config: %v", err)
	}
	if cfg.APIKey != "****efgh" {
		t.Fatalf("returned config must be redacted, got %q", cfg.APIKey)
	}
	if err := f.svc.SetActiveProvider(ctx, Admin, "bogus"); !errors.Is(err, ai.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if err := f.svc.SetActiveProvider(ctx, Admin, "thirdparty"); err != nil {
		t.Fatalf("set active: %v", err)
	}

	view := f.svc.ProviderConfigs()
	if view.Active != ai.VariantOpenAI || view.Configs[ai.VariantOpenAI].APIKey != "****efgh" {
		t.Fatalf("unexpected provider view: %+v", view)
	}
	if stored, _ := f.settings.Get(ai.VariantOpenAI); stored.APIKey != key {
		t.Fatalf("settings must keep the real key")
	}
	if n := len(f.recorder.Named(events.AdminUpdate)); n != 2 {
		t.Fatalf("expected two config notifications, got %d", n)
	}
}

func TestQueryHistory_Validation(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)
	if _, err := f.svc.QueryHistory("", "all"); !errors.Is(err, chat.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.svc.QueryHistory("lobby", "audio"); !errors.Is(err, chat.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown filter, got %v", err)
	}
	page, err := f.svc.QueryHistory("nowhere", "all")
	if err != nil || !page.Success || len(page.Messages) != 0 {
		t.Fatalf("unknown room reads as empty: %+v %v", page, err)
	}
}

func TestStatsAndViews(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)
	ctx := context.Background()
	_, _ = f.svc.Join("lobby", "alice")
	_ = f.upload(t, "lobby", "alice", "clip.mp4", "0123456789")
	f.clock.Advance(90 * time.Minute)

	stats, err := f.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRooms != 1 || stats.TotalMessages != 2 || stats.TotalFiles != 1 || stats.FileBytes != 10 || stats.OnlineUsers != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Uptime != "1小时 30分钟 0秒" {
		t.Fatalf("unexpected uptime: %q", stats.Uptime)
	}

	files, err := f.svc.Files(ctx)
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 1 || files[0].Orphaned || !files[0].Hashed || files[0].Category != chat.MediaVideo || files[0].Rooms[0] != "lobby" {
		t.Fatalf("unexpected files view: %+v", files)
	}

	detail, err := f.svc.RoomDetail(ctx, "lobby")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.OnlineUsers != 1 || len(detail.Messages) != 2 || detail.FileSize != "10 B" {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if _, err := f.svc.RoomDetail(ctx, "nope"); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestConcurrentUploadsDeletesAndSweeps(t *testing.T) {
	f := newFixture(t, ai.DefaultOllamaConfig(), nil)
	ctx := context.Background()
	rooms := []string{"a", "b", "c"}
	expected := func(err error) bool {
		return err == nil || errors.Is(err, chat.ErrRoomNotFound)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", w)
			for i := 0; i < 30; i++ {
				room := rooms[(w+i)%len(rooms)]
				if _, err := f.svc.Join(room, user); err != nil {
					errs <- err
					return
				}
				if _, err := f.svc.PostUserMessage(PostRequest{Room: room, User: user, Text: "hi"}); !expected(err) {
					errs <- err
				}
				for _, content := range []string{"shared", fmt.Sprintf("own-%d-%d", w, i)} {
					_, err := f.svc.UploadObject(ctx, room, user, "f.txt", "sha-"+content, strings.NewReader(content))
					if !expected(err) {
						errs <- err
					}
				}
				switch i % 5 {
				case 2:
					if _, err := f.svc.DeleteRoom(ctx, Admin, room); !expected(err) {
						errs <- err
					}
				case 3:
					if _, err := f.svc.SweepOrphans(ctx, Admin); err != nil {
						errs <- err
					}
				case 4:
					f.svc.CollectGarbage(ctx)
				}
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatalf("workers did not finish")
	}
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	onDisk := make(map[string]bool)
	for _, name := range f.objects(t) {
		onDisk[name] = true
	}
	_ = f.history.WithReferenced(func(referenced map[string]struct{}) error {
		for name := range referenced {
			if !onDisk[name] {
				t.Errorf("room references missing object %s", name)
			}
		}
		return nil
	})

	if _, err := f.svc.SweepOrphans(ctx, Admin); err != nil {
		t.Fatalf("final sweep: %v", err)
	}
	left := f.objects(t)
	_ = f.history.WithReferenced(func(referenced map[string]struct{}) error {
		for _, name := range left {
			if _, ok := referenced[name]; !ok {
				t.Errorf("unreferenced object %s survived the sweep", name)
			}
		}
		return nil
	})
}

func TestSanitizeText(t *testing.T) {
	cases := []struct{ in, want string }{
		{"hello   world", "hello world"},
		{"<script>alert(1)</script>hi <b>there</b>", "hi there"},
		{"a<!-- secret -->b", "ab"},
		{"```html\n<div>x</div>\n``` done", "done"},
	}
	for _, tc := range cases {
		if got := SanitizeText(tc.in); got != tc.want {
			t.Fatalf("SanitizeText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if got := SanitizeText(strings.Repeat("字", 5000)); len([]rune(got)) != 4000 {
		t.Fatalf("expected cap at 4000 runes, got %d", len([]rune(got)))
	}
}
