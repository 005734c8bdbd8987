// Package engine wires rooms, history, files and the AI relay into the
// operations the transport layer calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/suPer8Hu/ai-chatroom/internal/ai"
	"github.com/suPer8Hu/ai-chatroom/internal/chat"
	"github.com/suPer8Hu/ai-chatroom/internal/events"
	"github.com/suPer8Hu/ai-chatroom/internal/filestore"
	"github.com/suPer8Hu/ai-chatroom/internal/preview"
)

const disbandedNotice = "当前房间被管理员解散"

var ErrForbidden = errors.New("privileged operation")

var (
	gcRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_gc_runs_total",
		Help: "Inactive-room collection passes",
	})
	gcRoomsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_gc_rooms_removed_total",
		Help: "Rooms removed for inactivity",
	})
	messagesPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_messages_posted_total",
		Help: "Messages appended to room history by kind",
	}, []string{"kind"})
)

// Caller carries the externally decided privilege flag.
type Caller struct {
	Privileged bool
}

var Admin = Caller{Privileged: true}

// Previewer resolves link metadata. *preview.Fetcher satisfies it.
type Previewer interface {
	Fetch(ctx context.Context, url string) (chat.LinkPreview, bool)
}

type Deps struct {
	History   *chat.HistoryStore
	Members   *chat.Registry
	Files     *filestore.Store
	Settings  *ai.Settings
	Providers *ai.Registry
	Relay     *ai.Relay
	Preview   Previewer
	Events    events.Publisher
	Logger    *slog.Logger
}

type Service struct {
	history   *chat.HistoryStore
	members   *chat.Registry
	files     *filestore.Store
	settings  *ai.Settings
	providers *ai.Registry
	relay     *ai.Relay
	preview   Previewer
	events    events.Publisher
	logger    *slog.Logger

	inactivity time.Duration
	now        func() time.Time
	started    time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Service)

// WithInactivity sets how long an empty room survives without activity.
func WithInactivity(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.inactivity = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(d Deps, opts ...Option) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Service{
		history:    d.History,
		members:    d.Members,
		files:      d.Files,
		settings:   d.Settings,
		providers:  d.Providers,
		relay:      d.Relay,
		preview:    d.Preview,
		events:     d.Events,
		logger:     logger.With(slog.String("component", "engine")),
		inactivity: chat.DefaultInactivity,
		now:        time.Now,
		base:       base,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(s)
	}
	s.started = s.now()
	return s
}

// Join adds user to room, creating the room on first use.
func (s *Service) Join(room, user string) (chat.Snapshot, error) {
	room, user = strings.TrimSpace(room), strings.TrimSpace(user)
	snap, err := s.members.Join(room, user)
	if err != nil {
		return chat.Snapshot{}, err
	}
	if _, err := s.history.Ensure(room); err != nil {
		return chat.Snapshot{}, err
	}
	s.history.Touch(room, false)

	notice := chat.NewSystemMessage(room, user+" 加入了房间", s.now())
	if err := s.history.Append(room, notice, s.broadcast(room)); err != nil {
		s.logger.Warn("join notice not stored", slog.String("room", room), slog.String("error", err.Error()))
	}
	s.publish(room, events.RoomInfo, snap)
	s.notify(events.AdminRooms, events.AdminStats)
	return snap, nil
}

// Leave removes user from room. History outlives presence: an emptied room
// keeps its log and gets a fresh last-active time.
func (s *Service) Leave(room, user string) (chat.Snapshot, error) {
	room, user = strings.TrimSpace(room), strings.TrimSpace(user)
	if room == "" || user == "" {
		return chat.Snapshot{}, chat.ErrInvalidInput
	}
	snap, _ := s.members.Leave(room, user)
	if snap.Count == 0 {
		s.history.Touch(room, true)
	}

	notice := chat.NewSystemMessage(room, user+" 离开了房间", s.now())
	if err := s.history.Append(room, notice, s.broadcast(room)); err != nil && !errors.Is(err, chat.ErrRoomNotFound) {
		s.logger.Warn("leave notice not stored", slog.String("room", room), slog.String("error", err.Error()))
	}
	if snap.Count > 0 {
		s.publish(room, events.RoomInfo, snap)
	}
	s.notify(events.AdminRooms, events.AdminStats)
	return snap, nil
}

// PostRequest is one chat line from a user.
type PostRequest struct {
	Room          string
	User          string
	Text          string
	AIRequested   bool
	AssistantName string
}

type PreviewPayload struct {
	MessageID string           `json:"message_id"`
	Preview   chat.LinkPreview `json:"link_preview"`
}

// PostUserMessage appends and broadcasts a user message, then starts the
// preview fetch and AI relay in the background when they apply.
func (s *Service) PostUserMessage(req PostRequest) (chat.Message, error) {
	room, user := strings.TrimSpace(req.Room), strings.TrimSpace(req.User)
	if room == "" || user == "" || strings.TrimSpace(req.Text) == "" {
		return chat.Message{}, chat.ErrInvalidInput
	}

	msg := chat.NewUserMessage(room, user, req.Text, s.now())
	if err := s.history.Append(room, msg, s.broadcast(room)); err != nil {
		return chat.Message{}, err
	}
	messagesPosted.WithLabelValues(string(chat.KindUser)).Inc()

	if url, ok := preview.FirstURL(req.Text); ok && s.preview != nil {
		s.goBackground(func(ctx context.Context) { s.attachPreview(ctx, room, msg.ID, url) })
	}
	if req.AIRequested && s.relay != nil && s.relay.Enabled() {
		areq := ai.Request{
			Room:          room,
			User:          user,
			Text:          req.Text,
			TriggerID:     msg.ID,
			AssistantName: req.AssistantName,
		}
		s.goBackground(func(ctx context.Context) {
			if err := s.relay.Run(ctx, areq); err != nil && !errors.Is(err, ai.ErrDisabled) {
				s.logger.Debug("relay ended with error", slog.String("room", room), slog.String("error", err.Error()))
			}
			s.notify(events.AdminStats)
		})
	}
	return msg, nil
}

func (s *Service) attachPreview(ctx context.Context, room, id, url string) {
	p, ok := s.preview.Fetch(ctx, url)
	if !ok {
		return
	}
	if !s.history.UpdatePreview(room, id, p) {
		return
	}
	s.publish(room, events.LinkPreviewUpdate, PreviewPayload{MessageID: id, Preview: p})
}

// Upload is what a completed upload produced.
type Upload struct {
	Message chat.Message `json:"message"`
	File    chat.FileRef `json:"file"`
}

// UploadObject stores the stream under hash (deduplicated), then records a
// file message in room. The room must exist before any bytes are stored.
func (s *Service) UploadObject(ctx context.Context, room, user, displayName, hash string, r io.Reader) (Upload, error) {
	room, user = strings.TrimSpace(room), strings.TrimSpace(user)
	if room == "" || user == "" || strings.TrimSpace(displayName) == "" {
		return Upload{}, chat.ErrInvalidInput
	}
	if !s.history.Exists(room) {
		return Upload{}, chat.ErrRoomNotFound
	}

	var (
		ref chat.FileRef
		msg chat.Message
	)
	res, err := s.files.PutAndRecord(ctx, hash, displayName, r, func(res filestore.PutResult) error {
		ref = chat.FileRef{
			DisplayName: displayName,
			StoredName:  res.StoredName,
			Size:        res.Size,
			SizeText:    humanize.IBytes(uint64(res.Size)),
			DownloadURL: "/download/" + res.StoredName,
			Category:    chat.CategoryOf(displayName),
			Cached:      res.Duplicate,
		}
		msg = chat.NewFileMessage(room, user, ref, s.now())
		return s.history.AttachFile(room, msg, s.broadcast(room))
	})
	if err != nil {
		if errors.Is(err, chat.ErrRoomNotFound) && res.StoredName != "" {
			s.dropIfUnreferenced(ctx, res.StoredName)
		}
		return Upload{}, err
	}
	messagesPosted.WithLabelValues(string(chat.KindFile)).Inc()
	s.notify(events.AdminFiles, events.AdminStats)
	return Upload{Message: msg, File: ref}, nil
}

// dropIfUnreferenced removes an object whose room vanished mid-upload,
// unless another room still refers to it.
func (s *Service) dropIfUnreferenced(ctx context.Context, name string) {
	err := s.history.WithReferenced(func(referenced map[string]struct{}) error {
		if _, ok := referenced[name]; ok {
			return nil
		}
		_, err := s.files.SweepOrphans(ctx, []string{name})
		return err
	})
	if err != nil {
		s.logger.Warn("failed to drop orphaned upload", slog.String("name", name), slog.String("error", err.Error()))
	}
}

// HistoryPage is the room_history_response payload.
type HistoryPage struct {
	Success  bool           `json:"success"`
	Messages []chat.Message `json:"messages"`
	Filter   chat.Filter    `json:"filter"`
	Total    int            `json:"total"`
}

func (s *Service) QueryHistory(room, filter string) (HistoryPage, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return HistoryPage{}, chat.ErrInvalidInput
	}
	f, err := chat.ParseFilter(filter)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("%w: %v", chat.ErrInvalidInput, err)
	}
	msgs, total := s.history.Query(room, f)
	return HistoryPage{Success: true, Messages: msgs, Filter: f, Total: total}, nil
}

// Open returns a stored object for download along with its size.
func (s *Service) Open(ctx context.Context, name string) (io.ReadCloser, filestore.Object, error) {
	obj, err := s.files.Stat(ctx, name)
	if err != nil {
		return nil, filestore.Object{}, err
	}
	rc, err := s.files.Open(ctx, name)
	if err != nil {
		return nil, filestore.Object{}, err
	}
	return rc, obj, nil
}

type DisbandedPayload struct {
	Message string `json:"message"`
	Room    string `json:"room"`
}

// DeleteRoom tells the room it is gone, drops its history and members, and
// removes the objects only it referenced.
func (s *Service) DeleteRoom(ctx context.Context, c Caller, room string) ([]string, error) {
	if !c.Privileged {
		return nil, ErrForbidden
	}
	if !s.history.Exists(room) {
		return nil, chat.ErrRoomNotFound
	}
	s.publish(room, events.RoomDisbanded, DisbandedPayload{Message: disbandedNotice, Room: room})

	files, err := s.history.DeleteRoom(ctx, room, s.files)
	if err != nil {
		return nil, err
	}
	evicted := s.members.Evict(room)
	s.logger.Info("room deleted",
		slog.String("room", room),
		slog.Int("files", len(files)),
		slog.Int("members", len(evicted)),
	)
	s.notify(events.AdminRooms, events.AdminStats, events.AdminFiles)
	return files, nil
}

// SweepOrphans removes every stored object no room references.
func (s *Service) SweepOrphans(ctx context.Context, c Caller) ([]string, error) {
	if !c.Privileged {
		return nil, ErrForbidden
	}
	var removed []string
	err := s.history.WithReferenced(func(referenced map[string]struct{}) error {
		var err error
		removed, err = s.files.SweepUnreferenced(ctx, referenced)
		return err
	})
	s.notify(events.AdminFiles, events.AdminStats)
	return removed, err
}

// DeleteObject removes one stored object and every room's reference to it.
func (s *Service) DeleteObject(ctx context.Context, c Caller, name string) error {
	if !c.Privileged {
		return ErrForbidden
	}
	if _, err := s.files.Stat(ctx, name); err != nil {
		return err
	}
	rooms := s.history.DropFileRef(name)
	if err := s.files.Remove(ctx, name); err != nil {
		return err
	}
	s.logger.Info("object deleted", slog.String("name", name), slog.Int("rooms", rooms))
	s.notify(events.AdminFiles, events.AdminStats)
	return nil
}

// ProviderView is the admin view of both provider variants.
type ProviderView struct {
	Active  ai.Variant                       `json:"provider"`
	Configs map[ai.Variant]ai.ProviderConfig `json:"configs"`
}

func (s *Service) ProviderConfigs() ProviderView {
	active, _ := s.settings.Active()
	all := s.settings.All()
	for v, cfg := range all {
		all[v] = cfg.Redacted()
	}
	return ProviderView{Active: active, Configs: all}
}

func (s *Service) SetProviderConfig(ctx context.Context, c Caller, variant string, patch ai.ConfigPatch) (ai.ProviderConfig, error) {
	if !c.Privileged {
		return ai.ProviderConfig{}, ErrForbidden
	}
	v, err := ai.ParseVariant(variant)
	if err != nil {
		return ai.ProviderConfig{}, err
	}
	cfg, err := s.settings.Update(ctx, v, patch)
	if err != nil {
		return ai.ProviderConfig{}, err
	}
	s.notify(events.AdminConfig)
	return cfg.Redacted(), nil
}

func (s *Service) SetActiveProvider(ctx context.Context, c Caller, variant string) error {
	if !c.Privileged {
		return ErrForbidden
	}
	v, err := ai.ParseVariant(variant)
	if err != nil {
		return err
	}
	if err := s.settings.SetActive(ctx, v); err != nil {
		return err
	}
	s.notify(events.AdminConfig)
	return nil
}

// ProbeProvider lists the models a variant's backend reports. An optional
// patch is tried without being saved.
func (s *Service) ProbeProvider(ctx context.Context, c Caller, variant string, patch *ai.ConfigPatch) ([]string, error) {
	if !c.Privileged {
		return nil, ErrForbidden
	}
	v, err := ai.ParseVariant(variant)
	if err != nil {
		return nil, err
	}
	cfg, err := s.settings.Get(v)
	if err != nil {
		return nil, err
	}
	if patch != nil {
		if cfg, err = patch.Apply(cfg); err != nil {
			return nil, err
		}
	}
	return s.providers.Probe(ctx, v, cfg)
}

// CollectGarbage removes every empty room idle past the inactivity threshold.
func (s *Service) CollectGarbage(ctx context.Context) []string {
	gcRuns.Inc()
	removed := s.history.Expire(ctx, s.inactivity, s.members.Occupied, s.files)
	if len(removed) > 0 {
		gcRoomsRemoved.Add(float64(len(removed)))
		s.notify(events.AdminRooms, events.AdminStats, events.AdminFiles)
	}
	return removed
}

// StartGC collects once now and then every interval until ctx ends.
func (s *Service) StartGC(ctx context.Context, interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.CollectGarbage(ctx)
		if interval <= 0 {
			return
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.CollectGarbage(ctx)
			}
		}
	}()
}

// Wait blocks until background relays, previews and GC loops have returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close cancels background work and waits for it.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) goBackground(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.base)
	}()
}

func (s *Service) broadcast(room string) func(chat.Message) {
	return func(m chat.Message) {
		s.publish(room, events.Message, m)
	}
}

func (s *Service) publish(room string, name events.Name, data any) {
	s.events.Publish(events.Event{Name: name, Room: room, Data: data, At: s.now()})
}

func (s *Service) notify(kinds ...events.AdminKind) {
	now := s.now()
	for _, k := range kinds {
		s.events.Publish(events.NewAdminUpdate(k, now))
	}
}
