package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// MaxMessages caps every room log; older entries are evicted FIFO.
	MaxMessages = 1000
	// PersistInterval triggers a snapshot whenever a room's log length is a multiple of it.
	PersistInterval = 10
	// DefaultInactivity is how long an empty room survives without activity.
	DefaultInactivity = 7 * 24 * time.Hour

	HistorySnapshotName = "room_history"
)

// SnapshotStore persists a flat keyed record set, rewritten wholesale on save.
type SnapshotStore interface {
	Load(ctx context.Context, store string) (map[string][]byte, error)
	Replace(ctx context.Context, store string, records map[string][]byte) error
}

// OrphanSweeper removes stored objects that no room cites any more.
// HistoryStore calls it while holding the history lock.
type OrphanSweeper interface {
	SweepOrphans(ctx context.Context, names []string) (int, error)
}

type roomLog struct {
	messages   []Message
	lastActive time.Time
	files      map[string]struct{}
}

func (r *roomLog) append(m Message, now time.Time) int {
	r.messages = append(r.messages, m)
	if n := len(r.messages); n > MaxMessages {
		r.messages = r.messages[n-MaxMessages:]
	}
	r.lastActive = now
	return len(r.messages)
}

func (r *roomLog) fileList() []string {
	out := make([]string, 0, len(r.files))
	for f := range r.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// roomRecord is the on-disk shape of one room.
type roomRecord struct {
	Messages   []Message `json:"messages"`
	LastActive time.Time `json:"last_active"`
	Files      []string  `json:"files"`
}

// HistoryStore owns every room's message log behind one coarse lock.
type HistoryStore struct {
	mu    sync.Mutex
	rooms map[string]*roomLog

	// saveMu serialises snapshot writes so disk never goes backwards.
	// Lock order: saveMu before mu.
	saveMu sync.Mutex
	snap   SnapshotStore
	saves  chan struct{}
	done   chan struct{}

	now    func() time.Time
	logger *slog.Logger
}

type HistoryOption func(*HistoryStore)

func WithHistoryClock(now func() time.Time) HistoryOption {
	return func(h *HistoryStore) { h.now = now }
}

// NewHistoryStore creates an empty store. snap may be nil, in which case
// nothing is persisted.
func NewHistoryStore(snap SnapshotStore, logger *slog.Logger, opts ...HistoryOption) *HistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HistoryStore{
		rooms:  make(map[string]*roomLog),
		snap:   snap,
		now:    time.Now,
		logger: logger.With(slog.String("component", "history")),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Load replaces in-memory state with the persisted snapshot.
func (h *HistoryStore) Load(ctx context.Context) error {
	if h.snap == nil {
		return nil
	}
	records, err := h.snap.Load(ctx, HistorySnapshotName)
	if err != nil {
		return fmt.Errorf("load history snapshot: %w", err)
	}

	rooms := make(map[string]*roomLog, len(records))
	for id, raw := range records {
		var rec roomRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			h.logger.Warn("skipping unreadable room record",
				slog.String("room", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		r := &roomLog{
			messages:   rec.Messages,
			lastActive: rec.LastActive,
			files:      make(map[string]struct{}, len(rec.Files)),
		}
		if n := len(r.messages); n > MaxMessages {
			r.messages = r.messages[n-MaxMessages:]
		}
		for _, f := range rec.Files {
			r.files[f] = struct{}{}
		}
		rooms[id] = r
	}

	h.mu.Lock()
	h.rooms = rooms
	h.mu.Unlock()

	h.logger.Info("history loaded", slog.Int("rooms", len(rooms)))
	return nil
}

// Save writes a snapshot of every room.
func (h *HistoryStore) Save(ctx context.Context) error {
	if h.snap == nil {
		return nil
	}
	h.saveMu.Lock()
	defer h.saveMu.Unlock()

	records, err := h.encode()
	if err != nil {
		return err
	}
	if err := h.snap.Replace(ctx, HistorySnapshotName, records); err != nil {
		return fmt.Errorf("save history snapshot: %w", err)
	}
	h.logger.Debug("history saved", slog.Int("rooms", len(records)))
	return nil
}

func (h *HistoryStore) encode() (map[string][]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string][]byte, len(h.rooms))
	for id, r := range h.rooms {
		b, err := json.Marshal(roomRecord{
			Messages:   r.messages,
			LastActive: r.lastActive,
			Files:      r.fileList(),
		})
		if err != nil {
			return nil, fmt.Errorf("encode room %s: %w", id, err)
		}
		out[id] = b
	}
	return out, nil
}

// Start moves checkpoint writes onto a background goroutine. It must be
// called before the store is shared. Cancelling ctx flushes once more and
// stops the loop.
func (h *HistoryStore) Start(ctx context.Context) {
	h.saves = make(chan struct{}, 1)
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		for {
			select {
			case <-ctx.Done():
				h.flush()
				return
			case <-h.saves:
				h.flush()
			}
		}
	}()
}

// Wait blocks until the background persister started by Start has exited.
func (h *HistoryStore) Wait() {
	if h.done != nil {
		<-h.done
	}
}

func (h *HistoryStore) flush() {
	if err := h.Save(context.Background()); err != nil {
		h.logger.Error("history snapshot failed", slog.String("error", err.Error()))
	}
}

func (h *HistoryStore) checkpoint() {
	if h.saves != nil {
		select {
		case h.saves <- struct{}{}:
		default:
		}
		return
	}
	h.flush()
}

// Ensure creates an empty record for room if absent and reports whether it did.
func (h *HistoryStore) Ensure(room string) (bool, error) {
	if !validKey(room) {
		return false, ErrInvalidInput
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[room]; ok {
		return false, nil
	}
	h.rooms[room] = &roomLog{lastActive: h.now(), files: make(map[string]struct{})}
	return true, nil
}

func (h *HistoryStore) Exists(room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[room]
	return ok
}

// Touch bumps the room's last-active time. With save set a snapshot is
// written afterwards.
func (h *HistoryStore) Touch(room string, save bool) bool {
	h.mu.Lock()
	r, ok := h.rooms[room]
	if ok {
		r.lastActive = h.now()
	}
	h.mu.Unlock()
	if ok && save {
		h.checkpoint()
	}
	return ok
}

// Append adds msg to an existing room. publish, when non-nil, runs under the
// history lock so broadcast order matches log order; it must not block for long.
func (h *HistoryStore) Append(room string, msg Message, publish func(Message)) error {
	return h.appendLocked(room, msg, "", publish)
}

// AttachFile appends a file message and records storedName in the room's
// file-reference set in one step.
func (h *HistoryStore) AttachFile(room string, msg Message, publish func(Message)) error {
	if msg.File == nil {
		return fmt.Errorf("%w: attach without file", ErrInvalidMessage)
	}
	return h.appendLocked(room, msg, msg.File.StoredName, publish)
}

func (h *HistoryStore) appendLocked(room string, msg Message, storedName string, publish func(Message)) error {
	if !validKey(room) {
		return ErrInvalidInput
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	r, ok := h.rooms[room]
	if !ok {
		h.mu.Unlock()
		return ErrRoomNotFound
	}
	n := r.append(msg, h.now())
	if storedName != "" {
		r.files[storedName] = struct{}{}
	}
	if publish != nil {
		publish(msg)
	}
	h.mu.Unlock()

	if n%PersistInterval == 0 {
		h.checkpoint()
	}
	return nil
}

// Query returns the filtered subsequence of room's log in original order and
// the unfiltered length. An unknown room yields an empty result.
func (h *HistoryStore) Query(room string, filter Filter) ([]Message, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[room]
	if !ok {
		return []Message{}, 0
	}
	out := make([]Message, 0, len(r.messages))
	for _, m := range r.messages {
		if filter.match(m) {
			out = append(out, m)
		}
	}
	return out, len(r.messages)
}

// ContextWindow returns up to n of the most recent user and AI messages,
// oldest first, skipping excludeID.
func (h *HistoryStore) ContextWindow(room string, n int, excludeID string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[room]
	if !ok || n <= 0 {
		return nil
	}
	picked := make([]Message, 0, n)
	for i := len(r.messages) - 1; i >= 0 && len(picked) < n; i-- {
		m := r.messages[i]
		if m.Kind != KindUser && m.Kind != KindAI {
			continue
		}
		if excludeID != "" && m.ID == excludeID {
			continue
		}
		picked = append(picked, m)
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}

// UpdatePreview attaches p to the newest user message with id.
func (h *HistoryStore) UpdatePreview(room, id string, p LinkPreview) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[room]
	if !ok {
		return false
	}
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].ID == id && r.messages[i].Kind == KindUser {
			cp := p
			r.messages[i].Preview = &cp
			return true
		}
	}
	return false
}

// DeleteRoom removes room, sweeps the objects only it referenced and
// returns its full file-reference set.
func (h *HistoryStore) DeleteRoom(ctx context.Context, room string, sweeper OrphanSweeper) ([]string, error) {
	h.mu.Lock()
	r, ok := h.rooms[room]
	if !ok {
		h.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	delete(h.rooms, room)
	files := r.fileList()
	h.sweepLocked(ctx, sweeper, files)
	h.mu.Unlock()

	h.checkpoint()
	return files, nil
}

// Expire removes every unoccupied room idle for longer than threshold, then
// sweeps the union of their files once and persists once.
// occupied is called under the history lock.
func (h *HistoryStore) Expire(ctx context.Context, threshold time.Duration, occupied func(room string) bool, sweeper OrphanSweeper) []string {
	now := h.now()

	h.mu.Lock()
	var removed []string
	union := make(map[string]struct{})
	for id, r := range h.rooms {
		if occupied != nil && occupied(id) {
			continue
		}
		if now.Sub(r.lastActive) <= threshold {
			continue
		}
		removed = append(removed, id)
		for f := range r.files {
			union[f] = struct{}{}
		}
		delete(h.rooms, id)
	}
	candidates := make([]string, 0, len(union))
	for f := range union {
		candidates = append(candidates, f)
	}
	sort.Strings(candidates)
	h.sweepLocked(ctx, sweeper, candidates)
	h.mu.Unlock()

	sort.Strings(removed)
	if len(removed) > 0 {
		h.logger.Info("expired inactive rooms", slog.Int("count", len(removed)))
		h.checkpoint()
	}
	return removed
}

func (h *HistoryStore) sweepLocked(ctx context.Context, sweeper OrphanSweeper, candidates []string) {
	if sweeper == nil || len(candidates) == 0 {
		return
	}
	inUse := h.referencedLocked()
	orphans := make([]string, 0, len(candidates))
	for _, f := range candidates {
		if _, ok := inUse[f]; !ok {
			orphans = append(orphans, f)
		}
	}
	if len(orphans) == 0 {
		return
	}
	if _, err := sweeper.SweepOrphans(ctx, orphans); err != nil {
		h.logger.Error("orphan sweep failed", slog.String("error", err.Error()))
	}
}

func (h *HistoryStore) referencedLocked() map[string]struct{} {
	inUse := make(map[string]struct{})
	for _, r := range h.rooms {
		for f := range r.files {
			inUse[f] = struct{}{}
		}
	}
	return inUse
}

// WithReferenced runs fn with the union of every room's file references
// while holding the history lock.
func (h *HistoryStore) WithReferenced(fn func(referenced map[string]struct{}) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.referencedLocked())
}

// DropFileRef removes name from every room's reference set and returns how
// many rooms cited it.
func (h *HistoryStore) DropFileRef(name string) int {
	h.mu.Lock()
	n := 0
	for _, r := range h.rooms {
		if _, ok := r.files[name]; ok {
			delete(r.files, name)
			n++
		}
	}
	h.mu.Unlock()

	h.checkpoint()
	return n
}

// RoomSummary is the admin view of one room.
type RoomSummary struct {
	Room         string    `json:"room_id"`
	MessageCount int       `json:"message_count"`
	Files        []string  `json:"files"`
	LastActive   time.Time `json:"last_active"`
}

func (h *HistoryStore) Summaries() []RoomSummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]RoomSummary, 0, len(h.rooms))
	for id, r := range h.rooms {
		out = append(out, RoomSummary{
			Room:         id,
			MessageCount: len(r.messages),
			Files:        r.fileList(),
			LastActive:   r.lastActive,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// RoomDetail is a full copy of one room.
type RoomDetail struct {
	RoomSummary
	Messages []Message `json:"messages"`
}

func (h *HistoryStore) Detail(room string) (RoomDetail, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[room]
	if !ok {
		return RoomDetail{}, false
	}
	return RoomDetail{
		RoomSummary: RoomSummary{
			Room:         room,
			MessageCount: len(r.messages),
			Files:        r.fileList(),
			LastActive:   r.lastActive,
		},
		Messages: append([]Message(nil), r.messages...),
	}, true
}
