package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/ai-chatroom/internal/chat"
	"github.com/suPer8Hu/ai-chatroom/internal/events"
)

const (
	DefaultContextWindow = 20

	// a buffered chunk goes out once it holds this many characters or fragments
	flushChars     = 5
	flushFragments = 3

	aiAuthorKey = "AI"
)

const speakerNote = "\n\n注意：你将收到一段最近的对话上下文（最多20条）。其中：\n" +
	"- 用户消息采用格式：【昵称】消息文本\n" +
	"- AI消息为纯文本，不包含昵称前缀\n" +
	"请在理解上下文时正确区分不同用户的昵称，保持回答简洁友好。"

var thinkRe = regexp.MustCompile(`<think>([\s\S]*?)</think>`)

// History is the slice of the history store the relay needs.
type History interface {
	ContextWindow(room string, n int, excludeID string) []chat.Message
	Append(room string, msg chat.Message, publish func(chat.Message)) error
}

// Request is one invocation of the relay.
type Request struct {
	Room string
	User string
	Text string
	// TriggerID is the user message that asked for the answer; it is sent as
	// the final turn and left out of the context window.
	TriggerID     string
	AssistantName string
}

type StartPayload struct {
	MessageID         string    `json:"message_id"`
	Timestamp         time.Time `json:"timestamp"`
	AssistantName     string    `json:"ai_name"`
	SupportsReasoning bool      `json:"supports_reasoning"`
}

type ChunkPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type EndPayload struct {
	MessageID string `json:"message_id"`
}

type ErrorPayload struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
	Cause     Cause  `json:"cause"`
}

// Relay streams one provider answer into room events.
type Relay struct {
	settings *Settings
	registry *Registry
	history  History
	events   events.Publisher
	stats    *Stats
	window   int
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

type RelayOption func(*Relay)

func WithContextWindow(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.window = n
		}
	}
}

func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) { r.now = now }
}

func NewRelay(settings *Settings, registry *Registry, history History, pub events.Publisher, stats *Stats, logger *slog.Logger, opts ...RelayOption) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}
	r := &Relay{
		settings: settings,
		registry: registry,
		history:  history,
		events:   pub,
		stats:    stats,
		window:   DefaultContextWindow,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "relay")),
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Relay) Stats() *Stats { return r.stats }

// Enabled reports whether the active provider accepts requests.
func (r *Relay) Enabled() bool {
	_, cfg := r.settings.Active()
	return cfg.Enabled
}

// SupportsReasoning guesses from the model name whether it emits thinking text.
func SupportsReasoning(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "reason") || strings.Contains(m, "deepseek") || strings.Contains(m, "r1")
}

// Run performs one relay. It always ends with either an end event or exactly
// one error event, except when the provider is disabled or id is busy, where
// nothing is emitted.
func (r *Relay) Run(ctx context.Context, req Request) error {
	variant, cfg := r.settings.Active()
	if !cfg.Enabled {
		return ErrDisabled
	}

	started := r.now()
	id := chat.MessageID(req.Room, aiAuthorKey, started)
	if !r.acquire(id) {
		return fmt.Errorf("%w: %s", ErrRelayInFlight, id)
	}
	defer r.release(id)

	name := strings.TrimSpace(req.AssistantName)
	if name == "" {
		name = cfg.AssistantName
	}
	if name == "" {
		name = DefaultAssistantName
	}
	supports := SupportsReasoning(cfg.Model)

	r.stats.begin(variant)
	r.emit(req.Room, events.AIStart, StartPayload{
		MessageID:         id,
		Timestamp:         started,
		AssistantName:     name,
		SupportsReasoning: supports,
	})

	provider, err := r.registry.Build(variant, cfg)
	if err != nil {
		return r.fail(req.Room, id, variant, started, err)
	}

	deltas, errs := provider.StreamChat(ctx, r.buildMessages(req, cfg))
	st := &streamState{relay: r, room: req.Room, id: id, supportsReasoning: supports}
	for d := range deltas {
		st.consume(d)
	}
	if err := <-errs; err != nil {
		return r.fail(req.Room, id, variant, started, err)
	}

	st.flush()
	r.emit(req.Room, events.AIEnd, EndPayload{MessageID: id})
	if supports && st.reasoning != "" {
		r.emit(req.Room, events.AIReasoningEnd, ChunkPayload{MessageID: id, Content: st.reasoning})
	}

	msg := chat.NewAIMessage(id, name, st.full.String(), r.now())
	if err := r.history.Append(req.Room, msg, nil); err != nil {
		if errors.Is(err, chat.ErrRoomNotFound) {
			r.logger.Info("room gone before ai answer was stored", slog.String("room", req.Room), slog.String("message_id", id))
		} else {
			r.logger.Error("failed to store ai answer", slog.String("room", req.Room), slog.String("error", err.Error()))
		}
	}

	r.stats.succeed(variant, r.now().Sub(started))
	r.logger.Info("relay finished",
		slog.String("room", req.Room),
		slog.String("message_id", id),
		slog.String("provider", string(variant)),
		slog.Int("chars", utf8.RuneCountInString(msg.Body)),
	)
	return nil
}

func (r *Relay) fail(room, id string, v Variant, started time.Time, err error) error {
	cause := Classify(err)
	r.emit(room, events.AIError, ErrorPayload{MessageID: id, Error: Describe(err), Cause: cause})
	r.stats.fail(v, cause, r.now().Sub(started))
	r.logger.Warn("relay failed",
		slog.String("room", room),
		slog.String("message_id", id),
		slog.String("provider", string(v)),
		slog.String("cause", string(cause)),
		slog.String("error", err.Error()),
	)
	return err
}

func (r *Relay) acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[id]; busy {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Relay) release(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

func (r *Relay) emit(room string, name events.Name, data any) {
	r.events.Publish(events.Event{Name: name, Room: room, Data: data, At: r.now()})
}

// buildMessages flattens recent history into one transcript. Human turns
// carry a 【name】 prefix so the model can tell speakers apart.
func (r *Relay) buildMessages(req Request, cfg ProviderConfig) []Message {
	history := r.history.ContextWindow(req.Room, r.window, req.TriggerID)
	out := make([]Message, 0, len(history)+2)
	out = append(out, Message{Role: "system", Content: cfg.SystemPrompt + speakerNote})
	for _, m := range history {
		switch m.Kind {
		case chat.KindAI:
			out = append(out, Message{Role: "assistant", Content: m.Body})
		case chat.KindUser:
			out = append(out, Message{Role: "user", Content: "【" + m.Author + "】" + m.Body})
		}
	}
	return append(out, Message{Role: "user", Content: req.Text})
}

// streamState buffers content into chunk events and pulls reasoning out of
// either explicit fields or inline think tags.
type streamState struct {
	relay             *Relay
	room, id          string
	supportsReasoning bool

	full      strings.Builder
	buf       strings.Builder
	fragments int
	reasoning string
}

func (s *streamState) consume(d Delta) {
	if s.supportsReasoning {
		if d.Reasoning != "" {
			s.reasoning += d.Reasoning
			s.relay.emit(s.room, events.AIReasoningChunk, ChunkPayload{MessageID: s.id, Content: d.Reasoning})
		} else if strings.Contains(d.Content, ">") {
			s.extractThink(s.full.String() + d.Content)
		}
	}

	if d.Content == "" {
		return
	}
	s.full.WriteString(d.Content)
	s.buf.WriteString(d.Content)
	s.fragments++
	if utf8.RuneCountInString(s.buf.String()) >= flushChars || s.fragments >= flushFragments {
		s.flush()
	}
}

// extractThink emits whatever closed think-span text has appeared since the
// last call. A span only completes when its closing '>' arrives.
func (s *streamState) extractThink(text string) {
	matches := thinkRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return
	}
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = m[1]
	}
	joined := strings.Join(parts, "\n\n")
	if len(joined) <= len(s.reasoning) || !strings.HasPrefix(joined, s.reasoning) {
		return
	}
	newPart := joined[len(s.reasoning):]
	if strings.TrimSpace(newPart) == "" {
		return
	}
	s.reasoning = joined
	s.relay.emit(s.room, events.AIReasoningChunk, ChunkPayload{MessageID: s.id, Content: newPart})
}

func (s *streamState) flush() {
	if s.buf.Len() == 0 {
		return
	}
	s.relay.emit(s.room, events.AIChunk, ChunkPayload{MessageID: s.id, Content: s.buf.String()})
	s.buf.Reset()
	s.fragments = 0
}
