package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
)

type Variant string

const (
	VariantOllama Variant = "ollama"
	VariantOpenAI Variant = "thirdparty"
)

const (
	DefaultAssistantName = "AI助手"

	ConfigSnapshotName   = "provider_config"
	SelectorSnapshotName = "provider_selector"
	selectorKey          = "active"
)

func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case VariantOllama, VariantOpenAI:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}

// ProviderConfig is everything needed to talk to one backend.
type ProviderConfig struct {
	Enabled       bool    `json:"enabled"`
	Endpoint      string  `json:"api_url"`
	APIKey        string  `json:"api_key,omitempty"`
	Model         string  `json:"model"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
	SystemPrompt  string  `json:"system_prompt"`
	AssistantName string  `json:"ai_name"`
}

// Redacted hides all but the last four characters of the API key.
func (c ProviderConfig) Redacted() ProviderConfig {
	if n := len(c.APIKey); n > 0 {
		if n <= 4 {
			c.APIKey = "****"
		} else {
			c.APIKey = "****" + c.APIKey[n-4:]
		}
	}
	return c
}

// Both variants start disabled until an admin or the environment turns them on.
func DefaultOllamaConfig() ProviderConfig {
	return ProviderConfig{
		Endpoint:      "http://localhost:11434",
		Model:         "qwen2.5:latest",
		Temperature:   0.7,
		MaxTokens:     2000,
		SystemPrompt:  "你是一个友好的AI助手，在聊天室中帮助用户。请简洁、友好地回答问题。",
		AssistantName: DefaultAssistantName,
	}
}

func DefaultOpenAIConfig() ProviderConfig {
	return ProviderConfig{
		Endpoint:      "https://api.openai.com",
		Model:         "gpt-4o-mini",
		Temperature:   0.7,
		MaxTokens:     2000,
		SystemPrompt:  "你是一个友好的AI助手，在聊天室中帮助用户。",
		AssistantName: DefaultAssistantName,
	}
}

// ConfigPatch carries the fields an admin wants to change; nil leaves a field alone.
type ConfigPatch struct {
	Enabled       *bool    `json:"enabled"`
	Endpoint      *string  `json:"api_url"`
	APIKey        *string  `json:"api_key"`
	Model         *string  `json:"model"`
	Temperature   *float64 `json:"temperature"`
	MaxTokens     *int     `json:"max_tokens"`
	SystemPrompt  *string  `json:"system_prompt"`
	AssistantName *string  `json:"ai_name"`
}

// Apply returns cfg with p applied, or an error if the result is unusable.
func (p ConfigPatch) Apply(cfg ProviderConfig) (ProviderConfig, error) {
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.Endpoint != nil {
		cfg.Endpoint = strings.TrimRight(strings.TrimSpace(*p.Endpoint), "/")
	}
	if p.APIKey != nil {
		cfg.APIKey = strings.TrimSpace(*p.APIKey)
	}
	if p.Model != nil {
		cfg.Model = strings.TrimSpace(*p.Model)
	}
	if p.Temperature != nil {
		cfg.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		cfg.MaxTokens = *p.MaxTokens
	}
	if p.SystemPrompt != nil {
		cfg.SystemPrompt = *p.SystemPrompt
	}
	if p.AssistantName != nil {
		cfg.AssistantName = strings.TrimSpace(*p.AssistantName)
	}
	return cfg, cfg.validate()
}

func (c ProviderConfig) validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: endpoint %q", ErrInvalidConfig, c.Endpoint)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature %.2f out of range", ErrInvalidConfig, c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalidConfig)
	}
	return nil
}

// SnapshotStore persists a flat keyed record set.
type SnapshotStore interface {
	Load(ctx context.Context, store string) (map[string][]byte, error)
	Replace(ctx context.Context, store string, records map[string][]byte) error
}

// Settings holds both provider configs and the active selector. Readers get
// copies, so an update never affects a relay already in flight.
type Settings struct {
	mu      sync.RWMutex
	configs map[Variant]ProviderConfig
	active  Variant

	saveMu sync.Mutex
	snap   SnapshotStore
	logger *slog.Logger
}

func NewSettings(ollama, openai ProviderConfig, active Variant, snap SnapshotStore, logger *slog.Logger) *Settings {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := ParseVariant(string(active)); err != nil {
		active = VariantOllama
	}
	return &Settings{
		configs: map[Variant]ProviderConfig{
			VariantOllama: ollama,
			VariantOpenAI: openai,
		},
		active: active,
		snap:   snap,
		logger: logger.With(slog.String("component", "ai-settings")),
	}
}

// Load overlays persisted values on top of the seeds.
func (s *Settings) Load(ctx context.Context) error {
	if s.snap == nil {
		return nil
	}
	cfgs, err := s.snap.Load(ctx, ConfigSnapshotName)
	if err != nil {
		return fmt.Errorf("load provider config: %w", err)
	}
	sel, err := s.snap.Load(ctx, SelectorSnapshotName)
	if err != nil {
		return fmt.Errorf("load provider selector: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, raw := range cfgs {
		v, err := ParseVariant(k)
		if err != nil {
			continue
		}
		cfg := s.configs[v]
		if err := json.Unmarshal(raw, &cfg); err != nil {
			s.logger.Warn("skipping unreadable provider config", slog.String("variant", k), slog.String("error", err.Error()))
			continue
		}
		s.configs[v] = cfg
	}
	if raw, ok := sel[selectorKey]; ok {
		if v, err := ParseVariant(string(raw)); err == nil {
			s.active = v
		}
	}
	return nil
}

func (s *Settings) Save(ctx context.Context) error {
	if s.snap == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	cfgs := make(map[string][]byte, len(s.configs))
	for v, c := range s.configs {
		b, err := json.Marshal(c)
		if err != nil {
			s.mu.RUnlock()
			return fmt.Errorf("encode %s config: %w", v, err)
		}
		cfgs[string(v)] = b
	}
	active := s.active
	s.mu.RUnlock()

	if err := s.snap.Replace(ctx, ConfigSnapshotName, cfgs); err != nil {
		return fmt.Errorf("save provider config: %w", err)
	}
	if err := s.snap.Replace(ctx, SelectorSnapshotName, map[string][]byte{selectorKey: []byte(active)}); err != nil {
		return fmt.Errorf("save provider selector: %w", err)
	}
	return nil
}

// Active returns the selected variant and a copy of its config.
func (s *Settings) Active() (Variant, ProviderConfig) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.configs[s.active]
}

func (s *Settings) Get(v Variant) (ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[v]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("%w: %q", ErrUnknownProvider, v)
	}
	return cfg, nil
}

// All returns a copy of every config.
func (s *Settings) All() map[Variant]ProviderConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Variant]ProviderConfig, len(s.configs))
	for v, c := range s.configs {
		out[v] = c
	}
	return out
}

// Update applies p to variant v and persists. Persistence failures are
// logged; the in-memory update stands.
func (s *Settings) Update(ctx context.Context, v Variant, p ConfigPatch) (ProviderConfig, error) {
	s.mu.Lock()
	cur, ok := s.configs[v]
	if !ok {
		s.mu.Unlock()
		return ProviderConfig{}, fmt.Errorf("%w: %q", ErrUnknownProvider, v)
	}
	next, err := p.Apply(cur)
	if err != nil {
		s.mu.Unlock()
		return ProviderConfig{}, err
	}
	s.configs[v] = next
	s.mu.Unlock()

	s.persist(ctx)
	return next, nil
}

func (s *Settings) SetActive(ctx context.Context, v Variant) error {
	if _, err := ParseVariant(string(v)); err != nil {
		return err
	}
	s.mu.Lock()
	s.active = v
	s.mu.Unlock()

	s.persist(ctx)
	return nil
}

func (s *Settings) persist(ctx context.Context) {
	if err := s.Save(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("provider settings snapshot failed", slog.String("error", err.Error()))
	}
}
