package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultOpenAITimeout is a little longer than the local one to cover WAN latency.
const DefaultOpenAITimeout = 20 * time.Second

// OpenAIProvider speaks the OpenAI-compatible SSE shape.
type OpenAIProvider struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Client      *http.Client
}

func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	base := strings.TrimRight(cfg.Endpoint, "/")
	if base == "" {
		base = "https://api.openai.com"
	}
	return &OpenAIProvider{
		BaseURL:     base,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     DefaultOpenAITimeout,
		Client:      &http.Client{},
	}
}

type openAIChatReq struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type openAIPart struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
	Reasoning        string `json:"reasoning"`
	Thoughts         string `json:"thoughts"`
}

func (p *openAIPart) reasoning() string {
	switch {
	case p.ReasoningContent != "":
		return p.ReasoningContent
	case p.Reasoning != "":
		return p.Reasoning
	default:
		return p.Thoughts
	}
}

type openAIStreamResp struct {
	Choices []struct {
		Delta   *openAIPart `json:"delta"`
		Message *openAIPart `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// url appends path under /v1 unless the base already ends there.
func (p *OpenAIProvider) url(path string) string {
	if strings.HasSuffix(p.BaseURL, "/v1") {
		return p.BaseURL + path
	}
	return p.BaseURL + "/v1" + path
}

func (p *OpenAIProvider) authorize(req *http.Request) {
	if strings.TrimSpace(p.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
}

// StreamChat streams deltas via SSE. Lines may come with or without the
// "data:" prefix; anything that does not decode is skipped.
func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []Message) (<-chan Delta, <-chan error) {
	deltas := make(chan Delta, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		if p.Client == nil {
			errs <- errors.New("openai: http client is nil")
			return
		}
		model := strings.TrimSpace(p.Model)
		if model == "" {
			errs <- errors.New("openai: model is required")
			return
		}

		b, err := json.Marshal(openAIChatReq{
			Model:       model,
			Messages:    messages,
			Stream:      true,
			Temperature: p.Temperature,
			MaxTokens:   p.MaxTokens,
		})
		if err != nil {
			errs <- err
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		wd := newIdleWatchdog(p.timeout(), cancel)
		defer wd.stop()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url("/chat/completions"), bytes.NewReader(b))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		p.authorize(req)

		resp, err := p.Client.Do(req)
		if err != nil {
			errs <- wd.wrap(err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			errs <- &StatusError{Provider: "openai", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			return
		}

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, scanInitialBuf), scanMaxBuf)

		for sc.Scan() {
			wd.touch()
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var decoded openAIStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				continue
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- fmt.Errorf("openai: %s", decoded.Error.Message)
				return
			}
			if len(decoded.Choices) == 0 {
				continue
			}

			part := decoded.Choices[0].Delta
			if part == nil {
				part = decoded.Choices[0].Message
			}
			if part == nil {
				continue
			}
			d := Delta{Content: part.Content, Reasoning: part.reasoning()}
			if d.Content == "" && d.Reasoning == "" {
				continue
			}
			select {
			case deltas <- d:
			case <-ctx.Done():
				errs <- wd.wrap(ctx.Err())
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- wd.wrap(err)
		}
	}()

	return deltas, errs
}

type openAIModelsResp struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels asks /v1/models which models the key can use.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url("/models"), nil)
	if err != nil {
		return nil, err
	}
	p.authorize(req)
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: "openai", StatusCode: resp.StatusCode}
	}

	var decoded openAIModelsResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("openai: decode models: %w", err)
	}
	out := make([]string, 0, len(decoded.Data))
	for _, m := range decoded.Data {
		out = append(out, m.ID)
	}
	return out, nil
}

func (p *OpenAIProvider) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultOpenAITimeout
}
