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

// DefaultOllamaTimeout bounds how long a local backend may stay silent.
const DefaultOllamaTimeout = 15 * time.Second

// OllamaProvider speaks the local-inference NDJSON shape.
type OllamaProvider struct {
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Client      *http.Client
}

func NewOllamaProvider(cfg ProviderConfig) *OllamaProvider {
	base := strings.TrimRight(cfg.Endpoint, "/")
	if base == "" {
		base = "http://localhost:11434"
	}
	return &OllamaProvider{
		BaseURL:     base,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     DefaultOllamaTimeout,
		Client:      &http.Client{},
	}
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatReq struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaStreamResp struct {
	Message struct {
		Content  string `json:"content"`
		Thinking string `json:"thinking"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// StreamChat streams deltas from /api/chat. Lines that are not JSON are skipped.
func (p *OllamaProvider) StreamChat(ctx context.Context, messages []Message) (<-chan Delta, <-chan error) {
	deltas := make(chan Delta, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		if p.Client == nil {
			errs <- errors.New("ollama: http client is nil")
			return
		}

		b, err := json.Marshal(ollamaChatReq{
			Model:    p.Model,
			Messages: messages,
			Stream:   true,
			Options:  ollamaOptions{Temperature: p.Temperature, NumPredict: p.MaxTokens},
		})
		if err != nil {
			errs <- err
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		wd := newIdleWatchdog(p.timeout(), cancel)
		defer wd.stop()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/chat", bytes.NewReader(b))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.Client.Do(req)
		if err != nil {
			errs <- wd.wrap(err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			errs <- &StatusError{Provider: "ollama", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			return
		}

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, scanInitialBuf), scanMaxBuf)

		for sc.Scan() {
			wd.touch()
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}

			var decoded ollamaStreamResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				continue
			}
			if decoded.Error != "" {
				errs <- fmt.Errorf("ollama: %s", decoded.Error)
				return
			}

			d := Delta{Content: decoded.Message.Content, Reasoning: decoded.Message.Thinking}
			if d.Content != "" || d.Reasoning != "" {
				select {
				case deltas <- d:
				case <-ctx.Done():
					errs <- wd.wrap(ctx.Err())
					return
				}
			}
			if decoded.Done {
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- wd.wrap(err)
		}
	}()

	return deltas, errs
}

type ollamaTagsResp struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels asks /api/tags which models are installed.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: "ollama", StatusCode: resp.StatusCode}
	}

	var decoded ollamaTagsResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("ollama: decode tags: %w", err)
	}
	out := make([]string, 0, len(decoded.Models))
	for _, m := range decoded.Models {
		out = append(out, m.Name)
	}
	return out, nil
}

func (p *OllamaProvider) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultOllamaTimeout
}
