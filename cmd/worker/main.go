// Command worker follows the admin-update queue and refreshes the matching
// admin view from the server API, logging a one-line summary of each.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/suPer8Hu/ai-chatroom/internal/config"
	"github.com/suPer8Hu/ai-chatroom/internal/events"
	"github.com/suPer8Hu/ai-chatroom/internal/httpapi/middleware"
	"github.com/suPer8Hu/ai-chatroom/internal/store/rabbitmq"
)

const (
	maxConcurrency = 50
	// notices of one kind closer together than this are collapsed
	coalesceWindow = time.Second
	tokenTTL       = time.Hour
)

var viewPaths = map[events.AdminKind]string{
	events.AdminStats:  "/admin/stats",
	events.AdminRooms:  "/admin/rooms",
	events.AdminFiles:  "/admin/files",
	events.AdminConfig: "/admin/ai/configs",
}

func workerConcurrency(n int) int {
	if n <= 0 {
		return 2
	}
	if n > maxConcurrency {
		return maxConcurrency
	}
	return n
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := config.SetupLogger(cfg)
	if cfg.RabbitURL == "" {
		logger.Error("RABBIT_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := newRefresher(cfg.AdminAPIURL, cfg.JWTSecret, logger)
	concurrency := workerConcurrency(cfg.WorkerConcurrency)
	logger.Info("worker started", slog.String("queue", cfg.RabbitQueue), slog.Int("concurrency", concurrency))

	if err := rabbitmq.Consume(ctx, cfg.RabbitURL, cfg.RabbitQueue, concurrency, logger, r.handle); err != nil {
		logger.Error("worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type refresher struct {
	baseURL string
	secret  string
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	last map[events.AdminKind]time.Time
}

func newRefresher(baseURL, secret string, logger *slog.Logger) *refresher {
	return &refresher{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With(slog.String("component", "admin-refresher")),
		now:     time.Now,
		last:    make(map[events.AdminKind]time.Time),
	}
}

// due reports whether kind should be refreshed now, recording the attempt.
func (r *refresher) due(kind events.AdminKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if prev, ok := r.last[kind]; ok && now.Sub(prev) < coalesceWindow {
		return false
	}
	r.last[kind] = now
	return true
}

func (r *refresher) handle(ctx context.Context, m rabbitmq.AdminMessage) error {
	path, ok := viewPaths[m.Kind]
	if !ok {
		return fmt.Errorf("unknown admin notice type %q", m.Kind)
	}
	if !r.due(m.Kind) {
		return nil
	}

	token, err := middleware.IssueAdminToken(r.secret, "worker", tokenTTL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := r.now()
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", m.Kind, err)
	}
	defer resp.Body.Close()

	var env struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("refresh %s: decode: %w", m.Kind, err)
	}
	if resp.StatusCode != http.StatusOK || env.Code != 0 {
		return fmt.Errorf("refresh %s: status %d code %d: %s", m.Kind, resp.StatusCode, env.Code, env.Message)
	}

	r.logger.Info("admin view refreshed",
		slog.String("type", string(m.Kind)),
		slog.String("notice_at", m.Timestamp),
		slog.Int("bytes", len(env.Data)),
		slog.Duration("cost", r.now().Sub(start)),
	)
	return nil
}
