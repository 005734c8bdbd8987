package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/ai-chatroom/internal/ai"
	"github.com/suPer8Hu/ai-chatroom/internal/chat"
	"github.com/suPer8Hu/ai-chatroom/internal/config"
	"github.com/suPer8Hu/ai-chatroom/internal/db"
	"github.com/suPer8Hu/ai-chatroom/internal/engine"
	"github.com/suPer8Hu/ai-chatroom/internal/events"
	"github.com/suPer8Hu/ai-chatroom/internal/filestore"
	"github.com/suPer8Hu/ai-chatroom/internal/httpapi"
	apihandlers "github.com/suPer8Hu/ai-chatroom/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-chatroom/internal/httpapi/middleware"
	"github.com/suPer8Hu/ai-chatroom/internal/preview"
	"github.com/suPer8Hu/ai-chatroom/internal/store/rabbitmq"
	"github.com/suPer8Hu/ai-chatroom/internal/store/snapshot"
)

func main() {
	issue := flag.Duration("issue-admin-token", 0, "print an admin token valid for this long and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := config.SetupLogger(cfg)

	if *issue > 0 {
		tok, err := middleware.IssueAdminToken(cfg.JWTSecret, "cli", *issue)
		if err != nil {
			logger.Error("issue admin token", slog.String("error", err.Error()))
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	snaps := snapshot.NewRepo(gdb)
	if err := snaps.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}

	// fan-out: with redis every instance relays the channel to its own hub
	hub := events.NewHub(logger)
	var sinks []events.Sink
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rdb.Close()
		sinks = append(sinks, events.NewRedisSink(rdb, cfg.RedisChannel))
	} else {
		sinks = append(sinks, hub)
	}
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return fmt.Errorf("rabbit publisher: %w", err)
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}
	dispatcher := events.NewDispatcher(events.DefaultQueueSize, logger, sinks...)
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	go dispatcher.Run(dispatchCtx)
	if rdb != nil {
		go func() {
			if err := events.SubscribeRedis(ctx, rdb, cfg.RedisChannel, hub, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("redis subscription ended", slog.String("error", err.Error()))
			}
		}()
	}

	history := chat.NewHistoryStore(snaps, logger)
	files := filestore.New(backend, snaps, logger)
	settings := ai.NewSettings(ollamaSeed(cfg), openAISeed(cfg), ai.Variant(strings.ToLower(cfg.AIProvider)), snaps, logger)
	for name, load := range map[string]func(context.Context) error{
		"history":  history.Load,
		"files":    files.Load,
		"settings": settings.Load,
	} {
		if err := load(ctx); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	persistCtx, stopPersist := context.WithCancel(context.Background())
	history.Start(persistCtx)

	providers := ai.DefaultRegistry()
	relay := ai.NewRelay(settings, providers, history, dispatcher, ai.NewStats(), logger,
		ai.WithContextWindow(cfg.ChatContextWindowSize))
	fetcher := preview.NewFetcher(cfg.PreviewTimeout, logger, preview.WithCache(cfg.PreviewCacheSize, cfg.PreviewCacheTTL))

	eng := engine.New(engine.Deps{
		History:   history,
		Members:   chat.NewRegistry(),
		Files:     files,
		Settings:  settings,
		Providers: providers,
		Relay:     relay,
		Preview:   fetcher,
		Events:    dispatcher,
		Logger:    logger,
	}, engine.WithInactivity(cfg.RoomInactivity))
	eng.StartGC(ctx, cfg.GCInterval)

	router := httpapi.NewRouter(apihandlers.NewHandler(cfg, eng, hub, logger))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           cors(cfg.CORSOrigins)(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.HTTPAddr), slog.String("storage", cfg.StorageBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			stop()
			logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}

	eng.Close()
	stopPersist()
	history.Wait()
	if err := history.Save(shutdownCtx); err != nil {
		logger.Error("final history save", slog.String("error", err.Error()))
	}
	if err := files.Save(shutdownCtx); err != nil {
		logger.Error("final hash table save", slog.String("error", err.Error()))
	}
	stopDispatch()
	<-dispatcher.Done()
	return nil
}

func newBackend(ctx context.Context, cfg config.Config) (filestore.Backend, error) {
	if strings.EqualFold(cfg.StorageBackend, "s3") {
		b, err := filestore.NewS3Backend(filestore.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Prefix:          cfg.S3Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 backend: %w", err)
		}
		if err := b.HealthCheck(ctx); err != nil {
			return nil, err
		}
		return b, nil
	}
	b, err := filestore.NewDiskBackend(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("disk backend: %w", err)
	}
	return b, nil
}

func ollamaSeed(cfg config.Config) ai.ProviderConfig {
	c := ai.DefaultOllamaConfig()
	c.Enabled = cfg.OllamaEnabled
	if cfg.OllamaBaseURL != "" {
		c.Endpoint = strings.TrimRight(cfg.OllamaBaseURL, "/")
	}
	if cfg.OllamaModel != "" {
		c.Model = cfg.OllamaModel
	}
	if cfg.AIName != "" {
		c.AssistantName = cfg.AIName
	}
	return c
}

func openAISeed(cfg config.Config) ai.ProviderConfig {
	c := ai.DefaultOpenAIConfig()
	c.Enabled = cfg.OpenAIEnabled
	if cfg.OpenAIBaseURL != "" {
		c.Endpoint = strings.TrimRight(cfg.OpenAIBaseURL, "/")
	}
	c.APIKey = cfg.OpenAIAPIKey
	if cfg.OpenAIModel != "" {
		c.Model = cfg.OpenAIModel
	}
	if cfg.AIName != "" {
		c.AssistantName = cfg.AIName
	}
	return c
}

func cors(origins string) func(http.Handler) http.Handler {
	var allowed []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed = append(allowed, o)
		}
	}
	return handlers.CORS(
		handlers.AllowedOrigins(allowed),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", middleware.RequestIDHeader}),
	)
}
