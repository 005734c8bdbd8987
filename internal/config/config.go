package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr        string        `mapstructure:"HTTP_ADDR"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	CORSOrigins     string        `mapstructure:"CORS_ORIGINS"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	LogFormat       string        `mapstructure:"LOG_FORMAT"`

	// DB_DRIVER is sqlite, mysql or postgres.
	DBDriver string `mapstructure:"DB_DRIVER"`
	DBDSN    string `mapstructure:"DB_DSN"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	// storage
	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	UploadDir      string `mapstructure:"UPLOAD_DIR"`
	MaxUploadBytes int64  `mapstructure:"MAX_UPLOAD_BYTES"`
	S3Endpoint     string `mapstructure:"S3_ENDPOINT"`
	S3Region       string `mapstructure:"S3_REGION"`
	S3Bucket       string `mapstructure:"S3_BUCKET"`
	S3AccessKey    string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey    string `mapstructure:"S3_SECRET_KEY"`
	S3Prefix       string `mapstructure:"S3_PREFIX"`

	// empty REDIS_ADDR keeps fan-out in process
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	RedisChannel  string `mapstructure:"REDIS_CHANNEL"`

	// rabbitMQ admin feed, off when RABBIT_URL is empty
	RabbitURL   string `mapstructure:"RABBIT_URL"`
	RabbitQueue string `mapstructure:"RABBIT_QUEUE"`

	// cmd/worker: follows the admin feed and refreshes views from the API
	WorkerConcurrency int    `mapstructure:"WORKER_CONCURRENCY"`
	AdminAPIURL       string `mapstructure:"ADMIN_API_URL"`

	GCInterval     time.Duration `mapstructure:"GC_INTERVAL"`
	RoomInactivity time.Duration `mapstructure:"ROOM_INACTIVITY"`

	PreviewTimeout   time.Duration `mapstructure:"PREVIEW_TIMEOUT"`
	PreviewCacheSize int           `mapstructure:"PREVIEW_CACHE_SIZE"`
	PreviewCacheTTL  time.Duration `mapstructure:"PREVIEW_CACHE_TTL"`

	ChatContextWindowSize int `mapstructure:"CHAT_CONTEXT_WINDOW_SIZE"`

	// AI provider seeds; persisted admin edits win over these
	AIProvider    string `mapstructure:"AI_PROVIDER"`
	AIName        string `mapstructure:"AI_NAME"`
	OllamaEnabled bool   `mapstructure:"OLLAMA_ENABLED"`
	OllamaBaseURL string `mapstructure:"OLLAMA_BASE_URL"`
	OllamaModel   string `mapstructure:"OLLAMA_MODEL"`
	OpenAIEnabled bool   `mapstructure:"OPENAI_ENABLED"`
	OpenAIBaseURL string `mapstructure:"OPENAI_BASE_URL"`
	OpenAIAPIKey  string `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel   string `mapstructure:"OPENAI_MODEL"`
}

var defaults = map[string]any{
	"HTTP_ADDR":        ":5000",
	"SHUTDOWN_TIMEOUT": "10s",
	"CORS_ORIGINS":     "*",
	"LOG_LEVEL":        "info",
	"LOG_FORMAT":       "text",

	"DB_DRIVER": "sqlite",
	"DB_DSN":    "chatroom.db",

	"JWT_SECRET": "dev-secret-change-me",

	"STORAGE_BACKEND":  "disk",
	"UPLOAD_DIR":       "uploads",
	"MAX_UPLOAD_BYTES": int64(5) << 30,
	"S3_ENDPOINT":      "",
	"S3_REGION":        "us-east-1",
	"S3_BUCKET":        "",
	"S3_ACCESS_KEY":    "",
	"S3_SECRET_KEY":    "",
	"S3_PREFIX":        "",

	"REDIS_ADDR":     "",
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,
	"REDIS_CHANNEL":  "chatroom-events",

	"RABBIT_URL":         "",
	"RABBIT_QUEUE":       "chatroom_admin_updates",
	"WORKER_CONCURRENCY": 2,
	"ADMIN_API_URL":      "http://localhost:5000",

	"GC_INTERVAL":     "1h",
	"ROOM_INACTIVITY": "168h",

	"PREVIEW_TIMEOUT":    "3s",
	"PREVIEW_CACHE_SIZE": 512,
	"PREVIEW_CACHE_TTL":  "30m",

	"CHAT_CONTEXT_WINDOW_SIZE": 20,

	"AI_PROVIDER":     "ollama",
	"AI_NAME":         "AI助手",
	"OLLAMA_ENABLED":  false,
	"OLLAMA_BASE_URL": "http://localhost:11434",
	"OLLAMA_MODEL":    "qwen2.5:latest",
	"OPENAI_ENABLED":  false,
	"OPENAI_BASE_URL": "https://api.openai.com",
	"OPENAI_API_KEY":  "",
	"OPENAI_MODEL":    "gpt-4o-mini",
}

// Load reads the environment, optionally overlaid on a .env file in the
// working directory.
func Load() (Config, error) {
	return load(".env")
}

func load(envFile string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return Config{}, fmt.Errorf("read %s: %w", envFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch strings.ToLower(c.StorageBackend) {
	case "disk":
		if c.UploadDir == "" {
			return fmt.Errorf("UPLOAD_DIR is required for disk storage")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for s3 storage")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be disk or s3, got %q", c.StorageBackend)
	}
	if c.GCInterval <= 0 || c.RoomInactivity <= 0 {
		return fmt.Errorf("GC_INTERVAL and ROOM_INACTIVITY must be positive")
	}
	if c.ChatContextWindowSize <= 0 {
		return fmt.Errorf("CHAT_CONTEXT_WINDOW_SIZE must be positive")
	}
	return nil
}

// SetupLogger installs the process-wide slog logger.
func SetupLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
