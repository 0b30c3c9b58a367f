package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	TargetDir string `envconfig:"TARGET_DIR" default:"downloads"`
	DBPath    string `envconfig:"DB_PATH" default:"downloads.db"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"INFO"`

	MaxParallel      int           `envconfig:"MAX_PARALLEL" default:"3"`
	MaxRetries       int           `envconfig:"MAX_RETRIES" default:"0"`
	ConnectTimeout   time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s"`
	ReadTimeout      time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	ChunkSize        int           `envconfig:"CHUNK_SIZE" default:"32768"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"500ms"`
	UserAgent        string        `envconfig:"USER_AGENT" default:"download-engine/1.0"`
	BearerToken      string        `envconfig:"HTTP_BEARER_TOKEN"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	KeepCompletedFor time.Duration `envconfig:"KEEP_COMPLETED_FOR" default:"0"`
	CleanupInterval  time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"download-engine"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure bool   `envconfig:"OTLP_INSECURE" default:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig loads an optional .env file and then populates the Config struct from the environment.
// Variables already present in the environment win over the file.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.MaxParallel < 1:
		return fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", c.MaxParallel)
	case c.ChunkSize < 1:
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	case c.MaxRetries < 0:
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	case c.ConnectTimeout < 0 || c.ReadTimeout < 0:
		return errors.New("timeouts must not be negative")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
