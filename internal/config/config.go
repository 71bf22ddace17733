package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DataDir     string `envconfig:"DATA_DIR" required:"true"`
	DBPath      string `envconfig:"DB_PATH" default:"mediadrop.db"`
	ExternalURL string `envconfig:"EXTERNAL_URL" required:"true"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`

	MaxPerUser       int           `envconfig:"MAX_PER_USER" default:"2"`
	MaxGlobal        int           `envconfig:"MAX_GLOBAL" default:"0"`
	FetchConcurrency int           `envconfig:"FETCH_CONCURRENCY" default:"4"`
	FragmentSize     int64         `envconfig:"FRAGMENT_SIZE" default:"4194304"`
	FetchRetries     uint          `envconfig:"FETCH_RETRIES" default:"5"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"3s"`

	DirectUploadLimit int64         `envconfig:"DIRECT_UPLOAD_LIMIT" default:"2147483648"`
	ArtifactRetention time.Duration `envconfig:"ARTIFACT_RETENTION" default:"8h"`
	PartialStaleAfter time.Duration `envconfig:"PARTIAL_STALE_AFTER" default:"8h"`
	SessionGrace      time.Duration `envconfig:"SESSION_GRACE" default:"2h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	FFmpegPath          string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	DiscordWebhookURL   string `envconfig:"DISCORD_WEBHOOK_URL"`
	TelegramToken       string `envconfig:"TELEGRAM_TOKEN"`
	TelegramAPIEndpoint string `envconfig:"TELEGRAM_API_ENDPOINT"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"mediadrop"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	cfg.ExternalURL = strings.TrimRight(cfg.ExternalURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR must not be empty"))
	}

	if u, err := url.Parse(c.ExternalURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("EXTERNAL_URL must be an absolute URL, got %q", c.ExternalURL))
	}

	if c.MaxPerUser < 1 {
		errs = append(errs, errors.New("MAX_PER_USER must be at least 1"))
	}

	if c.MaxGlobal < 0 {
		errs = append(errs, errors.New("MAX_GLOBAL must not be negative"))
	}

	if c.FetchConcurrency < 1 {
		errs = append(errs, errors.New("FETCH_CONCURRENCY must be at least 1"))
	}

	if c.FragmentSize < 64<<10 {
		errs = append(errs, errors.New("FRAGMENT_SIZE must be at least 64KiB"))
	}

	if c.DirectUploadLimit <= 0 {
		errs = append(errs, errors.New("DIRECT_UPLOAD_LIMIT must be positive"))
	}

	for name, d := range map[string]time.Duration{
		"PROGRESS_INTERVAL":   c.ProgressInterval,
		"ARTIFACT_RETENTION":  c.ArtifactRetention,
		"PARTIAL_STALE_AFTER": c.PartialStaleAfter,
		"SESSION_GRACE":       c.SessionGrace,
		"CLEANUP_INTERVAL":    c.CleanupInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if (c.API.Username == "") != (c.API.Password == "") {
		errs = append(errs, errors.New("API_USERNAME and API_PASSWORD must be set together"))
	}

	return errors.Join(errs...)
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
