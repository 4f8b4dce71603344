package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nholik/exposure-sentinel/internal/engine"
)

const (
	envConfigFile          = "ES_CONFIG_FILE"
	envKeyServerURL        = "ES_KEY_SERVER_URL"
	envPollInterval        = "ES_POLL_INTERVAL"
	envRunDeadline         = "ES_RUN_DEADLINE"
	envRequestTimeout      = "ES_REQUEST_TIMEOUT"
	envDownloadDir         = "ES_DOWNLOAD_DIR"
	envDownloadConcurrency = "ES_DOWNLOAD_CONCURRENCY"
	envStateBackend        = "ES_STATE_BACKEND"
	envStatePath           = "ES_STATE_PATH"
	envEnginePlatform      = "ES_ENGINE_PLATFORM"
	envSlackWebhookURL     = "ES_SLACK_WEBHOOK_URL"
	envWebhookURL          = "ES_WEBHOOK_URL"
	envWebhookTemplate     = "ES_WEBHOOK_TEMPLATE"
	envDryRun              = "ES_DRY_RUN"
	envDevRoutes           = "ES_DEV_ROUTES"
	envLogLevel            = "ES_LOG_LEVEL"
	envHealthPort          = "ES_HEALTH_PORT"
	envMetricsPort         = "ES_METRICS_PORT"
)

const (
	defaultPollInterval        = 2 * time.Hour
	defaultRunDeadline         = 3*time.Minute + 30*time.Second
	defaultRequestTimeout      = 10 * time.Second
	defaultDownloadConcurrency = 4
	defaultStateBackend        = BackendFile
	defaultFileStatePath       = "exposure-sentinel-state.json"
	defaultSQLiteStatePath     = "exposure-sentinel.db"
	defaultLogLevel            = "info"
	defaultHealthPort          = 8080
)

// State backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	KeyServerURL        string
	PollInterval        time.Duration
	RunDeadline         time.Duration
	RequestTimeout      time.Duration
	DownloadDir         string
	DownloadConcurrency int
	StateBackend        string
	StatePath           string
	EnginePlatform      string
	SlackWebhookURL     string
	WebhookURL          string
	WebhookTemplate     string
	DryRun              bool
	DevRoutes           bool
	LogLevel            string
	HealthPort          int
	MetricsPort         int
}

// Load reads configuration from an optional YAML file, environment variables
// and a local .env file if present. Existing environment variables take
// precedence over values in .env, and both take precedence over the file.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		PollInterval:        defaultPollInterval,
		RunDeadline:         defaultRunDeadline,
		RequestTimeout:      defaultRequestTimeout,
		DownloadConcurrency: defaultDownloadConcurrency,
		StateBackend:        defaultStateBackend,
		LogLevel:            defaultLogLevel,
		HealthPort:          defaultHealthPort,
	}

	if path, ok := lookupTrimmed(envConfigFile); ok && path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		file.apply(&cfg)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.StatePath == "" {
		cfg.StatePath = defaultFileStatePath
		if cfg.StateBackend == BackendSQLite {
			cfg.StatePath = defaultSQLiteStatePath
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		envKeyServerURL:    &cfg.KeyServerURL,
		envDownloadDir:     &cfg.DownloadDir,
		envStateBackend:    &cfg.StateBackend,
		envStatePath:       &cfg.StatePath,
		envEnginePlatform:  &cfg.EnginePlatform,
		envSlackWebhookURL: &cfg.SlackWebhookURL,
		envWebhookURL:      &cfg.WebhookURL,
		envWebhookTemplate: &cfg.WebhookTemplate,
		envLogLevel:        &cfg.LogLevel,
	}
	for key, dst := range strs {
		if value, ok := lookupTrimmed(key); ok {
			*dst = value
		}
	}

	durations := map[string]*time.Duration{
		envPollInterval:   &cfg.PollInterval,
		envRunDeadline:    &cfg.RunDeadline,
		envRequestTimeout: &cfg.RequestTimeout,
	}
	for key, dst := range durations {
		value, ok := lookupTrimmed(key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = parsed
	}

	ints := map[string]*int{
		envDownloadConcurrency: &cfg.DownloadConcurrency,
		envHealthPort:          &cfg.HealthPort,
		envMetricsPort:         &cfg.MetricsPort,
	}
	for key, dst := range ints {
		value, ok := lookupTrimmed(key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = parsed
	}

	bools := map[string]*bool{
		envDryRun:    &cfg.DryRun,
		envDevRoutes: &cfg.DevRoutes,
	}
	for key, dst := range bools {
		value, ok := lookupTrimmed(key)
		if !ok || value == "" {
			continue
		}
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = parsed
	}
	return nil
}

func (c Config) validate() error {
	if c.KeyServerURL == "" {
		return errors.New(envKeyServerURL + " is required")
	}
	if err := validateURL(c.KeyServerURL, envKeyServerURL); err != nil {
		return err
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{envPollInterval, c.PollInterval},
		{envRunDeadline, c.RunDeadline},
		{envRequestTimeout, c.RequestTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be greater than zero", p.name)
		}
	}

	if c.DownloadConcurrency < 1 {
		return fmt.Errorf("%s must be at least 1", envDownloadConcurrency)
	}
	if c.StateBackend != BackendFile && c.StateBackend != BackendSQLite {
		return fmt.Errorf("invalid %s: %q (want %s or %s)", envStateBackend, c.StateBackend, BackendFile, BackendSQLite)
	}
	if _, err := engine.ParsePlatform(c.EnginePlatform); err != nil {
		return fmt.Errorf("invalid %s: %w", envEnginePlatform, err)
	}

	for name, value := range map[string]string{
		envSlackWebhookURL: c.SlackWebhookURL,
		envWebhookURL:      c.WebhookURL,
	} {
		if value == "" {
			continue
		}
		if err := validateURL(value, name); err != nil {
			return err
		}
	}

	for name, port := range map[string]int{envHealthPort: c.HealthPort, envMetricsPort: c.MetricsPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s: %d out of range", name, port)
		}
	}
	return nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid %s: scheme must be http or https", name)
	}
	return nil
}
