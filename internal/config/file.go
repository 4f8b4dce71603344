package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the optional YAML configuration. Every field is a default that the
// environment may override.
type File struct {
	KeyServer struct {
		URL            string        `yaml:"url"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"key_server"`
	Detection struct {
		PollInterval        time.Duration `yaml:"poll_interval"`
		RunDeadline         time.Duration `yaml:"run_deadline"`
		DownloadDir         string        `yaml:"download_dir"`
		DownloadConcurrency int           `yaml:"download_concurrency"`
		EnginePlatform      string        `yaml:"engine_platform"`
	} `yaml:"detection"`
	State struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"state"`
	Notifications struct {
		SlackWebhookURL string `yaml:"slack_webhook_url"`
		WebhookURL      string `yaml:"webhook_url"`
		WebhookTemplate string `yaml:"webhook_template"`
		DryRun          bool   `yaml:"dry_run"`
	} `yaml:"notifications"`
	Server struct {
		HealthPort  int  `yaml:"health_port"`
		MetricsPort int  `yaml:"metrics_port"`
		DevRoutes   bool `yaml:"dev_routes"`
	} `yaml:"server"`
	LogLevel string `yaml:"log_level"`
}

// LoadFile parses a YAML configuration file from the given path.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse config file: %w", err)
	}
	if err := f.validate(); err != nil {
		return File{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return f, nil
}

func (f File) validate() error {
	durations := map[string]time.Duration{
		"key_server.request_timeout": f.KeyServer.RequestTimeout,
		"detection.poll_interval":    f.Detection.PollInterval,
		"detection.run_deadline":     f.Detection.RunDeadline,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	if f.Detection.DownloadConcurrency < 0 {
		return fmt.Errorf("detection.download_concurrency cannot be negative")
	}
	if f.KeyServer.URL != "" {
		if err := validateURL(f.KeyServer.URL, "key_server.url"); err != nil {
			return err
		}
	}
	return nil
}

// apply copies every value set in the file onto cfg.
func (f File) apply(cfg *Config) {
	setString(&cfg.KeyServerURL, f.KeyServer.URL)
	setString(&cfg.DownloadDir, f.Detection.DownloadDir)
	setString(&cfg.EnginePlatform, f.Detection.EnginePlatform)
	setString(&cfg.StateBackend, f.State.Backend)
	setString(&cfg.StatePath, f.State.Path)
	setString(&cfg.SlackWebhookURL, f.Notifications.SlackWebhookURL)
	setString(&cfg.WebhookURL, f.Notifications.WebhookURL)
	setString(&cfg.WebhookTemplate, f.Notifications.WebhookTemplate)
	setString(&cfg.LogLevel, f.LogLevel)

	if f.KeyServer.RequestTimeout > 0 {
		cfg.RequestTimeout = f.KeyServer.RequestTimeout
	}
	if f.Detection.PollInterval > 0 {
		cfg.PollInterval = f.Detection.PollInterval
	}
	if f.Detection.RunDeadline > 0 {
		cfg.RunDeadline = f.Detection.RunDeadline
	}
	if f.Detection.DownloadConcurrency > 0 {
		cfg.DownloadConcurrency = f.Detection.DownloadConcurrency
	}
	if f.Server.HealthPort > 0 {
		cfg.HealthPort = f.Server.HealthPort
	}
	if f.Server.MetricsPort > 0 {
		cfg.MetricsPort = f.Server.MetricsPort
	}
	cfg.DryRun = cfg.DryRun || f.Notifications.DryRun
	cfg.DevRoutes = cfg.DevRoutes || f.Server.DevRoutes
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
