// Package config provides the configuration structure for speechie.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/book-expert/speechie/internal/coordinator"
	"github.com/book-expert/speechie/internal/objectstore"
	"github.com/book-expert/speechie/internal/poller"
	"github.com/book-expert/speechie/internal/relay"
	"github.com/book-expert/speechie/internal/settings"
	"github.com/book-expert/speechie/internal/synthesis"
)

// Defaults for values absent from the configuration file.
const (
	DefaultNATSURL               = "nats://127.0.0.1:4222"
	DefaultRequestTimeoutSeconds = 30
	DefaultMetricsListenAddr     = ":9464"
	defaultLogsDirName           = "speechie-logs"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL            string `toml:"url"`
	RelayTimeoutMS int    `toml:"relay_timeout_ms"`
}

// SynthesisConfig holds the remote synthesis API and polling settings.
type SynthesisConfig struct {
	BaseURL               string `toml:"base_url"`
	DefaultVoice          string `toml:"default_voice"`
	Bitrate               string `toml:"bitrate"`
	PollIntervalMS        int    `toml:"poll_interval_ms"`
	PollTimeoutMS         int    `toml:"poll_timeout_ms"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// SettingsConfig holds the user settings bucket.
type SettingsConfig struct {
	Bucket string `toml:"bucket"`
}

// ArchiveConfig controls copying finished audio into the object store.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Bucket  string `toml:"bucket"`
}

// MetricsConfig holds the health and metrics endpoint.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Synthesis SynthesisConfig `toml:"synthesis"`
	Settings  SettingsConfig  `toml:"settings"`
	Archive   ArchiveConfig   `toml:"archive"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for speechie.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults fills every unset or non-positive value.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.URL, DefaultNATSURL)
	setInt(&c.NATS.RelayTimeoutMS, int(relay.DefaultTimeout/time.Millisecond))

	setString(&c.Synthesis.BaseURL, synthesis.DefaultBaseURL)
	setString(&c.Synthesis.DefaultVoice, coordinator.DefaultVoice)
	setString(&c.Synthesis.Bitrate, synthesis.DefaultBitrate)
	setInt(&c.Synthesis.PollIntervalMS, int(poller.DefaultInterval/time.Millisecond))
	setInt(&c.Synthesis.PollTimeoutMS, int(poller.DefaultDeadline/time.Millisecond))
	setInt(&c.Synthesis.RequestTimeoutSeconds, DefaultRequestTimeoutSeconds)

	setString(&c.Settings.Bucket, settings.DefaultBucket)
	setString(&c.Archive.Bucket, objectstore.DefaultBucket)
	setString(&c.Metrics.ListenAddr, DefaultMetricsListenAddr)
	setString(&c.Paths.BaseLogsDir, filepath.Join(os.TempDir(), defaultLogsDirName))
}

// RelayTimeout is how long a surface has to acknowledge a message.
func (c NATSConfig) RelayTimeout() time.Duration {
	return time.Duration(c.RelayTimeoutMS) * time.Millisecond
}

// PollConfig converts the polling settings for the poller.
func (c SynthesisConfig) PollConfig() poller.Config {
	return poller.Config{
		Interval: time.Duration(c.PollIntervalMS) * time.Millisecond,
		Deadline: time.Duration(c.PollTimeoutMS) * time.Millisecond,
	}
}

// RequestTimeout bounds one HTTP exchange with the synthesis API.
func (c SynthesisConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func setString(target *string, fallback string) {
	if *target == "" {
		*target = fallback
	}
}

func setInt(target *int, fallback int) {
	if *target <= 0 {
		*target = fallback
	}
}
