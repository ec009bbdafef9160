// Package config loads process configuration from the environment and an
// optional config.yaml.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the settings of a gasoline process.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	PubSubURL   string `mapstructure:"pubsub_url"`
	// Namespace prefixes every stored key so several deployments can share
	// one store.
	Namespace string `mapstructure:"namespace"`

	WorkerConcurrency int `mapstructure:"tokio_worker_threads"`
	PollIntervalMS    int `mapstructure:"workflow_worker_poll_interval_ms"`
	LeaseTTLMS        int `mapstructure:"workflow_lease_ttl_ms"`

	EpoxyReplicaID   uint64 `mapstructure:"epoxy_replica_id"`
	EpoxyListenAddr  string `mapstructure:"epoxy_listen_addr"`
	EpoxyPeers       string `mapstructure:"epoxy_peers"`
	MetricsAddr      string `mapstructure:"metrics_addr"`
	LogLevel         string `mapstructure:"log_level"`
	ActivityTimeoutS int    `mapstructure:"workflow_activity_timeout_s"`
}

// Defaults.
const (
	DefaultWorkerConcurrency = 512
	DefaultPollInterval      = 2000 * time.Millisecond
	DefaultLeaseTTL          = 30 * time.Second
	DefaultActivityTimeout   = 60 * time.Second
)

var keys = []string{
	"database_url", "pubsub_url", "namespace",
	"tokio_worker_threads", "workflow_worker_poll_interval_ms", "workflow_lease_ttl_ms",
	"epoxy_replica_id", "epoxy_listen_addr", "epoxy_peers",
	"metrics_addr", "log_level", "workflow_activity_timeout_s",
}

// New returns a viper instance with the defaults and environment bindings
// installed. Each key reads the upper case environment variable of the
// same name, e.g. DATABASE_URL.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("database_url", "memory://")
	v.SetDefault("pubsub_url", "memory://")
	v.SetDefault("namespace", "")
	v.SetDefault("tokio_worker_threads", DefaultWorkerConcurrency)
	v.SetDefault("workflow_worker_poll_interval_ms", DefaultPollInterval.Milliseconds())
	v.SetDefault("workflow_lease_ttl_ms", DefaultLeaseTTL.Milliseconds())
	v.SetDefault("epoxy_replica_id", 1)
	v.SetDefault("epoxy_listen_addr", ":7070")
	v.SetDefault("epoxy_peers", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("workflow_activity_timeout_s", int(DefaultActivityTimeout.Seconds()))

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	return v
}

// Load reads config.yaml from the working directory or ./config if
// present, then the environment. A missing file is not an error.
func Load() (*Config, error) {
	v := New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return FromViper(v)
}

// LoadFile reads the given config file and the environment.
func LoadFile(path string) (*Config, error) {
	v := New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return FromViper(v)
}

// FromViper decodes a prepared viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("tokio_worker_threads must be positive, got %d", c.WorkerConcurrency)
	}
	if c.PollIntervalMS <= 0 {
		return fmt.Errorf("workflow_worker_poll_interval_ms must be positive, got %d", c.PollIntervalMS)
	}
	if c.LeaseTTLMS <= 0 {
		return fmt.Errorf("workflow_lease_ttl_ms must be positive, got %d", c.LeaseTTLMS)
	}
	if c.EpoxyReplicaID == 0 {
		return errors.New("epoxy_replica_id must be non-zero")
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLMS) * time.Millisecond
}

func (c *Config) ActivityTimeout() time.Duration {
	if c.ActivityTimeoutS <= 0 {
		return DefaultActivityTimeout
	}
	return time.Duration(c.ActivityTimeoutS) * time.Second
}

// Peers parses EPOXY_PEERS, a comma separated list of id=url pairs.
func (c *Config) Peers() (map[uint64]string, error) {
	out := make(map[uint64]string)
	for _, part := range strings.Split(c.EpoxyPeers, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, url, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid epoxy peer %q, want id=url", part)
		}
		var n uint64
		if _, err := fmt.Sscanf(id, "%d", &n); err != nil || n == 0 {
			return nil, fmt.Errorf("invalid epoxy peer id %q", id)
		}
		out[n] = strings.TrimRight(url, "/")
	}
	return out, nil
}

// SlogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
