// Package config loads runtime settings from an optional YAML file, a .env
// file and CAST_ROUTER_* environment variables, in increasing precedence.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CAST_ROUTER_"

type Config struct {
	LogLevel string `yaml:"log_level" json:"log_level"`

	DiscoveryTimeout  time.Duration `yaml:"discovery_timeout" json:"discovery_timeout"`
	LaunchTimeout     time.Duration `yaml:"launch_timeout" json:"launch_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	ConnectAttempts   int           `yaml:"connect_attempts" json:"connect_attempts"`

	// RouteTimeout bounds how long a create or join tool call waits for the
	// route outcome.
	RouteTimeout    time.Duration `yaml:"route_timeout" json:"route_timeout"`
	RequestTableCap int           `yaml:"request_table_cap" json:"request_table_cap"`
	QueueCap        int           `yaml:"queue_cap" json:"queue_cap"`
	LastRemovedTTL  time.Duration `yaml:"last_removed_ttl" json:"last_removed_ttl"`

	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

func Default() Config {
	return Config{
		LogLevel:          "info",
		DiscoveryTimeout:  5 * time.Second,
		LaunchTimeout:     20 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		ConnectAttempts:   3,
		RouteTimeout:      30 * time.Second,
		RequestTableCap:   256,
		QueueCap:          256,
	}
}

// lookupEnv is replaced in tests.
var lookupEnv = os.LookupEnv

// Load builds the configuration. An empty path skips the YAML file; a
// missing .env file is ignored.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(resolveEnv(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

var envPlaceholder = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// resolveEnv expands ${NAME} and ${NAME:default} placeholders.
func resolveEnv(content []byte) []byte {
	return envPlaceholder.ReplaceAllFunc(content, func(match []byte) []byte {
		groups := envPlaceholder.FindSubmatch(match)
		if value, ok := lookupEnv(string(groups[1])); ok {
			return []byte(value)
		}
		return groups[2]
	})
}

func applyEnv(cfg *Config) error {
	if v, ok := env("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := env("METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DISCOVERY_TIMEOUT", &cfg.DiscoveryTimeout},
		{"LAUNCH_TIMEOUT", &cfg.LaunchTimeout},
		{"HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"ROUTE_TIMEOUT", &cfg.RouteTimeout},
		{"LAST_REMOVED_TTL", &cfg.LastRemovedTTL},
	}
	for _, d := range durations {
		v, ok := env(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", envPrefix, d.key, v, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CONNECT_ATTEMPTS", &cfg.ConnectAttempts},
		{"REQUEST_TABLE_CAP", &cfg.RequestTableCap},
		{"QUEUE_CAP", &cfg.QueueCap},
	}
	for _, n := range ints {
		v, ok := env(n.key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", envPrefix, n.key, v, err)
		}
		*n.dst = parsed
	}
	return nil
}

func env(key string) (string, bool) {
	v, ok := lookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (c Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"discovery_timeout", c.DiscoveryTimeout},
		{"launch_timeout", c.LaunchTimeout},
		{"heartbeat_interval", c.HeartbeatInterval},
		{"route_timeout", c.RouteTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.value)
		}
	}
	if c.LastRemovedTTL < 0 {
		return fmt.Errorf("last_removed_ttl must not be negative, got %s", c.LastRemovedTTL)
	}
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("connect_attempts must be at least 1, got %d", c.ConnectAttempts)
	}
	if c.RequestTableCap < 1 || c.QueueCap < 1 {
		return fmt.Errorf("request_table_cap and queue_cap must be at least 1")
	}
	return nil
}
