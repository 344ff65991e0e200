package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storeyes/livecount/internal/catalog"
)

type Config struct {
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Retry         RetryConfig         `yaml:"retry"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Mock          MockConfig          `yaml:"mock"`
	Products      map[string]string   `yaml:"products"`
}

// UpstreamConfig points at the snapshot and stream endpoints.
type UpstreamConfig struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	SnapshotPath string `yaml:"snapshot_path"`
	StreamPath   string `yaml:"stream_path"`
	// RequestTimeout bounds the snapshot fetch. Zero means no timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ConnectTimeout fails a stream handshake that is not acknowledged in
	// time. Zero means wait until the transport gives up.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// MaxEventSize bounds one stream event in bytes.
	MaxEventSize int `yaml:"max_event_size"`
}

// RetryConfig enables bounded exponential backoff for snapshot fetches and
// stream reconnection. Disabled by default.
type RetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type NotificationsConfig struct {
	// Driver is one of "log", "expo" or "none".
	Driver    string `yaml:"driver"`
	Title     string `yaml:"title"`
	ExpoURL   string `yaml:"expo_url"`
	ExpoToken string `yaml:"expo_token"`
}

type ServerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	AuthToken         string        `yaml:"auth_token"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MockConfig drives the development upstream.
type MockConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Interval time.Duration `yaml:"interval"`
	// Burst is the largest count a single mock event may carry.
	Burst    int      `yaml:"burst"`
	Products []string `yaml:"products"`
}

const (
	DriverLog  = "log"
	DriverExpo = "expo"
	DriverNone = "none"
)

// Default returns the built-in configuration.
func Default() *Config {
	products := make(map[string]string, len(catalog.Defaults))
	codes := make([]string, 0, len(catalog.Defaults))
	for code, name := range catalog.Defaults {
		products[code] = name
		codes = append(codes, code)
	}

	return &Config{
		Upstream: UpstreamConfig{
			BaseURL:      "https://storeyes.io",
			ClientID:     "123",
			SnapshotPath: "/api/sse/load",
			StreamPath:   "/api/sse",
			MaxEventSize: 1 << 20,
		},
		Retry: RetryConfig{
			MaxAttempts:     5,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
		},
		Notifications: NotificationsConfig{
			Driver:  DriverLog,
			Title:   "🍽️ New Product Detected!",
			ExpoURL: "https://exp.host/--/api/v2/push/send",
		},
		Server: ServerConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              8090,
			BroadcastThrottle: 100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "CONSOLE",
		},
		Mock: MockConfig{
			Host:     "127.0.0.1",
			Port:     8095,
			Interval: 2 * time.Second,
			Burst:    3,
			Products: codes,
		},
		Products: products,
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.base_url %q is not an absolute URL", c.Upstream.BaseURL)
	}
	if c.Upstream.ClientID == "" {
		return errors.New("upstream.client_id is required")
	}
	if c.Upstream.RequestTimeout < 0 || c.Upstream.ConnectTimeout < 0 {
		return errors.New("upstream timeouts must not be negative")
	}
	if c.Upstream.MaxEventSize < 4096 {
		return fmt.Errorf("upstream.max_event_size %d is below 4096 bytes", c.Upstream.MaxEventSize)
	}
	switch c.Notifications.Driver {
	case DriverLog, DriverNone:
	case DriverExpo:
		if c.Notifications.ExpoURL == "" {
			return errors.New("notifications.expo_url is required for the expo driver")
		}
	default:
		return fmt.Errorf("unknown notifications.driver %q", c.Notifications.Driver)
	}
	if c.Retry.Enabled {
		if c.Retry.MaxAttempts < 1 {
			return errors.New("retry.max_attempts must be at least 1")
		}
		if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
			return errors.New("retry intervals must be positive and max_interval >= initial_interval")
		}
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// SnapshotURL returns the absolute snapshot endpoint.
func (c *Config) SnapshotURL() string {
	return c.Upstream.BaseURL + c.Upstream.SnapshotPath
}

// StreamURL returns the absolute stream endpoint.
func (c *Config) StreamURL() string {
	return c.Upstream.BaseURL + c.Upstream.StreamPath
}

// ServerAddr returns host:port for the state server.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
