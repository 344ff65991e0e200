package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "123", cfg.Upstream.ClientID)
	assert.Equal(t, "https://storeyes.io/api/sse/load", cfg.SnapshotURL())
	assert.Equal(t, "https://storeyes.io/api/sse", cfg.StreamURL())
	assert.False(t, cfg.Retry.Enabled, "retry must be opt-in")
	assert.Zero(t, cfg.Upstream.ConnectTimeout)
	assert.Equal(t, 1<<20, cfg.Upstream.MaxEventSize)
	assert.Equal(t, "Coffee Latte", cfg.Products["coffee-latte"])
	assert.Len(t, cfg.Mock.Products, 7)
	assert.Equal(t, "127.0.0.1:8090", cfg.ServerAddr())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livecount.yaml")
	writeConfig(t, path, `
upstream:
  base_url: "http://localhost:8095"
  client_id: "store-7"
  connect_timeout: 5s
retry:
  enabled: true
  max_attempts: 3
notifications:
  driver: expo
  expo_token: "ExponentPushToken[xyz]"
server:
  port: 9000
products:
  croissant: "Butter Croissant"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8095", cfg.Upstream.BaseURL)
	assert.Equal(t, "store-7", cfg.Upstream.ClientID)
	assert.Equal(t, 5*time.Second, cfg.Upstream.ConnectTimeout)
	assert.True(t, cfg.Retry.Enabled)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.InitialInterval, "unspecified fields keep defaults")
	assert.Equal(t, DriverExpo, cfg.Notifications.Driver)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/api/sse/load", cfg.Upstream.SnapshotPath)

	// Configured names extend the built-in table.
	assert.Equal(t, "Butter Croissant", cfg.Products["croissant"])
	assert.Equal(t, "Coffee", cfg.Products["coffee"])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/livecount.yaml")
	assert.Error(t, err)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/livecount.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default().Upstream, cfg.Upstream)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", ":::not valid yaml"},
		{"relative base url", "upstream:\n  base_url: storeyes.io\n"},
		{"empty client id", "upstream:\n  client_id: \"\"\n"},
		{"unknown driver", "notifications:\n  driver: carrier-pigeon\n"},
		{"retry without attempts", "retry:\n  enabled: true\n  max_attempts: 0\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"negative timeout", "upstream:\n  connect_timeout: -1s\n"},
		{"tiny event size", "upstream:\n  max_event_size: 100\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "livecount.yaml")
			writeConfig(t, path, tt.body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livecount.yaml")
	writeConfig(t, path, "products:\n  coffee: Coffee\n")

	got := make(chan *Config, 4)
	w := NewWatcher(path, func(c *Config) { got <- c }, zap.NewNop().Sugar())
	require.NoError(t, w.Start())
	defer w.Stop()

	writeConfig(t, path, "products:\n  coffee: Espresso\n")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case cfg := <-got:
			if cfg.Products["coffee"] == "Espresso" {
				return
			}
		case <-deadline:
			t.Fatal("watcher did not report the change")
		}
	}
}

func TestWatcherIgnoresInvalidEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livecount.yaml")
	writeConfig(t, path, "products:\n  coffee: Coffee\n")

	got := make(chan *Config, 4)
	w := NewWatcher(path, func(c *Config) { got <- c }, zap.NewNop().Sugar())
	require.NoError(t, w.Start())

	writeConfig(t, path, ":::broken")

	select {
	case cfg := <-got:
		t.Fatalf("invalid config should not be delivered: %+v", cfg)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestRetryNewBackOff(t *testing.T) {
	r := RetryConfig{Enabled: true, MaxAttempts: 3, InitialInterval: 10 * time.Millisecond, MaxInterval: 40 * time.Millisecond}
	b := r.NewBackOff()

	for i := 0; i < 2; i++ {
		d := b.NextBackOff()
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 60*time.Millisecond)
	}
	assert.Equal(t, backoff.Stop, b.NextBackOff(), "three attempts allow two waits")
}
