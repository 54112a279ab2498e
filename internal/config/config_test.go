package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfig_DefaultConfigIsValid(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, 8080, config.HTTP.Port)
	assert.Equal(t, StoreSQLite, config.Store.Mode)
	assert.Equal(t, 30*time.Second, config.WebSocket.PingInterval)
	assert.Equal(t, 60*time.Second, config.WebSocket.ReadTimeout)
	assert.Equal(t, 2*time.Second, config.Relay.TypingWindow)
	assert.Equal(t, 2000, config.Relay.MaxBodyRunes)
	assert.True(t, config.Polling.Enabled)
	assert.True(t, config.Auth.AllowAnonymous)
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port out of range", func(c *Config) { c.HTTP.Port = 70000 }},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }},
		{"read timeout below ping", func(c *Config) { c.WebSocket.ReadTimeout = 10 * time.Second }},
		{"polling shares websocket path", func(c *Config) { c.Polling.Path = c.WebSocket.Path }},
		{"polling idle below wait", func(c *Config) { c.Polling.IdleTimeout = time.Second }},
		{"unknown store mode", func(c *Config) { c.Store.Mode = "postgres" }},
		{"rest without base url", func(c *Config) { c.Store.Mode = StoreREST }},
		{"mongo without uri", func(c *Config) { c.Store.Mode = StoreMongo }},
		{"no secret and no anonymous", func(c *Config) { c.Auth.AllowAnonymous = false }},
		{"zero body limit", func(c *Config) { c.Relay.MaxBodyRunes = 0 }},
		{"zero typing window", func(c *Config) { c.Relay.TypingWindow = 0 }},
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"missing section", func(c *Config) { c.Relay = nil }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := DefaultConfig()
			tc.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestConfig_ValidateDisabledPollingSkipsPollingChecks(t *testing.T) {
	config := DefaultConfig()
	config.Polling.Enabled = false
	config.Polling.Path = ""
	assert.NoError(t, config.Validate())
}

func TestConfig_ValidateRESTMode(t *testing.T) {
	config := DefaultConfig()
	config.Store.Mode = StoreREST
	config.Store.BaseURL = "http://marketplace.internal"
	config.Store.DatabasePath = ""
	assert.NoError(t, config.Validate())
}

func TestConfig_ValidateMongoMode(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, applyEnv(config, map[string]string{
		"MARKETRELAY_STORE_MODE":      "mongo",
		"MARKETRELAY_STORE_MONGO_URI": "mongodb://localhost:27017",
	}))
	assert.Equal(t, "mongodb://localhost:27017", config.Store.MongoURI)
	assert.Equal(t, "marketrelay", config.Store.MongoDatabase)
	assert.NoError(t, config.Validate())
}

func TestConfig_ApplyEnv(t *testing.T) {
	config := DefaultConfig()
	err := applyEnv(config, map[string]string{
		"MARKETRELAY_HTTP_PORT":                 "9090",
		"MARKETRELAY_WEBSOCKET_PING_INTERVAL":   "15s",
		"MARKETRELAY_WEBSOCKET_ALLOWED_ORIGINS": "https://a.example,https://b.example",
		"MARKETRELAY_STORE_MODE":                "rest",
		"MARKETRELAY_STORE_BASE_URL":            "http://api.local",
		"MARKETRELAY_AUTH_JWT_SECRET":           "s3cret",
		"MARKETRELAY_AUTH_ALLOW_ANONYMOUS":      "false",
		"MARKETRELAY_RELAY_TYPING_WINDOW":       "3s",
		"MARKETRELAY_LOG_LEVEL":                 "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, 9090, config.HTTP.Port)
	assert.Equal(t, 15*time.Second, config.WebSocket.PingInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, config.WebSocket.AllowedOrigins)
	assert.Equal(t, StoreREST, config.Store.Mode)
	assert.Equal(t, "http://api.local", config.Store.BaseURL)
	assert.Equal(t, "s3cret", config.Auth.JWTSecret)
	assert.False(t, config.Auth.AllowAnonymous)
	assert.Equal(t, 3*time.Second, config.Relay.TypingWindow)
	assert.Equal(t, "debug", config.Log.Level)

	// Unset variables keep their defaults.
	assert.Equal(t, "0.0.0.0", config.HTTP.Host)
	assert.Equal(t, 60*time.Second, config.WebSocket.ReadTimeout)
}

func TestConfig_ApplyEnvInvalidValue(t *testing.T) {
	config := DefaultConfig()
	err := applyEnv(config, map[string]string{"MARKETRELAY_HTTP_PORT": "not-a-number"})
	assert.Error(t, err)
}

func TestConfig_LoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"http": {"port": 9000, "read_timeout": "45s"},
		"websocket": {"ping_interval": "20s"},
		"polling": {"enabled": false},
		"store": {"database_path": "/tmp/relay.db"},
		"relay": {"typing_window": "1500ms", "rate_limit": 10},
		"log": {"format": "json"}
	}`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, config.HTTP.Port)
	assert.Equal(t, 45*time.Second, config.HTTP.ReadTimeout)
	assert.Equal(t, 30*time.Second, config.HTTP.WriteTimeout, "absent fields keep defaults")
	assert.Equal(t, 20*time.Second, config.WebSocket.PingInterval)
	assert.False(t, config.Polling.Enabled)
	assert.Equal(t, "/tmp/relay.db", config.Store.DatabasePath)
	assert.Equal(t, 1500*time.Millisecond, config.Relay.TypingWindow)
	assert.Equal(t, 10, config.Relay.RateLimit)
	assert.Equal(t, "json", config.Log.Format)
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := LoadFromFile(writeConfigFile(t, `{"http": {"port": `))
		assert.Error(t, err)
	})

	t.Run("invalid duration", func(t *testing.T) {
		_, err := LoadFromFile(writeConfigFile(t, `{"relay": {"typing_window": "soon"}}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "relay.typing_window")
	})

	t.Run("invalid result", func(t *testing.T) {
		_, err := LoadFromFile(writeConfigFile(t, `{"store": {"mode": "rest"}}`))
		assert.Error(t, err)
	})
}

func TestConfig_Precedence(t *testing.T) {
	path := writeConfigFile(t, `{"http": {"port": 9000, "host": "127.0.0.1"}}`)

	config, err := load(path, map[string]string{"MARKETRELAY_HTTP_PORT": "9100"})
	require.NoError(t, err)

	assert.Equal(t, 9100, config.HTTP.Port, "environment beats file")
	assert.Equal(t, "127.0.0.1", config.HTTP.Host, "file beats defaults")
	assert.Equal(t, 30*time.Second, config.HTTP.ReadTimeout, "defaults fill the rest")
}

func TestConfig_PrecedenceWithoutFile(t *testing.T) {
	config, err := load("", map[string]string{"MARKETRELAY_LOG_LEVEL": "warn"})
	require.NoError(t, err)
	assert.Equal(t, "warn", config.Log.Level)
}

func TestConfig_PrecedenceValidatesResult(t *testing.T) {
	_, err := load("", map[string]string{"MARKETRELAY_STORE_MODE": "rest"})
	assert.Error(t, err)
}
