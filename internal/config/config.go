package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-json"
)

// EnvPrefix prefixes every environment variable, e.g. MARKETRELAY_HTTP_PORT.
const EnvPrefix = "MARKETRELAY_"

// Store modes.
const (
	StoreSQLite = "sqlite"
	StoreREST   = "rest"
	StoreMongo  = "mongo"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      *HTTPConfig      `json:"http" envPrefix:"HTTP_"`
	WebSocket *WebSocketConfig `json:"websocket" envPrefix:"WEBSOCKET_"`
	Polling   *PollingConfig   `json:"polling" envPrefix:"POLLING_"`
	Store     *StoreConfig     `json:"store" envPrefix:"STORE_"`
	Auth      *AuthConfig      `json:"auth" envPrefix:"AUTH_"`
	Relay     *RelayConfig     `json:"relay" envPrefix:"RELAY_"`
	Log       *LogConfig       `json:"log" envPrefix:"LOG_"`
}

type HTTPConfig struct {
	Host            string        `json:"host" env:"HOST"`
	Port            int           `json:"port" env:"PORT"`
	ReadTimeout     time.Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// FUNCTIONAL DISCOVERY: 30s pings under a 60s read deadline tolerate one lost pong
type WebSocketConfig struct {
	Path            string        `json:"path" env:"PATH"`
	PingInterval    time.Duration `json:"ping_interval" env:"PING_INTERVAL"`
	ReadTimeout     time.Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	MaxMessageBytes int64         `json:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
	AllowedOrigins  []string      `json:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

type PollingConfig struct {
	Enabled     bool          `json:"enabled" env:"ENABLED"`
	Path        string        `json:"path" env:"PATH"`
	WaitTimeout time.Duration `json:"wait_timeout" env:"WAIT_TIMEOUT"`
	IdleTimeout time.Duration `json:"idle_timeout" env:"IDLE_TIMEOUT"`
	BufferSize  int           `json:"buffer_size" env:"BUFFER_SIZE"`
}

// StoreConfig selects the durable message store: the embedded SQLite database,
// a MongoDB deployment or the marketplace REST API.
type StoreConfig struct {
	Mode           string        `json:"mode" env:"MODE"`
	DatabasePath   string        `json:"database_path" env:"DATABASE_PATH"`
	MaxConnections int           `json:"max_connections" env:"MAX_CONNECTIONS"`
	BaseURL        string        `json:"base_url" env:"BASE_URL"`
	ServiceToken   string        `json:"-" env:"SERVICE_TOKEN"`
	Timeout        time.Duration `json:"timeout" env:"TIMEOUT"`
	MaxRetries     int           `json:"max_retries" env:"MAX_RETRIES"`
	MongoURI       string        `json:"-" env:"MONGO_URI"`
	MongoDatabase  string        `json:"mongo_database" env:"MONGO_DATABASE"`
}

type AuthConfig struct {
	JWTSecret      string `json:"-" env:"JWT_SECRET"`
	Issuer         string `json:"issuer" env:"ISSUER"`
	AllowAnonymous bool   `json:"allow_anonymous" env:"ALLOW_ANONYMOUS"`
	ResourceSecret string `json:"-" env:"RESOURCE_SECRET"`
}

type RelayConfig struct {
	MaxBodyRunes        int           `json:"max_body_runes" env:"MAX_BODY_RUNES"`
	TypingWindow        time.Duration `json:"typing_window" env:"TYPING_WINDOW"`
	RateLimit           int           `json:"rate_limit" env:"RATE_LIMIT"`
	RateWindow          time.Duration `json:"rate_window" env:"RATE_WINDOW"`
	RedisURL            string        `json:"redis_url" env:"REDIS_URL"`
	RedisKeyPrefix      string        `json:"redis_key_prefix" env:"REDIS_KEY_PREFIX"`
	ParticipantCacheTTL time.Duration `json:"participant_cache_ttl" env:"PARTICIPANT_CACHE_TTL"`
}

type LogConfig struct {
	Level  string `json:"level" env:"LEVEL"`
	Format string `json:"format" env:"FORMAT"`
}

// DefaultConfig returns a single-node setup: SQLite store, anonymous visitors allowed.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			Path:            "/ws",
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageBytes: 64 << 10,
		},
		Polling: &PollingConfig{
			Enabled:     true,
			Path:        "/poll",
			WaitTimeout: 25 * time.Second,
			IdleTimeout: 60 * time.Second,
			BufferSize:  100,
		},
		Store: &StoreConfig{
			Mode:           StoreSQLite,
			DatabasePath:   "./data/marketrelay.db",
			MaxConnections: 10,
			Timeout:        10 * time.Second,
			MaxRetries:     3,
			MongoDatabase:  "marketrelay",
		},
		Auth: &AuthConfig{
			AllowAnonymous: true,
		},
		Relay: &RelayConfig{
			MaxBodyRunes:        2000,
			TypingWindow:        2 * time.Second,
			RateLimit:           100,
			RateWindow:          time.Minute,
			RedisKeyPrefix:      "marketrelay:ratelimit:",
			ParticipantCacheTTL: 5 * time.Minute,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Polling == nil || c.Store == nil ||
		c.Auth == nil || c.Relay == nil || c.Log == nil {
		return errors.New("all configuration sections are required")
	}

	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.HTTP.Port > 0 && c.HTTP.Port <= 65535, "HTTP port must be between 1 and 65535")
	check(c.HTTP.Host != "", "HTTP host cannot be empty")
	check(c.HTTP.ReadTimeout > 0, "HTTP read timeout must be positive")
	check(c.HTTP.WriteTimeout > 0, "HTTP write timeout must be positive")
	check(c.HTTP.ShutdownTimeout > 0, "HTTP shutdown timeout must be positive")

	check(c.WebSocket.Path != "", "WebSocket path cannot be empty")
	check(c.WebSocket.PingInterval > 0, "WebSocket ping interval must be positive")
	check(c.WebSocket.ReadTimeout > c.WebSocket.PingInterval, "WebSocket read timeout must exceed the ping interval")
	check(c.WebSocket.WriteTimeout > 0, "WebSocket write timeout must be positive")
	check(c.WebSocket.MaxMessageBytes > 0, "WebSocket max message bytes must be positive")

	if c.Polling.Enabled {
		check(c.Polling.Path != "" && c.Polling.Path != c.WebSocket.Path, "polling path must be set and differ from the WebSocket path")
		check(c.Polling.WaitTimeout > 0, "polling wait timeout must be positive")
		check(c.Polling.IdleTimeout > c.Polling.WaitTimeout, "polling idle timeout must exceed the wait timeout")
		check(c.Polling.BufferSize > 0, "polling buffer size must be positive")
	}

	switch c.Store.Mode {
	case StoreSQLite:
		check(c.Store.DatabasePath != "", "database path cannot be empty")
		check(c.Store.MaxConnections > 0, "database max connections must be positive")
	case StoreREST:
		check(c.Store.BaseURL != "", "store base URL is required in rest mode")
		check(c.Store.Timeout > 0, "store timeout must be positive")
		check(c.Store.MaxRetries >= 0, "store max retries cannot be negative")
	case StoreMongo:
		check(c.Store.MongoURI != "", "mongo URI is required in mongo mode")
		check(c.Store.MongoDatabase != "", "mongo database cannot be empty")
		check(c.Store.Timeout > 0, "store timeout must be positive")
	default:
		errs = append(errs, fmt.Errorf("unknown store mode %q", c.Store.Mode))
	}

	check(c.Auth.JWTSecret != "" || c.Auth.AllowAnonymous, "a JWT secret is required unless anonymous access is allowed")

	check(c.Relay.MaxBodyRunes > 0, "max body runes must be positive")
	check(c.Relay.TypingWindow > 0, "typing window must be positive")
	check(c.Relay.RateLimit > 0, "rate limit must be positive")
	check(c.Relay.RateWindow > 0, "rate window must be positive")
	check(c.Relay.ParticipantCacheTTL > 0, "participant cache TTL must be positive")

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	check(c.Log.Format == "text" || c.Log.Format == "json", "log format must be text or json")

	return errors.Join(errs...)
}

// LoadFromEnv returns the defaults overridden by MARKETRELAY_* environment variables.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config, nil); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overrides config from environ, or from the process environment when environ is nil.
func applyEnv(config *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(config, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadFromFile returns the defaults overridden by a JSON file. Durations are
// written as strings such as "30s".
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := file.apply(config); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// LoadConfigWithPrecedence layers defaults, then the file when path is set, then
// the environment, and validates the result.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	return load(path, nil)
}

func load(path string, environ map[string]string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(config, environ); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
