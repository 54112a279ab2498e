package config

import (
	"fmt"
	"time"
)

// configFile is the JSON layout of a config file.
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings;
// absent fields keep their defaults. Secrets are read from the environment only.
type configFile struct {
	HTTP *struct {
		Host            string `json:"host"`
		Port            int    `json:"port"`
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout"`
	} `json:"http"`

	WebSocket *struct {
		Path            string   `json:"path"`
		PingInterval    string   `json:"ping_interval"`
		ReadTimeout     string   `json:"read_timeout"`
		WriteTimeout    string   `json:"write_timeout"`
		MaxMessageBytes int64    `json:"max_message_bytes"`
		AllowedOrigins  []string `json:"allowed_origins"`
	} `json:"websocket"`

	Polling *struct {
		Enabled     *bool  `json:"enabled"`
		Path        string `json:"path"`
		WaitTimeout string `json:"wait_timeout"`
		IdleTimeout string `json:"idle_timeout"`
		BufferSize  int    `json:"buffer_size"`
	} `json:"polling"`

	Store *struct {
		Mode           string `json:"mode"`
		DatabasePath   string `json:"database_path"`
		MaxConnections int    `json:"max_connections"`
		BaseURL        string `json:"base_url"`
		Timeout        string `json:"timeout"`
		MaxRetries     *int   `json:"max_retries"`
		MongoDatabase  string `json:"mongo_database"`
	} `json:"store"`

	Auth *struct {
		Issuer         string `json:"issuer"`
		AllowAnonymous *bool  `json:"allow_anonymous"`
	} `json:"auth"`

	Relay *struct {
		MaxBodyRunes        int    `json:"max_body_runes"`
		TypingWindow        string `json:"typing_window"`
		RateLimit           int    `json:"rate_limit"`
		RateWindow          string `json:"rate_window"`
		RedisURL            string `json:"redis_url"`
		RedisKeyPrefix      string `json:"redis_key_prefix"`
		ParticipantCacheTTL string `json:"participant_cache_ttl"`
	} `json:"relay"`

	Log *struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"log"`
}

func (f *configFile) apply(c *Config) error {
	var d durations

	if s := f.HTTP; s != nil {
		setString(&c.HTTP.Host, s.Host)
		setInt(&c.HTTP.Port, s.Port)
		d.set(&c.HTTP.ReadTimeout, s.ReadTimeout, "http.read_timeout")
		d.set(&c.HTTP.WriteTimeout, s.WriteTimeout, "http.write_timeout")
		d.set(&c.HTTP.ShutdownTimeout, s.ShutdownTimeout, "http.shutdown_timeout")
	}

	if s := f.WebSocket; s != nil {
		setString(&c.WebSocket.Path, s.Path)
		d.set(&c.WebSocket.PingInterval, s.PingInterval, "websocket.ping_interval")
		d.set(&c.WebSocket.ReadTimeout, s.ReadTimeout, "websocket.read_timeout")
		d.set(&c.WebSocket.WriteTimeout, s.WriteTimeout, "websocket.write_timeout")
		if s.MaxMessageBytes > 0 {
			c.WebSocket.MaxMessageBytes = s.MaxMessageBytes
		}
		if s.AllowedOrigins != nil {
			c.WebSocket.AllowedOrigins = s.AllowedOrigins
		}
	}

	if s := f.Polling; s != nil {
		if s.Enabled != nil {
			c.Polling.Enabled = *s.Enabled
		}
		setString(&c.Polling.Path, s.Path)
		d.set(&c.Polling.WaitTimeout, s.WaitTimeout, "polling.wait_timeout")
		d.set(&c.Polling.IdleTimeout, s.IdleTimeout, "polling.idle_timeout")
		setInt(&c.Polling.BufferSize, s.BufferSize)
	}

	if s := f.Store; s != nil {
		setString(&c.Store.Mode, s.Mode)
		setString(&c.Store.DatabasePath, s.DatabasePath)
		setInt(&c.Store.MaxConnections, s.MaxConnections)
		setString(&c.Store.BaseURL, s.BaseURL)
		d.set(&c.Store.Timeout, s.Timeout, "store.timeout")
		if s.MaxRetries != nil {
			c.Store.MaxRetries = *s.MaxRetries
		}
		setString(&c.Store.MongoDatabase, s.MongoDatabase)
	}

	if s := f.Auth; s != nil {
		setString(&c.Auth.Issuer, s.Issuer)
		if s.AllowAnonymous != nil {
			c.Auth.AllowAnonymous = *s.AllowAnonymous
		}
	}

	if s := f.Relay; s != nil {
		setInt(&c.Relay.MaxBodyRunes, s.MaxBodyRunes)
		d.set(&c.Relay.TypingWindow, s.TypingWindow, "relay.typing_window")
		setInt(&c.Relay.RateLimit, s.RateLimit)
		d.set(&c.Relay.RateWindow, s.RateWindow, "relay.rate_window")
		setString(&c.Relay.RedisURL, s.RedisURL)
		setString(&c.Relay.RedisKeyPrefix, s.RedisKeyPrefix)
		d.set(&c.Relay.ParticipantCacheTTL, s.ParticipantCacheTTL, "relay.participant_cache_ttl")
	}

	if s := f.Log; s != nil {
		setString(&c.Log.Level, s.Level)
		setString(&c.Log.Format, s.Format)
	}

	return d.err
}

// durations parses duration strings and keeps the first failure.
type durations struct {
	err error
}

func (d *durations) set(dst *time.Duration, value, field string) {
	if value == "" || d.err != nil {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		d.err = fmt.Errorf("invalid duration for %s: %w", field, err)
		return
	}
	*dst = parsed
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}
