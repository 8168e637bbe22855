package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/florianilch/refreshwatch/internal/credstore"
	"github.com/florianilch/refreshwatch/internal/interceptor"
	"github.com/florianilch/refreshwatch/internal/refresh"
	"github.com/florianilch/refreshwatch/internal/sessionjar"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// CredentialStorageType represents where the session credential is kept.
type CredentialStorageType string

const (
	CredentialStorageNone    CredentialStorageType = "none"
	CredentialStorageFile    CredentialStorageType = "file"
	CredentialStorageEnv     CredentialStorageType = "env"
	CredentialStorageKeyring CredentialStorageType = "keyring"
	CredentialStorageRedis   CredentialStorageType = "redis"
)

// RefreshMethod represents how a session is renewed.
type RefreshMethod string

const (
	// RefreshMethodCookie POSTs to the refresh endpoint with the session cookie.
	RefreshMethodCookie RefreshMethod = "cookie"
	// RefreshMethodOAuth exchanges a stored refresh token at an OAuth2 token endpoint.
	RefreshMethodOAuth RefreshMethod = "oauth"
)

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 4080
	DefaultConfigShutdownTimeout = 5 * time.Second
	DefaultConfigUpstreamBaseURL = "http://localhost:8080"
	DefaultConfigRefreshURL      = refresh.DefaultURL
	DefaultConfigRefreshMethod   = RefreshMethodCookie
	DefaultConfigTriggerStatus   = interceptor.DefaultTriggerStatus
	DefaultConfigDispatch        = "async"
	DefaultConfigRefreshTimeout  = 30 * time.Second
	DefaultConfigCookieName      = sessionjar.DefaultCookieName
	DefaultConfigStorage         = CredentialStorageNone
)

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown, including draining in-flight refreshes.
	Timeout time.Duration `json:"timeout"`
}

// UpstreamConfig holds the backend the proxy forwards to.
type UpstreamConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`
}

// TelemetryConfig selects an optional OpenTelemetry log exporter.
type TelemetryConfig struct {
	Exporter string `json:"exporter" validate:"omitempty,oneof=stdout otlp-http otlp-grpc"`
	Endpoint string `json:"endpoint" validate:"omitempty,url"`
}

// OAuthConfig holds the token endpoint settings for the oauth refresh method.
type OAuthConfig struct {
	TokenURL     string   `json:"token_url" validate:"omitempty,url"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	// JSONRequests sends token requests as JSON instead of form values.
	JSONRequests bool `json:"json_requests"`
}

// RefreshConfig describes when and how a session is renewed.
type RefreshConfig struct {
	URL    string        `json:"url" validate:"required,url"`
	Method RefreshMethod `json:"method" validate:"required,oneof=cookie oauth"`

	TriggerStatus int `json:"trigger_status" validate:"min=100,max=599"`
	// OmitCredentials sends the refresh request without the session cookie.
	OmitCredentials bool          `json:"omit_credentials"`
	Dispatch        string        `json:"dispatch" validate:"oneof=async sync"`
	Timeout         time.Duration `json:"timeout"`
	CookieName      string        `json:"cookie_name" validate:"required"`

	OAuth OAuthConfig `json:"oauth"`
}

// CredentialsConfig describes where the session credential is persisted.
// Storage-specific settings are mutually exclusive based on Storage.
type CredentialsConfig struct {
	Storage CredentialStorageType `json:"storage" validate:"required,oneof=none file env keyring redis"`

	File        string `json:"file,omitempty"`         // For file storage: path to credential file
	EnvKey      string `json:"env_key,omitempty"`      // For env storage: environment variable name
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring storage: user identifier
	RedisAddr   string `json:"redis_addr,omitempty" validate:"omitempty,hostname_port"`
	RedisKey    string `json:"redis_key,omitempty"`
}

// NewStore creates a credential store from the configuration. It returns a nil
// store for CredentialStorageNone. The returned closer releases backend
// connections and is never nil.
func (c *CredentialsConfig) NewStore() (credstore.Store, func() error, error) {
	noop := func() error { return nil }

	switch c.Storage {
	case CredentialStorageNone:
		return nil, noop, nil
	case CredentialStorageFile:
		store, err := credstore.NewFileStore(c.File)
		return store, noop, err
	case CredentialStorageEnv:
		store, err := credstore.NewEnvStore(c.EnvKey)
		return store, noop, err
	case CredentialStorageKeyring:
		store, err := credstore.NewKeyringStore(credstore.DefaultKeyringService, c.KeyringUser)
		return store, noop, err
	case CredentialStorageRedis:
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		store, err := credstore.NewRedisStore(client, c.RedisKey)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return store, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported storage type: %s", c.Storage)
	}
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level        `json:"log_level"`
	LogFormat   LogFormat         `json:"log_format" validate:"oneof=text json"`
	Telemetry   TelemetryConfig   `json:"telemetry"`
	Server      ServerConfig      `json:"server"`
	Shutdown    ShutdownConfig    `json:"shutdown"`
	Upstream    UpstreamConfig    `json:"upstream"`
	Refresh     RefreshConfig     `json:"refresh"`
	Credentials CredentialsConfig `json:"credentials"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultConfigUpstreamBaseURL
	}
	if c.Refresh.URL == "" {
		c.Refresh.URL = DefaultConfigRefreshURL
	}
	if c.Refresh.Method == "" {
		c.Refresh.Method = DefaultConfigRefreshMethod
	}
	if c.Refresh.TriggerStatus == 0 {
		c.Refresh.TriggerStatus = DefaultConfigTriggerStatus
	}
	if c.Refresh.Dispatch == "" {
		c.Refresh.Dispatch = DefaultConfigDispatch
	}
	if c.Refresh.Timeout == 0 {
		c.Refresh.Timeout = DefaultConfigRefreshTimeout
	}
	if c.Refresh.CookieName == "" {
		c.Refresh.CookieName = DefaultConfigCookieName
	}
	if c.Credentials.Storage == "" {
		c.Credentials.Storage = DefaultConfigStorage
	}

	// Dynamic defaults based on storage type
	switch c.Credentials.Storage {
	case CredentialStorageFile:
		if c.Credentials.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("credentials.file required (auto-detect failed: %w)", err)
			}
			c.Credentials.File = filepath.Join(configDir, "refreshwatch", "session")
		}
	case CredentialStorageKeyring:
		if c.Credentials.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("credentials.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Credentials.KeyringUser = currentUser.Username
		}
	case CredentialStorageRedis:
		if c.Credentials.RedisAddr == "" {
			c.Credentials.RedisAddr = "localhost:6379"
		}
		if c.Credentials.RedisKey == "" {
			c.Credentials.RedisKey = credstore.DefaultRedisKey
		}
	case CredentialStorageEnv:
		// env_key must be explicitly configured (no sensible default)
	}

	return nil
}

// Validate validates the configuration using struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Refresh.Method == RefreshMethodOAuth {
		if c.Refresh.OAuth.TokenURL == "" {
			return errors.New("refresh.oauth.token_url required for oauth refresh")
		}
		// Rotated refresh tokens must be written back
		switch c.Credentials.Storage {
		case CredentialStorageNone, CredentialStorageEnv:
			return fmt.Errorf("oauth refresh requires writable storage, %s is not", c.Credentials.Storage)
		}
	}

	switch c.Credentials.Storage {
	case CredentialStorageFile:
		if c.Credentials.File == "" {
			return errors.New("file path required for file storage")
		}
	case CredentialStorageEnv:
		if c.Credentials.EnvKey == "" {
			return errors.New("env_key required for env storage")
		}
	case CredentialStorageKeyring:
		if c.Credentials.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	case CredentialStorageRedis:
		if c.Credentials.RedisAddr == "" || c.Credentials.RedisKey == "" {
			return errors.New("redis_addr and redis_key required for redis storage")
		}
	}

	return nil
}
