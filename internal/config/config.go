package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "WORKSPACE"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "workspace.db"
	defaultLogLevel        = "info"
	defaultAuthIssuer      = "workspace-api"
	defaultAuthAudience    = "workspace-clients"
	defaultTokenTTLMinutes = 60
	defaultMaxPushBytes    = 512000
	defaultMaxPullBytes    = 512000
	defaultMaxTags         = 32
	defaultPresenceBackend = PresenceBackendMemory
	defaultPresenceTTL     = 30
	defaultServerURL       = "http://127.0.0.1:8080"
	defaultDebounceMillis  = 400
	defaultPollMillis      = 8000
	defaultCachePath       = "workspace-sync.db"

	PresenceBackendMemory = "memory"
	PresenceBackendRedis  = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	TokenIssuer     string
	TokenAudience   string
	TokenTTL        time.Duration
	MaxPushBytes    int
	MaxPullBytes    int
	MaxTags         int
	PresenceBackend string
	PresenceRedis   string
	PresenceTTL     time.Duration
}

// ClientConfig captures runtime configuration for the sync client.
type ClientConfig struct {
	ServerURL    string
	Token        string
	LogLevel     string
	Debounce     time.Duration
	PollInterval time.Duration
	CachePath    string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("payload.max_push_bytes", defaultMaxPushBytes)
	configViper.SetDefault("payload.max_pull_bytes", defaultMaxPullBytes)
	configViper.SetDefault("documents.max_tags", defaultMaxTags)
	configViper.SetDefault("presence.backend", defaultPresenceBackend)
	configViper.SetDefault("presence.ttl_seconds", defaultPresenceTTL)

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("sync.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("sync.poll_interval_ms", defaultPollMillis)
	configViper.SetDefault("cache.path", defaultCachePath)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenIssuer:     configViper.GetString("auth.issuer"),
		TokenAudience:   configViper.GetString("auth.audience"),
		TokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		MaxPushBytes:    configViper.GetInt("payload.max_push_bytes"),
		MaxPullBytes:    configViper.GetInt("payload.max_pull_bytes"),
		MaxTags:         configViper.GetInt("documents.max_tags"),
		PresenceBackend: strings.ToLower(strings.TrimSpace(configViper.GetString("presence.backend"))),
		PresenceRedis:   configViper.GetString("presence.redis_url"),
		PresenceTTL:     time.Duration(configViper.GetInt("presence.ttl_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.MaxPushBytes <= 0 || c.MaxPullBytes <= 0 {
		return fmt.Errorf("payload ceilings must be positive")
	}
	switch c.PresenceBackend {
	case PresenceBackendMemory:
	case PresenceBackendRedis:
		if strings.TrimSpace(c.PresenceRedis) == "" {
			return fmt.Errorf("presence.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("presence.backend %q is not supported", c.PresenceBackend)
	}
	return nil
}

// LoadClient parses sync client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:    strings.TrimRight(configViper.GetString("server.url"), "/"),
		Token:        configViper.GetString("auth.token"),
		LogLevel:     configViper.GetString("log.level"),
		Debounce:     time.Duration(configViper.GetInt("sync.debounce_ms")) * time.Millisecond,
		PollInterval: time.Duration(configViper.GetInt("sync.poll_interval_ms")) * time.Millisecond,
		CachePath:    configViper.GetString("cache.path"),
	}
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return ClientConfig{}, fmt.Errorf("server.url is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return ClientConfig{}, fmt.Errorf("auth.token is required")
	}
	if cfg.Debounce <= 0 || cfg.PollInterval <= 0 {
		return ClientConfig{}, fmt.Errorf("sync intervals must be positive")
	}
	return cfg, nil
}
