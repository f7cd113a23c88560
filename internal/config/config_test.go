package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.MaxPushBytes != 512000 || cfg.MaxPullBytes != 512000 {
		testContext.Fatalf("unexpected payload ceilings %d/%d", cfg.MaxPushBytes, cfg.MaxPullBytes)
	}
	if cfg.PresenceBackend != PresenceBackendMemory || cfg.PresenceTTL != 30*time.Second {
		testContext.Fatalf("unexpected presence defaults %q %v", cfg.PresenceBackend, cfg.PresenceTTL)
	}
	if cfg.TokenTTL != time.Hour {
		testContext.Fatalf("unexpected token ttl %v", cfg.TokenTTL)
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("WORKSPACE_AUTH_SIGNING_SECRET", "from-env")
	testContext.Setenv("WORKSPACE_PAYLOAD_MAX_PUSH_BYTES", "1024")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.SigningSecret != "from-env" || cfg.MaxPushBytes != 1024 {
		testContext.Fatalf("expected env overrides, got %+v", cfg)
	}
}

func TestLoadRejectsInvalidConfiguration(testContext *testing.T) {
	testCases := []struct {
		name      string
		overrides map[string]any
		message   string
	}{
		{name: "missing secret", overrides: map[string]any{}, message: "auth.signing_secret"},
		{name: "redis without url", overrides: map[string]any{"auth.signing_secret": "s", "presence.backend": "redis"}, message: "presence.redis_url"},
		{name: "unknown backend", overrides: map[string]any{"auth.signing_secret": "s", "presence.backend": "etcd"}, message: "not supported"},
		{name: "zero push ceiling", overrides: map[string]any{"auth.signing_secret": "s", "payload.max_push_bytes": 0}, message: "payload"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.overrides {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}

func TestLoadClientRequiresToken(testContext *testing.T) {
	configViper := NewViper()
	if _, err := LoadClient(configViper); err == nil {
		testContext.Fatalf("expected missing token error")
	}
	configViper.Set("auth.token", "token")
	configViper.Set("server.url", "http://example.test/")
	cfg, err := LoadClient(configViper)
	if err != nil {
		testContext.Fatalf("load client failed: %v", err)
	}
	if cfg.ServerURL != "http://example.test" || cfg.Debounce != 400*time.Millisecond || cfg.PollInterval != 8*time.Second {
		testContext.Fatalf("unexpected client config %+v", cfg)
	}
}
