package session

import (
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func TestLoadConfigFromEnv_NoKeysIsDisabled(t *testing.T) {
	t.Setenv("PULSE_PASETO_V4_SECRET_KEY_HEX", "")
	t.Setenv("PULSE_PASETO_V4_PUBLIC_KEY_HEX", "")
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Enabled() {
		t.Fatalf("expected auth disabled without keys")
	}
}

func TestLoadConfigFromEnv_InvalidDurations(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"PULSE_AUTH_ACCESS_TTL", "-5m"},
		{"PULSE_AUTH_ACCESS_TTL", "soon"},
		{"PULSE_AUTH_CLOCK_SKEW", "-1s"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := LoadConfigFromEnv()
			if err != ErrConfig {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("PULSE_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())
	t.Setenv("PULSE_PASETO_V4_PUBLIC_KEY_HEX", secret.Public().ExportHex())
	t.Setenv("PULSE_AUTH_ISSUER", "pulse-test")
	t.Setenv("PULSE_AUTH_ACCESS_TTL", "10m")
	t.Setenv("PULSE_AUTH_CLOCK_SKEW", "20s")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Enabled() {
		t.Fatalf("expected auth enabled")
	}
	if cfg.Issuer != "pulse-test" {
		t.Fatalf("issuer mismatch: %q", cfg.Issuer)
	}
	if cfg.AccessTokenTTL != 10*time.Minute {
		t.Fatalf("access ttl mismatch: %v", cfg.AccessTokenTTL)
	}
	if cfg.ClockSkew != 20*time.Second {
		t.Fatalf("clock skew mismatch: %v", cfg.ClockSkew)
	}
}
