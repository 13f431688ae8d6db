package session

import (
	"os"
	"strings"
	"time"
)

// Config defines runtime configuration for access-token verification.
type Config struct {
	// Issuer is the expected "iss" claim of access tokens.
	Issuer string

	// AccessTokenTTL defines the lifetime of tokens issued locally (dev/tests).
	AccessTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// PasetoV4PublicKeyHex is the hex-encoded Ed25519 public key used to verify
	// PASETO v4.public access tokens.
	PasetoV4PublicKeyHex string

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key. When set, the
	// public key is derived from it and the manager can also issue tokens.
	PasetoV4SecretKeyHex string
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:         "pulse",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// Enabled reports whether any verification key is configured.
func (c Config) Enabled() bool {
	return c.PasetoV4PublicKeyHex != "" || c.PasetoV4SecretKeyHex != ""
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Keys (at least one is required for auth to be enabled):
//   - PULSE_PASETO_V4_PUBLIC_KEY_HEX
//   - PULSE_PASETO_V4_SECRET_KEY_HEX
//
// Optional (durations must be valid Go duration strings):
//   - PULSE_AUTH_ISSUER
//   - PULSE_AUTH_ACCESS_TTL
//   - PULSE_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid. A config without keys is valid;
// callers check Enabled.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("PULSE_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("PULSE_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("PULSE_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("PULSE_PASETO_V4_PUBLIC_KEY_HEX"))
	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("PULSE_PASETO_V4_SECRET_KEY_HEX"))

	return cfg, nil
}
