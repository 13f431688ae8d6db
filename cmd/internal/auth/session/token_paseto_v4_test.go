package session

import (
	"errors"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func newIssuingManager(t *testing.T) (AccessTokenManager, paseto.V4AsymmetricSecretKey) {
	t.Helper()
	secret := paseto.NewV4AsymmetricSecretKey()
	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = secret.ExportHex()

	mgr, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	return mgr, secret
}

func TestPasetoV4_IssueAndVerify(t *testing.T) {
	mgr, _ := newIssuingManager(t)

	now := time.Now().UTC()
	tok, exp, err := mgr.Issue("user-1", "sess-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expected exp after now")
	}

	claims, err := mgr.Verify(tok, now.Add(1*time.Second))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.SessionID != "sess-1" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestPasetoV4_VerifyOnlyManager(t *testing.T) {
	issuer, secret := newIssuingManager(t)

	cfg := DefaultConfig()
	cfg.PasetoV4PublicKeyHex = secret.Public().ExportHex()
	verifier, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager(public): %v", err)
	}

	now := time.Now().UTC()
	if _, _, err := verifier.Issue("user-1", "sess-1", now); !errors.Is(err, ErrVerifyOnly) {
		t.Fatalf("expected ErrVerifyOnly, got %v", err)
	}

	tok, _, err := issuer.Issue("user-1", "sess-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(tok, now); err != nil {
		t.Fatalf("Verify with public key: %v", err)
	}
}

func TestPasetoV4_RejectsExpiredAndForeignTokens(t *testing.T) {
	mgr, _ := newIssuingManager(t)
	other, _ := newIssuingManager(t)

	now := time.Now().UTC()

	expired, _, err := mgr.Issue("user-1", "sess-1", now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := mgr.Verify(expired, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	foreign, _, err := other.Issue("user-1", "sess-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := mgr.Verify(foreign, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign key, got %v", err)
	}

	if _, err := mgr.Verify("not-a-token", now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestNewPasetoV4PublicManager_ConfigErrors(t *testing.T) {
	a := paseto.NewV4AsymmetricSecretKey()
	b := paseto.NewV4AsymmetricSecretKey()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"no keys", DefaultConfig()},
		{"bad secret", Config{Issuer: "pulse", PasetoV4SecretKeyHex: "zz"}},
		{"bad public", Config{Issuer: "pulse", PasetoV4PublicKeyHex: "zz"}},
		{"mismatched pair", Config{Issuer: "pulse", PasetoV4SecretKeyHex: a.ExportHex(), PasetoV4PublicKeyHex: b.Public().ExportHex()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewPasetoV4PublicManager(tc.cfg); !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}
