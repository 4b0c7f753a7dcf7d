package auth

import (
	"errors"
	"testing"
	"time"
)

func TestAuthenticate(t *testing.T) {
	a, err := NewAuthenticator(Config{Enabled: true, Username: "op", Password: "s3cret", JWTSecret: "k"})
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}

	token, exp, err := a.Authenticate("op", "s3cret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if exp <= time.Now().Unix() {
		t.Fatalf("expected future expiry, got %d", exp)
	}

	claims, err := a.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Username != "op" {
		t.Fatalf("unexpected username %q", claims.Username)
	}

	if _, _, err := a.Authenticate("op", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := a.Authenticate("root", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateAcceptsHash(t *testing.T) {
	hash, err := HashPassword("pw")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	a, err := NewAuthenticator(Config{Enabled: true, Password: hash})
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	if _, _, err := a.Authenticate("admin", "pw"); err != nil {
		t.Fatalf("authenticate with hashed password: %v", err)
	}
}

func TestAuthDisabled(t *testing.T) {
	a, err := NewAuthenticator(Config{})
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	if a.IsEnabled() {
		t.Fatalf("expected auth disabled")
	}
	if _, _, err := a.Authenticate("admin", ""); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
	if _, err := NewAuthenticator(Config{Enabled: true}); err == nil {
		t.Fatalf("expected error when enabled without password")
	}
}

func TestValidateTokenRejects(t *testing.T) {
	m := NewJWTManager("one", time.Hour)
	other := NewJWTManager("two", time.Hour)

	token, _, err := m.GenerateToken("op")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign key, got %v", err)
	}

	expired := NewJWTManager("one", time.Nanosecond)
	token, _, _ = expired.GenerateToken("op")
	time.Sleep(1100 * time.Millisecond)
	if _, err := m.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}
