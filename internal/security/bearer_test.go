package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"
)

func TestTokenProvider_IssueAndValidate(t *testing.T) {
	p, err := NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	created := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	token, exp, err := p.Issue("subj-1", "admin", "sess-1", created, 15*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("token empty")
	}
	if exp.Before(time.Now()) {
		t.Fatal("expires at in the past")
	}
	claims, err := p.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "subj-1" || claims.Role != "admin" || claims.SessionID != "sess-1" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.SessionCreatedAt != created.Unix() {
		t.Errorf("SessionCreatedAt = %d, want %d", claims.SessionCreatedAt, created.Unix())
	}
}

func TestTokenProvider_ValidateInvalid(t *testing.T) {
	p, err := NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	if _, err := p.Validate("invalid-token"); err != ErrInvalidToken {
		t.Errorf("Validate invalid token: want ErrInvalidToken, got %v", err)
	}
}

func TestTokenProvider_ValidateExpired(t *testing.T) {
	p, err := NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	token, _, err := p.Issue("subj-1", "user", "sess-1", time.Time{}, -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := p.Validate(token); err != ErrInvalidToken {
		t.Errorf("Validate expired: want ErrInvalidToken, got %v", err)
	}
}

func TestTokenProvider_ValidateWrongKey(t *testing.T) {
	p, err := NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	verifier := NewTokenProvider(nil, &other.PublicKey, "test-issuer", "test-audience")
	token, _, err := p.Issue("subj-1", "user", "", time.Time{}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Validate(token); err != ErrInvalidToken {
		t.Errorf("Validate with other key: want ErrInvalidToken, got %v", err)
	}
}

func TestTokenProvider_ValidateWrongAudience(t *testing.T) {
	p, err := NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	token, _, err := p.Issue("subj-1", "user", "", time.Time{}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	verifier := NewTokenProvider(nil, p.publicKey, "test-issuer", "other-audience")
	if _, err := verifier.Validate(token); err != ErrInvalidToken {
		t.Errorf("Validate wrong audience: want ErrInvalidToken, got %v", err)
	}
}

func TestTokenProvider_IssueWithoutPrivateKey(t *testing.T) {
	p := NewTokenProvider(nil, nil, "i", "a")
	if _, _, err := p.Issue("s", "user", "", time.Time{}, time.Minute); err != ErrInvalidKey {
		t.Errorf("Issue without key: want ErrInvalidKey, got %v", err)
	}
}
