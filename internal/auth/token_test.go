package auth

import (
	"errors"
	"testing"
	"time"
)

var secret = []byte("test-secret")

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken(secret, "u1", "ada", "jti-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	claims, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if claims.Subject != "u1" || claims.Username != "ada" || claims.ID != "jti-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseExpiredToken(t *testing.T) {
	token, err := IssueToken(secret, "u1", "ada", "jti-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := ParseToken(secret, token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseWrongSecret(t *testing.T) {
	token, err := IssueToken(secret, "u1", "ada", "jti-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := ParseToken([]byte("other-secret"), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseGarbage(t *testing.T) {
	if _, err := ParseToken(secret, "not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestHashTokenIsStable(t *testing.T) {
	refresh, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken failed: %v", err)
	}
	if HashToken(refresh) != HashToken(refresh) {
		t.Fatal("hash of the same token differs")
	}
	if HashToken(refresh) == refresh {
		t.Fatal("hash equals the raw token")
	}
}
