package auth

import (
	"testing"
	"time"
)

func TestIssueTokenAndVerifyRoundTrip(t *testing.T) {
	secret := "test-secret"
	token, err := IssueToken(secret, "open-id-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	verifier := NewJWTVerifier(secret)
	identity, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if identity.OpenID != "open-id-1" {
		t.Fatalf("expected OpenID open-id-1, got %s", identity.OpenID)
	}
	if identity.Expired() {
		t.Fatalf("freshly issued token should not be expired")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	secret := "test-secret"
	token, err := IssueToken(secret, "open-id-2", -time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	verifier := NewJWTVerifier(secret)
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken("secret-a", "open-id-3", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	verifier := NewJWTVerifier("secret-b")
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected token signed with a different secret to be rejected")
	}
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")
	if _, err := verifier.Verify("not.a.jwt"); err == nil {
		t.Fatalf("expected malformed token to be rejected")
	}
}
