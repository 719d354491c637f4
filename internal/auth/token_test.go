package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator("test-secret")
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	return a
}

func TestIssueAndVerifyDocToken(t *testing.T) {
	a := newTestAuthenticator(t)
	token, err := a.IssueDocToken("doc-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueDocToken() error = %v", err)
	}
	if err := a.VerifyDocToken(token, "doc-1"); err != nil {
		t.Fatalf("VerifyDocToken() error = %v", err)
	}
}

func TestVerifyDocTokenRejectsOtherDocument(t *testing.T) {
	a := newTestAuthenticator(t)
	token, err := a.IssueDocToken("doc-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueDocToken() error = %v", err)
	}
	if err := a.VerifyDocToken(token, "doc-2"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestVerifyDocTokenRejectsExpired(t *testing.T) {
	a := newTestAuthenticator(t)
	issuedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a.SetClock(func() time.Time { return issuedAt })
	token, err := a.IssueDocToken("doc-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueDocToken() error = %v", err)
	}
	a.SetClock(func() time.Time { return issuedAt.Add(2 * time.Minute) })
	if err := a.VerifyDocToken(token, "doc-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestVerifyDocTokenRejectsMalformedAndForged(t *testing.T) {
	a := newTestAuthenticator(t)
	other, err := NewAuthenticator("another-secret")
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	forged, err := other.IssueDocToken("doc-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueDocToken() error = %v", err)
	}
	valid, err := a.IssueDocToken("doc-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueDocToken() error = %v", err)
	}
	truncated := valid[:len(valid)-4]

	for name, token := range map[string]string{
		"empty":     "",
		"garbage":   "not-a-token",
		"forged":    forged,
		"truncated": truncated,
	} {
		if err := a.VerifyDocToken(token, "doc-1"); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
}

func TestServerAndDocTokensAreNotInterchangeable(t *testing.T) {
	a := newTestAuthenticator(t)
	serverToken, err := a.IssueServerToken(0)
	if err != nil {
		t.Fatalf("IssueServerToken() error = %v", err)
	}
	docToken, err := a.IssueDocToken("doc-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueDocToken() error = %v", err)
	}
	if err := a.VerifyServerToken(serverToken); err != nil {
		t.Fatalf("VerifyServerToken() error = %v", err)
	}
	if err := a.VerifyServerToken(docToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected doc token to be rejected as server token, got %v", err)
	}
	if err := a.VerifyDocToken(serverToken, "doc-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected server token to be rejected as doc token, got %v", err)
	}
}

func TestNilAuthenticatorDisablesAuth(t *testing.T) {
	var a *Authenticator
	if a.Enabled() {
		t.Fatal("expected nil authenticator to be disabled")
	}
	token, err := a.IssueDocToken("doc-1", time.Hour)
	if err != nil || token != "" {
		t.Fatalf("expected no token when disabled, got %q %v", token, err)
	}
	if err := a.VerifyDocToken("", "doc-1"); err != nil {
		t.Fatalf("expected verification to pass when disabled, got %v", err)
	}
	if err := a.VerifyServerToken(""); err != nil {
		t.Fatalf("expected verification to pass when disabled, got %v", err)
	}
}

func TestNewAuthenticatorRequiresSecret(t *testing.T) {
	if _, err := NewAuthenticator("  "); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestGenerateKey(t *testing.T) {
	first, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	second, _ := GenerateKey()
	if first == second {
		t.Fatal("expected distinct keys")
	}
	if len(first) != 43 || strings.ContainsAny(first, "+/=") {
		t.Fatalf("expected 43 char base64url key, got %q", first)
	}
	if _, err := NewAuthenticator(first); err != nil {
		t.Fatalf("generated key must be usable: %v", err)
	}
}
