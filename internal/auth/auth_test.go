package auth

import (
	"context"
	"testing"
	"time"
)

func TestGenerateAndParseToken(t *testing.T) {
	t.Setenv("NOTEDESK_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("acct-42", "Moderator", 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "acct-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Role != "moderator" {
		t.Fatalf("expected normalized role, got %q", claims.Role)
	}
	if claims.ID == "" {
		t.Fatal("expected jti claim")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	t.Setenv("NOTEDESK_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("acct-42", "user", time.Millisecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("expected expired token to fail validation")
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	t.Setenv("NOTEDESK_AUTH_SECRET", "first-secret")
	ResetSecretForTests()

	token, err := GenerateToken("acct-42", "user", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	t.Setenv("NOTEDESK_AUTH_SECRET", "second-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("expected token signed with the old secret to fail")
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	t.Setenv("NOTEDESK_AUTH_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("acct-42", "user", time.Minute); err == nil {
		t.Fatal("expected missing secret error")
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := VerifyPassword(hash, "s3cret-pass"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := AccountIDFromContext(ctx); ok {
		t.Fatal("empty context must not carry an account")
	}
	ctx = ContextWithAccountID(ctx, "acct-7")
	id, ok := AccountIDFromContext(ctx)
	if !ok || id != "acct-7" {
		t.Fatalf("unexpected account id: %q ok=%v", id, ok)
	}
}
