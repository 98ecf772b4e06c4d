package auth

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testService(t *testing.T, expiry time.Duration) *Service {
	t.Helper()
	return NewService(&Config{
		JWTSecret:   []byte("test-secret-key-with-enough-entropy"),
		TokenExpiry: expiry,
		APIKey:      "bp_static_key",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTokenRoundTrip(t *testing.T) {
	svc := testService(t, time.Hour)

	token, err := svc.GenerateToken("ci-pipeline")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "ci-pipeline" {
		t.Errorf("subject = %q, want ci-pipeline", claims.Subject)
	}
	if !claims.Exp.After(time.Now()) {
		t.Errorf("exp = %v, want future", claims.Exp)
	}
}

func TestGenerateTokenRequiresSubject(t *testing.T) {
	svc := testService(t, time.Hour)
	if _, err := svc.GenerateToken(""); err != ErrMissingClaims {
		t.Fatalf("generate = %v, want ErrMissingClaims", err)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	svc := testService(t, -time.Minute)

	token, err := svc.GenerateToken("ci-pipeline")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.ValidateToken(token); err != ErrExpiredToken {
		t.Fatalf("validate = %v, want ErrExpiredToken", err)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	svc := testService(t, time.Hour)
	other := NewService(&Config{
		JWTSecret:   []byte("a-completely-different-secret-key!!"),
		TokenExpiry: time.Hour,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	token, err := other.GenerateToken("ci-pipeline")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.ValidateToken(token); err == nil {
		t.Fatal("validate accepted token signed with another secret")
	}
}

func TestValidateAPIKey(t *testing.T) {
	svc := testService(t, time.Hour)

	if err := svc.ValidateAPIKey("bp_static_key"); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	if err := svc.ValidateAPIKey("bp_wrong_key"); err != ErrInvalidAPIKey {
		t.Errorf("wrong key = %v, want ErrInvalidAPIKey", err)
	}
	if err := svc.ValidateAPIKey(""); err != ErrInvalidAPIKey {
		t.Errorf("empty key = %v, want ErrInvalidAPIKey", err)
	}

	noKey := NewService(&Config{JWTSecret: []byte("secret"), TokenExpiry: time.Hour}, nil)
	if err := noKey.ValidateAPIKey("anything"); err != ErrInvalidAPIKey {
		t.Errorf("unconfigured key = %v, want ErrInvalidAPIKey", err)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"Bearer  abc123 ", "abc123"},
		{"Basic abc123", ""},
		{"abc123", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractBearerToken(tt.header); got != tt.want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
