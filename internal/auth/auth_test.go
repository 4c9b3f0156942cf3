package auth

import (
	"testing"
	"time"

	"futures-trading-engine/config"
)

// bcrypt hash of "correct-horse" at the default cost, generated once so
// the tests do not pay the hashing price per run.
func testHash(t *testing.T) string {
	t.Helper()
	hash, err := HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return hash
}

func testService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(config.AuthConfig{
		Enabled:              true,
		JWTSecret:            "test-secret",
		OperatorPasswordHash: testHash(t),
		AccessTokenDuration:  time.Minute,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestLoginIssuesValidToken(t *testing.T) {
	svc := testService(t)

	token, err := svc.Login("correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("expected a token")
	}
	if err := svc.ValidateToken(token); err != nil {
		t.Errorf("ValidateToken: %v", err)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc := testService(t)

	if _, err := svc.Login("wrong"); err != ErrInvalidCredentials {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateRejectsForeignToken(t *testing.T) {
	svc := testService(t)
	other, err := NewService(config.AuthConfig{
		Enabled:              true,
		JWTSecret:            "different-secret",
		OperatorPasswordHash: testHash(t),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	token, err := other.Login("correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.ValidateToken(token); err != ErrInvalidToken {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestExpiredTokenReported(t *testing.T) {
	svc := testService(t)
	svc.tokenDuration = -time.Minute

	token, err := svc.Login("correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.ValidateToken(token); err != ErrTokenExpired {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestDisabledServicePassesMiddleware(t *testing.T) {
	svc, err := NewService(config.AuthConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.IsEnabled() {
		t.Error("service should report disabled")
	}
}

func TestEnabledServiceRequiresSecretAndHash(t *testing.T) {
	if _, err := NewService(config.AuthConfig{Enabled: true, OperatorPasswordHash: "x"}); err == nil {
		t.Error("expected an error for a missing jwt secret")
	}
	if _, err := NewService(config.AuthConfig{Enabled: true, JWTSecret: "x"}); err == nil {
		t.Error("expected an error for a missing password hash")
	}
}
