package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 44-character base64 string, as produced by `openssl rand -base64 32`
const testSecret = "wJ6Qk8Qn1v9Qw1Zb2l8Qk9J3p6Qk8Qn1v9Qw1Zb2l8Qk="

func TestGenerateServiceToken(t *testing.T) {
	svc := NewJWTService(testSecret)

	tests := []struct {
		name     string
		tenantID string
		subject  string
		wantErr  error
	}{
		{name: "valid token", tenantID: "tenant-1", subject: "ops@example.com"},
		{name: "empty tenant", tenantID: "", subject: "ops@example.com", wantErr: ErrEmptyTenantID},
		{name: "empty subject", tenantID: "tenant-1", subject: "", wantErr: ErrEmptySubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := svc.GenerateServiceToken(tt.tenantID, tt.subject, 0)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GenerateServiceToken() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && token == "" {
				t.Error("GenerateServiceToken() returned empty token")
			}
		})
	}
}

func TestValidateToken_Claims(t *testing.T) {
	svc := NewJWTService(testSecret)
	token, err := svc.GenerateServiceToken("tenant-1", "ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateServiceToken() error = %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.TenantID != "tenant-1" {
		t.Errorf("TenantID = %q, want tenant-1", claims.TenantID)
	}
	if claims.Subject != "ops@example.com" {
		t.Errorf("Subject = %q, want ops@example.com", claims.Subject)
	}
	if claims.Type != TokenTypeService {
		t.Errorf("Type = %q, want %q", claims.Type, TokenTypeService)
	}
	if claims.ExpiresAt == nil || claims.ExpiresAt.Sub(claims.IssuedAt.Time) != time.Hour {
		t.Errorf("expiry = %v, want issued + 1h", claims.ExpiresAt)
	}
}

func TestExpiredToken(t *testing.T) {
	svc := NewJWTServiceWithRotationAndLeeway(testSecret, "", 0)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		TenantID: "tenant-1",
		Type:     TokenTypeService,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := svc.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("ValidateToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestTamperedToken(t *testing.T) {
	svc := NewJWTService(testSecret)
	token, err := svc.GenerateServiceToken("tenant-1", "ops@example.com", 0)
	if err != nil {
		t.Fatalf("GenerateServiceToken() error = %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := svc.ValidateToken(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
	}
}

func TestRejectedClaims(t *testing.T) {
	svc := NewJWTService(testSecret)

	tests := []struct {
		name   string
		claims Claims
		method jwt.SigningMethod
	}{
		{
			name: "user token type",
			claims: Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "ops", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
				TenantID:         "tenant-1",
				Type:             "access",
			},
			method: jwt.SigningMethodHS256,
		},
		{
			name: "missing tenant",
			claims: Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "ops", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
				Type:             TokenTypeService,
			},
			method: jwt.SigningMethodHS256,
		},
		{
			name: "HS512 algorithm",
			claims: Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "ops", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
				TenantID:         "tenant-1",
				Type:             TokenTypeService,
			},
			method: jwt.SigningMethodHS512,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(tt.method, tt.claims).SignedString([]byte(testSecret))
			if err != nil {
				t.Fatalf("failed to sign token: %v", err)
			}
			if _, err := svc.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestLeewayValidation(t *testing.T) {
	svc := NewJWTServiceWithRotationAndLeeway(testSecret, "", time.Minute)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-30 * time.Second)),
		},
		TenantID: "tenant-1",
		Type:     TokenTypeService,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := svc.ValidateToken(token); err != nil {
		t.Errorf("token expired within leeway should validate, got %v", err)
	}
}

func TestKeyRotation(t *testing.T) {
	const newSecret = "nX4Hk2Rm7tYp9Lq3Wv6Bz8Cd1Fg5Jh0Ks4Nm7Pq2Rt9V="

	oldSvc := NewJWTService(testSecret)
	rotated := NewJWTServiceWithRotation(newSecret, testSecret)
	afterRotation := NewJWTService(newSecret)

	oldToken, err := oldSvc.GenerateServiceToken("tenant-1", "ops", 0)
	if err != nil {
		t.Fatalf("GenerateServiceToken() error = %v", err)
	}
	newToken, err := rotated.GenerateServiceToken("tenant-1", "ops", 0)
	if err != nil {
		t.Fatalf("GenerateServiceToken() error = %v", err)
	}

	if _, err := rotated.ValidateToken(oldToken); err != nil {
		t.Errorf("token signed with previous secret should validate during rotation: %v", err)
	}
	if _, err := rotated.ValidateToken(newToken); err != nil {
		t.Errorf("token signed with current secret should validate: %v", err)
	}
	if _, err := afterRotation.ValidateToken(oldToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("old token after rotation error = %v, want ErrInvalidToken", err)
	}
	if _, err := oldSvc.ValidateToken(newToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("new token with old service error = %v, want ErrInvalidToken", err)
	}
}
