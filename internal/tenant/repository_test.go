package tenant

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/slotpay/internal/provider"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
}

// TestSealer_RoundTrip tests sealing and opening tokens.
func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer(testKey())
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}

	sealed, err := s.Seal("APP_USR-token")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if strings.Contains(sealed, "APP_USR") {
		t.Error("sealed value leaks plaintext")
	}

	again, _ := s.Seal("APP_USR-token")
	if again == sealed {
		t.Error("sealing twice should use different nonces")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != "APP_USR-token" {
		t.Errorf("Open() = %q, want APP_USR-token", opened)
	}

	if empty, _ := s.Seal(""); empty != "" {
		t.Errorf("Seal(\"\") = %q, want empty", empty)
	}
}

// TestSealer_Rejects tests bad keys and tampered ciphertext.
func TestSealer_Rejects(t *testing.T) {
	if _, err := NewSealer("not base64!"); err == nil {
		t.Error("expected error for invalid base64 key")
	}
	if _, err := NewSealer(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("expected error for short key")
	}

	s, _ := NewSealer(testKey())
	sealed, _ := s.Seal("secret")
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff

	tests := []string{"%%%", base64.StdEncoding.EncodeToString([]byte("abc")), base64.StdEncoding.EncodeToString(raw)}
	for _, in := range tests {
		if _, err := s.Open(in); err != ErrInvalidCiphertext {
			t.Errorf("Open(%q) error = %v, want ErrInvalidCiphertext", in, err)
		}
	}
}

// TestAccount_TokenValid tests the expiry skew check.
func TestAccount_TokenValid(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}

	tests := []struct {
		name string
		acct Account
		want bool
	}{
		{"no token", Account{TokenExpiresAt: at(time.Hour)}, false},
		{"no expiry", Account{AccessToken: "t"}, false},
		{"expires in an hour", Account{AccessToken: "t", TokenExpiresAt: at(time.Hour)}, true},
		{"expires in 60s", Account{AccessToken: "t", TokenExpiresAt: at(60 * time.Second)}, false},
		{"expires exactly at skew", Account{AccessToken: "t", TokenExpiresAt: at(120 * time.Second)}, false},
		{"already expired", Account{AccessToken: "t", TokenExpiresAt: at(-time.Minute)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.acct.TokenValid(now, 120*time.Second); got != tt.want {
				t.Errorf("TokenValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestInMemoryRepository_UniqueKeys tests the (tenant, provider) and
// (provider, user) uniqueness.
func TestInMemoryRepository_UniqueKeys(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()

	if err := repo.Create(ctx, &Account{TenantID: "t1", Provider: provider.MercadoPago, ProviderUserID: "C1"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, &Account{TenantID: "t1", Provider: provider.MercadoPago, ProviderUserID: "C2"}); err != ErrDuplicateAccount {
		t.Errorf("same tenant: error = %v, want ErrDuplicateAccount", err)
	}
	if err := repo.Create(ctx, &Account{TenantID: "t2", Provider: provider.MercadoPago, ProviderUserID: "C1"}); err != ErrDuplicateAccount {
		t.Errorf("same collector: error = %v, want ErrDuplicateAccount", err)
	}
	if err := repo.Create(ctx, &Account{TenantID: "t1", Provider: provider.Stripe, ProviderUserID: "acct_1"}); err != nil {
		t.Errorf("other provider: error = %v", err)
	}

	got, err := repo.GetByProviderUserID(ctx, provider.MercadoPago, "C1")
	if err != nil || got.TenantID != "t1" {
		t.Errorf("GetByProviderUserID() = (%v, %v)", got, err)
	}
	if _, err := repo.GetByProviderUserID(ctx, provider.MercadoPago, ""); err != ErrAccountNotFound {
		t.Errorf("empty user id: error = %v, want ErrAccountNotFound", err)
	}
}

// TestInMemoryRepository_RefreshClaim tests the version-guarded refresh cycle.
func TestInMemoryRepository_RefreshClaim(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	acct := &Account{TenantID: "t1", Provider: provider.MercadoPago, ProviderUserID: "C1", RefreshToken: "r1"}
	if err := repo.Create(ctx, acct); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	won, err := repo.ClaimRefresh(ctx, acct.ID, 0, time.Now().Add(time.Minute))
	if err != nil || !won {
		t.Fatalf("first claim = (%v, %v), want won", won, err)
	}
	if won, _ := repo.ClaimRefresh(ctx, acct.ID, 0, time.Now().Add(time.Minute)); won {
		t.Error("second claim with stale version should lose")
	}

	expires := time.Now().Add(time.Hour)
	if err := repo.StoreCredentials(ctx, acct.ID, 0, Credentials{AccessToken: "a2"}); err != ErrVersionConflict {
		t.Errorf("store with stale version: error = %v, want ErrVersionConflict", err)
	}
	if err := repo.StoreCredentials(ctx, acct.ID, 1, Credentials{AccessToken: "a2", ExpiresAt: expires}); err != nil {
		t.Fatalf("StoreCredentials() error = %v", err)
	}

	got, _ := repo.GetByID(ctx, acct.ID)
	if got.AccessToken != "a2" || got.RefreshToken != "r1" {
		t.Errorf("tokens = (%q, %q), want (a2, r1)", got.AccessToken, got.RefreshToken)
	}
	if got.RefreshLeaseUntil != nil {
		t.Error("lease should be cleared")
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

// TestInMemoryRepository_UpsertReconnects tests that reconnecting re-enables payments.
func TestInMemoryRepository_UpsertReconnects(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	expires := time.Now().Add(time.Hour)

	first, err := repo.Upsert(ctx, &Account{TenantID: "t1", Provider: provider.Stripe, ProviderUserID: "acct_1", AccessToken: "a1", TokenExpiresAt: &expires})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if !first.PaymentsEnabled {
		t.Error("connected account should have payments enabled")
	}

	if err := repo.MarkDisconnected(ctx, first.ID, time.Now()); err != nil {
		t.Fatalf("MarkDisconnected() error = %v", err)
	}
	disconnected, _ := repo.GetByID(ctx, first.ID)
	if disconnected.PaymentsEnabled || !disconnected.Disconnected() {
		t.Error("account should be disconnected")
	}

	second, err := repo.Upsert(ctx, &Account{TenantID: "t1", Provider: provider.Stripe, ProviderUserID: "acct_1", AccessToken: "a2", TokenExpiresAt: &expires})
	if err != nil {
		t.Fatalf("reconnect Upsert() error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("reconnect created a new account %s, want %s", second.ID, first.ID)
	}
	if !second.PaymentsEnabled || second.Disconnected() || second.AccessToken != "a2" {
		t.Errorf("reconnected account = %+v", second)
	}
}
