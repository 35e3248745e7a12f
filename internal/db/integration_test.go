//go:build integration

// Integration tests for the PostgreSQL repositories against a real server.
//
// Run with: go test -tags=integration -v ./internal/db/...
//
// A PostgreSQL container is started with testcontainers; the tests skip
// when no Docker daemon is reachable.
package db_test

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/slotpay/internal/db"
	"github.com/onnwee/slotpay/internal/ledger"
	"github.com/onnwee/slotpay/internal/payment"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/refund"
	"github.com/onnwee/slotpay/internal/tenant"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("slotpay"),
		postgres.WithUsername("slotpay"),
		postgres.WithPassword("slotpay"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate postgres: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	conn, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.Migrate(conn); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return conn
}

func TestPostgres(t *testing.T) {
	conn := startPostgres(t)
	ctx := context.Background()

	t.Run("migrations are idempotent", func(t *testing.T) {
		if err := db.Migrate(conn); err != nil {
			t.Fatalf("second migrate failed: %v", err)
		}
	})

	t.Run("ledger deduplicates notifications", func(t *testing.T) {
		events := ledger.New(ledger.NewPostgresRepository(conn), nil, nil)
		in := ledger.Incoming{
			Notification: provider.Notification{
				Provider: provider.MercadoPago,
				ID:       "12345",
				Topic:    "payment",
				Kind:     provider.KindPayment,
				DataID:   "987",
			},
			Payload: []byte(`{"id":12345}`),
		}

		first, dup, err := events.RecordIncoming(ctx, in)
		if err != nil || dup {
			t.Fatalf("first record: dup=%v err=%v", dup, err)
		}
		second, dup, err := events.RecordIncoming(ctx, in)
		if err != nil {
			t.Fatalf("second record: %v", err)
		}
		if !dup || second.ID != first.ID {
			t.Errorf("expected duplicate of %s, got dup=%v id=%s", first.ID, dup, second.ID)
		}

		// The same id from another provider is a different notification.
		in.Notification.Provider = provider.Stripe
		if _, dup, err := events.RecordIncoming(ctx, in); err != nil || dup {
			t.Errorf("other provider: dup=%v err=%v", dup, err)
		}

		if err := events.MarkTerminal(ctx, first, ledger.Outcome{TenantID: "tenant-a"}); err != nil {
			t.Fatalf("mark terminal: %v", err)
		}
		stored, err := events.Get(ctx, first.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.Status != ledger.StatusProcessed || stored.TenantID != "tenant-a" {
			t.Errorf("unexpected stored event: %+v", stored)
		}
	})

	t.Run("transactions apply ordered transitions", func(t *testing.T) {
		txs := payment.NewPostgresRepository(conn)
		tx := &payment.Transaction{
			TenantID:          "tenant-a",
			Provider:          provider.MercadoPago,
			ExternalReference: "slot-1",
			Amount:            decimal.RequireFromString("100.00"),
			Currency:          "ARS",
		}
		if err := txs.Create(ctx, tx); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := txs.Create(ctx, &payment.Transaction{
			TenantID: "tenant-a", Provider: provider.MercadoPago, ExternalReference: "slot-1",
			Amount: decimal.NewFromInt(1), Currency: "ARS",
		}); !errors.Is(err, payment.ErrDuplicateExternalReference) {
			t.Errorf("expected duplicate external reference, got %v", err)
		}

		t1 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		t2 := t1.Add(time.Minute)
		paid := decimal.RequireFromString("100.00")

		applied, err := txs.ApplyStatus(ctx, tx.ID, payment.StatusChange{
			Status: payment.StatusPaid, ProviderPaymentID: "987", RealizedAmount: &paid, EventAt: t2,
		})
		if err != nil || !applied {
			t.Fatalf("apply paid: applied=%v err=%v", applied, err)
		}

		// An older event never overwrites a newer one.
		applied, err = txs.ApplyStatus(ctx, tx.ID, payment.StatusChange{
			Status: payment.StatusPending, ProviderPaymentID: "987", EventAt: t1,
		})
		if err != nil || applied {
			t.Errorf("stale change: applied=%v err=%v", applied, err)
		}

		// Replaying the same state is a no-op.
		applied, err = txs.ApplyStatus(ctx, tx.ID, payment.StatusChange{
			Status: payment.StatusPaid, ProviderPaymentID: "987", RealizedAmount: &paid, EventAt: t2,
		})
		if err != nil || applied {
			t.Errorf("replayed change: applied=%v err=%v", applied, err)
		}

		// The bound payment id never changes.
		_, err = txs.ApplyStatus(ctx, tx.ID, payment.StatusChange{
			Status: payment.StatusRefunded, ProviderPaymentID: "other", EventAt: t2.Add(time.Minute),
		})
		if !errors.Is(err, payment.ErrPaymentIDConflict) {
			t.Errorf("expected payment id conflict, got %v", err)
		}

		got, err := txs.GetByProviderPaymentID(ctx, provider.MercadoPago, "987")
		if err != nil {
			t.Fatalf("get by payment id: %v", err)
		}
		if got.Status != payment.StatusPaid || got.LegacyStatus != payment.LegacyPaid {
			t.Errorf("unexpected status %s/%s", got.Status, got.LegacyStatus)
		}
		if !got.RealizedAmount.Valid || !got.RealizedAmount.Decimal.Equal(paid) {
			t.Errorf("unexpected realized amount %v", got.RealizedAmount)
		}

		refunds := refund.NewPostgresRepository(conn)
		for _, amount := range []string{"10.00", "15.50"} {
			requested := decimal.RequireFromString(amount)
			if err := refunds.Append(ctx, &refund.Record{
				TransactionID:   tx.ID,
				TenantID:        tx.TenantID,
				Provider:        tx.Provider,
				PaymentID:       "987",
				RequestedAmount: &requested,
				RefundedAmount:  requested,
				Status:          refund.RecordSucceeded,
				IdempotencyKey:  "key-" + amount,
				Initiator:       "svc:backoffice",
			}); err != nil {
				t.Fatalf("append refund: %v", err)
			}
		}
		records, err := refunds.ListByTransaction(ctx, tx.ID)
		if err != nil {
			t.Fatalf("list refunds: %v", err)
		}
		if len(records) != 2 || records[0].IdempotencyKey != "key-10.00" {
			t.Errorf("expected refunds oldest first, got %+v", records)
		}
	})

	t.Run("transactions add concurrent refunds", func(t *testing.T) {
		txs := payment.NewPostgresRepository(conn)
		tx := &payment.Transaction{
			TenantID:          "tenant-a",
			Provider:          provider.MercadoPago,
			ExternalReference: "slot-2",
			Amount:            decimal.RequireFromString("100.00"),
			Currency:          "ARS",
		}
		if err := txs.Create(ctx, tx); err != nil {
			t.Fatalf("create: %v", err)
		}
		paidAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		paid := decimal.RequireFromString("100.00")
		if _, err := txs.ApplyStatus(ctx, tx.ID, payment.StatusChange{
			Status: payment.StatusPaid, ProviderPaymentID: "988", RealizedAmount: &paid, EventAt: paidAt,
		}); err != nil {
			t.Fatalf("apply paid: %v", err)
		}

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, _, err := txs.AddRefund(ctx, tx.ID, decimal.RequireFromString("30.00"), paidAt.Add(time.Minute)); err != nil {
					t.Errorf("add refund: %v", err)
				}
			}()
		}
		wg.Wait()

		got, err := txs.GetByID(ctx, tx.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.RefundedAmount.Equal(decimal.RequireFromString("60")) || got.Status != payment.StatusPartiallyRefunded {
			t.Errorf("after concurrent refunds: refunded %s status %s", got.RefundedAmount, got.Status)
		}

		previous, got, err := txs.AddRefund(ctx, tx.ID, decimal.RequireFromString("40.00"), paidAt)
		if err != nil {
			t.Fatalf("add remainder: %v", err)
		}
		if previous != payment.StatusPartiallyRefunded || got.Status != payment.StatusRefunded || got.LegacyStatus != payment.LegacyRefunded {
			t.Errorf("after remainder: previous %s status %s/%s", previous, got.Status, got.LegacyStatus)
		}
		if got.StatusEventAt == nil || !got.StatusEventAt.Equal(paidAt.Add(time.Minute)) {
			t.Errorf("status event time moved backwards: %v", got.StatusEventAt)
		}

		if _, _, err := txs.AddRefund(ctx, "00000000-0000-0000-0000-000000000000", decimal.NewFromInt(1), paidAt); !errors.Is(err, payment.ErrTransactionNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("tenant tokens are sealed at rest", func(t *testing.T) {
		key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
		sealer, err := tenant.NewSealer(key)
		if err != nil {
			t.Fatalf("sealer: %v", err)
		}
		accounts := tenant.NewPostgresRepository(conn, sealer)

		expires := time.Now().Add(6 * time.Hour).UTC()
		stored, err := accounts.Upsert(ctx, &tenant.Account{
			TenantID:       "tenant-a",
			Provider:       provider.MercadoPago,
			ProviderUserID: "202809963",
			AccessToken:    "APP_USR-access",
			RefreshToken:   "TG-refresh",
			TokenExpiresAt: &expires,
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if stored.AccessToken != "APP_USR-access" || stored.RefreshToken != "TG-refresh" {
			t.Errorf("tokens not unsealed on read: %+v", stored)
		}

		var raw string
		if err := conn.QueryRowContext(ctx, `SELECT access_token FROM tenant_accounts WHERE id = $1`, stored.ID).Scan(&raw); err != nil {
			t.Fatalf("read raw token: %v", err)
		}
		if strings.Contains(raw, "APP_USR-access") {
			t.Error("access token stored in plaintext")
		}

		byUser, err := accounts.GetByProviderUserID(ctx, provider.MercadoPago, "202809963")
		if err != nil {
			t.Fatalf("get by provider user: %v", err)
		}
		if byUser.TenantID != "tenant-a" {
			t.Errorf("unexpected tenant %s", byUser.TenantID)
		}
	})
}
