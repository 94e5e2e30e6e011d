package sqlite

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/repository"
)

// newTestDB returns a fresh in-memory database. The pool holds a single
// connection, so the database lives until Close.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// createTestUser creates a user with the given email and balance.
func createTestUser(t *testing.T, db *DB, email string, balance string) *model.User {
	t.Helper()
	user := &model.User{
		Email:    email,
		FullName: "Test User",
		Phone:    "0123456789",
		Balance:  decimal.RequireFromString(balance),
		Batch:    "A",
	}
	if err := db.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user
}

func createTestPost(t *testing.T, db *DB, reward string, limit *int, autoDelete bool) *model.Post {
	t.Helper()
	post := &model.Post{
		Title:      "Like our page",
		Link:       "https://example.com/p/1",
		Type:       model.EngagementLike,
		Reward:     decimal.RequireFromString(reward),
		Active:     true,
		ClickLimit: limit,
		AutoDelete: autoDelete,
	}
	if err := db.CreatePost(context.Background(), post); err != nil {
		t.Fatalf("failed to create test post: %v", err)
	}
	return post
}

func intPtr(n int) *int { return &n }

func mustDecimal(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =========================================================================
// MIGRATION / TRANSACTION TESTS
// =========================================================================

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)

	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate() error = %v", err)
	}
}

func TestPing(t *testing.T) {
	db := newTestDB(t)

	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestInTx_CommitsOnSuccess(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "tx@example.com", "1.00")

	err := db.InTx(ctx, func(tx repository.Queries) error {
		return tx.CreditWallet(ctx, user.ID, decimal.RequireFromString("2.50"))
	})
	if err != nil {
		t.Fatalf("InTx() error = %v", err)
	}

	found, _ := db.GetUserByID(ctx, user.ID)
	if !found.Balance.Equal(decimal.RequireFromString("3.50")) {
		t.Errorf("Balance = %s, want 3.50", found.Balance)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "rollback@example.com", "1.00")
	boom := errors.New("boom")

	err := db.InTx(ctx, func(tx repository.Queries) error {
		if err := tx.CreditWallet(ctx, user.ID, decimal.RequireFromString("5")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}

	found, _ := db.GetUserByID(ctx, user.ID)
	if !found.Balance.Equal(decimal.RequireFromString("1.00")) {
		t.Errorf("Balance after rollback = %s, want 1.00", found.Balance)
	}
}

func TestInTx_RollsBackOnPanic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "panic@example.com", "1.00")

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("InTx() should re-panic")
			}
		}()
		_ = db.InTx(ctx, func(tx repository.Queries) error {
			_ = tx.CreditWallet(ctx, user.ID, decimal.RequireFromString("5"))
			panic("boom")
		})
	}()

	found, err := db.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID() after panic: %v", err)
	}
	if !found.Balance.Equal(decimal.RequireFromString("1.00")) {
		t.Errorf("Balance after panic = %s, want 1.00", found.Balance)
	}
}

// =========================================================================
// CONVERSION TESTS
// =========================================================================

func TestCentsRoundTrip(t *testing.T) {
	tests := []struct {
		in    string
		cents int64
	}{
		{"0.15", 15},
		{"30", 3000},
		{"1.005", 101},
		{"0.01", 1},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := toCents(decimal.RequireFromString(tt.in))
			if err != nil {
				t.Fatalf("toCents(%s) error: %v", tt.in, err)
			}
			if got != tt.cents {
				t.Errorf("toCents(%s) = %d, want %d", tt.in, got, tt.cents)
			}
		})
	}

	if !fromCents(15).Equal(decimal.RequireFromString("0.15")) {
		t.Errorf("fromCents(15) = %s, want 0.15", fromCents(15))
	}
}

func TestToCents_RejectsOutOfRange(t *testing.T) {
	// 2^64 + 1616 cents: IntPart would keep only the low 64 bits (1616).
	for _, in := range []string{"184467440737095546.16", "-184467440737095546.16", "92233720368547758.08"} {
		_, err := toCents(decimal.RequireFromString(in))
		if !errors.Is(err, apperror.ErrValidation) {
			t.Errorf("toCents(%s) error = %v, want validation error", in, err)
		}
	}

	got, err := toCents(decimal.RequireFromString("92233720368547758.07"))
	if err != nil || got != math.MaxInt64 {
		t.Errorf("toCents(max) = %d, %v; want %d", got, err, int64(math.MaxInt64))
	}
}

func TestUniqueColumn(t *testing.T) {
	err := errors.New("constraint failed: UNIQUE constraint failed: users.email (2067)")

	if got := uniqueColumn(err); got != "users.email" {
		t.Errorf("uniqueColumn() = %q, want users.email", got)
	}
	if got := uniqueColumn(errors.New("other")); got != "" {
		t.Errorf("uniqueColumn(other) = %q, want empty", got)
	}
}

func TestMapErr_WrapsPlainErrors(t *testing.T) {
	err := mapErr(errors.New("disk full"), "doing something")

	if errors.Is(err, apperror.ErrTransient) {
		t.Error("mapErr() should not mark a generic error as transient")
	}
	if err.Error() != "sqlite: doing something: disk full" {
		t.Errorf("mapErr() = %q", err.Error())
	}
}

func TestMapErr_DeadlineIsTransient(t *testing.T) {
	err := mapErr(context.DeadlineExceeded, "querying")

	if !errors.Is(err, apperror.ErrTransient) {
		t.Errorf("mapErr(deadline) = %v, want ErrTransient", err)
	}
}
