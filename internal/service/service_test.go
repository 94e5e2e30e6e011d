package service

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/clickpay/internal/auth"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/notify"
	"github.com/sakif/clickpay/internal/repository/sqlite"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeNotifier records every enqueued message instead of delivering it.
type fakeNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (f *fakeNotifier) Enqueue(msg notify.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return true
}

// last returns the most recent message of kind.
func (f *fakeNotifier) last(kind notify.Kind) (notify.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Kind == kind {
			return f.msgs[i], true
		}
	}
	return notify.Message{}, false
}

func (f *fakeNotifier) count(kind notify.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// testClock is a settable clock shared by the services under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store       *sqlite.DB
	notifier    *fakeNotifier
	clock       *testClock
	cache       *auth.CodeCache
	tokens      *auth.TokenService
	auth        *AuthService
	settlement  *SettlementService
	withdrawals *WithdrawalService
	admin       *AdminService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokens, err := auth.NewTokenService("test-secret-0123456789")
	require.NoError(t, err)

	env := &testEnv{
		store:    store,
		notifier: &fakeNotifier{},
		clock:    newTestClock(),
		cache:    auth.NewCodeCache(5 * time.Minute),
		tokens:   tokens,
	}
	logger := discardLogger()

	env.auth = NewAuthService(store, tokens, auth.NewCodeHasher(bcrypt.MinCost), env.cache, env.notifier, AuthConfig{}, logger)
	env.auth.now = env.clock.Now
	env.settlement = NewSettlementService(store, false, logger)
	env.withdrawals = NewWithdrawalService(store, logger)
	env.withdrawals.now = env.clock.Now
	env.admin = NewAdminService(store, env.cache, logger)
	return env
}

var sixDigits = regexp.MustCompile(`\b\d{6}\b`)

// codeIn pulls the code out of a delivered message body.
func codeIn(t *testing.T, msg notify.Message) string {
	t.Helper()
	code := sixDigits.FindString(msg.Body)
	require.NotEmpty(t, code, "no code in %q", msg.Body)
	return code
}

func registerInput(email, instagram string) RegisterInput {
	return RegisterInput{
		Email:     email,
		FullName:  "Test User",
		Phone:     "9876543210",
		Instagram: instagram,
	}
}

// registerVerified runs the full sign-up flow and returns the session.
func (e *testEnv) registerVerified(t *testing.T, email, instagram string) *SessionResult {
	t.Helper()
	ctx := context.Background()

	_, err := e.auth.Register(ctx, registerInput(email, instagram))
	require.NoError(t, err)

	msg, ok := e.notifier.last(notify.KindRegisterCode)
	require.True(t, ok)

	res, err := e.auth.VerifyEmail(ctx, email, codeIn(t, msg), ClientMeta{})
	require.NoError(t, err)
	return res
}

// createUser inserts a verified user straight into the store.
func (e *testEnv) createUser(t *testing.T, email, balance, batch string) *model.User {
	t.Helper()
	user := &model.User{
		Email:    email,
		FullName: "Test User",
		Phone:    "0123456789",
		Balance:  decimal.RequireFromString(balance),
		Batch:    batch,
		Verified: true,
	}
	require.NoError(t, e.store.CreateUser(context.Background(), user))
	return user
}

func (e *testEnv) createPost(t *testing.T, reward string, limit *int, autoDelete bool, targets ...string) *model.Post {
	t.Helper()
	post := &model.Post{
		Title:         "Share our launch",
		Link:          "https://example.com/launch",
		Type:          model.EngagementShare,
		Reward:        decimal.RequireFromString(reward),
		TargetBatches: targets,
		Active:        true,
		ClickLimit:    limit,
		AutoDelete:    autoDelete,
	}
	require.NoError(t, e.store.CreatePost(context.Background(), post))
	return post
}

func (e *testEnv) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	u, err := e.store.GetUserByID(context.Background(), userID)
	require.NoError(t, err)
	return u.Balance
}

func intPtr(n int) *int { return &n }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
