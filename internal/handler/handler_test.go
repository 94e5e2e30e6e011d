package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/clickpay/internal/auth"
	"github.com/sakif/clickpay/internal/handler"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/notify"
	"github.com/sakif/clickpay/internal/repository/sqlite"
	"github.com/sakif/clickpay/internal/service"
)

// outbox captures notifications instead of queueing them.
type outbox struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (o *outbox) Enqueue(msg notify.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return true
}

var sixDigits = regexp.MustCompile(`\b\d{6}\b`)

func (o *outbox) lastCode(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.msgs)
	code := sixDigits.FindString(o.msgs[len(o.msgs)-1].Body)
	require.NotEmpty(t, code)
	return code
}

type fixture struct {
	store       *sqlite.DB
	outbox      *outbox
	tokens      *auth.TokenService
	authSvc     *service.AuthService
	withdrawals *service.WithdrawalService
	router      chi.Router
}

// newFixture mounts the handlers the way the server does, except that the
// caller's identity comes from the X-User / X-Admin test headers.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokens, err := auth.NewTokenService("handler-test-secret-0123")
	require.NoError(t, err)

	f := &fixture{store: store, outbox: &outbox{}, tokens: tokens}
	cache := auth.NewCodeCache(time.Minute)
	cookie := auth.Cookie{}

	f.authSvc = service.NewAuthService(store, tokens, auth.NewCodeHasher(bcrypt.MinCost), cache, f.outbox, service.AuthConfig{}, logger)
	settlement := service.NewSettlementService(store, false, logger)
	f.withdrawals = service.NewWithdrawalService(store, logger)
	admin := service.NewAdminService(store, cache, logger)

	authH := handler.NewAuthHandler(f.authSvc, tokens, cookie, logger)
	postH := handler.NewPostHandler(settlement, logger)
	withdrawalH := handler.NewWithdrawalHandler(f.withdrawals, logger)
	adminH := handler.NewAdminHandler(admin, f.withdrawals, logger)

	r := chi.NewRouter()
	r.Post("/api/auth/register", authH.HandleRegister)
	r.Post("/api/auth/verify-email", authH.HandleVerifyEmail)
	r.Post("/api/auth/login", authH.HandleLogin)
	r.Post("/api/auth/verify-login", authH.HandleVerifyLogin)
	r.Post("/api/auth/logout", authH.HandleLogout)
	r.Group(func(r chi.Router) {
		r.Use(testIdentity)
		r.Get("/api/auth/me", authH.HandleMe)
		r.Get("/api/posts", postH.HandleList)
		r.Post("/api/posts/{id}/click", postH.HandleClick)
		r.Get("/api/clicks", postH.HandleHistory)
		r.Get("/api/withdrawals", withdrawalH.HandleList)
		r.Post("/api/withdrawals", withdrawalH.HandleCreate)
		r.Post("/api/admin/posts", adminH.HandleCreatePost)
		r.Patch("/api/admin/posts/{id}", adminH.HandleTogglePost)
		r.Delete("/api/admin/posts/{id}", adminH.HandleDeletePost)
		r.Patch("/api/admin/users/{id}", adminH.HandleUpdateUser)
		r.Get("/api/admin/withdrawals", adminH.HandleListWithdrawals)
		r.Post("/api/admin/withdrawals/{id}/resolve", adminH.HandleResolveWithdrawal)
		r.Get("/api/admin/batches", adminH.HandleListBatches)
	})
	f.router = r
	return f
}

func testIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-User"); id != "" {
			r = r.WithContext(auth.WithIdentity(r.Context(), &auth.Identity{
				UserID:  id,
				IsAdmin: r.Header.Get("X-Admin") == "1",
			}))
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fixture) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User", userID)
		req.Header.Set("X-Admin", "1")
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) user(t *testing.T, email, balance string) *model.User {
	t.Helper()
	u := &model.User{
		Email:    email,
		FullName: "Handler Test",
		Phone:    "9876543210",
		Balance:  decimal.RequireFromString(balance),
		Batch:    "A",
		Verified: true,
	}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return u
}

func (f *fixture) post(t *testing.T, reward string, limit *int, autoDelete bool) *model.Post {
	t.Helper()
	p := &model.Post{
		Title:      "Comment on our post",
		Link:       "https://example.com/p/1",
		Type:       model.EngagementComment,
		Reward:     decimal.RequireFromString(reward),
		Active:     true,
		ClickLimit: limit,
		AutoDelete: autoDelete,
	}
	require.NoError(t, f.store.CreatePost(context.Background(), p))
	return p
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

// =========================================================================
// AUTH
// =========================================================================

func TestAuthHandler_RegisterVerifyAndLogout(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/auth/register", "",
		`{"email":"new@example.com","fullName":"New User","phone":"9876543210","instagram":"@newbie"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	reg := decode[struct {
		User model.User `json:"user"`
	}](t, rr)
	assert.False(t, reg.User.Verified)
	assert.Equal(t, "A", reg.User.Batch)

	rr = f.do(t, http.MethodPost, "/api/auth/verify-email", "",
		`{"email":"new@example.com","code":"`+f.outbox.lastCode(t)+`"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, auth.DefaultCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	sess := decode[handler.SessionResponse](t, rr)
	assert.Equal(t, cookies[0].Value, sess.Token)
	assert.True(t, sess.User.Verified)

	// logout through the bearer header deletes the session
	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, rr.Result().Cookies(), 1)
	assert.Equal(t, -1, rr.Result().Cookies()[0].MaxAge)

	token, err := f.tokens.Open(sess.Token)
	require.NoError(t, err)
	_, err = f.authSvc.Authenticate(context.Background(), token)
	assert.Error(t, err)
}

func TestAuthHandler_RegisterConflicts(t *testing.T) {
	f := newFixture(t)
	body := `{"email":"dup@example.com","fullName":"Dup","phone":"9876543210","instagram":"dup"}`

	rr := f.do(t, http.MethodPost, "/api/auth/register", "", body)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/auth/register", "", body)
	assert.Equal(t, http.StatusConflict, rr.Code)
	errBody := decode[handler.ErrorResponse](t, rr)
	assert.Equal(t, "email_taken", errBody.Code)
}

func TestAuthHandler_LoginByEmailSendsCode(t *testing.T) {
	f := newFixture(t)
	f.user(t, "known@example.com", "0")

	rr := f.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"known@example.com"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"codeSent":true,"message":"Login code sent to your email"}`, rr.Body.String())
	assert.Empty(t, rr.Result().Cookies())

	rr = f.do(t, http.MethodPost, "/api/auth/verify-login", "",
		`{"email":"known@example.com","code":"`+f.outbox.lastCode(t)+`"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotEmpty(t, decode[handler.SessionResponse](t, rr).Token)
}

func TestAuthHandler_LoginRejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"neither credential", `{}`, http.StatusBadRequest},
		{"both credentials", `{"email":"a@example.com","permanentCode":"123456"}`, http.StatusBadRequest},
		{"unknown permanent code", `{"permanentCode":"654321"}`, http.StatusBadRequest},
		{"unknown field", `{"password":"hunter2"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/api/auth/login", "", tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}
}

func TestAuthHandler_Me(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "me@example.com", "4.20")

	rr := f.do(t, http.MethodGet, "/api/auth/me", u.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	me := decode[model.User](t, rr)
	assert.Equal(t, "me@example.com", me.Email)
	assert.Equal(t, "4.2", me.Balance.String())
	assert.NotContains(t, rr.Body.String(), "permanentCode")

	rr = f.do(t, http.MethodGet, "/api/auth/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

// =========================================================================
// POSTS AND CLICKS
// =========================================================================

func TestPostHandler_ClickSettlesOnce(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "clicker@example.com", "0")
	p := f.post(t, "0.25", nil, false)

	rr := f.do(t, http.MethodPost, "/api/posts/"+p.ID+"/click", u.ID, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"success":true,"reward":"0.25","autoDeleted":false}`, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/api/posts/"+p.ID+"/click", u.ID, "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "duplicate_submission", decode[handler.ErrorResponse](t, rr).Code)

	rr = f.do(t, http.MethodGet, "/api/clicks", u.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]model.Click](t, rr), 1)
}

func TestPostHandler_AutoDeleteReported(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "last@example.com", "0")
	limit := 1
	p := f.post(t, "0.15", &limit, true)

	rr := f.do(t, http.MethodPost, "/api/posts/"+p.ID+"/click", u.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[handler.ClickResponse](t, rr).AutoDeleted)

	other := f.user(t, "late@example.com", "0")
	rr = f.do(t, http.MethodPost, "/api/posts/"+p.ID+"/click", other.ID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPostHandler_ListIsNeverNull(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "empty@example.com", "0")

	rr := f.do(t, http.MethodGet, "/api/posts", u.ID, "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestPostHandler_RequiresIdentity(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/api/posts/any/click", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

// =========================================================================
// WITHDRAWALS
// =========================================================================

func TestWithdrawalHandler_Create(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "payee@example.com", "80")

	rr := f.do(t, http.MethodPost, "/api/withdrawals", u.ID,
		`{"method":"paytm","amount":50,"destination":"9876543210"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[handler.WithdrawalCreatedResponse](t, rr)
	assert.NotEmpty(t, created.WithdrawalID)
	assert.Equal(t, model.WithdrawalPending, created.Status)
	assert.Equal(t, "2.50", created.Charge.StringFixed(2))
	assert.Equal(t, "47.50", created.Payout.StringFixed(2))

	// 30 left, a second 50 overdraws
	rr = f.do(t, http.MethodPost, "/api/withdrawals", u.ID,
		`{"method":"paytm","amount":"50.00","destination":"9876543210"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/withdrawals", u.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]model.WithdrawalView](t, rr), 1)
}

func TestWithdrawalHandler_Validation(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "payee@example.com", "80")

	rr := f.do(t, http.MethodPost, "/api/withdrawals", u.ID,
		`{"method":"upi","amount":20,"destination":"9876543210"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "amount", decode[handler.ErrorResponse](t, rr).Field)

	rr = f.do(t, http.MethodPost, "/api/withdrawals", u.ID, `{"method":"upi","amount":"lots"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// =========================================================================
// ADMIN
// =========================================================================

func TestAdminHandler_ResolveDeclineRefunds(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "payee@example.com", "50")
	admin := f.user(t, "admin@example.com", "0")

	w, err := f.withdrawals.Request(context.Background(), u.ID, model.MethodAmazonGiftCard, decimal.NewFromInt(30), "gift@example.com")
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/api/admin/withdrawals?status=pending", admin.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]model.WithdrawalView](t, rr), 1)

	rr = f.do(t, http.MethodPost, "/api/admin/withdrawals/"+w.ID+"/resolve", admin.ID, `{"decision":"declined","note":"typo in email"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, model.WithdrawalDeclined, decode[model.WithdrawalView](t, rr).Status)

	reloaded, err := f.store.GetUserByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", reloaded.Balance.StringFixed(2))

	rr = f.do(t, http.MethodPost, "/api/admin/withdrawals/"+w.ID+"/resolve", admin.ID, `{"decision":"approved"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "already_processed", decode[handler.ErrorResponse](t, rr).Code)

	rr = f.do(t, http.MethodGet, "/api/admin/withdrawals?status=weird", admin.ID, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminHandler_Posts(t *testing.T) {
	f := newFixture(t)
	admin := f.user(t, "admin@example.com", "0")

	rr := f.do(t, http.MethodPost, "/api/admin/posts", admin.ID,
		`{"title":"Share this","link":"https://example.com/x","type":"share","reward":"0.30","targetBatches":["a"],"clickLimit":10,"autoDelete":true}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	post := decode[model.Post](t, rr)
	assert.Equal(t, []string{"A"}, post.TargetBatches)

	rr = f.do(t, http.MethodPatch, "/api/admin/posts/"+post.ID, admin.ID, `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPatch, "/api/admin/posts/"+post.ID, admin.ID, `{"active":false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[model.Post](t, rr).Active)

	rr = f.do(t, http.MethodDelete, "/api/admin/posts/"+post.ID, admin.ID, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(t, http.MethodDelete, "/api/admin/posts/"+post.ID, admin.ID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/admin/posts", admin.ID,
		`{"title":"No reward","link":"https://example.com/x","type":"like","reward":0}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "reward", decode[handler.ErrorResponse](t, rr).Field)
}

func TestAdminHandler_UpdateUser(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "edit@example.com", "1")
	admin := f.user(t, "admin@example.com", "0")

	rr := f.do(t, http.MethodPatch, "/api/admin/users/"+u.ID, admin.ID, `{"balance":"99.50","isAdmin":true}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	updated := decode[model.User](t, rr)
	assert.Equal(t, "99.50", updated.Balance.StringFixed(2))
	assert.True(t, updated.IsAdmin)

	rr = f.do(t, http.MethodPatch, "/api/admin/users/missing", admin.ID, `{"verified":true}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
