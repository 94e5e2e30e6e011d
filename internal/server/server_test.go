package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/clickpay/internal/config"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/notify"
)

type mailbox struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (m *mailbox) Send(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

var sixDigits = regexp.MustCompile(`\b\d{6}\b`)

// waitFor blocks until a message of kind reaches to and returns its code.
func (m *mailbox) waitFor(t *testing.T, kind notify.Kind, to string) string {
	t.Helper()
	var code string
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i := len(m.msgs) - 1; i >= 0; i-- {
			if m.msgs[i].Kind == kind && m.msgs[i].To == to {
				code = sixDigits.FindString(m.msgs[i].Body)
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	require.NotEmpty(t, code)
	return code
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Port: "0"},
		DB:  config.DBConfig{Path: ":memory:"},
		Session: config.SessionConfig{
			Secret:        "server-test-secret-0123456789",
			TTL:           time.Hour,
			SweepInterval: time.Hour,
		},
		Codes: config.CodeConfig{
			BcryptCost:  4,
			RegisterTTL: 15 * time.Minute,
			LoginTTL:    10 * time.Minute,
			MaxAttempts: 5,
			CacheTTL:    time.Minute,
		},
		Dispatch: config.DispatchConfig{
			Capacity:    100,
			Interval:    5 * time.Millisecond,
			BatchSize:   10,
			Concurrency: 2,
			MaxAttempts: 3,
			SendTimeout: time.Second,
		},
		RateLimit: config.RateLimitConfig{AuthPerMinute: 600, AuthBurst: 100},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *mailbox) {
	t.Helper()
	box := &mailbox{}
	srv, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), box)
	require.NoError(t, err)
	srv.StartWorkers()
	t.Cleanup(func() { _ = srv.Close() })
	return srv, box
}

type client struct {
	t     *testing.T
	h     http.Handler
	token string
}

func (c *client) call(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rr := httptest.NewRecorder()
	c.h.ServeHTTP(rr, req)
	return rr
}

// signUp registers and verifies email, returning a client holding the
// session.
func signUp(t *testing.T, srv *Server, box *mailbox, email, instagram string) *client {
	t.Helper()
	c := &client{t: t, h: srv.Handler()}

	rr := c.call(http.MethodPost, "/api/auth/register", map[string]string{
		"email": email, "fullName": "E2E User", "phone": "9876543210", "instagram": instagram,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	code := box.waitFor(t, notify.KindRegisterCode, email)
	rr = c.call(http.MethodPost, "/api/auth/verify-email", map[string]string{"email": email, "code": code})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var sess struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&sess))
	c.token = sess.Token
	return c
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	c := &client{t: t, h: srv.Handler()}

	rr := c.call(http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","database":"ok"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("Content-Type"))
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	c := &client{t: t, h: srv.Handler()}
	c.call(http.MethodGet, "/healthz", nil)

	rr := c.call(http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "clickpay_http_request_duration_seconds")
}

func TestServer_SessionRequired(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	c := &client{t: t, h: srv.Handler()}

	for _, path := range []string{"/api/auth/me", "/api/posts", "/api/clicks", "/api/withdrawals", "/api/admin/users"} {
		rr := c.call(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}

	c.token = "not-a-signed-handle"
	rr := c.call(http.MethodGet, "/api/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestServer_EndToEnd(t *testing.T) {
	srv, box := newTestServer(t, testConfig())
	ctx := context.Background()

	user := signUp(t, srv, box, "user@example.com", "user")
	admin := signUp(t, srv, box, "boss@example.com", "boss")

	// regular users are kept out of /api/admin
	rr := admin.call(http.MethodGet, "/api/admin/users", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	boss, err := srv.Store().GetUserByEmail(ctx, "boss@example.com")
	require.NoError(t, err)
	isAdmin := true
	require.NoError(t, srv.Store().UpdateUser(ctx, boss.ID, model.UserUpdate{IsAdmin: &isAdmin}))

	// the admin flag is read per request, no re-login needed
	rr = admin.call(http.MethodPost, "/api/admin/posts", map[string]any{
		"title": "Like our launch", "link": "https://example.com/launch", "type": "like",
		"reward": "40.00", "clickLimit": 1, "autoDelete": true,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var post model.Post
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&post))

	rr = user.call(http.MethodGet, "/api/posts", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), post.ID)

	rr = user.call(http.MethodPost, "/api/posts/"+post.ID+"/click", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"success":true,"reward":"40","autoDeleted":true}`, rr.Body.String())

	rr = user.call(http.MethodPost, "/api/withdrawals", map[string]any{
		"method": "amazon_gift_card", "amount": "30", "destination": "user@example.com",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		WithdrawalID string `json:"withdrawalId"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))

	rr = admin.call(http.MethodPost, "/api/admin/withdrawals/"+created.WithdrawalID+"/resolve", map[string]string{"decision": "declined"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = user.call(http.MethodGet, "/api/auth/me", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var me model.User
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&me))
	assert.Equal(t, "40.00", me.Balance.StringFixed(2))

	// permanent code login opens a second session
	perm := box.waitFor(t, notify.KindPermanentCode, "user@example.com")
	fresh := &client{t: t, h: srv.Handler()}
	rr = fresh.call(http.MethodPost, "/api/auth/login", map[string]string{"permanentCode": perm})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, strings.Contains(rr.Header().Get("Set-Cookie"), "session="))

	rr = user.call(http.MethodPost, "/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = user.call(http.MethodGet, "/api/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestServer_AuthRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{AuthPerMinute: 1, AuthBurst: 2}
	srv, _ := newTestServer(t, cfg)
	c := &client{t: t, h: srv.Handler()}

	codes := make([]int, 0, 3)
	for range 3 {
		rr := c.call(http.MethodPost, "/api/auth/login", map[string]string{})
		codes = append(codes, rr.Code)
	}

	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)

	// logout is not limited
	rr := c.call(http.MethodPost, "/api/auth/logout", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServer_CloseIsIdempotent(t *testing.T) {
	box := &mailbox{}
	srv, err := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), box)
	require.NoError(t, err)
	srv.StartWorkers()

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
}
