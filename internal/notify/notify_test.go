package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessages(t *testing.T) {
	reg := RegisterCode("a@example.com", "012345", 15*time.Minute)
	assert.Equal(t, KindRegisterCode, reg.Kind)
	assert.Contains(t, reg.Body, "012345")
	assert.Contains(t, reg.Body, "15 minutes")

	login := LoginCode("a@example.com", "999999", 10*time.Minute)
	assert.Equal(t, KindLoginCode, login.Kind)
	assert.Contains(t, login.Body, "10 minutes")

	perm := PermanentCode("a@example.com", "424242")
	assert.Equal(t, KindPermanentCode, perm.Kind)
	assert.Equal(t, "a@example.com", perm.To)
}

func TestEmailDomain(t *testing.T) {
	assert.Equal(t, "example.com", EmailDomain("someone@example.com"))
	assert.Equal(t, "", EmailDomain("no-at-sign"))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	err := sink.Send(context.Background(), RegisterCode("a@example.com", "123456", time.Minute))

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "to_domain=example.com")
	assert.NotContains(t, buf.String(), "a@example.com")
}

func TestLogSink_CancelledContext(t *testing.T) {
	sink := NewLogSink(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, sink.Send(ctx, Message{}), context.Canceled)
}

// =========================================================================
// HTTP SINK
// =========================================================================

func TestNewHTTPSink_RequiresURL(t *testing.T) {
	_, err := NewHTTPSink(HTTPSinkConfig{}, nil)
	assert.Error(t, err)
}

func TestHTTPSink_PostsJSON(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(HTTPSinkConfig{URL: srv.URL}, srv.Client())
	require.NoError(t, err)

	err = sink.Send(context.Background(), LoginCode("b@example.com", "654321", 10*time.Minute))

	require.NoError(t, err)
	assert.Equal(t, KindLoginCode, got.Kind)
	assert.Equal(t, "b@example.com", got.To)
}

func TestHTTPSink_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(HTTPSinkConfig{URL: srv.URL}, srv.Client())
	require.NoError(t, err)

	err = sink.Send(context.Background(), Message{Kind: KindLoginCode})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPSink_ClientCredentials(t *testing.T) {
	var tokenRequests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenRequests.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink, err := NewHTTPSink(HTTPSinkConfig{
		URL:          srv.URL + "/send",
		TokenURL:     srv.URL + "/token",
		ClientID:     "clickpay",
		ClientSecret: "s3cret",
		Scopes:       []string{"mail.send"},
	}, srv.Client())
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, sink.Send(context.Background(), Message{Kind: KindRegisterCode}))
	}

	// the token is cached across sends
	assert.Equal(t, int32(1), tokenRequests.Load())
}

func TestHTTPSink_RespectsContext(t *testing.T) {
	// The handler holds the request until the test releases it. Waiting on
	// r.Context() alone is not enough: the server only notices the client
	// going away once the body was read, so srv.Close would hang.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	sink, err := NewHTTPSink(HTTPSinkConfig{URL: srv.URL}, srv.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = sink.Send(ctx, Message{})

	require.Error(t, err)
	var urlErr *url.Error
	assert.ErrorAs(t, err, &urlErr)
	assert.True(t, strings.Contains(err.Error(), "deadline") || strings.Contains(err.Error(), "canceled"))
}
