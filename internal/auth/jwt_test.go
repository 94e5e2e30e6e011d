package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	ts, err := NewTokenService("test-secret-at-least-16-chars!!")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

// =========================================================================
// CONSTRUCTION
// =========================================================================

func TestNewTokenService_ShortSecret(t *testing.T) {
	if _, err := NewTokenService("short"); err == nil {
		t.Fatal("NewTokenService() should reject secrets shorter than 16 chars")
	}
}

// =========================================================================
// SIGN / OPEN
// =========================================================================

func TestSignOpen_RoundTrip(t *testing.T) {
	ts := newTestTokenService(t)

	handle, err := ts.Sign("session-token-1", "user-1")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if strings.Count(handle, ".") != 2 {
		t.Errorf("Sign() handle doesn't look like a JWT: %q", handle)
	}

	got, err := ts.Open(handle)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != "session-token-1" {
		t.Errorf("Open() = %q, want session-token-1", got)
	}
}

func TestSign_EmptyToken(t *testing.T) {
	ts := newTestTokenService(t)

	if _, err := ts.Sign("", "user-1"); err == nil {
		t.Fatal("Sign() should reject an empty session token")
	}
}

func TestOpen_TamperedHandle(t *testing.T) {
	ts := newTestTokenService(t)
	handle, _ := ts.Sign("tok", "user-1")

	tampered := handle[:len(handle)-3] + "xxx"

	if _, err := ts.Open(tampered); err == nil {
		t.Fatal("Open() should reject a tampered handle")
	}
}

func TestOpen_WrongSecret(t *testing.T) {
	ts1, _ := NewTokenService("correct-secret-32-chars-long!!!!")
	ts2, _ := NewTokenService("wrong-secret-32-chars-long!!!!!!")
	handle, _ := ts1.Sign("tok", "user-1")

	if _, err := ts2.Open(handle); err == nil {
		t.Fatal("Open() should fail with a different secret")
	}
}

func TestOpen_WrongIssuer(t *testing.T) {
	ts := newTestTokenService(t)
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:       "tok",
		Issuer:   "someone-else",
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}}
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(ts.secret)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	if _, err := ts.Open(foreign); err == nil {
		t.Fatal("Open() should reject a handle from another issuer")
	}
}

func TestOpen_NoneAlgorithm(t *testing.T) {
	ts := newTestTokenService(t)
	c := claims{RegisteredClaims: jwt.RegisteredClaims{ID: "tok", Issuer: issuer}}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, c).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	if _, err := ts.Open(unsigned); err == nil {
		t.Fatal("Open() should reject alg=none")
	}
}

func TestOpen_Garbage(t *testing.T) {
	ts := newTestTokenService(t)

	for _, in := range []string{"", "not.a.jwt.token", "abc"} {
		if _, err := ts.Open(in); err == nil {
			t.Errorf("Open(%q) should fail", in)
		}
	}
}
