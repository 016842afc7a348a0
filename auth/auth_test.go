package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chansock/chansock/auth"
)

var testSecret = []byte("test-secret")

// signHS256 mints a token with the given subject.
func signHS256(t *testing.T, secret []byte, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestJWTUserID_Sources(t *testing.T) {
	t.Parallel()

	fn := auth.JWTUserID(testSecret)
	tok := signHS256(t, testSecret, "alice")

	// Authorization header.
	r := httptest.NewRequest(http.MethodGet, "/chsk", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	if got := fn(r); got != "alice" {
		t.Errorf("header token: uid = %q, want alice", got)
	}

	// Query param.
	r = httptest.NewRequest(http.MethodGet, "/chsk?auth-token="+tok, nil)
	if got := fn(r); got != "alice" {
		t.Errorf("query token: uid = %q, want alice", got)
	}

	// Cookie.
	r = httptest.NewRequest(http.MethodGet, "/chsk", nil)
	r.AddCookie(&http.Cookie{Name: "auth-token", Value: tok})
	if got := fn(r); got != "alice" {
		t.Errorf("cookie token: uid = %q, want alice", got)
	}
}

func TestJWTUserID_Invalid(t *testing.T) {
	t.Parallel()

	fn := auth.JWTUserID(testSecret)

	// No token.
	r := httptest.NewRequest(http.MethodGet, "/chsk", nil)
	if got := fn(r); got != "" {
		t.Errorf("no token: uid = %q, want \"\"", got)
	}

	// Wrong key.
	tok := signHS256(t, []byte("other-secret"), "mallory")
	r = httptest.NewRequest(http.MethodGet, "/chsk", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	if got := fn(r); got != "" {
		t.Errorf("wrong key: uid = %q, want \"\"", got)
	}

	// Expired.
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	s, err := expired.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	r = httptest.NewRequest(http.MethodGet, "/chsk", nil)
	r.Header.Set("Authorization", "Bearer "+s)
	if got := fn(r); got != "" {
		t.Errorf("expired token: uid = %q, want \"\"", got)
	}
}

func TestRequireJWT(t *testing.T) {
	t.Parallel()

	fn := auth.RequireJWT(testSecret)

	r := httptest.NewRequest(http.MethodGet, "/chsk", nil)
	r.Header.Set("Authorization", "Bearer "+signHS256(t, testSecret, "alice"))
	if !fn(r) {
		t.Error("valid token rejected")
	}

	r = httptest.NewRequest(http.MethodGet, "/chsk", nil)
	if fn(r) {
		t.Error("missing token admitted")
	}
}

func TestHMACCSRFToken(t *testing.T) {
	t.Parallel()

	key := []byte("csrf-key")
	a := auth.HMACCSRFToken(key, "session-1")
	b := auth.HMACCSRFToken(key, "session-1")
	if a != b {
		t.Error("token is not stable for the same session id")
	}
	if a == auth.HMACCSRFToken(key, "session-2") {
		t.Error("different session ids yielded the same token")
	}
	if a == auth.HMACCSRFToken([]byte("other-key"), "session-1") {
		t.Error("different keys yielded the same token")
	}
}

func TestHMACCSRFTokenFn(t *testing.T) {
	t.Parallel()

	key := []byte("csrf-key")
	fn := auth.HMACCSRFTokenFn(key, func(r *http.Request) string {
		return r.URL.Query().Get("client-id")
	})

	r := httptest.NewRequest(http.MethodGet, "/chsk?client-id=c1", nil)
	if got, want := fn(r), auth.HMACCSRFToken(key, "c1"); got != want {
		t.Errorf("token = %q, want %q", got, want)
	}

	// No session id disables the reference token for this request.
	r = httptest.NewRequest(http.MethodGet, "/chsk", nil)
	if got := fn(r); got != "" {
		t.Errorf("token without session id = %q, want \"\"", got)
	}
}
