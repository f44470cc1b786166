package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator struct {
	access *AccessContext
	err    error
}

func (s *stubValidator) ValidateToken(ctx context.Context, tokenString string) (*AccessContext, error) {
	return s.access, s.err
}

func TestScopeHashIgnoresUserID(t *testing.T) {
	a := &AccessContext{UserID: "alice", Roles: []string{"analyst"}}
	b := &AccessContext{UserID: "bob", Roles: []string{"analyst"}}

	assert.Equal(t, a.ScopeHash(), b.ScopeHash())
}

func TestScopeHashIsOrderInsensitive(t *testing.T) {
	a := &AccessContext{Roles: []string{"analyst", "admin"}}
	b := &AccessContext{Roles: []string{"admin", "analyst"}}

	assert.Equal(t, a.ScopeHash(), b.ScopeHash())
}

func TestScopeHashDiffersAcrossRoles(t *testing.T) {
	a := &AccessContext{Roles: []string{"analyst"}}
	b := &AccessContext{Roles: []string{"admin"}}

	assert.NotEqual(t, a.ScopeHash(), b.ScopeHash())
}

func TestScopeHashIncludesScopes(t *testing.T) {
	a := &AccessContext{Roles: []string{"analyst"}, Scopes: map[string]any{"region": "us"}}
	b := &AccessContext{Roles: []string{"analyst"}, Scopes: map[string]any{"region": "eu"}}

	assert.NotEqual(t, a.ScopeHash(), b.ScopeHash())
}

func TestWireIncludesIdentityAndScopes(t *testing.T) {
	a := &AccessContext{
		UserID: "alice",
		Roles:  []string{"analyst"},
		Scopes: map[string]any{"region": "us"},
	}

	wire := a.Wire()
	assert.Equal(t, "alice", wire["user_id"])
	assert.Equal(t, []string{"analyst"}, wire["roles"])
	assert.Equal(t, "us", wire["region"])
}

func TestMiddlewareDevMode(t *testing.T) {
	m := NewMiddleware(nil, true, false)

	var got *AccessContext
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetAccess(r)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tools", nil))

	require.NotNil(t, got)
	assert.Equal(t, "dev-user", got.UserID)
	assert.True(t, got.HasRole("admin"))
}

func TestMiddlewareBypassToken(t *testing.T) {
	m := NewMiddleware(nil, false, true)

	var got *AccessContext
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetAccess(r)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tools", nil))

	require.NotNil(t, got)
	assert.Empty(t, got.UserID)
	assert.Empty(t, got.Roles)
}

func TestMiddlewareMissingHeader(t *testing.T) {
	m := NewMiddleware(&stubValidator{}, false, false)

	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tools", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareInvalidToken(t *testing.T) {
	m := NewMiddleware(&stubValidator{err: errors.New("expired")}, false, false)

	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	req.Header.Set("Authorization", "Bearer bad-token")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareValidToken(t *testing.T) {
	want := &AccessContext{UserID: "alice", Roles: []string{"analyst"}}
	m := NewMiddleware(&stubValidator{access: want}, false, false)

	var got *AccessContext
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetAccess(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	req.Header.Set("Authorization", "Bearer good-token")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, want, got)
}

func TestRequireRole(t *testing.T) {
	guarded := RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/tools/refresh", nil)
	req = req.WithContext(WithAccess(req.Context(), &AccessContext{UserID: "alice", Roles: []string{"analyst"}}))
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/tools/refresh", nil)
	req = req.WithContext(WithAccess(req.Context(), &AccessContext{UserID: "root", Roles: []string{"admin"}}))
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
