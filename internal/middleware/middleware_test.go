package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"droidpool/internal/auth"
	"droidpool/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireRoleGate(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }

	cases := []struct {
		role models.Role
		need models.Role
		want int
	}{
		{models.RoleViewer, models.RoleAdmin, http.StatusForbidden},
		{models.RoleTester, models.RoleTester, http.StatusNoContent},
		{models.RoleAdmin, models.RoleViewer, http.StatusNoContent},
	}
	for _, c := range cases {
		req := WithIdentity(httptest.NewRequest(http.MethodGet, "/", nil),
			auth.Identity{UserID: 1, Role: c.role})
		rr := httptest.NewRecorder()
		RequireHandler(c.need, ok).ServeHTTP(rr, req)
		assert.Equal(t, c.want, rr.Code, "%s needs %s", c.role, c.need)
	}

	// без identity — 401
	rr := httptest.NewRecorder()
	RequireHandler(models.RoleViewer, ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthenticatorMiddleware(t *testing.T) {
	tokens := auth.NewTokens("sekret", time.Hour)
	raw, err := tokens.Issue(7, models.RoleDeveloper, time.Now().UTC())
	require.NoError(t, err)

	a := &Authenticator{Tokens: tokens}
	var got auth.Identity
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetIdentity(r)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 7, got.UserID)
	assert.Equal(t, models.RoleDeveloper, got.Role)

	// нет токена — 401, хендлер не вызывается
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// мусорный токен — 401
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequestIDHonorsIncoming(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rr.Header().Get("X-Request-Id"))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
}

func TestRecovererTurnsPanicInto500(t *testing.T) {
	h := Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
