package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct-horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct-horse", hash)
	assert.True(t, VerifyPassword("correct-horse", hash))
	assert.False(t, VerifyPassword("wrong", hash))
}

func TestSessionRoundTrip(t *testing.T) {
	a := New(Options{Secret: "secret"})
	u := &User{ID: "u1", Email: "a@example.com", Role: RoleAdmin}

	token, err := a.IssueSession(u)
	require.NoError(t, err)

	s, err := a.ParseSession(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)
	assert.True(t, s.IsAdmin())

	_, err = New(Options{Secret: "other"}).ParseSession(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSessionTTL(t *testing.T) {
	assert.Equal(t, defaultSessionTTL, New(Options{Secret: "s", SessionTTL: -time.Minute}).sessionTTL)

	a := New(Options{Secret: "secret", SessionTTL: time.Hour})
	token, err := a.IssueSession(&User{ID: "u1", Role: RoleViewer})
	require.NoError(t, err)
	s, err := a.ParseSession(token)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), s.ExpiresAt.Time, 5*time.Second)
}

func TestSessionExpired(t *testing.T) {
	a := New(Options{Secret: "secret"})
	token, err := a.sign(&Session{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	require.NoError(t, err)

	_, err = a.ParseSession(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestSessionRejectsOtherAlgorithms(t *testing.T) {
	a := New(Options{Secret: "secret"})
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &Session{
		UserID:           "u1",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: sessionIssuer},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = a.ParseSession(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSessionTokenRejectsOAuthState(t *testing.T) {
	a := New(Options{Secret: "secret"})
	state, err := a.SignState(1, "u1")
	require.NoError(t, err)

	_, err = a.ParseSession(state)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestOAuthState(t *testing.T) {
	a := New(Options{Secret: "secret"})

	state, err := a.SignState(42, "u1")
	require.NoError(t, err)

	tenantID, err := a.VerifyState(state, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), tenantID)

	_, err = a.VerifyState(state, "u2")
	assert.ErrorIs(t, err, ErrInvalidToken, "bound to the operator")

	_, err = New(Options{Secret: "other"}).VerifyState(state, "u1")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.VerifyState("42", "u1")
	assert.ErrorIs(t, err, ErrInvalidToken, "a bare tenant id is not a state")
}

func TestOAuthStateRejectsSessionTokens(t *testing.T) {
	a := New(Options{Secret: "secret"})
	session, err := a.IssueSession(&User{ID: "u1", Role: RoleAdmin})
	require.NoError(t, err)

	_, err = a.VerifyState(session, "u1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestOAuthStateExpired(t *testing.T) {
	a := New(Options{Secret: "secret"})
	state, err := a.sign(&stateClaims{
		TenantID: 1,
		UserID:   "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			Issuer:    stateIssuer,
		},
	})
	require.NoError(t, err)

	_, err = a.VerifyState(state, "u1")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestLoginSetsCookie(t *testing.T) {
	a := New(Options{Secret: "secret", SecureCookie: true})
	rec := httptest.NewRecorder()
	token, err := a.Login(rec, &User{ID: "u1", Role: RoleViewer})
	require.NoError(t, err)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, cookieName, cookies[0].Name)
	assert.Equal(t, token, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)

	rec = httptest.NewRecorder()
	a.Logout(rec)
	assert.Equal(t, -1, rec.Result().Cookies()[0].MaxAge)
}

func TestTokenFrom(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, tokenFrom(req))

	req.AddCookie(&http.Cookie{Name: cookieName, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", tokenFrom(req))

	req.Header.Set("Authorization", "bearer from-header")
	assert.Equal(t, "from-header", tokenFrom(req), "the header wins over the cookie")
}

type userTable struct {
	users map[string]*User
	err   error
}

func (u userTable) UserByID(_ context.Context, id string) (*User, error) {
	if u.err != nil {
		return nil, u.err
	}
	if user, ok := u.users[id]; ok {
		return user, nil
	}
	return nil, ErrUserNotFound
}

func TestMiddleware(t *testing.T) {
	a := New(Options{Secret: "secret"})
	admin := &User{ID: "a", Role: RoleAdmin}
	viewer := &User{ID: "v", Role: RoleViewer}
	users := userTable{users: map[string]*User{"a": admin, "v": viewer}}
	m := NewMiddleware(a, users)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, SessionFrom(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})

	serve := func(h http.Handler, method string, user *User) int {
		req := httptest.NewRequest(method, "/", nil)
		if user != nil {
			token, err := a.IssueSession(user)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	session := m.RequireSession
	assert.Equal(t, http.StatusUnauthorized, serve(session(ok), http.MethodGet, nil))
	assert.Equal(t, http.StatusNoContent, serve(session(ok), http.MethodGet, viewer))
	assert.Equal(t, http.StatusForbidden, serve(session(m.RequireAdmin(ok)), http.MethodGet, viewer))
	assert.Equal(t, http.StatusNoContent, serve(session(m.RequireAdmin(ok)), http.MethodGet, admin))

	writes := session(m.AdminWrites(ok))
	assert.Equal(t, http.StatusNoContent, serve(writes, http.MethodGet, viewer))
	assert.Equal(t, http.StatusForbidden, serve(writes, http.MethodPut, viewer))
	assert.Equal(t, http.StatusForbidden, serve(writes, http.MethodDelete, viewer))
	assert.Equal(t, http.StatusNoContent, serve(writes, http.MethodPost, admin))

	// admin guards without a session in front fail closed
	assert.Equal(t, http.StatusUnauthorized, serve(m.RequireAdmin(ok), http.MethodGet, admin))
}

func TestMiddlewareUsesStoredUser(t *testing.T) {
	a := New(Options{Secret: "secret"})
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// issued while admin, demoted since
	token, err := a.IssueSession(&User{ID: "u1", Role: RoleAdmin})
	require.NoError(t, err)

	serve := func(users Users) int {
		m := NewMiddleware(a, users)
		req := httptest.NewRequest(http.MethodPut, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		m.RequireSession(m.AdminWrites(ok)).ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusForbidden, serve(userTable{users: map[string]*User{"u1": {ID: "u1", Role: RoleViewer}}}))
	assert.Equal(t, http.StatusUnauthorized, serve(userTable{}), "deleted users are locked out")
	assert.Equal(t, http.StatusInternalServerError, serve(userTable{err: errors.New("database is locked")}))
}
