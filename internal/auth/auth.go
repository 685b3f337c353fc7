// Package auth covers dashboard operators: password hashing, session
// tokens, the viewer/admin split and the signed state of the Google Ads
// OAuth round trip.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Viewers read tenant data. Admins also change policies, blocks, ad
// accounts, credentials and users.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleViewer
}

const (
	sessionIssuer = "clickshield"
	stateIssuer   = "clickshield-oauth"

	cookieName        = "clickshield_session"
	defaultSessionTTL = 7 * 24 * time.Hour
	passwordHashCost  = bcrypt.DefaultCost
)

// User is a dashboard operator
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// Session is the authenticated operator of a request. The role is the one
// stored for the user when the request arrived, not the one in the token.
type Session struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func (s *Session) IsAdmin() bool { return s.Role == RoleAdmin }

type Options struct {
	// Secret signs sessions and OAuth state
	Secret string
	// SessionTTL defaults to 7 days
	SessionTTL   time.Duration
	SecureCookie bool
}

// Auth issues and checks session tokens
type Auth struct {
	secret       []byte
	sessionTTL   time.Duration
	secureCookie bool
}

func New(opts Options) *Auth {
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Auth{secret: []byte(opts.Secret), sessionTTL: ttl, secureCookie: opts.SecureCookie}
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	return string(hash), err
}

func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// sign issues an HS256 token for claims
func (a *Auth) sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// parse verifies signature, issuer and expiry of token into claims.
// Sessions and OAuth state differ by issuer, so one never passes as the
// other.
func (a *Auth) parse(token, issuer string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return ErrInvalidToken
	}
}

// IssueSession returns a session token for u
func (a *Auth) IssueSession(u *User) (string, error) {
	now := time.Now()
	return a.sign(&Session{
		UserID: u.ID,
		Email:  u.Email,
		Role:   u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.sessionTTL)),
		},
	})
}

// ParseSession checks a session token
func (a *Auth) ParseSession(token string) (*Session, error) {
	s := &Session{}
	if err := a.parse(token, sessionIssuer, s); err != nil {
		return nil, err
	}
	if s.UserID == "" {
		return nil, ErrInvalidToken
	}
	return s, nil
}

// Login issues a session for u and sets it as an HTTP-only cookie. The
// token is also returned for API clients that send a bearer header.
func (a *Auth) Login(w http.ResponseWriter, u *User) (string, error) {
	token, err := a.IssueSession(u)
	if err != nil {
		return "", err
	}
	a.setCookie(w, token, int(a.sessionTTL.Seconds()))
	return token, nil
}

func (a *Auth) Logout(w http.ResponseWriter) {
	a.setCookie(w, "", -1)
}

func (a *Auth) setCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// tokenFrom reads a bearer header first, then the session cookie
func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}
