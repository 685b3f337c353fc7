package auth

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const stateTTL = 15 * time.Minute

// stateClaims ties an OAuth round trip to the tenant and operator that
// started it
type stateClaims struct {
	TenantID int64  `json:"tid"`
	UserID   string `json:"uid"`
	jwt.RegisteredClaims
}

// SignState returns a short-lived OAuth state value for tenantID
func (a *Auth) SignState(tenantID int64, userID string) (string, error) {
	now := time.Now()
	return a.sign(&stateClaims{
		TenantID: tenantID,
		UserID:   userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(tenantID, 10),
			Issuer:    stateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	})
}

// VerifyState checks a state value returned by the OAuth provider. The
// round trip must finish with the operator who started it.
func (a *Auth) VerifyState(state, userID string) (int64, error) {
	claims := &stateClaims{}
	if err := a.parse(state, stateIssuer, claims); err != nil {
		return 0, err
	}
	if claims.UserID != userID || claims.TenantID <= 0 {
		return 0, ErrInvalidToken
	}
	return claims.TenantID, nil
}
