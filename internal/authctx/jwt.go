package authctx

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims generalizes the teacher's internal/auth/jwt.go Claims (UsuarioID/
// EventoID/Rol) into the multi-tenant tuple spec.md §6.2 requires.
type Claims struct {
	UserID      string   `json:"user_id"`
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	ClientType  string   `json:"client_type"`
	jwt.RegisteredClaims
}

// JWTIssuer signs and validates session tokens, the same HS256 pattern as
// the teacher's JWTService.
type JWTIssuer struct {
	secret     []byte
	expiration time.Duration
}

// NewJWTIssuer builds a JWTIssuer.
func NewJWTIssuer(secret string, expiration time.Duration) *JWTIssuer {
	return &JWTIssuer{secret: []byte(secret), expiration: expiration}
}

// Issue mints a signed token for the given identity.
func (j *JWTIssuer) Issue(id Identity) (string, error) {
	claims := Claims{
		UserID:      id.UserID,
		OrgID:       id.OrgID,
		Roles:       id.Roles,
		Permissions: id.Permissions,
		ClientType:  id.ClientType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(j.expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   id.UserID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// Authenticate validates tokenStr and returns the embedded identity,
// satisfying the Provider interface.
func (j *JWTIssuer) Authenticate(ctx context.Context, tokenStr string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return j.secret, nil
	})
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrUnauthenticated
	}
	if claims.OrgID == "" {
		return Identity{}, ErrMissingOrg
	}

	return Identity{
		UserID:      claims.UserID,
		OrgID:       claims.OrgID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		ClientType:  claims.ClientType,
	}, nil
}
