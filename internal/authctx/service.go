package authctx

import (
	"context"
	"errors"
)

// ErrInvalidCredentials is returned by Login on a bad username/password.
var ErrInvalidCredentials = errors.New("authctx: invalid credentials")

// Service composes the JWTIssuer and UserStore into the login flow the
// teacher's AuthHandler.Login exposed, generalized to emit the
// multi-tenant Identity tuple. It satisfies Provider by delegating
// Authenticate to its embedded JWTIssuer.
type Service struct {
	*JWTIssuer
	store *UserStore
}

// NewService builds a Service.
func NewService(issuer *JWTIssuer, store *UserStore) *Service {
	return &Service{JWTIssuer: issuer, store: store}
}

// Login validates username/password against the store and mints a token
// carrying the resulting Identity.
func (s *Service) Login(ctx context.Context, username, password string) (string, Identity, error) {
	u, err := s.store.ByUsername(ctx, username)
	if err != nil {
		return "", Identity{}, err
	}
	if u == nil || !s.store.ValidatePassword(u.PasswordHash, password) {
		return "", Identity{}, ErrInvalidCredentials
	}

	id := Identity{
		UserID:     u.ID,
		OrgID:      u.OrgID,
		Roles:      splitRoles(u.Roles),
		ClientType: "web",
	}
	token, err := s.Issue(id)
	if err != nil {
		return "", Identity{}, err
	}
	return token, id, nil
}

func splitRoles(raw string) []string {
	if raw == "" {
		return nil
	}
	var roles []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				roles = append(roles, raw[start:i])
			}
			start = i + 1
		}
	}
	return roles
}
