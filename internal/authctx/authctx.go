// Package authctx is the out-of-core collaborator contract of spec.md
// §6.2: it supplies the validated (user_id?, org_id, roles, permissions,
// client_type) tuple the core requires for each new session. The CORE
// components (registry, connmgr, router, resilience) never import this
// package directly; only internal/gateway consumes it, keeping the
// authentication/persistence concerns explicitly outside the four core
// components per spec.md §1.
//
// Grounded on the teacher's internal/auth/jwt.go (JWTService) and
// internal/repository/repository.go's UsuarioRepository, generalized from
// the teacher's single-tenant "Usuario" record to the multi-tenant
// (org_id, roles, permissions, client_type) tuple spec.md names.
package authctx

import (
	"context"
	"errors"
)

// Identity is the tuple the core requires for every accepted session.
type Identity struct {
	UserID      string
	OrgID       string
	Roles       []string
	Permissions []string
	ClientType  string
}

// ErrUnauthenticated is returned when a token fails validation.
var ErrUnauthenticated = errors.New("authctx: invalid or expired credentials")

// ErrMissingOrg is returned when a token validates but carries no org,
// which the core requires as it is the tenant-isolation boundary.
var ErrMissingOrg = errors.New("authctx: token carries no organization")

// Provider authenticates an inbound WebSocket upgrade or REST call and
// returns the tuple the core rejects sessions without.
type Provider interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}
