package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// Role is a member's role in an organization
type Role string

const (
	RoleNone   Role = ""
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// level orders roles: owner > admin > member > none
func (r Role) level() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	}
	return 0
}

// AtLeast reports whether r grants everything required grants
func (r Role) AtLeast(required Role) bool {
	return r.level() > 0 && r.level() >= required.level()
}

// ParseRole parses a role name, case-insensitively
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r.level() == 0 {
		return RoleNone, fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Authorizer resolves a user's active role in an organization.
// It returns RoleNone with a nil error when the user is not an active member.
type Authorizer interface {
	HasOrgRole(ctx context.Context, orgID, userID string) (Role, error)
}

// AuthorizerFunc adapts a function to Authorizer
type AuthorizerFunc func(ctx context.Context, orgID, userID string) (Role, error)

func (f AuthorizerFunc) HasOrgRole(ctx context.Context, orgID, userID string) (Role, error) {
	return f(ctx, orgID, userID)
}

// Gate checks callers against an Authorizer before any mutating ledger call
type Gate struct {
	authorizer Authorizer
}

// NewGate creates a gate backed by authorizer
func NewGate(authorizer Authorizer) *Gate {
	return &Gate{authorizer: authorizer}
}

// Require returns the caller's role if it is at least required, and
// ledger.ErrNotAuthorized otherwise.
func (g *Gate) Require(ctx context.Context, orgID, userID string, required Role) (Role, error) {
	if orgID == "" || userID == "" {
		return RoleNone, ledger.ErrNotAuthorized
	}
	role, err := g.authorizer.HasOrgRole(ctx, orgID, userID)
	if err != nil {
		return RoleNone, fmt.Errorf("failed to resolve membership: %w", err)
	}
	if !role.AtLeast(required) {
		return role, ledger.ErrNotAuthorized
	}
	return role, nil
}

// RequireMember requires any active membership
func (g *Gate) RequireMember(ctx context.Context, orgID, userID string) error {
	_, err := g.Require(ctx, orgID, userID, RoleMember)
	return err
}

// RequireManager requires the owner or admin role
func (g *Gate) RequireManager(ctx context.Context, orgID, userID string) error {
	_, err := g.Require(ctx, orgID, userID, RoleAdmin)
	return err
}

// StaticMemberships is an in-memory Authorizer, keyed by organization then user.
// It is safe for concurrent use.
type StaticMemberships struct {
	mu    sync.RWMutex
	roles map[string]map[string]Role
}

// NewStaticMemberships creates an authorizer from an org -> user -> role table
func NewStaticMemberships(table map[string]map[string]Role) *StaticMemberships {
	s := &StaticMemberships{roles: make(map[string]map[string]Role, len(table))}
	for org, users := range table {
		for user, role := range users {
			s.Set(org, user, role)
		}
	}
	return s
}

// Set adds or replaces a membership. RoleNone removes it.
func (s *StaticMemberships) Set(orgID, userID string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == RoleNone {
		delete(s.roles[orgID], userID)
		return
	}
	if s.roles[orgID] == nil {
		s.roles[orgID] = make(map[string]Role)
	}
	s.roles[orgID][userID] = role
}

func (s *StaticMemberships) HasOrgRole(_ context.Context, orgID, userID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[orgID][userID], nil
}
