package sso

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/platinummonkey/keygate/pkg/contextkeys"
)

// Role names checked when building a UserIdentity
const (
	RoleAdmin  = "realm:admin"
	RoleAuthor = "realm:author"
)

// RoleList is the {"roles": [...]} object the identity provider nests role
// grants in
type RoleList struct {
	Roles []string `json:"roles"`
}

// Contains reports whether role is in the list
func (l RoleList) Contains(role string) bool {
	for _, r := range l.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenClaims holds the claims of a verified identity or access token
type TokenClaims struct {
	Subject           string              `json:"sub"`
	Issuer            string              `json:"iss"`
	AuthorizedParty   string              `json:"azp,omitempty"`
	PreferredUsername string              `json:"preferred_username,omitempty"`
	Email             string              `json:"email,omitempty"`
	Name              string              `json:"name,omitempty"`
	SessionState      string              `json:"session_state,omitempty"`
	RealmAccess       RoleList            `json:"realm_access"`
	ResourceAccess    map[string]RoleList `json:"resource_access,omitempty"`
}

// HasRealmRole reports whether the realm granted role
func (c TokenClaims) HasRealmRole(role string) bool {
	return c.RealmAccess.Contains(role)
}

// HasApplicationRole reports whether client app granted role
func (c TokenClaims) HasApplicationRole(app, role string) bool {
	access, ok := c.ResourceAccess[app]
	if !ok {
		return false
	}
	return access.Contains(role)
}

// HasRole resolves a qualified role name:
//
//	"realm:admin"  realm role "admin"
//	"app:editor"   role "editor" of client "app"
//	"editor"       role "editor" of clientID
func (c TokenClaims) HasRole(clientID, name string) bool {
	prefix, role, qualified := strings.Cut(name, ":")
	if !qualified {
		return c.HasApplicationRole(clientID, name)
	}
	if prefix == "realm" {
		return c.HasRealmRole(role)
	}
	return c.HasApplicationRole(prefix, role)
}

// Token is a verified token together with the client it was accepted for
type Token struct {
	Raw      string
	Claims   TokenClaims
	Expiry   time.Time
	ClientID string
}

// HasRole checks a role relative to the client the token was accepted for
func (t *Token) HasRole(name string) bool {
	if t == nil {
		return false
	}
	return t.Claims.HasRole(t.ClientID, name)
}

// IsExpired reports whether the token is past its expiry at now
func (t *Token) IsExpired(now time.Time) bool {
	return !t.Expiry.IsZero() && now.After(t.Expiry)
}

// UserIdentity is the application-level view of an authenticated user
type UserIdentity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Admin  bool   `json:"admin"`
	Author bool   `json:"author"`
}

// LogValue exposes the id and name to request logs
func (u *UserIdentity) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(slog.String("id", u.ID), slog.String("name", u.Name))
}

// UserFromClaims maps token claims onto a UserIdentity. Missing claims leave
// the matching field empty.
func UserFromClaims(claims TokenClaims) *UserIdentity {
	return &UserIdentity{
		ID:     claims.Subject,
		Name:   claims.PreferredUsername,
		Admin:  claims.HasRole("", RoleAdmin),
		Author: claims.HasRole("", RoleAuthor),
	}
}

// WithUser attaches the user to ctx
func WithUser(ctx context.Context, user *UserIdentity) context.Context {
	return contextkeys.WithUser(ctx, user)
}

// UserFromContext returns the user attached by a route guard. Handlers on
// unprotected routes get ok == false.
func UserFromContext(ctx context.Context) (*UserIdentity, bool) {
	user, ok := ctx.Value(contextkeys.UserKey).(*UserIdentity)
	return user, ok && user != nil
}

// TokenFromContext returns the verified token for the current request
func TokenFromContext(ctx context.Context) (*Token, bool) {
	token, ok := ctx.Value(contextkeys.TokenKey).(*Token)
	return token, ok && token != nil
}
