// Package auth authenticates bearer tokens presented to the gateway.
//
// Two modes exist. When an OIDC issuer is configured, NewFromDiscovery
// returns an Authenticator that validates RFC 9068 JWT access tokens against
// the issuer's published keys. Without one, the transport runs anonymously
// and every caller is the Anonymous user.
package auth

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// AnonymousUserID is the user id of unauthenticated callers.
const AnonymousUserID = "anonymous"

// UserInfo represents an authenticated principal.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshals the user's claims into ref.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It returns errors wrapping ErrUnauthorized or ErrInsufficientScope for
// rejected tokens; any other error is an internal failure.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// SecurityDescriptor is implemented by authenticators that can describe
// themselves in OAuth protected resource metadata.
type SecurityDescriptor interface {
	Issuer() string
	JWKSURL() string
	ScopesSupported() []string
}

type claimsUser struct {
	sub    string
	claims map[string]any
}

func (u *claimsUser) UserID() string { return u.sub }

func (u *claimsUser) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Anonymous returns the principal used when authentication is disabled.
func Anonymous() UserInfo {
	return &claimsUser{sub: AnonymousUserID, claims: map[string]any{"sub": AnonymousUserID}}
}
