package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation of access tokens.
type Config struct {
	Issuer string
	// Audiences lists the accepted "aud" values; a token must carry at least
	// one. Typically the public URL of the MCP endpoint.
	Audiences      []string
	RequiredScopes []string
	AllowedAlgs    []string
	Leeway         time.Duration
}

func (c *Config) setDefaults() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = time.Minute
	}
}

// JWTAuthenticator validates JWT access tokens issued by an OIDC provider.
type JWTAuthenticator struct {
	cfg     Config
	iss     string
	jwksURL string
	scopes  []string
	keyfunc jwt.Keyfunc
}

var (
	_ Authenticator      = (*JWTAuthenticator)(nil)
	_ SecurityDescriptor = (*JWTAuthenticator)(nil)
)

// NewFromDiscovery performs OIDC discovery against cfg.Issuer and returns an
// authenticator whose signing keys refresh automatically for the lifetime of
// ctx.
func NewFromDiscovery(ctx context.Context, cfg Config) (*JWTAuthenticator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if len(cfg.Audiences) == 0 {
		return nil, errors.New("auth: at least one audience is required")
	}
	cfg.setDefaults()

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: oidc discovery: %w", err)
	}
	var meta struct {
		Issuer  string   `json:"issuer"`
		JwksURI string   `json:"jwks_uri"`
		Scopes  []string `json:"scopes_supported"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("auth: invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("auth: discovery metadata has no jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("auth: jwks init: %w", err)
	}

	return &JWTAuthenticator{
		cfg:     cfg,
		iss:     meta.Issuer,
		jwksURL: meta.JwksURI,
		scopes:  slices.Clone(meta.Scopes),
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

func (a *JWTAuthenticator) Issuer() string            { return a.iss }
func (a *JWTAuthenticator) JWKSURL() string           { return a.jwksURL }
func (a *JWTAuthenticator) ScopesSupported() []string { return slices.Clone(a.scopes) }

// CheckAuthentication verifies signature, issuer, audience, expiry, the
// RFC 9068 "typ" header and the required scopes.
func (a *JWTAuthenticator) CheckAuthentication(_ context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.iss),
		jwt.WithLeeway(a.cfg.Leeway),
		jwt.WithIssuedAt(),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if typ, _ := parsed.Header["typ"].(string); !strings.EqualFold(typ, "at+jwt") && !strings.EqualFold(typ, "application/at+jwt") {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("auth: unexpected claims type")
	}

	aud, err := claims.GetAudience()
	if err != nil || !slices.ContainsFunc(aud, func(s string) bool { return slices.Contains(a.cfg.Audiences, s) }) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	if len(a.cfg.RequiredScopes) > 0 {
		scope, _ := claims["scope"].(string)
		have := strings.Fields(scope)
		for _, want := range a.cfg.RequiredScopes {
			if !slices.Contains(have, want) {
				return nil, fmt.Errorf("%w: missing %s", ErrInsufficientScope, want)
			}
		}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &claimsUser{sub: sub, claims: claims}, nil
}
