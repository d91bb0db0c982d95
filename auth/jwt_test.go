package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testAudience = "http://127.0.0.1:8080/mcp"

type mockIssuer struct {
	srv  *httptest.Server
	key  *rsa.PrivateKey
	kid  string
	jwks []byte
}

func newMockIssuer(t *testing.T) *mockIssuer {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	m := &mockIssuer{key: pk, kid: "test-key"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: m.kid, Algorithm: "RS256", Use: "sig"}}}
	if m.jwks, err = json.Marshal(set); err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   m.srv.URL,
			"jwks_uri":                 m.srv.URL + "/keys",
			"authorization_endpoint":   m.srv.URL + "/authorize",
			"token_endpoint":           m.srv.URL + "/token",
			"response_types_supported": []string{"code"},
			"scopes_supported":         []string{"mcp"},
		})
	})
	mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(m.jwks)
	})
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockIssuer) sign(t *testing.T, typ string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = m.kid
	if typ != "" {
		tok.Header["typ"] = typ
	}
	s, err := tok.SignedString(m.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func (m *mockIssuer) claims(overrides map[string]any) jwt.MapClaims {
	now := time.Now()
	c := jwt.MapClaims{
		"iss":   m.srv.URL,
		"sub":   "user-123",
		"aud":   testAudience,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "mcp email",
	}
	for k, v := range overrides {
		if v == nil {
			delete(c, k)
			continue
		}
		c[k] = v
	}
	return c
}

func newTestAuthenticator(t *testing.T, m *mockIssuer, cfg Config) *JWTAuthenticator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg.Issuer = m.srv.URL
	if len(cfg.Audiences) == 0 {
		cfg.Audiences = []string{testAudience}
	}
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("NewFromDiscovery: %v", err)
	}
	return a
}

func TestCheckAuthenticationHappyPath(t *testing.T) {
	m := newMockIssuer(t)
	a := newTestAuthenticator(t, m, Config{RequiredScopes: []string{"mcp"}})

	ui, err := a.CheckAuthentication(context.Background(), m.sign(t, "at+jwt", m.claims(nil)))
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("user id = %q", ui.UserID())
	}
	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if out.Scope != "mcp email" {
		t.Fatalf("scope = %q", out.Scope)
	}

	if a.Issuer() != m.srv.URL || a.JWKSURL() != m.srv.URL+"/keys" {
		t.Fatalf("descriptor = %q %q", a.Issuer(), a.JWKSURL())
	}
	if got := a.ScopesSupported(); len(got) != 1 || got[0] != "mcp" {
		t.Fatalf("scopes = %v", got)
	}
}

func TestCheckAuthenticationRejects(t *testing.T) {
	m := newMockIssuer(t)
	a := newTestAuthenticator(t, m, Config{RequiredScopes: []string{"mcp"}, Leeway: time.Second})

	cases := []struct {
		name    string
		typ     string
		claims  map[string]any
		wantErr error
	}{
		{"wrong audience", "at+jwt", map[string]any{"aud": "https://elsewhere"}, ErrUnauthorized},
		{"plain jwt typ", "JWT", nil, ErrUnauthorized},
		{"expired", "at+jwt", map[string]any{"exp": time.Now().Add(-time.Hour).Unix()}, ErrUnauthorized},
		{"missing exp", "at+jwt", map[string]any{"exp": nil}, ErrUnauthorized},
		{"wrong issuer", "at+jwt", map[string]any{"iss": "https://evil.example"}, ErrUnauthorized},
		{"missing sub", "at+jwt", map[string]any{"sub": nil}, ErrUnauthorized},
		{"missing scope", "at+jwt", map[string]any{"scope": "email"}, ErrInsufficientScope},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.CheckAuthentication(context.Background(), m.sign(t, tc.typ, m.claims(tc.claims)))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}

	if _, err := a.CheckAuthentication(context.Background(), "not-a-jwt"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("garbage token: err = %v", err)
	}
}

func TestAudienceListAcceptsAnyConfigured(t *testing.T) {
	m := newMockIssuer(t)
	a := newTestAuthenticator(t, m, Config{Audiences: []string{"https://prod.example/mcp", testAudience}})

	tok := m.sign(t, "application/at+jwt", m.claims(map[string]any{"aud": []string{"other", testAudience}}))
	if _, err := a.CheckAuthentication(context.Background(), tok); err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
}

func TestNewFromDiscoveryRequiresConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := NewFromDiscovery(ctx, Config{Audiences: []string{testAudience}}); err == nil {
		t.Fatal("expected error without issuer")
	}
	if _, err := NewFromDiscovery(ctx, Config{Issuer: "https://issuer.example"}); err == nil {
		t.Fatal("expected error without audience")
	}
}

func TestAnonymous(t *testing.T) {
	u := Anonymous()
	if u.UserID() != AnonymousUserID {
		t.Fatalf("user id = %q", u.UserID())
	}
}
