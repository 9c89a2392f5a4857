package integration

import (
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/tessera/internal/config"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer mints HS256 tokens the way the identity provider in front of
// the engine would. It also holds a retired secret so rotation can be
// exercised end to end.
type tokenIssuer struct {
	issuer   string
	audience string
	current  []byte
	retired  []byte
}

func newTokenIssuer() *tokenIssuer {
	return &tokenIssuer{
		issuer:   "https://auth.test.tessera.dev",
		audience: "tessera-test",
		current:  []byte("integration-secret-at-least-32-bytes"),
		retired:  []byte("integration-retired-secret-32-bytes!"),
	}
}

// configure points the server's identity settings at this issuer.
func (ti *tokenIssuer) configure(id *config.IdentityConfig) {
	id.Issuer = ti.issuer
	id.Audience = ti.audience
	id.Secret = string(ti.current)
	id.PreviousSecrets = []string{string(ti.retired)}
}

// GenerateToken creates a valid token signed with the current secret.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(ti.current, claims, now, now.Add(time.Hour))
}

// GenerateExpiredToken creates a token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(ti.current, claims, now.Add(-2*time.Hour), now.Add(-time.Hour))
}

// GenerateRetiredToken creates a token signed with the secret in use before
// the last rotation.
func (ti *tokenIssuer) GenerateRetiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(ti.retired, claims, now, now.Add(time.Hour))
}

// GenerateForeignToken creates a token signed with a secret the server has
// never seen.
func (ti *tokenIssuer) GenerateForeignToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign([]byte("someone-elses-secret-at-least-32-b"), claims, now, now.Add(time.Hour))
}

func (ti *tokenIssuer) sign(secret []byte, claims TestClaims, issuedAt, expires time.Time) string {
	mc := jwt.MapClaims{
		"iss":       ti.issuer,
		"aud":       ti.audience,
		"iat":       jwt.NewNumericDate(issuedAt),
		"exp":       jwt.NewNumericDate(expires),
		"sub":       claims.SubjectID,
		"tenant_id": claims.TenantID,
	}
	if claims.Email != "" {
		mc["email"] = claims.Email
	}
	if len(claims.Roles) > 0 {
		mc["roles"] = claims.Roles
	}
	maps.Copy(mc, claims.Extra)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(secret)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}
