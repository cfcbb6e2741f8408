// Package auth verifies agent credentials attached to HTTP and WebSocket
// requests. Login and session refresh live outside this service; it only
// checks the signed auth token they hand out.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/h1v3-io/livedesk/pkg/protocol"
)

// CookieName is the cookie carrying the agent auth token.
const CookieName = "auth"

// DefaultTTL is the lifetime of minted agent tokens.
const DefaultTTL = 15 * time.Minute

var (
	// ErrNoCredentials means the request carries no agent token at all.
	ErrNoCredentials = errors.New("auth: no credentials")
	ErrInvalid       = errors.New("auth: invalid credentials")
)

// Authenticator resolves the agent behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (protocol.AgentIdentity, error)
}

// AgentClaims is the body of an agent auth token.
type AgentClaims struct {
	protocol.AgentIdentity
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 agent tokens.
type JWTAuthenticator struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewJWTAuthenticator(key []byte, ttl time.Duration) (*JWTAuthenticator, error) {
	if len(key) == 0 {
		return nil, errors.New("auth: signing key is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &JWTAuthenticator{key: key, ttl: ttl, now: time.Now}, nil
}

// Authenticate reads the token from the auth cookie, falling back to an
// Authorization bearer header.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (protocol.AgentIdentity, error) {
	raw := credential(r)
	if raw == "" {
		return protocol.AgentIdentity{}, ErrNoCredentials
	}
	return a.Verify(raw)
}

// Verify checks a raw agent token.
func (a *JWTAuthenticator) Verify(raw string) (protocol.AgentIdentity, error) {
	claims := &AgentClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return a.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return protocol.AgentIdentity{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.Username == "" {
		return protocol.AgentIdentity{}, fmt.Errorf("%w: missing username", ErrInvalid)
	}
	return claims.AgentIdentity, nil
}

// Mint signs a token for id. Used by operator tooling and tests.
func (a *JWTAuthenticator) Mint(id protocol.AgentIdentity) (string, error) {
	if id.Username == "" {
		return "", errors.New("auth: username is required")
	}
	now := a.now()
	claims := AgentClaims{
		AgentIdentity: id,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return signed, nil
}

func credential(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
