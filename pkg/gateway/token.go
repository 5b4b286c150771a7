package gateway

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ErrNoToken is returned by a StoreTokenSource when no token is stored.
var ErrNoToken = errors.New("gateway: no access token")

// Token is an opaque bearer credential. Its expiry is not tracked; an expired
// token is discovered when the server answers 401.
type Token string

// IsZero reports whether the token is empty.
func (t Token) IsZero() bool { return t == "" }

// Bearer returns the Authorization header value for t.
func (t Token) Bearer() string { return "Bearer " + string(t) }

// Redacted returns a form of the token safe to log.
func (t Token) Redacted() string {
	if len(t) <= 8 {
		return "****"
	}
	return string(t[:4]) + "****" + string(t[len(t)-4:])
}

// Claims decodes the registered claims of a JWT access token without verifying
// its signature. Use it for display only, never for authorization decisions.
func (t Token) Claims() (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(string(t), claims); err != nil {
		return nil, fmt.Errorf("decode token claims: %w", err)
	}
	return claims, nil
}

// TokenHolder is anything that can report the current token, such as a
// CredentialStore or a Gateway.
type TokenHolder interface {
	Token() Token
}

// StoreTokenSource adapts a TokenHolder to oauth2.TokenSource, for clients
// built on golang.org/x/oauth2 transports. The expiry is filled from the JWT
// exp claim when the token is a JWT.
func StoreTokenSource(store TokenHolder) oauth2.TokenSource {
	return &storeTokenSource{store: store}
}

type storeTokenSource struct {
	store TokenHolder
}

func (s *storeTokenSource) Token() (*oauth2.Token, error) {
	tok := s.store.Token()
	if tok.IsZero() {
		return nil, ErrNoToken
	}

	out := &oauth2.Token{
		AccessToken: string(tok),
		TokenType:   "Bearer",
	}
	if claims, err := tok.Claims(); err == nil && claims.ExpiresAt != nil {
		out.Expiry = claims.ExpiresAt.Time
	}
	return out, nil
}
