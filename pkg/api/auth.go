package api

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal identifies an authenticated caller and the scopes it holds.
type Principal struct {
	Name   string
	Scopes []string
}

// Can reports whether the principal may perform an action requiring the
// given scope. "*" and "orchestrator:admin" grant everything, and a
// "<domain>:*" scope grants every action within that domain.
func (p Principal) Can(required string) bool {
	domain, _, _ := strings.Cut(required, ":")
	for _, s := range p.Scopes {
		switch s {
		case "*", "orchestrator:admin", required:
			return true
		}
		if s == domain+":*" {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Claims are the JWT claims accepted on the API.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// Authenticator resolves bearer credentials to principals. Static tokens
// from the token table are checked first, then HS256 JWTs when a signing
// secret is configured. With neither configured it fails closed.
type Authenticator struct {
	tokens map[string][]string
	jwtKey []byte
}

// NewAuthenticator builds an authenticator from the static token table
// and the optional JWT secret.
func NewAuthenticator(tokens map[string][]string, jwtSecret string) *Authenticator {
	a := &Authenticator{tokens: tokens}
	if jwtSecret != "" {
		a.jwtKey = []byte(jwtSecret)
	}
	return a
}

var errNotConfigured = errors.New("authentication not configured")

// Authenticate resolves one bearer credential.
func (a *Authenticator) Authenticate(token string) (Principal, error) {
	if len(a.tokens) == 0 && a.jwtKey == nil {
		return Principal{}, errNotConfigured
	}

	if scopes, ok := a.tokens[token]; ok {
		// Stable pseudonymous name so logs and rate limits never carry
		// the raw token.
		sum := sha256.Sum256([]byte(token))
		return Principal{Name: fmt.Sprintf("token-%x", sum[:4]), Scopes: scopes}, nil
	}

	if a.jwtKey == nil {
		return Principal{}, errors.New("unknown token")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.jwtKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Principal{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token subject is required")
	}
	return Principal{Name: claims.Subject, Scopes: claims.Scopes}, nil
}

// Middleware rejects requests without a valid bearer credential and
// injects the resolved principal into the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteUnauthorized(w, "Missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}

		principal, err := a.Authenticate(parts[1])
		if err != nil {
			if errors.Is(err, errNotConfigured) {
				WriteUnauthorized(w, "Authentication not configured")
				return
			}
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}

		ctx := WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope enforces a scope on the request's principal, writing the
// 403 itself when the scope is missing.
func requireScope(w http.ResponseWriter, r *http.Request, scope string) (Principal, bool) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return Principal{}, false
	}
	if !principal.Can(scope) {
		WriteForbidden(w, fmt.Sprintf("Scope %q required", scope))
		return principal, false
	}
	return principal, true
}
