// Package auth resolves Supabase session tokens to user identities.
package auth

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid session")
	ErrNotConfigured = errors.New("auth not configured")
)

type Identity struct {
	UserID string
	Email  string
	Role   string
}

// Claims is the subset of the Supabase access token we rely on.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier checks HS256 tokens signed with the project's JWT secret.
// An empty secret yields a verifier that reports ErrNotConfigured.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (v *Verifier) Configured() bool {
	return v != nil && len(v.secret) > 0
}

func (v *Verifier) Verify(token string) (*Identity, error) {
	if !v.Configured() {
		return nil, ErrNotConfigured
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	var claims Claims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}

	return &Identity{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

var bearerRe = regexp.MustCompile(`(?i)^Bearer\s+(.+)$`)

// BearerToken extracts the token from an Authorization header, or "".
func BearerToken(r *http.Request) string {
	m := bearerRe.FindStringSubmatch(strings.TrimSpace(r.Header.Get("Authorization")))
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
