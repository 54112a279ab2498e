package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"marketrelay/pkg/interfaces"
	"marketrelay/pkg/types"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrEmptySecret  = errors.New("jwt secret cannot be empty")
)

// Claims is what the marketplace auth service puts into a chat token.
// The subject is the user id.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens issued by the marketplace auth service.
type Verifier struct {
	secret []byte
	issuer string
}

var _ interfaces.IdentityVerifier = (*Verifier)(nil)

func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}, nil
}

// Verify parses token and returns the identity it vouches for.
func (v *Verifier) Verify(_ context.Context, token string) (types.Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return types.Identity{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return types.Identity{}, ErrExpiredToken
		}
		return types.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return types.Identity{}, ErrInvalidToken
	}

	identity := types.Identity{
		UserID:      claims.Subject,
		Role:        types.Role(claims.Role),
		DisplayName: claims.Name,
	}
	if !types.IsValidUserID(identity.UserID) {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, types.ErrInvalidUserID)
	}
	if !identity.Role.Valid() {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, types.ErrInvalidRole)
	}
	return identity, nil
}

// Issue signs a token for identity. The relay never issues tokens in production;
// this serves local tooling and tests.
func Issue(secret, issuer string, identity types.Identity, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	now := time.Now()
	claims := Claims{
		Role: string(identity.Role),
		Name: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   identity.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AnonymousIdentity mints a fresh identity for a visitor without an account.
func AnonymousIdentity() types.Identity {
	return types.Identity{
		UserID:      "anon-" + uuid.NewString(),
		Role:        types.RoleAnonymous,
		DisplayName: "Guest",
	}
}

// TokenFromRequest extracts a bearer token from the Authorization header or the
// token query parameter; browsers cannot set headers on a WebSocket upgrade.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// Authenticator resolves the identity of an incoming transport request.
type Authenticator struct {
	verifier       interfaces.IdentityVerifier
	allowAnonymous bool
}

func NewAuthenticator(verifier interfaces.IdentityVerifier, allowAnonymous bool) *Authenticator {
	return &Authenticator{verifier: verifier, allowAnonymous: allowAnonymous}
}

// Authenticate returns the identity of r. Requests without a token get an
// anonymous identity when allowed; a token that is present must be valid.
func (a *Authenticator) Authenticate(r *http.Request) (types.Identity, error) {
	token := TokenFromRequest(r)
	if token == "" {
		if a.allowAnonymous {
			return AnonymousIdentity(), nil
		}
		return types.Identity{}, ErrMissingToken
	}
	if a.verifier == nil {
		return types.Identity{}, ErrInvalidToken
	}
	return a.verifier.Verify(r.Context(), token)
}
