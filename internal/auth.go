package internal

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dashchat/internal/storage"
)

const tokenIssuer = "dashchat"

// Identity is the authenticated caller of a request.
type Identity struct {
	Name string
	Role string
}

// Elevated reports whether the identity may moderate other users' messages.
func (id Identity) Elevated() bool {
	return id.Role == storage.RoleAdmin
}

// Claims is the JWT payload; the identity travels in the subject.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenAuthority issues and verifies HS256 bearer tokens.
type TokenAuthority struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenAuthority(secret string, ttl time.Duration) (*TokenAuthority, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenAuthority{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for identity and returns it with its expiry.
func (a *TokenAuthority) Issue(identity Identity) (string, time.Time, error) {
	now := a.now()
	expiresAt := now.Add(a.ttl)
	claims := &Claims{
		Role: identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Name,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks signature, issuer and expiry and returns the embedded identity.
func (a *TokenAuthority) Verify(tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Identity{}, &Error{Kind: KindUnauthorized, Message: "invalid token", Cause: err}
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, UnauthorizedError("invalid token")
	}
	role := claims.Role
	if role == "" {
		role = storage.RoleMember
	}
	return Identity{Name: claims.Subject, Role: role}, nil
}

// IdentityFromRequest is the identity-and-role accessor used by the REST layer.
func (a *TokenAuthority) IdentityFromRequest(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return Identity{}, UnauthorizedError("missing bearer token")
	}
	return a.Verify(strings.TrimSpace(token))
}
