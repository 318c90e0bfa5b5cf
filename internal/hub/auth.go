package hub

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// scopeEvents is the token scope required to stream events
const scopeEvents = "events:read"

// tokenClaims are the claims expected in observer tokens
type tokenClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Auth errors mapped to close codes by the connection handler
var (
	errInvalidToken = errors.New("invalid token")
	errTokenExpired = errors.New("token expired")
	errNoPermission = errors.New("token lacks events scope")
)

// verifyToken checks an HS256 observer token and returns its identity
func verifyToken(secret []byte, token string) (string, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", errTokenExpired
		}
		return "", errInvalidToken
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errInvalidToken
	}
	if !hasScope(claims.Scope, scopeEvents) {
		return "", errNoPermission
	}
	return claims.Subject, nil
}

func hasScope(scopes, want string) bool {
	for _, s := range strings.Fields(scopes) {
		if s == want {
			return true
		}
	}
	return false
}
