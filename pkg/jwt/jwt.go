package jwt

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken  = errors.New("missing token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidIssuer = errors.New("token issuer mismatch")
)

// Role is the account role carried in a token
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Claims represents the claims in a JWT token
type Claims struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// HasRole checks whether the token holder has the given role
func (c *Claims) HasRole(role Role) bool {
	return c.Role == role
}

// IsAdmin is shorthand for HasRole(RoleAdmin)
func (c *Claims) IsAdmin() bool {
	return c.HasRole(RoleAdmin)
}

// ExtractBearer strips the "Bearer " scheme from an Authorization header value.
// A bare token without scheme is returned as-is.
func ExtractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
