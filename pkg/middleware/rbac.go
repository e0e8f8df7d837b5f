package middleware

import (
	stderrors "errors"

	"kawan-hiking/backend/pkg/errors"
	"kawan-hiking/backend/pkg/jwt"
	"kawan-hiking/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is where JWTAuthMiddleware stores the validated claims
const ClaimsKey = "claims"

// GetClaims returns the claims stored by JWTAuthMiddleware
func GetClaims(c *gin.Context) (*jwt.Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*jwt.Claims)
	return claims, ok
}

// RequireRole returns a middleware that requires the user to have a specific role
func RequireRole(role jwt.Role) gin.HandlerFunc {
	return RequireAnyRole(role)
}

// RequireAnyRole returns middleware that requires the user to have at least one of the specified roles
func RequireAnyRole(roles ...jwt.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			c.Error(errors.NewUnauthorizedError(errors.CodeAuthRequired, "Authentication required"))
			c.Abort()
			return
		}

		for _, role := range roles {
			if claims.HasRole(role) {
				c.Next()
				return
			}
		}

		c.Error(errors.NewForbiddenError(errors.CodeInsufficientRole, "Forbidden: not allowed"))
		c.Abort()
	}
}

// JWTAuthMiddleware checks that the request has a valid JWT and adds claims to the context
func JWTAuthMiddleware(jwtService *jwt.Service, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := jwt.ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.Error(errors.NewUnauthorizedError(errors.CodeAuthRequired, "No token"))
			c.Abort()
			return
		}

		claims, err := jwtService.ValidateToken(token)
		if err != nil {
			log.Warn("Invalid JWT token", "error", err.Error(), "path", c.Request.URL.Path)
			msg := "Token not valid"
			if stderrors.Is(err, jwt.ErrExpiredToken) {
				msg = "Token has expired"
			}
			c.Error(errors.NewUnauthorizedError(errors.CodeInvalidToken, msg))
			c.Abort()
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set("userId", claims.ID)
		c.Set("userRole", claims.Role)
		c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), claims.ID))

		c.Next()
	}
}
