package middleware

import (
	"net/http"
	"strings"

	"codecast/internal/core/services"
	apperrors "codecast/pkg/errors"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// bearerToken reads the token from the Authorization header, falling back to
// the token query parameter since browsers cannot set headers on a WebSocket
// handshake.
func bearerToken(c *gin.Context) (string, error) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", apperrors.NewUnauthorizedError("invalid authorization header format")
		}
		return parts[1], nil
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", apperrors.NewUnauthorizedError("token required")
}

// AuthMiddleware validates the caller's token and stores its claims both on the
// gin context and on the request context.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			abortWithAppError(c, apperrors.GetAppError(err))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWithAppError(c, apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized))
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set(claimsKey, claims)
		c.Request = c.Request.WithContext(services.ContextWithClaims(c.Request.Context(), claims))
		c.Next()
	}
}

// ClaimsFromGin returns claims stored by AuthMiddleware.
func ClaimsFromGin(c *gin.Context) (*services.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*services.Claims)
	return claims, ok
}

func abortWithAppError(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
