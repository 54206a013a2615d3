package middleware

import (
	"errors"
	"strings"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/services"
	apperrors "callmesh/pkg/errors"
	"callmesh/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	userIDKey      = "user_id"
	displayNameKey = "display_name"
)

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// AuthMiddleware rejects requests without a valid bearer token and stores
// the caller's identity on the gin context.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortWithError(c, apperrors.NewUnauthorizedError("authorization header required"))
			return
		}

		token, ok := BearerToken(header)
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, services.ErrExpiredToken) {
				msg = "token expired"
			}
			abortWithError(c, apperrors.NewUnauthorizedError(msg).WithCause(err))
			return
		}

		c.Set(userIDKey, claims.UserID)
		c.Set(displayNameKey, claims.DisplayName)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), string(claims.UserID)))
		c.Next()
	}
}

// UserID returns the authenticated caller set by AuthMiddleware.
func UserID(c *gin.Context) (domain.UserID, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(domain.UserID)
	return id, ok && id != ""
}

func abortWithError(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, err.Body())
}
