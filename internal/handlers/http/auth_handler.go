package http

import (
	stderrors "errors"
	"net/http"
	"strings"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/internal/core/services"
	"callmesh/pkg/errors"
	"callmesh/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler mints access tokens for users known to the directory. It is
// only mounted when auth.dev_token_endpoint is set; production tokens come
// from the identity service.
type AuthHandler struct {
	authService services.AuthService
	users       ports.UserDirectory
}

func NewAuthHandler(authService services.AuthService, users ports.UserDirectory) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		users:       users,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type IssueTokenRequest struct {
	UserID string `json:"userId" binding:"required,max=128"`
}

type IssueTokenResponse struct {
	AccessToken string        `json:"accessToken"`
	UserID      domain.UserID `json:"userId"`
	DisplayName string        `json:"displayName"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if err := validation.ValidateUserID(req.UserID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	profile, err := h.users.GetProfile(c.Request.Context(), domain.UserID(req.UserID))
	if err != nil {
		if stderrors.Is(err, domain.ErrUserNotFound) {
			c.Error(errors.NewNotFoundError("user"))
			return
		}
		c.Error(FromDomain(err))
		return
	}

	token, err := h.authService.GenerateToken(profile.ID, profile.DisplayName)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token").WithCause(err))
		return
	}

	c.JSON(http.StatusOK, IssueTokenResponse{
		AccessToken: token,
		UserID:      profile.ID,
		DisplayName: profile.DisplayName,
	})
}
