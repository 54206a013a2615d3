package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/services"
	"callmesh/internal/infrastructure/directory"
	"callmesh/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAuthHandler_IssueToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := directory.NewStaticDirectory()
	dir.AddUser(domain.UserProfile{ID: "alice", DisplayName: "Alice"})
	auth := services.NewAuthService("secret", "callmesh", time.Minute)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewAuthHandler(auth, dir).SetupRoutes(router)

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	w := post(`{"userId":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp IssueTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.UserID("alice"), resp.UserID)
	assert.Equal(t, "Alice", resp.DisplayName)

	claims, err := auth.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), claims.UserID)
	assert.Equal(t, "Alice", claims.DisplayName)

	assert.Equal(t, http.StatusNotFound, post(`{"userId":"mallory"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).Code)
}
