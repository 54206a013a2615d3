package http

import (
	stderrors "errors"
	"net/http"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/internal/infrastructure/middleware"
	"callmesh/pkg/errors"
	"callmesh/pkg/logger"
	"callmesh/pkg/validation"

	"github.com/gin-gonic/gin"
)

type CallHandler struct {
	calls ports.CallService
}

var _ ports.CallHTTPHandler = (*CallHandler)(nil)

func NewCallHandler(calls ports.CallService) *CallHandler {
	return &CallHandler{calls: calls}
}

// SetupRoutes mounts the call API under /api/v1. auth must populate the
// caller identity read by middleware.UserID.
func (h *CallHandler) SetupRoutes(router *gin.Engine, auth gin.HandlerFunc) {
	api := router.Group("/api/v1", auth)
	{
		api.POST("/calls/group", h.StartCall)
		api.POST("/calls/group/:id/join", h.JoinCall)
		api.PATCH("/calls/group/:id/media", h.UpdateMedia)
		api.POST("/calls/group/:id/leave", h.LeaveCall)
		api.GET("/calls/group/:id", h.GetCall)
		api.GET("/calls/room/:roomRef/active", h.GetActiveCall)
	}
}

type startCallRequest struct {
	RoomRef domain.RoomRef  `json:"roomRef" binding:"required"`
	Kind    domain.CallKind `json:"kind" binding:"required"`
}

type startCallResponse struct {
	SessionID     domain.SessionID         `json:"sessionId"`
	IsExisting    bool                     `json:"isExisting"`
	SessionToken  domain.SessionToken      `json:"sessionToken,omitempty"`
	Roster        []domain.ParticipantView `json:"roster"`
	TransportInfo domain.TransportInfo     `json:"transportInfo"`
}

type joinCallResponse struct {
	SessionID     domain.SessionID         `json:"sessionId"`
	SessionToken  domain.SessionToken      `json:"sessionToken"`
	Roster        []domain.ParticipantView `json:"roster"`
	TransportInfo domain.TransportInfo     `json:"transportInfo"`
}

func (h *CallHandler) StartCall(c *gin.Context) {
	userID, ok := h.caller(c)
	if !ok {
		return
	}

	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("roomRef and kind are required"))
		return
	}

	session, existing, err := h.calls.RequestSession(c.Request.Context(), req.RoomRef, req.Kind, userID)
	if err != nil {
		_ = c.Error(FromDomain(err))
		return
	}
	c.Request = c.Request.WithContext(logger.WithSessionID(c.Request.Context(), string(session.ID)))

	resp := startCallResponse{
		SessionID:     session.ID,
		IsExisting:    existing,
		Roster:        session.Snapshot().Participants,
		TransportInfo: session.Transport,
	}
	if p, ok := session.Participant(userID); ok {
		resp.SessionToken = p.Token
	}

	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

func (h *CallHandler) JoinCall(c *gin.Context) {
	userID, sessionID, ok := h.callerAndSession(c)
	if !ok {
		return
	}

	session, token, err := h.calls.Join(c.Request.Context(), sessionID, userID)
	if err != nil {
		_ = c.Error(FromDomain(err))
		return
	}

	c.JSON(http.StatusOK, joinCallResponse{
		SessionID:     session.ID,
		SessionToken:  token,
		Roster:        session.Snapshot().Participants,
		TransportInfo: session.Transport,
	})
}

func (h *CallHandler) UpdateMedia(c *gin.Context) {
	userID, sessionID, ok := h.callerAndSession(c)
	if !ok {
		return
	}

	var patch domain.MediaUpdate
	if err := c.ShouldBindJSON(&patch); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid media update body"))
		return
	}

	state, err := h.calls.UpdateMedia(c.Request.Context(), sessionID, userID, patch)
	if err != nil {
		_ = c.Error(FromDomain(err))
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *CallHandler) LeaveCall(c *gin.Context) {
	userID, sessionID, ok := h.callerAndSession(c)
	if !ok {
		return
	}

	ended, err := h.calls.Leave(c.Request.Context(), sessionID, userID)
	if err != nil {
		_ = c.Error(FromDomain(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": ended})
}

func (h *CallHandler) GetCall(c *gin.Context) {
	userID, sessionID, ok := h.callerAndSession(c)
	if !ok {
		return
	}

	session, err := h.calls.GetSession(c.Request.Context(), sessionID, userID)
	if err != nil {
		_ = c.Error(FromDomain(err))
		return
	}
	c.JSON(http.StatusOK, session.Snapshot())
}

// GetActiveCall answers with null when the room has no live session.
func (h *CallHandler) GetActiveCall(c *gin.Context) {
	userID, ok := h.caller(c)
	if !ok {
		return
	}

	session, err := h.calls.GetActiveSession(c.Request.Context(), domain.RoomRef(c.Param("roomRef")), userID)
	if stderrors.Is(err, domain.ErrSessionNotFound) {
		c.JSON(http.StatusOK, nil)
		return
	}
	if err != nil {
		_ = c.Error(FromDomain(err))
		return
	}
	c.JSON(http.StatusOK, session.Snapshot())
}

func (h *CallHandler) caller(c *gin.Context) (domain.UserID, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		_ = c.Error(errors.NewUnauthorizedError("authentication required"))
		return "", false
	}
	return userID, true
}

func (h *CallHandler) callerAndSession(c *gin.Context) (domain.UserID, domain.SessionID, bool) {
	userID, ok := h.caller(c)
	if !ok {
		return "", "", false
	}
	id := c.Param("id")
	if err := validation.ValidateSessionID(id); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return "", "", false
	}
	c.Request = c.Request.WithContext(logger.WithSessionID(c.Request.Context(), id))
	return userID, domain.SessionID(id), true
}
