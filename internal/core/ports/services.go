package ports

import (
	"context"
	"time"

	"callmesh/internal/core/domain"
)

type CallService interface {
	RequestSession(ctx context.Context, room domain.RoomRef, kind domain.CallKind, requester domain.UserID) (*domain.Session, bool, error)
	Join(ctx context.Context, sessionID domain.SessionID, userID domain.UserID) (*domain.Session, domain.SessionToken, error)
	UpdateMedia(ctx context.Context, sessionID domain.SessionID, userID domain.UserID, patch domain.MediaUpdate) (*domain.MediaState, error)
	Leave(ctx context.Context, sessionID domain.SessionID, userID domain.UserID) (bool, error)
	GetSession(ctx context.Context, sessionID domain.SessionID, requester domain.UserID) (*domain.Session, error)
	GetActiveSession(ctx context.Context, room domain.RoomRef, requester domain.UserID) (*domain.Session, error)
	// Subscribe authorizes a user for the session channel and returns the
	// snapshot sent back as session_state.
	Subscribe(ctx context.Context, sessionID domain.SessionID, userID domain.UserID) (*domain.Session, error)
}

type SignalingRelay interface {
	Relay(ctx context.Context, signal *domain.Signal) (int, error)
}

// Endpoint is one live client connection. Send must not block.
type Endpoint interface {
	ID() string
	UserID() domain.UserID
	Send(event *domain.Event) bool
}

// Fanout delivers events to the connected endpoints of the given recipients,
// over the session channel first and the user channel as fallback.
type Fanout interface {
	Deliver(ctx context.Context, sessionID domain.SessionID, recipients []domain.UserID, event *domain.Event) int
	Unsubscribe(ctx context.Context, sessionID domain.SessionID, userID domain.UserID)
	CloseSession(ctx context.Context, sessionID domain.SessionID)
}

// PresenceRegistry is the connection-facing side of the presence layer.
type PresenceRegistry interface {
	Register(endpoint Endpoint)
	Unregister(endpoint Endpoint)
	Subscribe(sessionID domain.SessionID, endpoint Endpoint)
	UnsubscribeEndpoint(sessionID domain.SessionID, endpoint Endpoint)
}

type CallMetrics interface {
	SessionCreated(kind domain.CallKind)
	AdmissionRaceLost()
	SessionEnded(kind domain.CallKind, duration time.Duration)
	ParticipantJoined()
	ParticipantLeft()
	SignalRelayed(t domain.EventType, recipients int)
	SignalDropped(reason string)
	EventsDelivered(t domain.EventType, endpoints int)
}
