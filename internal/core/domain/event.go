package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventCallInvite        EventType = "call_invite"
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventMediaUpdated      EventType = "media_updated"
	EventSessionEnded      EventType = "session_ended"
	EventSessionState      EventType = "session_state"

	EventOffer     EventType = "offer"
	EventAnswer    EventType = "answer"
	EventCandidate EventType = "candidate"

	EventPong  EventType = "pong"
	EventError EventType = "error"
)

// IsSignal reports whether the type is a negotiation payload handled by the relay.
func (t EventType) IsSignal() bool {
	return t == EventOffer || t == EventAnswer || t == EventCandidate
}

// Event is the envelope for everything pushed to a client. EventID is unique
// per emission so clients can drop copies that arrive over both delivery paths.
type Event struct {
	Type         EventType       `json:"type"`
	EventID      string          `json:"eventId"`
	SessionID    SessionID       `json:"sessionId,omitempty"`
	RoomRef      RoomRef         `json:"roomRef,omitempty"`
	FromUserID   UserID          `json:"fromUserId,omitempty"`
	SessionToken SessionToken    `json:"sessionToken,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

func NewEvent(t EventType, sessionID SessionID, room RoomRef, payload interface{}) (*Event, error) {
	ev := &Event{
		Type:      t,
		EventID:   uuid.NewString(),
		SessionID: sessionID,
		RoomRef:   room,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// Signal is an inbound negotiation message. Payload is opaque and forwarded
// unmodified.
type Signal struct {
	Type         EventType       `json:"type"`
	SessionID    SessionID       `json:"sessionId"`
	FromUserID   UserID          `json:"-"`
	SessionToken SessionToken    `json:"sessionToken"`
	ToUserID     UserID          `json:"toUserId,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}
