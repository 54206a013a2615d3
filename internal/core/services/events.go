package services

import (
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
)

type CallInvitePayload struct {
	Kind      domain.CallKind        `json:"kind"`
	Caller    domain.ParticipantView `json:"caller"`
	Transport domain.TransportInfo   `json:"transportInfo"`
}

type ParticipantPayload struct {
	Participant domain.ParticipantView `json:"participant"`
	Media       *domain.MediaState     `json:"media,omitempty"`
}

type MediaPayload struct {
	UserID domain.UserID     `json:"userId"`
	Media  domain.MediaState `json:"media"`
}

type SessionEndedPayload struct {
	EndedAt         time.Time `json:"endedAt"`
	DurationSeconds int64     `json:"duration"`
}

// SessionStatePayload answers a subscribe with the live part of the session.
type SessionStatePayload struct {
	Status       domain.SessionStatus     `json:"status"`
	Participants []domain.ParticipantView `json:"participants"`
	Media        []domain.MediaState      `json:"media"`
	Transport    domain.TransportInfo     `json:"transportInfo"`
}

func NewSessionStatePayload(session *domain.Session) SessionStatePayload {
	state := SessionStatePayload{
		Status:       session.Status,
		Participants: make([]domain.ParticipantView, 0, len(session.Participants)),
		Media:        make([]domain.MediaState, 0, len(session.Media)),
		Transport:    session.Transport,
	}
	connected := make(map[domain.UserID]bool, len(session.Participants))
	for _, p := range session.Participants {
		if p.Status == domain.ParticipantConnected {
			state.Participants = append(state.Participants, p.View())
			connected[p.UserID] = true
		}
	}
	for _, m := range session.Media {
		if connected[m.UserID] {
			state.Media = append(state.Media, m)
		}
	}
	return state
}

func without(ids []domain.UserID, skip domain.UserID) []domain.UserID {
	out := make([]domain.UserID, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}

type noopMetrics struct{}

func (noopMetrics) SessionCreated(domain.CallKind) {}
func (noopMetrics) AdmissionRaceLost() {}
func (noopMetrics) SessionEnded(domain.CallKind, time.Duration) {}
func (noopMetrics) ParticipantJoined() {}
func (noopMetrics) ParticipantLeft() {}
func (noopMetrics) SignalRelayed(domain.EventType, int) {}
func (noopMetrics) SignalDropped(string) {}
func (noopMetrics) EventsDelivered(domain.EventType, int) {}

var _ ports.CallMetrics = noopMetrics{}
