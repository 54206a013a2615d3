package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
)

type SessionID string
type RoomRef string

type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallKindAudio || k == CallKindVideo
}

type SessionStatus string

const (
	StatusInitiated SessionStatus = "initiated"
	StatusNotified  SessionStatus = "notified"
	StatusRinging   SessionStatus = "ringing"
	StatusActive    SessionStatus = "active"
	StatusEnded     SessionStatus = "ended"
)

// LiveStatuses are the statuses covered by the one-live-session-per-room rule.
func LiveStatuses() []SessionStatus {
	return []SessionStatus{StatusInitiated, StatusNotified, StatusRinging, StatusActive}
}

func (s SessionStatus) IsLive() bool {
	switch s {
	case StatusInitiated, StatusNotified, StatusRinging, StatusActive:
		return true
	}
	return false
}

const TopologyMesh = "mesh"

type TransportInfo struct {
	RoomID     string             `json:"roomId"`
	Topology   string             `json:"topology"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// NewTransportInfo builds the relay room description shared verbatim with
// every participant of a session.
func NewTransportInfo(room RoomRef, iceServers []webrtc.ICEServer) TransportInfo {
	servers := make([]webrtc.ICEServer, len(iceServers))
	copy(servers, iceServers)
	return TransportInfo{
		RoomID:     "room_" + string(room),
		Topology:   TopologyMesh,
		ICEServers: servers,
	}
}

// FirstSessionID is the id of the first session ever created for a room.
func FirstSessionID(room RoomRef) SessionID {
	return SessionID("gc_" + string(room))
}

// LaterSessionID is used once the room already has session history. Room
// references never contain '~', so a later id cannot equal another room's
// first id.
func LaterSessionID(room RoomRef, at time.Time) SessionID {
	return SessionID(fmt.Sprintf("gc_%s~%d", room, at.UnixMilli()))
}

// Room returns the room reference the id was derived from.
func (id SessionID) Room() RoomRef {
	room := strings.TrimPrefix(string(id), "gc_")
	if i := strings.IndexByte(room, '~'); i >= 0 {
		room = room[:i]
	}
	return RoomRef(room)
}

type LogAction string

const (
	LogCallInitiated LogAction = "call_initiated"
	LogUserJoined    LogAction = "user_joined"
	LogUserLeft      LogAction = "user_left"
	LogMuteToggled   LogAction = "mute_toggled"
	LogVideoToggled  LogAction = "video_toggled"
	LogScreenShared  LogAction = "screen_shared"
	LogCallEnded     LogAction = "call_ended"
)

type LogEntry struct {
	Action    LogAction `json:"action"`
	UserID    UserID    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Session struct {
	ID              SessionID     `json:"sessionId"`
	RoomRef         RoomRef       `json:"roomRef"`
	Kind            CallKind      `json:"kind"`
	Status          SessionStatus `json:"status"`
	Transport       TransportInfo `json:"transportInfo"`
	Participants    []Participant `json:"participants"`
	Media           []MediaState  `json:"media"`
	Logs            []LogEntry    `json:"logs"`
	CreatedAt       time.Time     `json:"createdAt"`
	EndedAt         *time.Time    `json:"endedAt,omitempty"`
	DurationSeconds int64         `json:"duration"`
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Transport.ICEServers = append([]webrtc.ICEServer(nil), s.Transport.ICEServers...)
	c.Participants = append([]Participant(nil), s.Participants...)
	c.Media = append([]MediaState(nil), s.Media...)
	c.Logs = append([]LogEntry(nil), s.Logs...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func (s *Session) Ended() bool {
	return s.Status == StatusEnded
}

// Participant returns the first roster entry for the user.
func (s *Session) Participant(userID UserID) (*Participant, bool) {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i], true
		}
	}
	return nil, false
}

func (s *Session) ConnectedCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Status == ParticipantConnected {
			n++
		}
	}
	return n
}

func (s *Session) ConnectedUserIDs() []UserID {
	ids := make([]UserID, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.Status == ParticipantConnected {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// RosterUserIDs lists every user with a roster entry, connected or not.
func (s *Session) RosterUserIDs() []UserID {
	ids := make([]UserID, 0, len(s.Participants))
	for _, p := range s.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// CollapseDuplicates keeps the first entry for the user and drops the rest.
// It returns how many entries were dropped.
func (s *Session) CollapseDuplicates(userID UserID) int {
	kept := s.Participants[:0]
	seen := false
	dropped := 0
	for _, p := range s.Participants {
		if p.UserID == userID {
			if seen {
				dropped++
				continue
			}
			seen = true
		}
		kept = append(kept, p)
	}
	s.Participants = kept
	return dropped
}

// RemoveParticipant deletes every roster entry and the media row of the
// user. It returns the number of roster entries removed.
func (s *Session) RemoveParticipant(userID UserID) int {
	kept := s.Participants[:0]
	removed := 0
	for _, p := range s.Participants {
		if p.UserID == userID {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	s.Participants = kept

	media := s.Media[:0]
	for _, m := range s.Media {
		if m.UserID != userID {
			media = append(media, m)
		}
	}
	s.Media = media
	return removed
}

func (s *Session) MediaFor(userID UserID) (*MediaState, bool) {
	for i := range s.Media {
		if s.Media[i].UserID == userID {
			return &s.Media[i], true
		}
	}
	return nil, false
}

// EnsureMedia returns the media row of the user, creating a default one.
func (s *Session) EnsureMedia(userID UserID) *MediaState {
	if m, ok := s.MediaFor(userID); ok {
		return m
	}
	s.Media = append(s.Media, DefaultMediaState(userID))
	return &s.Media[len(s.Media)-1]
}

func (s *Session) AppendLog(action LogAction, userID UserID, at time.Time) {
	s.Logs = append(s.Logs, LogEntry{Action: action, UserID: userID, Timestamp: at})
}

// Activate moves a pre-active session to active. Ended and active sessions
// are left untouched.
func (s *Session) Activate() bool {
	switch s.Status {
	case StatusInitiated, StatusNotified, StatusRinging:
		s.Status = StatusActive
		return true
	}
	return false
}

// End marks the session ended and stamps its duration. Ending twice is a no-op.
func (s *Session) End(at time.Time) bool {
	if s.Status == StatusEnded {
		return false
	}
	s.Status = StatusEnded
	s.EndedAt = &at
	s.DurationSeconds = int64(at.Sub(s.CreatedAt).Seconds())
	if s.DurationSeconds < 0 {
		s.DurationSeconds = 0
	}
	s.AppendLog(LogCallEnded, "", at)
	return true
}

func (s *Session) Duration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

type SessionSnapshot struct {
	SessionID       SessionID         `json:"sessionId"`
	RoomRef         RoomRef           `json:"roomRef"`
	Kind            CallKind          `json:"kind"`
	Status          SessionStatus     `json:"status"`
	Transport       TransportInfo     `json:"transportInfo"`
	Participants    []ParticipantView `json:"participants"`
	Media           []MediaState      `json:"media"`
	Logs            []LogEntry        `json:"logs,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	EndedAt         *time.Time        `json:"endedAt,omitempty"`
	DurationSeconds int64             `json:"duration"`
}

// Snapshot renders the session for clients with every token stripped.
func (s *Session) Snapshot() SessionSnapshot {
	views := make([]ParticipantView, 0, len(s.Participants))
	for _, p := range s.Participants {
		views = append(views, p.View())
	}
	return SessionSnapshot{
		SessionID:       s.ID,
		RoomRef:         s.RoomRef,
		Kind:            s.Kind,
		Status:          s.Status,
		Transport:       s.Transport,
		Participants:    views,
		Media:           append([]MediaState{}, s.Media...),
		Logs:            append([]LogEntry(nil), s.Logs...),
		CreatedAt:       s.CreatedAt,
		EndedAt:         s.EndedAt,
		DurationSeconds: s.DurationSeconds,
	}
}
