package domain

import "time"

type SessionToken string

type ParticipantRole string

const (
	RoleCaller ParticipantRole = "caller"
	RoleJoiner ParticipantRole = "joiner"
)

type ParticipantStatus string

const (
	ParticipantNotified  ParticipantStatus = "notified"
	ParticipantConnected ParticipantStatus = "connected"
	ParticipantLeft      ParticipantStatus = "left"
)

type Participant struct {
	UserID      UserID            `json:"userId"`
	DisplayName string            `json:"displayName"`
	AvatarURL   string            `json:"avatarUrl,omitempty"`
	Role        ParticipantRole   `json:"role"`
	Status      ParticipantStatus `json:"connectionStatus"`
	Token       SessionToken      `json:"sessionToken,omitempty"`
	JoinedAt    *time.Time        `json:"joinedAt,omitempty"`
	LeftAt      *time.Time        `json:"leftAt,omitempty"`
}

func (p *Participant) ApplyProfile(profile UserProfile) {
	p.DisplayName = profile.DisplayName
	p.AvatarURL = profile.AvatarURL
}

type ConnectionQuality string

const (
	QualityGood ConnectionQuality = "good"
	QualityFair ConnectionQuality = "fair"
	QualityPoor ConnectionQuality = "poor"
)

func (q ConnectionQuality) Valid() bool {
	return q == QualityGood || q == QualityFair || q == QualityPoor
}

type MediaState struct {
	UserID            UserID            `json:"userId"`
	AudioMuted        bool              `json:"audioMuted"`
	VideoMuted        bool              `json:"videoMuted"`
	ScreenSharing     bool              `json:"screenSharing"`
	ConnectionQuality ConnectionQuality `json:"connectionQuality"`
}

func DefaultMediaState(userID UserID) MediaState {
	return MediaState{
		UserID:            userID,
		AudioMuted:        false,
		VideoMuted:        true,
		ScreenSharing:     false,
		ConnectionQuality: QualityGood,
	}
}

// MediaUpdate is a partial media patch; nil fields are left unchanged.
type MediaUpdate struct {
	AudioMuted        *bool              `json:"audioMuted,omitempty"`
	VideoMuted        *bool              `json:"videoMuted,omitempty"`
	ScreenSharing     *bool              `json:"screenSharing,omitempty"`
	ConnectionQuality *ConnectionQuality `json:"connectionQuality,omitempty"`
}

func (u MediaUpdate) Empty() bool {
	return u.AudioMuted == nil && u.VideoMuted == nil && u.ScreenSharing == nil && u.ConnectionQuality == nil
}

// Apply patches m and returns the audit actions the change produced.
func (u MediaUpdate) Apply(m *MediaState) []LogAction {
	var actions []LogAction
	if u.AudioMuted != nil {
		m.AudioMuted = *u.AudioMuted
		actions = append(actions, LogMuteToggled)
	}
	if u.VideoMuted != nil {
		m.VideoMuted = *u.VideoMuted
		actions = append(actions, LogVideoToggled)
	}
	if u.ScreenSharing != nil {
		m.ScreenSharing = *u.ScreenSharing
		actions = append(actions, LogScreenShared)
	}
	if u.ConnectionQuality != nil {
		m.ConnectionQuality = *u.ConnectionQuality
	}
	return actions
}

// ParticipantView is what other users see of a roster entry. It never
// carries the session token.
type ParticipantView struct {
	UserID      UserID            `json:"userId"`
	DisplayName string            `json:"displayName"`
	AvatarURL   string            `json:"avatarUrl,omitempty"`
	Role        ParticipantRole   `json:"role"`
	Status      ParticipantStatus `json:"connectionStatus"`
	JoinedAt    *time.Time        `json:"joinedAt,omitempty"`
	LeftAt      *time.Time        `json:"leftAt,omitempty"`
}

func (p Participant) View() ParticipantView {
	return ParticipantView{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		Role:        p.Role,
		Status:      p.Status,
		JoinedAt:    p.JoinedAt,
		LeftAt:      p.LeftAt,
	}
}
