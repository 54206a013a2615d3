package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionWith(participants ...Participant) *Session {
	return &Session{
		ID:           FirstSessionID("team"),
		RoomRef:      "team",
		Kind:         CallKindAudio,
		Status:       StatusNotified,
		Participants: participants,
		CreatedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSessionIDs(t *testing.T) {
	assert.Equal(t, SessionID("gc_team"), FirstSessionID("team"))
	at := time.UnixMilli(1714564800123)
	assert.Equal(t, SessionID("gc_team~1714564800123"), LaterSessionID("team", at))
	assert.NotEqual(t, FirstSessionID("team_1714564800123"), LaterSessionID("team", at))

	assert.Equal(t, RoomRef("team"), FirstSessionID("team").Room())
	assert.Equal(t, RoomRef("team"), LaterSessionID("team", at).Room())
	assert.Equal(t, RoomRef("team_1714564800123"), FirstSessionID("team_1714564800123").Room())
}

func TestSessionStatus(t *testing.T) {
	for _, s := range LiveStatuses() {
		assert.True(t, s.IsLive(), s)
	}
	assert.False(t, StatusEnded.IsLive())
}

func TestSession_ActivateAndEnd(t *testing.T) {
	s := sessionWith()

	assert.True(t, s.Activate())
	assert.Equal(t, StatusActive, s.Status)
	assert.False(t, s.Activate())

	end := s.CreatedAt.Add(95 * time.Second)
	assert.True(t, s.End(end))
	assert.True(t, s.Ended())
	assert.Equal(t, int64(95), s.DurationSeconds)
	assert.Equal(t, 95*time.Second, s.Duration())
	assert.Equal(t, LogCallEnded, s.Logs[len(s.Logs)-1].Action)

	assert.False(t, s.End(end.Add(time.Minute)))
	assert.False(t, s.Activate())
	assert.Equal(t, int64(95), s.DurationSeconds)
}

func TestSession_ConnectedCounts(t *testing.T) {
	s := sessionWith(
		Participant{UserID: "a", Status: ParticipantConnected},
		Participant{UserID: "b", Status: ParticipantNotified},
		Participant{UserID: "c", Status: ParticipantConnected},
	)

	assert.Equal(t, 2, s.ConnectedCount())
	assert.Equal(t, []UserID{"a", "c"}, s.ConnectedUserIDs())
	assert.Equal(t, []UserID{"a", "b", "c"}, s.RosterUserIDs())
}

func TestSession_DuplicatesAndRemoval(t *testing.T) {
	s := sessionWith(
		Participant{UserID: "a", Status: ParticipantNotified},
		Participant{UserID: "b", Status: ParticipantConnected},
		Participant{UserID: "a", Status: ParticipantConnected},
	)
	s.EnsureMedia("a")
	s.EnsureMedia("b")

	assert.Equal(t, 1, s.CollapseDuplicates("a"))
	require.Len(t, s.Participants, 2)
	assert.Equal(t, ParticipantNotified, s.Participants[0].Status)
	assert.Equal(t, 0, s.CollapseDuplicates("a"))

	assert.Equal(t, 1, s.RemoveParticipant("a"))
	_, ok := s.Participant("a")
	assert.False(t, ok)
	_, ok = s.MediaFor("a")
	assert.False(t, ok)
	_, ok = s.MediaFor("b")
	assert.True(t, ok)
	assert.Equal(t, 0, s.RemoveParticipant("a"))
}

func TestSession_EnsureMediaDefaults(t *testing.T) {
	s := sessionWith()
	m := s.EnsureMedia("a")
	assert.Equal(t, DefaultMediaState("a"), *m)
	assert.False(t, m.AudioMuted)
	assert.True(t, m.VideoMuted)

	m.AudioMuted = true
	again := s.EnsureMedia("a")
	assert.True(t, again.AudioMuted)
	assert.Len(t, s.Media, 1)
}

func TestMediaUpdate_Apply(t *testing.T) {
	on, off := true, false
	fair := QualityFair
	m := DefaultMediaState("a")

	actions := MediaUpdate{VideoMuted: &off, ScreenSharing: &on, ConnectionQuality: &fair}.Apply(&m)

	assert.Equal(t, []LogAction{LogVideoToggled, LogScreenShared}, actions)
	assert.False(t, m.VideoMuted)
	assert.True(t, m.ScreenSharing)
	assert.Equal(t, QualityFair, m.ConnectionQuality)
	assert.True(t, MediaUpdate{}.Empty())
	assert.False(t, ConnectionQuality("great").Valid())
}

func TestSession_CloneIsDeep(t *testing.T) {
	ended := time.Now()
	s := sessionWith(Participant{UserID: "a", Status: ParticipantConnected, Token: "t1"})
	s.Transport = NewTransportInfo("team", []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}})
	s.EndedAt = &ended

	c := s.Clone()
	c.Participants[0].Token = "t2"
	c.Transport.ICEServers[0].URLs = []string{"stun:other"}
	*c.EndedAt = ended.Add(time.Hour)

	assert.Equal(t, SessionToken("t1"), s.Participants[0].Token)
	assert.Equal(t, ended, *s.EndedAt)
	assert.Equal(t, "room_team", s.Transport.RoomID)
	assert.Equal(t, TopologyMesh, s.Transport.Topology)
}

func TestSnapshotOmitsTokens(t *testing.T) {
	s := sessionWith(
		Participant{UserID: "a", Status: ParticipantConnected, Token: "secret-a"},
		Participant{UserID: "b", Status: ParticipantNotified},
	)

	raw, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-a")
	assert.NotContains(t, string(raw), "sessionToken")
	assert.Contains(t, string(raw), `"connectionStatus":"connected"`)
}

func TestNewEvent(t *testing.T) {
	a, err := NewEvent(EventMediaUpdated, "gc_team", "team", map[string]bool{"audioMuted": true})
	require.NoError(t, err)
	b, err := NewEvent(EventMediaUpdated, "gc_team", "team", nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.EventID, b.EventID)
	assert.JSONEq(t, `{"audioMuted":true}`, string(a.Payload))
	assert.Nil(t, b.Payload)
	assert.True(t, EventOffer.IsSignal())
	assert.False(t, EventSessionEnded.IsSignal())

	_, err = NewEvent(EventOffer, "gc_team", "team", make(chan int))
	assert.Error(t, err)
}
