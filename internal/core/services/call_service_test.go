package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/internal/infrastructure/repositories/memory"
	redisrepo "callmesh/internal/infrastructure/repositories/redis"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRequestSession_CreatesAndInvitesRoom(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob", "carol")
	aliceEp := h.connect("alice")
	bobEp := h.connect("bob")

	session := h.start(t, "alice")

	assert.Equal(t, domain.FirstSessionID(testRoom), session.ID)
	assert.Equal(t, domain.StatusNotified, session.Status)
	assert.Equal(t, "room_team", session.Transport.RoomID)
	require.Len(t, session.Participants, 3)

	caller, _ := session.Participant("alice")
	assert.Equal(t, domain.RoleCaller, caller.Role)
	assert.Equal(t, domain.ParticipantConnected, caller.Status)
	assert.NotEmpty(t, caller.Token)
	assert.Equal(t, "User alice", caller.DisplayName)

	for _, id := range []domain.UserID{"bob", "carol"} {
		p, ok := session.Participant(id)
		require.True(t, ok)
		assert.Equal(t, domain.RoleJoiner, p.Role)
		assert.Equal(t, domain.ParticipantNotified, p.Status)
		assert.Empty(t, p.Token)
	}

	invites := bobEp.ofType(domain.EventCallInvite)
	require.Len(t, invites, 1)
	var payload CallInvitePayload
	require.NoError(t, json.Unmarshal(invites[0].Payload, &payload))
	assert.Equal(t, domain.UserID("alice"), payload.Caller.UserID)
	assert.Equal(t, domain.CallKindVideo, payload.Kind)
	assert.Empty(t, aliceEp.ofType(domain.EventCallInvite))

	assert.Equal(t, 1, h.metrics.snapshot().created)
}

func TestRequestSession_ReturnsLiveSession(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob")
	first := h.start(t, "alice")

	// erin joined the room after the invite went out
	h.dir.SetRoom(testRoom, "alice", "bob", "erin")
	again, created, err := h.calls.RequestSession(h.ctx, testRoom, domain.CallKindAudio, "erin")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, domain.CallKindVideo, again.Kind)

	p, ok := again.Participant("erin")
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantNotified, p.Status)

	// repeated requests never duplicate roster entries
	again, _, err = h.calls.RequestSession(h.ctx, testRoom, domain.CallKindVideo, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, countEntries(again, "bob"))
}

func TestRequestSession_Validation(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice")

	_, _, err := h.calls.RequestSession(h.ctx, testRoom, "hologram", "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidKind)

	_, _, err = h.calls.RequestSession(h.ctx, "bad room!", domain.CallKindAudio, "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)

	_, _, err = h.calls.RequestSession(h.ctx, testRoom, domain.CallKindAudio, "mallory")
	assert.ErrorIs(t, err, domain.ErrNotRoomMember)

	_, _, err = h.calls.RequestSession(h.ctx, "elsewhere", domain.CallKindAudio, "alice")
	assert.ErrorIs(t, err, domain.ErrNotRoomMember)
}

func TestRequestSession_ConcurrentCallersShareOneSession(t *testing.T) {
	const k = 12
	members := make([]domain.UserID, k)
	for i := range members {
		members[i] = domain.UserID(fmt.Sprintf("user%02d", i))
	}
	h := newHarness(t, DefaultCallServiceConfig(), members...)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[domain.SessionID]int)
		created int
	)
	start := make(chan struct{})
	for _, m := range members {
		wg.Add(1)
		go func(m domain.UserID) {
			defer wg.Done()
			<-start
			s, c, err := h.calls.RequestSession(h.ctx, testRoom, domain.CallKindVideo, m)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[s.ID]++
			if c {
				created++
			}
			mu.Unlock()
		}(m)
	}
	close(start)
	wg.Wait()

	require.Len(t, ids, 1)
	assert.Equal(t, 1, created)

	live, err := h.repo.GetActiveByRoom(h.ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, k, ids[live.ID])
	assert.Len(t, live.Participants, k)
	for _, m := range members {
		assert.Equal(t, 1, countEntries(live, m), "user %s", m)
	}

	callers := 0
	for _, p := range live.Participants {
		if p.Role == domain.RoleCaller {
			callers++
			assert.Equal(t, domain.ParticipantConnected, p.Status)
		} else {
			assert.Equal(t, domain.ParticipantNotified, p.Status)
		}
	}
	assert.Equal(t, 1, callers)
	assert.Equal(t, 1, h.metrics.snapshot().created)
}

func TestJoin_IsIdempotentAndRotatesToken(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob")
	session := h.start(t, "alice")
	aliceEp := h.connect("alice")

	first := h.join(t, session.ID, "bob")
	second := h.join(t, session.ID, "bob")
	assert.NotEqual(t, first, second)

	current, err := h.repo.GetByID(h.ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countEntries(current, "bob"))
	assert.Equal(t, second, tokenOf(t, current, "bob"))
	assert.Equal(t, domain.StatusActive, current.Status)
	assert.Equal(t, 2, current.ConnectedCount())

	_, ok := current.MediaFor("bob")
	assert.True(t, ok)
	assert.Len(t, aliceEp.ofType(domain.EventParticipantJoined), 2)
	assert.Equal(t, 1, h.metrics.snapshot().joined)
}

func TestJoin_ConcurrentDuplicatesLeaveOneEntry(t *testing.T) {
	stores := map[string]func(t *testing.T) ports.SessionRepository{
		"memory": func(*testing.T) ports.SessionRepository {
			return memory.NewMemorySessionRepository()
		},
		"redis": func(t *testing.T) ports.SessionRepository {
			mr := miniredis.RunT(t)
			client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return redisrepo.NewRedisSessionRepository(client, 5*time.Second, 0)
		},
	}

	for name, newRepo := range stores {
		t.Run(name, func(t *testing.T) {
			const n = 8
			h := newHarnessWithRepo(t, DefaultCallServiceConfig(), newRepo(t), "alice", "bob")
			session := h.start(t, "alice")
			joinedBefore := h.metrics.snapshot().joined

			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				tokens = make(map[domain.SessionToken]bool)
			)
			start := make(chan struct{})
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, token, err := h.calls.Join(h.ctx, session.ID, "bob")
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					tokens[token] = true
					mu.Unlock()
				}()
			}
			close(start)
			wg.Wait()

			current, err := h.repo.GetByID(h.ctx, session.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, countEntries(current, "bob"))
			assert.True(t, tokens[tokenOf(t, current, "bob")], "stored token was returned to one of the joins")
			assert.Len(t, tokens, n)
			assert.Equal(t, 2, current.ConnectedCount())
			assert.Equal(t, joinedBefore+1, h.metrics.snapshot().joined)
		})
	}
}

func TestJoin_CollapsesDuplicateEntries(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob")
	session := h.start(t, "alice")

	_, err := h.repo.Mutate(h.ctx, session.ID, func(s *domain.Session) error {
		s.Participants = append(s.Participants, domain.Participant{UserID: "bob", Role: domain.RoleJoiner, Status: domain.ParticipantNotified})
		return nil
	})
	require.NoError(t, err)

	joined, _, err := h.calls.Join(h.ctx, session.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, countEntries(joined, "bob"))
}

func TestJoin_Errors(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob")
	session := h.start(t, "alice")

	_, _, err := h.calls.Join(h.ctx, "gc_missing", "bob")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, _, err = h.calls.Join(h.ctx, session.ID, "mallory")
	assert.ErrorIs(t, err, domain.ErrNotRoomMember)

	ended, err := h.calls.Leave(h.ctx, session.ID, "alice")
	require.NoError(t, err)
	require.True(t, ended)

	_, _, err = h.calls.Join(h.ctx, session.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrSessionEnded)
}

func TestJoin_ParticipantCap(t *testing.T) {
	cfg := DefaultCallServiceConfig()
	cfg.MaxParticipants = 2
	h := newHarness(t, cfg, "alice", "bob", "carol")
	session := h.start(t, "alice")

	h.join(t, session.ID, "bob")
	_, _, err := h.calls.Join(h.ctx, session.ID, "carol")
	assert.ErrorIs(t, err, domain.ErrSessionFull)

	// reconnecting an already connected user is not capped
	h.join(t, session.ID, "bob")

	_, err = h.calls.Leave(h.ctx, session.ID, "bob")
	require.NoError(t, err)
	h.join(t, session.ID, "carol")
}

func TestUpdateMedia(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob", "carol")
	session := h.start(t, "alice")
	h.join(t, session.ID, "bob")
	bobEp := h.connect("bob")
	carolEp := h.connect("carol")

	muted := true
	poor := domain.QualityPoor
	state, err := h.calls.UpdateMedia(h.ctx, session.ID, "alice", domain.MediaUpdate{AudioMuted: &muted, ConnectionQuality: &poor})
	require.NoError(t, err)
	assert.True(t, state.AudioMuted)
	assert.True(t, state.VideoMuted)
	assert.Equal(t, domain.QualityPoor, state.ConnectionQuality)

	updates := bobEp.ofType(domain.EventMediaUpdated)
	require.Len(t, updates, 1)
	var payload MediaPayload
	require.NoError(t, json.Unmarshal(updates[0].Payload, &payload))
	assert.Equal(t, domain.UserID("alice"), payload.UserID)
	assert.True(t, payload.Media.AudioMuted)
	// notified users are not in the call yet
	assert.Empty(t, carolEp.ofType(domain.EventMediaUpdated))

	current, err := h.repo.GetByID(h.ctx, session.ID)
	require.NoError(t, err)
	last := current.Logs[len(current.Logs)-1]
	assert.Equal(t, domain.LogMuteToggled, last.Action)
	assert.Equal(t, domain.UserID("alice"), last.UserID)
}

func TestUpdateMedia_Rejections(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob")
	session := h.start(t, "alice")

	_, err := h.calls.UpdateMedia(h.ctx, session.ID, "alice", domain.MediaUpdate{})
	assert.ErrorIs(t, err, domain.ErrInvalidMedia)

	bogus := domain.ConnectionQuality("excellent")
	_, err = h.calls.UpdateMedia(h.ctx, session.ID, "alice", domain.MediaUpdate{ConnectionQuality: &bogus})
	assert.ErrorIs(t, err, domain.ErrInvalidMedia)

	on := true
	_, err = h.calls.UpdateMedia(h.ctx, session.ID, "bob", domain.MediaUpdate{ScreenSharing: &on})
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	_, err = h.calls.UpdateMedia(h.ctx, session.ID, "mallory", domain.MediaUpdate{ScreenSharing: &on})
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestLeave_RemovesParticipantEntirely(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob", "carol")
	session := h.start(t, "alice")
	bobToken := h.join(t, session.ID, "bob")
	h.join(t, session.ID, "carol")

	bobEp := h.connect("bob")
	h.hub.Subscribe(session.ID, bobEp)
	aliceEp := h.connect("alice")

	ended, err := h.calls.Leave(h.ctx, session.ID, "bob")
	require.NoError(t, err)
	assert.False(t, ended)

	current, err := h.repo.GetByID(h.ctx, session.ID)
	require.NoError(t, err)
	_, ok := current.Participant("bob")
	assert.False(t, ok)
	_, ok = current.MediaFor("bob")
	assert.False(t, ok)
	assert.Equal(t, domain.StatusActive, current.Status)
	assert.NotContains(t, h.hub.SessionSubscribers(session.ID), domain.UserID("bob"))

	left := aliceEp.ofType(domain.EventParticipantLeft)
	require.Len(t, left, 1)

	// nothing reaches the departed user afterwards, including relays with the old token
	on := true
	_, err = h.calls.UpdateMedia(h.ctx, session.ID, "alice", domain.MediaUpdate{ScreenSharing: &on})
	require.NoError(t, err)
	n, err := h.relay.Relay(h.ctx, &domain.Signal{
		Type:         domain.EventOffer,
		SessionID:    session.ID,
		FromUserID:   "bob",
		SessionToken: bobToken,
		Payload:      json.RawMessage(`{"sdp":"x"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, bobEp.ofType(domain.EventMediaUpdated))
	assert.Equal(t, 1, h.metrics.snapshot().dropped[dropUnknownSender])
}

func TestLeave_IsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob", "carol")
	session := h.start(t, "alice")
	h.join(t, session.ID, "bob")

	_, err := h.calls.Leave(h.ctx, session.ID, "bob")
	require.NoError(t, err)
	ended, err := h.calls.Leave(h.ctx, session.ID, "bob")
	require.NoError(t, err)
	assert.False(t, ended)

	// a user that never had an entry is a no-op as well
	ended, err = h.calls.Leave(h.ctx, session.ID, "carol")
	require.NoError(t, err)
	assert.False(t, ended)

	_, err = h.calls.Leave(h.ctx, "gc_missing", "bob")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestLeave_ThreeToOneKeepsSessionOpen(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob", "carol")
	session := h.start(t, "alice")
	h.join(t, session.ID, "bob")
	h.join(t, session.ID, "carol")

	for _, id := range []domain.UserID{"bob", "carol"} {
		ended, err := h.calls.Leave(h.ctx, session.ID, id)
		require.NoError(t, err)
		assert.False(t, ended)
	}

	current, err := h.repo.GetByID(h.ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, current.Status)
	assert.Equal(t, 1, current.ConnectedCount())
	assert.Zero(t, h.metrics.snapshot().ended)

	live, err := h.repo.GetActiveByRoom(h.ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, session.ID, live.ID)
}

func TestLeave_LastConnectedEndsSessionOnce(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob", "carol")
	session := h.start(t, "alice")
	h.join(t, session.ID, "bob")

	aliceEp := h.connect("alice")
	bobEp := h.connect("bob")
	carolEp := h.connect("carol")
	h.hub.Subscribe(session.ID, aliceEp)
	h.hub.Subscribe(session.ID, bobEp)

	ended, err := h.calls.Leave(h.ctx, session.ID, "alice")
	require.NoError(t, err)
	assert.False(t, ended)

	current, err := h.repo.GetByID(h.ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, current.Status)

	ended, err = h.calls.Leave(h.ctx, session.ID, "bob")
	require.NoError(t, err)
	assert.True(t, ended)

	final, err := h.repo.GetByID(h.ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, final.Status)
	require.NotNil(t, final.EndedAt)
	assert.Equal(t, domain.LogCallEnded, final.Logs[len(final.Logs)-1].Action)

	assert.Len(t, bobEp.ofType(domain.EventSessionEnded), 1)
	// carol was still a notified invitee on the roster
	assert.Len(t, carolEp.ofType(domain.EventSessionEnded), 1)
	assert.Empty(t, aliceEp.ofType(domain.EventSessionEnded))
	assert.Equal(t, 1, h.metrics.snapshot().ended)
	assert.Empty(t, h.hub.SessionSubscribers(session.ID))

	_, err = h.repo.GetActiveByRoom(h.ctx, testRoom)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	ended, err = h.calls.Leave(h.ctx, session.ID, "carol")
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, 1, h.metrics.snapshot().ended)
}

func TestLeave_ConcurrentFinalLeavesEndOnce(t *testing.T) {
	members := []domain.UserID{"alice", "bob", "carol", "dave"}
	h := newHarness(t, DefaultCallServiceConfig(), members...)
	session := h.start(t, "alice")
	endpoints := make(map[domain.UserID]*endpoint)
	for _, m := range members {
		if m != "alice" {
			h.join(t, session.ID, m)
		}
		endpoints[m] = h.connect(m)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		enders int
	)
	for _, m := range members {
		wg.Add(1)
		go func(m domain.UserID) {
			defer wg.Done()
			ended, err := h.calls.Leave(h.ctx, session.ID, m)
			if !assert.NoError(t, err) {
				return
			}
			if ended {
				mu.Lock()
				enders++
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()

	assert.Equal(t, 1, enders)
	assert.Equal(t, 1, h.metrics.snapshot().ended)

	total := 0
	for _, ep := range endpoints {
		got := len(ep.ofType(domain.EventSessionEnded))
		assert.LessOrEqual(t, got, 1)
		total += got
	}
	assert.Equal(t, 1, total)
}

func TestRequestSession_AfterEndStartsFreshSession(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob")
	first := h.start(t, "alice")
	_, err := h.calls.Leave(h.ctx, first.ID, "alice")
	require.NoError(t, err)

	second := h.start(t, "bob")
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, strings.HasPrefix(string(second.ID), string(first.ID)+"_"))

	old, err := h.repo.GetByID(h.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, old.Status)
}

func TestRejoinRotatesTokenAndDropsOldSignals(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob")
	session := h.start(t, "alice")
	aliceEp := h.connect("alice")

	before := h.join(t, session.ID, "bob")
	_, err := h.calls.Leave(h.ctx, session.ID, "bob")
	require.NoError(t, err)
	after := h.join(t, session.ID, "bob")
	require.NotEqual(t, before, after)

	offer := func(token domain.SessionToken) int {
		n, err := h.relay.Relay(h.ctx, &domain.Signal{
			Type:         domain.EventOffer,
			SessionID:    session.ID,
			FromUserID:   "bob",
			SessionToken: token,
			Payload:      json.RawMessage(`{"sdp":"v=0"}`),
		})
		require.NoError(t, err)
		return n
	}

	assert.Equal(t, 0, offer(before))
	assert.Empty(t, aliceEp.ofType(domain.EventOffer))
	assert.Equal(t, 1, h.metrics.snapshot().dropped[dropStaleToken])

	assert.Equal(t, 1, offer(after))
	offers := aliceEp.ofType(domain.EventOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, after, offers[0].SessionToken)
	assert.Equal(t, domain.UserID("bob"), offers[0].FromUserID)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(offers[0].Payload))
}

func TestGetSessionAndActive(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob")
	session := h.start(t, "alice")

	got, err := h.calls.GetSession(h.ctx, session.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	_, err = h.calls.GetSession(h.ctx, session.ID, "mallory")
	assert.ErrorIs(t, err, domain.ErrNotRoomMember)

	active, err := h.calls.GetActiveSession(h.ctx, testRoom, "bob")
	require.NoError(t, err)
	assert.Equal(t, session.ID, active.ID)

	_, err = h.calls.GetActiveSession(h.ctx, testRoom, "mallory")
	assert.ErrorIs(t, err, domain.ErrNotRoomMember)

	_, err = h.calls.Leave(h.ctx, session.ID, "alice")
	require.NoError(t, err)
	_, err = h.calls.GetActiveSession(h.ctx, testRoom, "bob")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	// history stays readable by a former participant
	got, err = h.calls.GetSession(h.ctx, session.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, got.Status)
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob")
	h.dir.SetRoom("other", "mallory")
	session := h.start(t, "alice")

	got, err := h.calls.Subscribe(h.ctx, session.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	_, err = h.calls.Subscribe(h.ctx, session.ID, "mallory")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	_, err = h.calls.Leave(h.ctx, session.ID, "alice")
	require.NoError(t, err)
	_, err = h.calls.Subscribe(h.ctx, session.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrSessionEnded)
}

type mockUserDirectory struct {
	mock.Mock
}

func (m *mockUserDirectory) GetProfile(ctx context.Context, userID domain.UserID) (*domain.UserProfile, error) {
	args := m.Called(ctx, userID)
	p, _ := args.Get(0).(*domain.UserProfile)
	return p, args.Error(1)
}

func TestProfileLookupFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob")
	users := &mockUserDirectory{}
	users.On("GetProfile", mock.Anything, domain.UserID("alice")).Return(nil, errors.New("directory down"))
	users.On("GetProfile", mock.Anything, domain.UserID("bob")).Return(&domain.UserProfile{ID: "bob", DisplayName: "Bob", AvatarURL: "https://img/bob.png"}, nil)

	calls := NewCallService(h.repo, users, h.dir, h.hub, nil, DefaultCallServiceConfig(), nopLogger())
	session, created, err := calls.RequestSession(h.ctx, testRoom, domain.CallKindAudio, "alice")
	require.NoError(t, err)
	require.True(t, created)

	alice, _ := session.Participant("alice")
	assert.Equal(t, "alice", alice.DisplayName)
	bob, _ := session.Participant("bob")
	assert.Equal(t, "Bob", bob.DisplayName)
	assert.Equal(t, "https://img/bob.png", bob.AvatarURL)
	users.AssertExpectations(t)
}

func TestProfileDisplayNameIsSanitized(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob")
	users := &mockUserDirectory{}
	users.On("GetProfile", mock.Anything, domain.UserID("alice")).Return(&domain.UserProfile{ID: "alice", DisplayName: " \x00\x07 "}, nil)
	users.On("GetProfile", mock.Anything, domain.UserID("bob")).Return(&domain.UserProfile{ID: "bob", DisplayName: "Bob\x1b" + strings.Repeat("b", 100)}, nil)

	calls := NewCallService(h.repo, users, h.dir, h.hub, nil, DefaultCallServiceConfig(), nopLogger())
	session, _, err := calls.RequestSession(h.ctx, testRoom, domain.CallKindVideo, "alice")
	require.NoError(t, err)

	alice, _ := session.Participant("alice")
	assert.Equal(t, "alice", alice.DisplayName)
	bob, _ := session.Participant("bob")
	assert.Len(t, []rune(bob.DisplayName), maxDisplayNameRunes)
	assert.True(t, strings.HasPrefix(bob.DisplayName, "Bobbb"))
	assert.True(t, strings.HasSuffix(bob.DisplayName, "..."))
}
