package services

import (
	"encoding/json"
	"testing"

	"callmesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayFixture struct {
	*harness
	session *domain.Session
	tokens  map[domain.UserID]domain.SessionToken
	eps     map[domain.UserID]*endpoint
}

// alice, bob and carol connected; dave notified
func newRelayFixture(t *testing.T) *relayFixture {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob", "carol", "dave")
	session := h.start(t, "alice")
	f := &relayFixture{
		harness: h,
		session: session,
		tokens:  map[domain.UserID]domain.SessionToken{"alice": tokenOf(t, session, "alice")},
		eps:     make(map[domain.UserID]*endpoint),
	}
	for _, id := range []domain.UserID{"bob", "carol"} {
		f.tokens[id] = h.join(t, session.ID, id)
	}
	for _, id := range []domain.UserID{"alice", "bob", "carol", "dave"} {
		f.eps[id] = h.connect(id)
	}
	return f
}

func (f *relayFixture) signal(t domain.EventType, from, to domain.UserID) *domain.Signal {
	return &domain.Signal{
		Type:         t,
		SessionID:    f.session.ID,
		FromUserID:   from,
		SessionToken: f.tokens[from],
		ToUserID:     to,
		Payload:      json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host"}`),
	}
}

func TestRelay_FullMeshFanout(t *testing.T) {
	f := newRelayFixture(t)

	n, err := f.relay.Relay(f.ctx, f.signal(domain.EventCandidate, "alice", ""))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Empty(t, f.eps["alice"].ofType(domain.EventCandidate))
	assert.Empty(t, f.eps["dave"].ofType(domain.EventCandidate))
	for _, id := range []domain.UserID{"bob", "carol"} {
		got := f.eps[id].ofType(domain.EventCandidate)
		require.Len(t, got, 1, "recipient %s", id)
		assert.Equal(t, domain.UserID("alice"), got[0].FromUserID)
		assert.Equal(t, f.tokens["alice"], got[0].SessionToken)
		assert.Equal(t, f.session.ID, got[0].SessionID)
	}
}

func TestRelay_Directed(t *testing.T) {
	f := newRelayFixture(t)

	n, err := f.relay.Relay(f.ctx, f.signal(domain.EventAnswer, "bob", "carol"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.eps["carol"].ofType(domain.EventAnswer), 1)
	assert.Empty(t, f.eps["alice"].ofType(domain.EventAnswer))

	for _, target := range []domain.UserID{"dave", "bob", "zed"} {
		n, err = f.relay.Relay(f.ctx, f.signal(domain.EventAnswer, "bob", target))
		require.NoError(t, err)
		assert.Zero(t, n, "target %s", target)
	}
	assert.Equal(t, 3, f.metrics.snapshot().dropped[dropBadTarget])
}

func TestRelay_SilentDrops(t *testing.T) {
	f := newRelayFixture(t)

	cases := []struct {
		name   string
		signal *domain.Signal
		reason string
	}{
		{
			name:   "notified sender",
			signal: f.signal(domain.EventOffer, "dave", ""),
			reason: dropUnknownSender,
		},
		{
			name:   "outsider",
			signal: f.signal(domain.EventOffer, "mallory", ""),
			reason: dropUnknownSender,
		},
		{
			name: "wrong token",
			signal: func() *domain.Signal {
				s := f.signal(domain.EventOffer, "bob", "")
				s.SessionToken = "forged"
				return s
			}(),
			reason: dropStaleToken,
		},
		{
			name: "unknown session",
			signal: func() *domain.Signal {
				s := f.signal(domain.EventOffer, "bob", "")
				s.SessionID = "gc_nowhere"
				return s
			}(),
			reason: dropUnknownSession,
		},
		{
			name:   "not a signal",
			signal: f.signal(domain.EventMediaUpdated, "bob", ""),
			reason: dropInvalidType,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := f.metrics.snapshot().dropped[tc.reason]
			n, err := f.relay.Relay(f.ctx, tc.signal)
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Equal(t, before+1, f.metrics.snapshot().dropped[tc.reason])
		})
	}

	for id, ep := range f.eps {
		assert.Empty(t, ep.ofType(domain.EventOffer), "recipient %s", id)
	}
}

func TestRelay_EndedSessionDrops(t *testing.T) {
	h := newHarness(t, DefaultCallServiceConfig(), "alice", "bob")
	session := h.start(t, "alice")
	token := tokenOf(t, session, "alice")
	_, err := h.calls.Leave(h.ctx, session.ID, "alice")
	require.NoError(t, err)

	n, err := h.relay.Relay(h.ctx, &domain.Signal{
		Type:         domain.EventOffer,
		SessionID:    session.ID,
		FromUserID:   "alice",
		SessionToken: token,
	})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.metrics.snapshot().dropped[dropSessionEnded])
}
