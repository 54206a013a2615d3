package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/internal/infrastructure/directory"
	"callmesh/internal/infrastructure/presence"
	"callmesh/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testRoom domain.RoomRef = "team"

type endpoint struct {
	id     string
	userID domain.UserID

	mu     sync.Mutex
	events []*domain.Event
}

func (e *endpoint) ID() string            { return e.id }
func (e *endpoint) UserID() domain.UserID { return e.userID }

func (e *endpoint) Send(event *domain.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return true
}

func (e *endpoint) ofType(t domain.EventType) []*domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*domain.Event
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type metricCounts struct {
	created  int
	raceLost int
	ended    int
	joined   int
	left     int
	dropped  map[string]int
}

type recordingMetrics struct {
	mu sync.Mutex
	metricCounts
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{metricCounts: metricCounts{dropped: make(map[string]int)}}
}

func (m *recordingMetrics) SessionCreated(domain.CallKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
}

func (m *recordingMetrics) AdmissionRaceLost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raceLost++
}

func (m *recordingMetrics) SessionEnded(domain.CallKind, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended++
}

func (m *recordingMetrics) ParticipantJoined() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined++
}

func (m *recordingMetrics) ParticipantLeft() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.left++
}

func (m *recordingMetrics) SignalRelayed(domain.EventType, int) {}

func (m *recordingMetrics) SignalDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *recordingMetrics) EventsDelivered(domain.EventType, int) {}

func (m *recordingMetrics) snapshot() metricCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.metricCounts
	out.dropped = make(map[string]int, len(m.dropped))
	for k, v := range m.dropped {
		out.dropped[k] = v
	}
	return out
}

type harness struct {
	ctx     context.Context
	repo    ports.SessionRepository
	dir     *directory.StaticDirectory
	hub     *presence.Hub
	metrics *recordingMetrics
	calls   ports.CallService
	relay   ports.SignalingRelay
}

func newHarness(t *testing.T, cfg CallServiceConfig, members ...domain.UserID) *harness {
	t.Helper()
	return newHarnessWithRepo(t, cfg, memory.NewMemorySessionRepository(), members...)
}

func newHarnessWithRepo(t *testing.T, cfg CallServiceConfig, repo ports.SessionRepository, members ...domain.UserID) *harness {
	t.Helper()
	logger := nopLogger()

	dir := directory.NewStaticDirectory()
	for _, m := range members {
		dir.AddUser(domain.UserProfile{ID: m, DisplayName: "User " + string(m)})
	}
	dir.SetRoom(testRoom, members...)

	hub := presence.NewHub(logger)
	metrics := newRecordingMetrics()

	return &harness{
		ctx:     context.Background(),
		repo:    repo,
		dir:     dir,
		hub:     hub,
		metrics: metrics,
		calls:   NewCallService(repo, dir, dir, hub, metrics, cfg, logger),
		relay:   NewSignalingRelay(repo, hub, metrics, logger),
	}
}

func nopLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

var endpointSeq int64

func (h *harness) connect(userID domain.UserID) *endpoint {
	ep := &endpoint{id: fmt.Sprintf("ep-%d", atomic.AddInt64(&endpointSeq, 1)), userID: userID}
	h.hub.Register(ep)
	return ep
}

func (h *harness) start(t *testing.T, caller domain.UserID) *domain.Session {
	t.Helper()
	session, created, err := h.calls.RequestSession(h.ctx, testRoom, domain.CallKindVideo, caller)
	require.NoError(t, err)
	require.True(t, created)
	return session
}

func (h *harness) join(t *testing.T, id domain.SessionID, userID domain.UserID) domain.SessionToken {
	t.Helper()
	_, token, err := h.calls.Join(h.ctx, id, userID)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	return token
}

func tokenOf(t *testing.T, s *domain.Session, userID domain.UserID) domain.SessionToken {
	t.Helper()
	p, ok := s.Participant(userID)
	require.True(t, ok, "no roster entry for %s", userID)
	return p.Token
}

func countEntries(s *domain.Session, userID domain.UserID) int {
	n := 0
	for _, p := range s.Participants {
		if p.UserID == userID {
			n++
		}
	}
	return n
}
