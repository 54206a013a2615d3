// Package repotest holds the behavioural contract every SessionRepository
// backend must satisfy.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func NewCandidate(room domain.RoomRef, caller domain.UserID) *domain.Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	s := &domain.Session{
		RoomRef:   room,
		Kind:      domain.CallKindVideo,
		Status:    domain.StatusNotified,
		Transport: domain.NewTransportInfo(room, nil),
		Participants: []domain.Participant{{
			UserID:   caller,
			Role:     domain.RoleCaller,
			Status:   domain.ParticipantConnected,
			Token:    domain.SessionToken("tok-" + string(caller)),
			JoinedAt: &now,
		}},
		CreatedAt: now,
	}
	s.EnsureMedia(caller)
	s.AppendLog(domain.LogCallInitiated, caller, now)
	return s
}

// RunSessionRepositoryContract runs the shared contract against repositories
// produced by newRepo. Each subtest gets a fresh repository.
func RunSessionRepositoryContract(t *testing.T, newRepo func(t *testing.T) ports.SessionRepository) {
	t.Run("CreateThenFetch", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		session, created, err := repo.CreateOrGetActive(ctx, NewCandidate("r1", "alice"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, domain.SessionID("gc_r1"), session.ID)

		again, created, err := repo.CreateOrGetActive(ctx, NewCandidate("r1", "bob"))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, session.ID, again.ID)
		require.Len(t, again.Participants, 1)
		assert.Equal(t, domain.UserID("alice"), again.Participants[0].UserID)

		byID, err := repo.GetByID(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusNotified, byID.Status)
		assert.Equal(t, "room_r1", byID.Transport.RoomID)

		active, err := repo.GetActiveByRoom(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, session.ID, active.ID)
	})

	t.Run("MissingSession", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		_, err := repo.GetByID(ctx, "gc_nope")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)

		_, err = repo.GetActiveByRoom(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)

		_, err = repo.Mutate(ctx, "gc_nope", func(*domain.Session) error { return nil })
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("ConcurrentCreateYieldsSingleSession", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		const racers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			ids     = make(map[domain.SessionID]int)
			creates int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				caller := domain.UserID(fmt.Sprintf("u%d", i))
				session, created, err := repo.CreateOrGetActive(ctx, NewCandidate("race", caller))
				if errors.Is(err, domain.ErrConflict) {
					session, err = repo.GetActiveByRoom(ctx, "race")
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				ids[session.ID]++
				if created {
					creates++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, creates)
		assert.Len(t, ids, 1)
	})

	t.Run("EndingReleasesRoom", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		first, _, err := repo.CreateOrGetActive(ctx, NewCandidate("r2", "alice"))
		require.NoError(t, err)

		ended, err := repo.Mutate(ctx, first.ID, func(s *domain.Session) error {
			s.RemoveParticipant("alice")
			s.End(time.Now())
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusEnded, ended.Status)
		assert.NotNil(t, ended.EndedAt)

		_, err = repo.GetActiveByRoom(ctx, "r2")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)

		second, created, err := repo.CreateOrGetActive(ctx, NewCandidate("r2", "bob"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, first.ID, second.ID)
		assert.Contains(t, string(second.ID), "gc_r2~")

		old, err := repo.GetByID(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusEnded, old.Status)

		// a room named after the later id's suffix still gets its own session
		suffix := strings.TrimPrefix(string(second.ID), "gc_r2~")
		lookalike := domain.RoomRef("r2_" + suffix)
		other, created, err := repo.CreateOrGetActive(ctx, NewCandidate(lookalike, "carol"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, domain.FirstSessionID(lookalike), other.ID)
		assert.NotEqual(t, second.ID, other.ID)
	})

	t.Run("FailedMutationIsNotPersisted", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		session, _, err := repo.CreateOrGetActive(ctx, NewCandidate("r3", "alice"))
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = repo.Mutate(ctx, session.ID, func(s *domain.Session) error {
			s.Status = domain.StatusActive
			return boom
		})
		assert.ErrorIs(t, err, boom)

		reloaded, err := repo.GetByID(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusNotified, reloaded.Status)
	})

	t.Run("MutationsAreSerialized", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		session, _, err := repo.CreateOrGetActive(ctx, NewCandidate("r4", "alice"))
		require.NoError(t, err)

		const writers = 10
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := repo.Mutate(ctx, session.ID, func(s *domain.Session) error {
					s.AppendLog(domain.LogUserJoined, domain.UserID(fmt.Sprintf("w%d", i)), time.Now())
					return nil
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		reloaded, err := repo.GetByID(ctx, session.ID)
		require.NoError(t, err)
		assert.Len(t, reloaded.Logs, 1+writers)
	})

	t.Run("ReturnedSessionsAreCopies", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		session, _, err := repo.CreateOrGetActive(ctx, NewCandidate("r5", "alice"))
		require.NoError(t, err)
		session.Participants[0].Status = domain.ParticipantLeft

		reloaded, err := repo.GetByID(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ParticipantConnected, reloaded.Participants[0].Status)
	})
}
