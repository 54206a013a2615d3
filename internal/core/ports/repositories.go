package ports

import (
	"context"

	"callmesh/internal/core/domain"
)

// SessionRepository is the source of truth for call sessions.
//
// CreateOrGetActive is the single conditional write of the admission
// protocol: it inserts candidate only if the room has no live session, and
// otherwise returns the live one with created=false. The repository assigns
// the session id. Implementations may instead report domain.ErrConflict when
// the uniqueness constraint fires mid-race; callers re-fetch in that case.
//
// Mutate applies fn to the current state under the repository's per-session
// serialization and persists the result. When fn returns an error nothing is
// written. Ending a session through Mutate releases the room's live slot.
type SessionRepository interface {
	CreateOrGetActive(ctx context.Context, candidate *domain.Session) (*domain.Session, bool, error)
	GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	GetActiveByRoom(ctx context.Context, room domain.RoomRef) (*domain.Session, error)
	Mutate(ctx context.Context, id domain.SessionID, fn func(*domain.Session) error) (*domain.Session, error)
	Ping(ctx context.Context) error
}

type UserDirectory interface {
	GetProfile(ctx context.Context, userID domain.UserID) (*domain.UserProfile, error)
}

type RoomDirectory interface {
	Members(ctx context.Context, room domain.RoomRef) ([]domain.UserID, error)
	IsMember(ctx context.Context, room domain.RoomRef, userID domain.UserID) (bool, error)
}
