package memory

import (
	"context"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
)

// MemorySessionRepository keeps sessions in process. The live map plays the
// role of the (roomRef, live status) uniqueness constraint.
type MemorySessionRepository struct {
	sessions map[domain.SessionID]*domain.Session
	live     map[domain.RoomRef]domain.SessionID
	history  map[domain.RoomRef]bool
	locks    map[domain.SessionID]*sync.Mutex
	now      func() time.Time
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]*domain.Session),
		live:     make(map[domain.RoomRef]domain.SessionID),
		history:  make(map[domain.RoomRef]bool),
		locks:    make(map[domain.SessionID]*sync.Mutex),
		now:      time.Now,
	}
}

func (r *MemorySessionRepository) CreateOrGetActive(ctx context.Context, candidate *domain.Session) (*domain.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.live[candidate.RoomRef]; ok {
		return r.sessions[id].Clone(), false, nil
	}

	session := candidate.Clone()
	if r.history[candidate.RoomRef] {
		session.ID = domain.LaterSessionID(candidate.RoomRef, r.now())
	} else {
		session.ID = domain.FirstSessionID(candidate.RoomRef)
	}
	if _, taken := r.sessions[session.ID]; taken {
		return nil, false, domain.ErrConflict
	}

	r.sessions[session.ID] = session
	r.live[session.RoomRef] = session.ID
	r.history[session.RoomRef] = true
	r.locks[session.ID] = &sync.Mutex{}

	return session.Clone(), true, nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (r *MemorySessionRepository) GetActiveByRoom(ctx context.Context, room domain.RoomRef) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.live[room]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return r.sessions[id].Clone(), nil
}

func (r *MemorySessionRepository) Mutate(ctx context.Context, id domain.SessionID, fn func(*domain.Session) error) (*domain.Session, error) {
	r.mu.RLock()
	lock, exists := r.locks[id]
	r.mu.RUnlock()
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	working := r.sessions[id].Clone()
	r.mu.RUnlock()

	if err := fn(working); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = working
	if !working.Status.IsLive() && r.live[working.RoomRef] == id {
		delete(r.live, working.RoomRef)
	}
	r.mu.Unlock()

	return working.Clone(), nil
}

func (r *MemorySessionRepository) Ping(ctx context.Context) error {
	return nil
}
