package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/distributed"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "callmesh:"

// createOrGetScript is the conditional insert. The room's live pointer is the
// uniqueness constraint; the generation counter decides between the first
// and the later session id. Every key it touches carries the room's hash tag.
//
// KEYS[1] live pointer, KEYS[2] generation counter, KEYS[3] first session,
// KEYS[4] later session
// ARGV[1] first id, ARGV[2] later id, ARGV[3] first doc, ARGV[4] later doc
//
// Replies {0, liveID}, {1, doc} when created, or {2, ""} when the chosen id
// is already taken.
var createOrGetScript = redis.NewScript(`
local live = redis.call("GET", KEYS[1])
if live then
	return {0, live}
end
local gen = redis.call("INCR", KEYS[2])
local key, id, doc = KEYS[3], ARGV[1], ARGV[3]
if gen > 1 then
	key, id, doc = KEYS[4], ARGV[2], ARGV[4]
end
if not redis.call("SET", key, doc, "NX") then
	return {2, ""}
end
redis.call("SET", KEYS[1], id)
return {1, doc}
`)

var releaseRoomScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisSessionRepository struct {
	client   redis.Cmdable
	locks    *distributed.LockManager
	lockTTL  time.Duration
	endedTTL time.Duration
	now      func() time.Time
}

// NewRedisSessionRepository stores each session as a JSON document. Mutations
// are serialized per session with a distributed lock so several instances can
// share one store. endedTTL, when positive, expires ended sessions.
func NewRedisSessionRepository(client redis.Cmdable, lockTTL, endedTTL time.Duration) ports.SessionRepository {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Second
	}
	return &RedisSessionRepository{
		client:   client,
		locks:    distributed.NewLockManager(client, keyPrefix+"lock:"),
		lockTTL:  lockTTL,
		endedTTL: endedTTL,
		now:      time.Now,
	}
}

// Keys of one room share the {room} hash tag so the create script stays in a
// single cluster slot.
func roomTag(room domain.RoomRef) string {
	return keyPrefix + "{" + string(room) + "}:"
}

func sessionKey(id domain.SessionID) string {
	return roomTag(id.Room()) + "session:" + string(id)
}

func roomActiveKey(room domain.RoomRef) string {
	return roomTag(room) + "active"
}

func roomGenerationKey(room domain.RoomRef) string {
	return roomTag(room) + "generation"
}

const maxCreateAttempts = 3

func (r *RedisSessionRepository) CreateOrGetActive(ctx context.Context, candidate *domain.Session) (*domain.Session, bool, error) {
	first := candidate.Clone()
	first.ID = domain.FirstSessionID(candidate.RoomRef)
	later := candidate.Clone()
	later.ID = domain.LaterSessionID(candidate.RoomRef, r.now())

	firstDoc, err := json.Marshal(first)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal session: %w", err)
	}
	laterDoc, err := json.Marshal(later)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal session: %w", err)
	}

	keys := []string{
		roomActiveKey(candidate.RoomRef),
		roomGenerationKey(candidate.RoomRef),
		sessionKey(first.ID),
		sessionKey(later.ID),
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		res, err := createOrGetScript.Run(ctx, r.client, keys,
			string(first.ID), string(later.ID), firstDoc, laterDoc,
		).Slice()
		if err != nil {
			return nil, false, fmt.Errorf("failed to create session in Redis: %w", err)
		}
		if len(res) != 2 {
			return nil, false, fmt.Errorf("unexpected create script reply: %v", res)
		}
		code, _ := res[0].(int64)
		value, _ := res[1].(string)

		switch code {
		case 1:
			session, err := decodeSession(value)
			if err != nil {
				return nil, false, err
			}
			return session, true, nil
		case 2:
			return nil, false, domain.ErrConflict
		}

		live, err := r.GetByID(ctx, domain.SessionID(value))
		if err == nil {
			return live, false, nil
		}
		if !errors.Is(err, domain.ErrSessionNotFound) {
			return nil, false, err
		}
		// the pointer outlived its document
		if err := releaseRoomScript.Run(ctx, r.client, keys[:1], value).Err(); err != nil {
			return nil, false, fmt.Errorf("failed to release dangling pointer for %s: %w", candidate.RoomRef, err)
		}
	}
	return nil, false, domain.ErrConflict
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}
	return decodeSession(data)
}

func (r *RedisSessionRepository) GetActiveByRoom(ctx context.Context, room domain.RoomRef) (*domain.Session, error) {
	id, err := r.client.Get(ctx, roomActiveKey(room)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get live session pointer: %w", err)
	}

	session, err := r.GetByID(ctx, domain.SessionID(id))
	if err != nil {
		return nil, err
	}
	if !session.Status.IsLive() {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

func (r *RedisSessionRepository) Mutate(ctx context.Context, id domain.SessionID, fn func(*domain.Session) error) (*domain.Session, error) {
	exists, err := r.client.Exists(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return nil, domain.ErrSessionNotFound
	}

	var updated *domain.Session
	err = r.locks.WithLock(ctx, "session:"+string(id), r.lockTTL, func() error {
		session, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(session); err != nil {
			return err
		}
		if err := r.save(ctx, session); err != nil {
			return err
		}
		updated = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *RedisSessionRepository) save(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	var ttl time.Duration
	if !session.Status.IsLive() {
		ttl = r.endedTTL
	}
	if err := r.client.Set(ctx, sessionKey(session.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session in Redis: %w", err)
	}

	if !session.Status.IsLive() {
		if err := releaseRoomScript.Run(ctx, r.client, []string{roomActiveKey(session.RoomRef)}, string(session.ID)).Err(); err != nil {
			return fmt.Errorf("failed to release room %s: %w", session.RoomRef, err)
		}
	}
	return nil
}

func (r *RedisSessionRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func decodeSession(data string) (*domain.Session, error) {
	if data == "" {
		return nil, errors.New("empty session document")
	}
	var session domain.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}
