package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const sessionColumns = `id, room_ref, kind, status, transport, participants, media, logs, created_at, ended_at, duration_seconds`

// the WHERE clause must match the partial index predicate for ON CONFLICT
// inference
const insertSessionSQL = `
INSERT INTO call_sessions (` + sessionColumns + `)
SELECT
	CASE WHEN EXISTS (SELECT 1 FROM call_sessions WHERE room_ref = $2::text) THEN $12::text ELSE $1::text END,
	$2::text, $3::text, $4::text, $5::jsonb, $6::jsonb, $7::jsonb, $8::jsonb,
	$9::timestamptz, $10::timestamptz, $11::bigint
ON CONFLICT (room_ref) WHERE status IN ('initiated', 'notified', 'ringing', 'active') DO NOTHING
RETURNING ` + sessionColumns

const selectLiveSQL = `
SELECT ` + sessionColumns + `
FROM call_sessions
WHERE room_ref = $1 AND status IN ('initiated', 'notified', 'ringing', 'active')`

const updateSessionSQL = `
UPDATE call_sessions
SET status = $2, participants = $3::jsonb, media = $4::jsonb, logs = $5::jsonb, ended_at = $6, duration_seconds = $7, updated_at = now()
WHERE id = $1`

type PostgresSessionRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresSessionRepository(db *sql.DB) ports.SessionRepository {
	return &PostgresSessionRepository{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *PostgresSessionRepository) CreateOrGetActive(ctx context.Context, candidate *domain.Session) (*domain.Session, bool, error) {
	args, err := insertArgs(candidate, r.now())
	if err != nil {
		return nil, false, err
	}

	row := r.db.QueryRowContext(ctx, insertSessionSQL, args...)

	session, err := scanSession(row)
	switch {
	case err == nil:
		return session, true, nil
	case errors.Is(err, sql.ErrNoRows):
		// lost the race on the live-room index
	case isUniqueViolation(err):
		return nil, false, domain.ErrConflict
	default:
		return nil, false, fmt.Errorf("failed to insert session: %w", err)
	}

	live, err := r.GetActiveByRoom(ctx, candidate.RoomRef)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, false, domain.ErrConflict
	}
	if err != nil {
		return nil, false, err
	}
	return live, false, nil
}

func (r *PostgresSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1`, string(id))
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return session, nil
}

func (r *PostgresSessionRepository) GetActiveByRoom(ctx context.Context, room domain.RoomRef) (*domain.Session, error) {
	session, err := scanSession(r.db.QueryRowContext(ctx, selectLiveSQL, string(room)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load live session for room %s: %w", room, err)
	}
	return session, nil
}

// Mutate holds the row lock for the duration of fn.
func (r *PostgresSessionRepository) Mutate(ctx context.Context, id domain.SessionID, fn func(*domain.Session) error) (*domain.Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1 FOR UPDATE`, string(id))
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock session %s: %w", id, err)
	}

	if err := fn(session); err != nil {
		return nil, err
	}

	args, err := updateArgs(session)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, updateSessionSQL, args...); err != nil {
		return nil, fmt.Errorf("failed to update session %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session %s: %w", id, err)
	}
	return session, nil
}

func (r *PostgresSessionRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// insertArgs binds insertSessionSQL; $12 is the id used once the room has
// history.
func insertArgs(candidate *domain.Session, now time.Time) ([]interface{}, error) {
	transport, participants, media, logs, err := encodeDocuments(candidate)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		string(domain.FirstSessionID(candidate.RoomRef)),
		string(candidate.RoomRef),
		string(candidate.Kind),
		string(candidate.Status),
		string(transport), string(participants), string(media), string(logs),
		candidate.CreatedAt,
		candidate.EndedAt,
		candidate.DurationSeconds,
		string(domain.LaterSessionID(candidate.RoomRef, now)),
	}, nil
}

func updateArgs(session *domain.Session) ([]interface{}, error) {
	_, participants, media, logs, err := encodeDocuments(session)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		string(session.ID), string(session.Status), string(participants), string(media), string(logs),
		session.EndedAt, session.DurationSeconds,
	}, nil
}

func encodeDocuments(s *domain.Session) (transport, participants, media, logs []byte, err error) {
	if transport, err = json.Marshal(s.Transport); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal transport: %w", err)
	}
	if participants, err = json.Marshal(nonNil(s.Participants)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal participants: %w", err)
	}
	if media, err = json.Marshal(nonNil(s.Media)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal media: %w", err)
	}
	if logs, err = json.Marshal(nonNil(s.Logs)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal logs: %w", err)
	}
	return transport, participants, media, logs, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		s                                    domain.Session
		id, room, kind, status               string
		transport, participants, media, logs []byte
		endedAt                              sql.NullTime
	)
	if err := row.Scan(&id, &room, &kind, &status, &transport, &participants, &media, &logs,
		&s.CreatedAt, &endedAt, &s.DurationSeconds); err != nil {
		return nil, err
	}

	s.ID = domain.SessionID(id)
	s.RoomRef = domain.RoomRef(room)
	s.Kind = domain.CallKind(kind)
	s.Status = domain.SessionStatus(status)
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}

	if err := json.Unmarshal(transport, &s.Transport); err != nil {
		return nil, fmt.Errorf("failed to decode transport: %w", err)
	}
	if err := json.Unmarshal(participants, &s.Participants); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	if err := json.Unmarshal(media, &s.Media); err != nil {
		return nil, fmt.Errorf("failed to decode media: %w", err)
	}
	if err := json.Unmarshal(logs, &s.Logs); err != nil {
		return nil, fmt.Errorf("failed to decode logs: %w", err)
	}
	return &s, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
