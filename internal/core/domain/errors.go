package domain

import "errors"

var (
	ErrSessionNotFound = errors.New("call session not found")
	ErrSessionEnded    = errors.New("call session has ended")
	ErrSessionFull     = errors.New("call session is full")
	ErrConflict        = errors.New("live call session already exists for room")
	ErrUnavailable     = errors.New("call session store unavailable")
	ErrNotParticipant  = errors.New("user is not a participant of the call session")
	ErrNotRoomMember   = errors.New("user is not a member of the room")
	ErrInvalidKind     = errors.New("invalid call kind")
	ErrInvalidRoom     = errors.New("invalid room reference")
	ErrInvalidMedia    = errors.New("invalid media update")
	ErrStaleToken      = errors.New("stale session token")
	ErrUnknownSender   = errors.New("signal sender is not connected")
	ErrUserNotFound    = errors.New("user not found")
	ErrRoomNotFound    = errors.New("room not found")
)
