package http

import (
	"context"
	stderrors "errors"

	"callmesh/internal/core/domain"
	"callmesh/pkg/errors"
)

// FromDomain maps service errors onto the API error taxonomy.
func FromDomain(err error) *errors.AppError {
	if err == nil {
		return nil
	}
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrSessionNotFound):
		return errors.NewNotFoundError("call session").WithCause(err)
	case stderrors.Is(err, domain.ErrSessionEnded):
		return errors.NewInvalidStateError("call session has ended").WithCause(err)
	case stderrors.Is(err, domain.ErrSessionFull):
		return errors.NewInvalidStateError("session full").WithCause(err)
	case stderrors.Is(err, domain.ErrNotRoomMember):
		return errors.NewForbiddenError("not a member of the room").WithCause(err)
	case stderrors.Is(err, domain.ErrNotParticipant):
		return errors.NewForbiddenError("not a participant of the call session").WithCause(err)
	case stderrors.Is(err, domain.ErrInvalidKind),
		stderrors.Is(err, domain.ErrInvalidRoom),
		stderrors.Is(err, domain.ErrInvalidMedia):
		return errors.NewInvalidInputError(err.Error()).WithCause(err)
	case stderrors.Is(err, domain.ErrUnavailable),
		stderrors.Is(err, domain.ErrConflict),
		stderrors.Is(err, context.DeadlineExceeded):
		return errors.NewSessionUnavailableError(err)
	default:
		return errors.NewInternalError("internal server error").WithCause(err)
	}
}
