package services

import (
	"context"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/utils"

	"go.uber.org/zap"
)

// Reconciler owns the active -> ended transition. Evaluate runs inside the
// store mutation that removed a participant, so only one caller can ever see
// it return true for a given session. Finalize runs afterwards, outside the
// mutation, and announces the end.
type Reconciler struct {
	fanout  ports.Fanout
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger
}

func NewReconciler(fanout ports.Fanout, metrics ports.CallMetrics, logger *zap.SugaredLogger) *Reconciler {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Reconciler{fanout: fanout, metrics: metrics, logger: logger}
}

// Evaluate ends the session when no participant is connected any more.
func (r *Reconciler) Evaluate(session *domain.Session, at time.Time) bool {
	if session.Ended() || session.ConnectedCount() > 0 {
		return false
	}
	return session.End(at)
}

// Finalize delivers session_ended to the last known roster plus the users
// that departed in the ending mutation, then drops the session channel.
func (r *Reconciler) Finalize(ctx context.Context, session *domain.Session, departed ...domain.UserID) {
	recipients := append(session.RosterUserIDs(), departed...)

	endedAt := time.Now().UTC()
	if session.EndedAt != nil {
		endedAt = *session.EndedAt
	}
	event, err := domain.NewEvent(domain.EventSessionEnded, session.ID, session.RoomRef, SessionEndedPayload{
		EndedAt:         endedAt,
		DurationSeconds: session.DurationSeconds,
	})
	if err != nil {
		r.logger.Errorw("failed to build session_ended event", "session_id", session.ID, "error", err)
	} else {
		delivered := r.fanout.Deliver(ctx, session.ID, recipients, event)
		r.metrics.EventsDelivered(domain.EventSessionEnded, delivered)
	}

	r.fanout.CloseSession(ctx, session.ID)
	r.metrics.SessionEnded(session.Kind, session.Duration())

	r.logger.Infow("call session ended",
		"session_id", session.ID,
		"room_ref", session.RoomRef,
		"duration", utils.FormatDuration(session.Duration()),
		"notified", len(recipients),
	)
}
