package services

import (
	"context"
	"errors"
	"fmt"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/tracing"

	"go.uber.org/zap"
)

const (
	dropUnknownSession = "unknown_session"
	dropSessionEnded   = "session_ended"
	dropUnknownSender  = "unknown_sender"
	dropStaleToken     = "stale_token"
	dropBadTarget      = "target_not_connected"
	dropInvalidType    = "invalid_type"
)

type relayService struct {
	repo    ports.SessionRepository
	fanout  ports.Fanout
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger
}

// NewSignalingRelay forwards offers, answers and candidates between the
// connected participants of a session. Anything that fails validation is
// dropped without telling the sender.
func NewSignalingRelay(repo ports.SessionRepository, fanout ports.Fanout, metrics ports.CallMetrics, logger *zap.SugaredLogger) ports.SignalingRelay {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &relayService{repo: repo, fanout: fanout, metrics: metrics, logger: logger}
}

func (r *relayService) Relay(ctx context.Context, signal *domain.Signal) (int, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "relay_"+string(signal.Type), string(signal.SessionID), string(signal.FromUserID))
	defer span.End()

	if !signal.Type.IsSignal() {
		r.drop(signal, dropInvalidType)
		return 0, nil
	}

	session, err := r.repo.GetByID(ctx, signal.SessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			r.drop(signal, dropUnknownSession)
			return 0, nil
		}
		tracing.RecordError(ctx, err)
		return 0, fmt.Errorf("failed to load session for relay: %w", err)
	}
	if session.Ended() {
		r.drop(signal, dropSessionEnded)
		return 0, nil
	}

	sender, ok := session.Participant(signal.FromUserID)
	if !ok || sender.Status != domain.ParticipantConnected {
		r.drop(signal, dropUnknownSender)
		return 0, nil
	}
	if sender.Token == "" || sender.Token != signal.SessionToken {
		r.drop(signal, dropStaleToken)
		return 0, nil
	}

	targets := without(session.ConnectedUserIDs(), signal.FromUserID)
	if signal.ToUserID != "" {
		target, ok := session.Participant(signal.ToUserID)
		if !ok || target.Status != domain.ParticipantConnected || signal.ToUserID == signal.FromUserID {
			r.drop(signal, dropBadTarget)
			return 0, nil
		}
		targets = []domain.UserID{signal.ToUserID}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	event, err := domain.NewEvent(signal.Type, session.ID, session.RoomRef, nil)
	if err != nil {
		return 0, err
	}
	event.Payload = signal.Payload
	event.FromUserID = signal.FromUserID
	event.SessionToken = sender.Token

	delivered := r.fanout.Deliver(ctx, session.ID, targets, event)
	r.metrics.SignalRelayed(signal.Type, delivered)
	tracing.AddSpanAttributes(ctx, tracing.RecipientsKey.Int(delivered))
	return delivered, nil
}

func (r *relayService) drop(signal *domain.Signal, reason string) {
	r.metrics.SignalDropped(reason)
	r.logger.Debugw("signal dropped",
		"reason", reason,
		"type", signal.Type,
		"session_id", signal.SessionID,
		"from", signal.FromUserID,
	)
}
