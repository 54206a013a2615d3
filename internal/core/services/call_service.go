package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/retry"
	"callmesh/pkg/tracing"
	"callmesh/pkg/utils"
	"callmesh/pkg/validation"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const maxDisplayNameRunes = 64

type CallServiceConfig struct {
	// MaxParticipants caps connected participants per session; 0 disables it.
	MaxParticipants int
	ICEServers      []webrtc.ICEServer
	// Refetch bounds how often a lost creation race is resolved by
	// re-reading the live session.
	Refetch retry.Config
}

func DefaultCallServiceConfig() CallServiceConfig {
	refetch := retry.DefaultConfig()
	refetch.InitialDelay = 10 * time.Millisecond
	refetch.MaxDelay = 200 * time.Millisecond
	return CallServiceConfig{
		MaxParticipants: 16,
		Refetch:         refetch,
	}
}

type callService struct {
	repo       ports.SessionRepository
	users      ports.UserDirectory
	rooms      ports.RoomDirectory
	fanout     ports.Fanout
	reconciler *Reconciler
	metrics    ports.CallMetrics
	cfg        CallServiceConfig
	logger     *zap.SugaredLogger
	now        func() time.Time
}

func NewCallService(
	repo ports.SessionRepository,
	users ports.UserDirectory,
	rooms ports.RoomDirectory,
	fanout ports.Fanout,
	metrics ports.CallMetrics,
	cfg CallServiceConfig,
	logger *zap.SugaredLogger,
) ports.CallService {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	cfg.Refetch.RetryableErrors = []error{domain.ErrConflict}

	return &callService{
		repo:       repo,
		users:      users,
		rooms:      rooms,
		fanout:     fanout,
		reconciler: NewReconciler(fanout, metrics, logger),
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func newSessionToken() domain.SessionToken {
	return domain.SessionToken(uuid.NewString())
}

func (s *callService) RequestSession(ctx context.Context, room domain.RoomRef, kind domain.CallKind, requester domain.UserID) (*domain.Session, bool, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "request_session", "", string(requester))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RoomRefKey.String(string(room)), tracing.CallKindKey.String(string(kind)))

	if !kind.Valid() {
		return nil, false, domain.ErrInvalidKind
	}
	if err := validation.ValidateRoomRef(string(room)); err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrInvalidRoom, err)
	}
	if err := s.requireMember(ctx, room, requester); err != nil {
		return nil, false, err
	}

	live, err := s.repo.GetActiveByRoom(ctx, room)
	if err == nil {
		session, err := s.attach(ctx, live.ID, requester)
		if !errors.Is(err, domain.ErrSessionEnded) {
			return session, false, err
		}
		// ended between the lookup and the attach; start a fresh one
	} else if !errors.Is(err, domain.ErrSessionNotFound) {
		tracing.RecordError(ctx, err)
		return nil, false, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	session, created, err := s.createOrFetch(ctx, s.newCandidate(ctx, room, kind, requester))
	if err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Errorw("failed to create call session", "room_ref", room, "user_id", requester, "error", err)
		return nil, false, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	tracing.AddSpanAttributes(ctx, tracing.SessionIDKey.String(string(session.ID)), tracing.CreatedKey.Bool(created))

	if created && isSoleCaller(session, requester) {
		s.metrics.SessionCreated(kind)
		s.logger.Infow("call session created",
			"session_id", session.ID,
			"room_ref", room,
			"kind", kind,
			"caller", requester,
		)
		return s.inviteRoom(ctx, session, requester), true, nil
	}

	if !created {
		s.metrics.AdmissionRaceLost()
		s.logger.Debugw("lost call creation race", "session_id", session.ID, "user_id", requester)
	}
	session, err = s.attach(ctx, session.ID, requester)
	return session, false, err
}

func (s *callService) createOrFetch(ctx context.Context, candidate *domain.Session) (*domain.Session, bool, error) {
	type outcome struct {
		session *domain.Session
		created bool
	}

	res, err := retry.RetryWithResult(ctx, s.cfg.Refetch, func() (outcome, error) {
		session, created, err := s.repo.CreateOrGetActive(ctx, candidate)
		if !errors.Is(err, domain.ErrConflict) {
			return outcome{session, created}, err
		}

		live, err := s.repo.GetActiveByRoom(ctx, candidate.RoomRef)
		if errors.Is(err, domain.ErrSessionNotFound) {
			// the winner ended before we could read it; try again
			return outcome{}, domain.ErrConflict
		}
		return outcome{live, false}, err
	})
	if err != nil {
		return nil, false, err
	}
	return res.session, res.created, nil
}

func isSoleCaller(session *domain.Session, userID domain.UserID) bool {
	return len(session.Participants) == 1 &&
		session.Participants[0].UserID == userID &&
		session.Participants[0].Role == domain.RoleCaller
}

func (s *callService) newCandidate(ctx context.Context, room domain.RoomRef, kind domain.CallKind, caller domain.UserID) *domain.Session {
	now := s.now()
	participant := domain.Participant{
		UserID:   caller,
		Role:     domain.RoleCaller,
		Status:   domain.ParticipantConnected,
		Token:    newSessionToken(),
		JoinedAt: &now,
	}
	participant.ApplyProfile(s.profile(ctx, caller))

	session := &domain.Session{
		RoomRef:      room,
		Kind:         kind,
		Status:       domain.StatusNotified,
		Transport:    domain.NewTransportInfo(room, s.cfg.ICEServers),
		Participants: []domain.Participant{participant},
		CreatedAt:    now,
	}
	session.EnsureMedia(caller)
	session.AppendLog(domain.LogCallInitiated, caller, now)
	return session
}

// inviteRoom adds every other room member as a notified joiner and sends them
// call_invite. Failures here do not undo the creation.
func (s *callService) inviteRoom(ctx context.Context, session *domain.Session, caller domain.UserID) *domain.Session {
	members, err := s.rooms.Members(ctx, session.RoomRef)
	if err != nil {
		s.logger.Warnw("failed to list room members for invite", "room_ref", session.RoomRef, "error", err)
		return session
	}

	invitees := make([]domain.Participant, 0, len(members))
	for _, member := range without(members, caller) {
		p := domain.Participant{
			UserID: member,
			Role:   domain.RoleJoiner,
			Status: domain.ParticipantNotified,
		}
		p.ApplyProfile(s.profile(ctx, member))
		invitees = append(invitees, p)
	}
	if len(invitees) == 0 {
		return session
	}

	var notified []domain.UserID
	updated, err := s.repo.Mutate(ctx, session.ID, func(sess *domain.Session) error {
		notified = notified[:0]
		for _, p := range invitees {
			if _, ok := sess.Participant(p.UserID); ok {
				continue
			}
			sess.Participants = append(sess.Participants, p)
			notified = append(notified, p.UserID)
		}
		return nil
	})
	if err != nil {
		s.logger.Warnw("failed to add invitees", "session_id", session.ID, "error", err)
		return session
	}

	callerEntry, _ := updated.Participant(caller)
	payload := CallInvitePayload{Kind: updated.Kind, Transport: updated.Transport}
	if callerEntry != nil {
		payload.Caller = callerEntry.View()
	}
	s.emit(ctx, updated, domain.EventCallInvite, caller, without(notified, caller), payload)
	return updated
}

// attach adds the user as a notified joiner unless they already have an entry.
func (s *callService) attach(ctx context.Context, id domain.SessionID, userID domain.UserID) (*domain.Session, error) {
	profile := s.profile(ctx, userID)
	session, err := s.repo.Mutate(ctx, id, func(sess *domain.Session) error {
		if sess.Ended() {
			return domain.ErrSessionEnded
		}
		if _, ok := sess.Participant(userID); ok {
			return nil
		}
		p := domain.Participant{UserID: userID, Role: domain.RoleJoiner, Status: domain.ParticipantNotified}
		p.ApplyProfile(profile)
		sess.Participants = append(sess.Participants, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *callService) Join(ctx context.Context, sessionID domain.SessionID, userID domain.UserID) (*domain.Session, domain.SessionToken, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "join", string(sessionID), string(userID))
	defer span.End()

	current, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if current.Ended() {
		return nil, "", domain.ErrSessionEnded
	}
	if _, ok := current.Participant(userID); !ok {
		if err := s.requireMember(ctx, current.RoomRef, userID); err != nil {
			return nil, "", err
		}
	}

	profile := s.profile(ctx, userID)
	token := newSessionToken()
	now := s.now()

	var (
		duplicates int
		newlyOn    bool
	)
	session, err := s.repo.Mutate(ctx, sessionID, func(sess *domain.Session) error {
		if sess.Ended() {
			return domain.ErrSessionEnded
		}
		duplicates = sess.CollapseDuplicates(userID)

		p, ok := sess.Participant(userID)
		wasConnected := ok && p.Status == domain.ParticipantConnected
		if !wasConnected && s.cfg.MaxParticipants > 0 && sess.ConnectedCount() >= s.cfg.MaxParticipants {
			return domain.ErrSessionFull
		}
		if !ok {
			sess.Participants = append(sess.Participants, domain.Participant{UserID: userID, Role: domain.RoleJoiner})
			p = &sess.Participants[len(sess.Participants)-1]
		}

		p.ApplyProfile(profile)
		p.Status = domain.ParticipantConnected
		p.Token = token
		p.JoinedAt = &now
		p.LeftAt = nil
		sess.EnsureMedia(userID)
		sess.Activate()
		sess.AppendLog(domain.LogUserJoined, userID, now)
		newlyOn = !wasConnected
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, "", err
	}

	if duplicates > 0 {
		s.logger.Warnw("collapsed duplicate participant entries",
			"session_id", sessionID,
			"user_id", userID,
			"dropped", duplicates,
		)
	}
	if newlyOn {
		s.metrics.ParticipantJoined()
	}

	entry, _ := session.Participant(userID)
	media, _ := session.MediaFor(userID)
	payload := ParticipantPayload{Participant: entry.View()}
	if media != nil {
		m := *media
		payload.Media = &m
	}
	s.emit(ctx, session, domain.EventParticipantJoined, userID, without(session.ConnectedUserIDs(), userID), payload)

	s.logger.Infow("participant joined",
		"session_id", sessionID,
		"user_id", userID,
		"connected", session.ConnectedCount(),
		"status", session.Status,
	)
	return session, token, nil
}

func (s *callService) UpdateMedia(ctx context.Context, sessionID domain.SessionID, userID domain.UserID, patch domain.MediaUpdate) (*domain.MediaState, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "update_media", string(sessionID), string(userID))
	defer span.End()

	if patch.Empty() {
		return nil, fmt.Errorf("%w: no fields to update", domain.ErrInvalidMedia)
	}
	if patch.ConnectionQuality != nil && !patch.ConnectionQuality.Valid() {
		return nil, fmt.Errorf("%w: unknown connection quality %q", domain.ErrInvalidMedia, *patch.ConnectionQuality)
	}

	now := s.now()
	var state domain.MediaState
	session, err := s.repo.Mutate(ctx, sessionID, func(sess *domain.Session) error {
		if sess.Ended() {
			return domain.ErrSessionEnded
		}
		p, ok := sess.Participant(userID)
		if !ok || p.Status != domain.ParticipantConnected {
			return domain.ErrNotParticipant
		}
		media := sess.EnsureMedia(userID)
		for _, action := range patch.Apply(media) {
			sess.AppendLog(action, userID, now)
		}
		state = *media
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	s.emit(ctx, session, domain.EventMediaUpdated, userID, without(session.ConnectedUserIDs(), userID),
		MediaPayload{UserID: userID, Media: state})
	return &state, nil
}

func (s *callService) Leave(ctx context.Context, sessionID domain.SessionID, userID domain.UserID) (bool, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "leave", string(sessionID), string(userID))
	defer span.End()

	now := s.now()
	var (
		leaver  *domain.Participant
		removed int
		ended   bool
	)
	session, err := s.repo.Mutate(ctx, sessionID, func(sess *domain.Session) error {
		leaver, removed, ended = nil, 0, false
		if sess.Ended() {
			return nil
		}
		if p, ok := sess.Participant(userID); ok {
			entry := *p
			leaver = &entry
		}
		removed = sess.RemoveParticipant(userID)
		if removed == 0 {
			return nil
		}
		sess.AppendLog(domain.LogUserLeft, userID, now)
		ended = s.reconciler.Evaluate(sess, now)
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return false, err
	}

	// drop the channel subscription even for a no-op leave
	s.fanout.Unsubscribe(ctx, sessionID, userID)

	if removed == 0 {
		return session.Ended(), nil
	}
	if removed > 1 {
		s.logger.Warnw("removed duplicate participant entries on leave",
			"session_id", sessionID,
			"user_id", userID,
			"entries", removed,
		)
	}
	if leaver.Status == domain.ParticipantConnected {
		s.metrics.ParticipantLeft()
	}

	view := leaver.View()
	view.Status = domain.ParticipantLeft
	view.LeftAt = &now
	s.emit(ctx, session, domain.EventParticipantLeft, userID, session.ConnectedUserIDs(), ParticipantPayload{Participant: view})

	s.logger.Infow("participant left",
		"session_id", sessionID,
		"user_id", userID,
		"connected", session.ConnectedCount(),
		"ended", ended,
	)

	if ended {
		s.reconciler.Finalize(ctx, session, userID)
	}
	return ended, nil
}

func (s *callService) GetSession(ctx context.Context, sessionID domain.SessionID, requester domain.UserID) (*domain.Session, error) {
	session, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, ok := session.Participant(requester); ok {
		return session, nil
	}
	if err := s.requireMember(ctx, session.RoomRef, requester); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *callService) GetActiveSession(ctx context.Context, room domain.RoomRef, requester domain.UserID) (*domain.Session, error) {
	if err := validation.ValidateRoomRef(string(room)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRoom, err)
	}
	if err := s.requireMember(ctx, room, requester); err != nil {
		return nil, err
	}
	return s.repo.GetActiveByRoom(ctx, room)
}

func (s *callService) Subscribe(ctx context.Context, sessionID domain.SessionID, userID domain.UserID) (*domain.Session, error) {
	session, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Ended() {
		return nil, domain.ErrSessionEnded
	}
	if _, ok := session.Participant(userID); !ok {
		return nil, domain.ErrNotParticipant
	}
	return session, nil
}

func (s *callService) requireMember(ctx context.Context, room domain.RoomRef, userID domain.UserID) error {
	ok, err := s.rooms.IsMember(ctx, room, userID)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			return domain.ErrNotRoomMember
		}
		return fmt.Errorf("failed to check room membership: %w", err)
	}
	if !ok {
		return domain.ErrNotRoomMember
	}
	return nil
}

// profile never fails; a directory miss falls back to the bare user id.
func (s *callService) profile(ctx context.Context, userID domain.UserID) domain.UserProfile {
	p, err := s.users.GetProfile(ctx, userID)
	if err != nil || p == nil {
		if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
			s.logger.Warnw("user directory lookup failed", "user_id", userID, "error", err)
		}
		return domain.UserProfile{ID: userID, DisplayName: string(userID)}
	}
	profile := *p
	profile.DisplayName = utils.TruncateString(utils.SanitizeString(profile.DisplayName), maxDisplayNameRunes)
	if profile.DisplayName == "" {
		profile.DisplayName = string(userID)
	}
	return profile
}

func (s *callService) emit(ctx context.Context, session *domain.Session, t domain.EventType, from domain.UserID, recipients []domain.UserID, payload interface{}) {
	if len(recipients) == 0 {
		return
	}
	event, err := domain.NewEvent(t, session.ID, session.RoomRef, payload)
	if err != nil {
		s.logger.Errorw("failed to build event", "type", t, "session_id", session.ID, "error", err)
		return
	}
	event.FromUserID = from
	delivered := s.fanout.Deliver(ctx, session.ID, recipients, event)
	s.metrics.EventsDelivered(t, delivered)
}
