// Package presence tracks which client connections are live and delivers
// events to them.
//
// Each connection sits in the channel of its user. Connections that
// subscribed to a call session additionally sit in that session's channel.
// Deliver walks the session channel first and the user channels second,
// sending to every endpoint at most once per call.
package presence

import (
	"context"
	"sync"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"go.uber.org/zap"
)

type userChannel struct {
	mu        sync.Mutex
	endpoints map[string]ports.Endpoint
}

type sessionChannel struct {
	mu      sync.Mutex
	members map[domain.UserID]map[string]ports.Endpoint
}

type Stats struct {
	Users     int
	Endpoints int
	Sessions  int
}

// Hub is owned by one server instance. Membership changes hold the registry
// lock; delivery only holds the per-channel locks while copying targets.
type Hub struct {
	mu       sync.RWMutex
	users    map[domain.UserID]*userChannel
	sessions map[domain.SessionID]*sessionChannel
	// endpoint id -> sessions it subscribed to, for cleanup on disconnect
	subscriptions map[string]map[domain.SessionID]struct{}

	logger *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		users:         make(map[domain.UserID]*userChannel),
		sessions:      make(map[domain.SessionID]*sessionChannel),
		subscriptions: make(map[string]map[domain.SessionID]struct{}),
		logger:        logger,
	}
}

var (
	_ ports.Fanout           = (*Hub)(nil)
	_ ports.PresenceRegistry = (*Hub)(nil)
)

func (h *Hub) Register(endpoint ports.Endpoint) {
	h.mu.Lock()
	ch, ok := h.users[endpoint.UserID()]
	if !ok {
		ch = &userChannel{endpoints: make(map[string]ports.Endpoint)}
		h.users[endpoint.UserID()] = ch
	}

	ch.mu.Lock()
	ch.endpoints[endpoint.ID()] = endpoint
	ch.mu.Unlock()
	h.mu.Unlock()
}

// Unregister removes the endpoint from its user channel and from every
// session channel it subscribed to.
func (h *Hub) Unregister(endpoint ports.Endpoint) {
	h.mu.Lock()
	subs := h.subscriptions[endpoint.ID()]
	delete(h.subscriptions, endpoint.ID())

	if ch, ok := h.users[endpoint.UserID()]; ok {
		ch.mu.Lock()
		delete(ch.endpoints, endpoint.ID())
		if len(ch.endpoints) == 0 {
			delete(h.users, endpoint.UserID())
		}
		ch.mu.Unlock()
	}

	for sessionID := range subs {
		if sc, ok := h.sessions[sessionID]; ok {
			h.removeFromSession(sessionID, sc, endpoint.UserID(), endpoint.ID())
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Subscribe(sessionID domain.SessionID, endpoint ports.Endpoint) {
	h.mu.Lock()
	sc, ok := h.sessions[sessionID]
	if !ok {
		sc = &sessionChannel{members: make(map[domain.UserID]map[string]ports.Endpoint)}
		h.sessions[sessionID] = sc
	}
	subs, ok := h.subscriptions[endpoint.ID()]
	if !ok {
		subs = make(map[domain.SessionID]struct{})
		h.subscriptions[endpoint.ID()] = subs
	}
	subs[sessionID] = struct{}{}

	sc.mu.Lock()
	eps, ok := sc.members[endpoint.UserID()]
	if !ok {
		eps = make(map[string]ports.Endpoint)
		sc.members[endpoint.UserID()] = eps
	}
	eps[endpoint.ID()] = endpoint
	sc.mu.Unlock()
	h.mu.Unlock()
}

func (h *Hub) UnsubscribeEndpoint(sessionID domain.SessionID, endpoint ports.Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subscriptions[endpoint.ID()]; ok {
		delete(subs, sessionID)
	}
	if sc, ok := h.sessions[sessionID]; ok {
		h.removeFromSession(sessionID, sc, endpoint.UserID(), endpoint.ID())
	}
}

// Unsubscribe removes every endpoint of the user from the session channel.
func (h *Hub) Unsubscribe(ctx context.Context, sessionID domain.SessionID, userID domain.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sc, ok := h.sessions[sessionID]
	if !ok {
		return
	}

	sc.mu.Lock()
	eps := sc.members[userID]
	delete(sc.members, userID)
	empty := len(sc.members) == 0
	sc.mu.Unlock()

	for id := range eps {
		if subs, ok := h.subscriptions[id]; ok {
			delete(subs, sessionID)
		}
	}
	if empty {
		delete(h.sessions, sessionID)
	}
}

// CloseSession tears down the session channel.
func (h *Hub) CloseSession(ctx context.Context, sessionID domain.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sc, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	delete(h.sessions, sessionID)

	sc.mu.Lock()
	for _, eps := range sc.members {
		for id := range eps {
			if subs, ok := h.subscriptions[id]; ok {
				delete(subs, sessionID)
			}
		}
	}
	sc.mu.Unlock()
}

// caller holds h.mu
func (h *Hub) removeFromSession(sessionID domain.SessionID, sc *sessionChannel, userID domain.UserID, endpointID string) {
	sc.mu.Lock()
	if eps, ok := sc.members[userID]; ok {
		delete(eps, endpointID)
		if len(eps) == 0 {
			delete(sc.members, userID)
		}
	}
	empty := len(sc.members) == 0
	sc.mu.Unlock()

	if empty {
		delete(h.sessions, sessionID)
	}
}

// Deliver sends event to the connected endpoints of recipients and returns
// how many endpoints accepted it. Session subscribers outside recipients are
// never written to.
func (h *Hub) Deliver(ctx context.Context, sessionID domain.SessionID, recipients []domain.UserID, event *domain.Event) int {
	if len(recipients) == 0 {
		return 0
	}

	h.mu.RLock()
	sc := h.sessions[sessionID]
	userChannels := make([]*userChannel, 0, len(recipients))
	for _, id := range recipients {
		if ch, ok := h.users[id]; ok {
			userChannels = append(userChannels, ch)
		}
	}
	h.mu.RUnlock()

	seen := make(map[string]struct{})
	delivered := 0
	send := func(ep ports.Endpoint) {
		if _, dup := seen[ep.ID()]; dup {
			return
		}
		seen[ep.ID()] = struct{}{}
		if ep.Send(event) {
			delivered++
			return
		}
		h.logger.Warnw("dropped event for slow endpoint",
			"endpoint_id", ep.ID(),
			"user_id", ep.UserID(),
			"type", event.Type,
			"session_id", sessionID,
		)
	}

	if sc != nil {
		sc.mu.Lock()
		targets := make([]ports.Endpoint, 0, len(recipients))
		for _, id := range recipients {
			for _, ep := range sc.members[id] {
				targets = append(targets, ep)
			}
		}
		sc.mu.Unlock()
		for _, ep := range targets {
			send(ep)
		}
	}

	for _, ch := range userChannels {
		ch.mu.Lock()
		targets := make([]ports.Endpoint, 0, len(ch.endpoints))
		for _, ep := range ch.endpoints {
			targets = append(targets, ep)
		}
		ch.mu.Unlock()
		for _, ep := range targets {
			send(ep)
		}
	}

	return delivered
}

// SessionSubscribers returns the users currently subscribed to a session.
func (h *Hub) SessionSubscribers(sessionID domain.SessionID) []domain.UserID {
	h.mu.RLock()
	sc, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	ids := make([]domain.UserID, 0, len(sc.members))
	for id := range sc.members {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{Users: len(h.users), Sessions: len(h.sessions)}
	for _, ch := range h.users {
		ch.mu.Lock()
		stats.Endpoints += len(ch.endpoints)
		ch.mu.Unlock()
	}
	return stats
}
