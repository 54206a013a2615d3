package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "callmesh:fanout"

type EnvelopeKind string

const (
	KindDeliver     EnvelopeKind = "deliver"
	KindUnsubscribe EnvelopeKind = "unsubscribe"
	KindClose       EnvelopeKind = "close"
)

// Envelope is what instances exchange on the fan-out channel.
type Envelope struct {
	Kind       EnvelopeKind     `json:"kind"`
	InstanceID string           `json:"instance_id"`
	Timestamp  time.Time        `json:"timestamp"`
	SessionID  domain.SessionID `json:"session_id"`
	UserID     domain.UserID    `json:"user_id,omitempty"`
	Recipients []domain.UserID  `json:"recipients,omitempty"`
	Event      *domain.Event    `json:"event,omitempty"`

	// Trace carries the publisher's span context.
	Trace map[string]string `json:"trace,omitempty"`
}

// EventBus fans call events out to connections held by other server
// instances. Every operation is applied to the local fan-out first and then
// published; envelopes from other instances are applied to the local fan-out
// by Run.
type EventBus struct {
	client     *redis.Client
	local      ports.Fanout
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	ready  chan struct{}
}

var _ ports.Fanout = (*EventBus)(nil)

func NewEventBus(client *redis.Client, local ports.Fanout, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		local:      local,
		instanceID: instanceID,
		channel:    DefaultChannel,
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

func (eb *EventBus) InstanceID() string { return eb.instanceID }

// Ready is closed once Run has an active subscription.
func (eb *EventBus) Ready() <-chan struct{} { return eb.ready }

// Deliver returns the number of local endpoints reached. Remote deliveries
// are not counted.
func (eb *EventBus) Deliver(ctx context.Context, sessionID domain.SessionID, recipients []domain.UserID, event *domain.Event) int {
	n := eb.local.Deliver(ctx, sessionID, recipients, event)
	eb.publish(ctx, &Envelope{
		Kind:       KindDeliver,
		SessionID:  sessionID,
		Recipients: recipients,
		Event:      event,
	})
	return n
}

func (eb *EventBus) Unsubscribe(ctx context.Context, sessionID domain.SessionID, userID domain.UserID) {
	eb.local.Unsubscribe(ctx, sessionID, userID)
	eb.publish(ctx, &Envelope{Kind: KindUnsubscribe, SessionID: sessionID, UserID: userID})
}

func (eb *EventBus) CloseSession(ctx context.Context, sessionID domain.SessionID) {
	eb.local.CloseSession(ctx, sessionID)
	eb.publish(ctx, &Envelope{Kind: KindClose, SessionID: sessionID})
}

func (eb *EventBus) publish(ctx context.Context, env *Envelope) {
	if err := eb.Publish(ctx, env); err != nil {
		eb.logger.Warnw("failed to publish fan-out envelope",
			"kind", env.Kind,
			"session_id", env.SessionID,
			"error", err,
		)
	}
}

func (eb *EventBus) Publish(ctx context.Context, env *Envelope) error {
	env.InstanceID = eb.instanceID
	env.Timestamp = time.Now().UTC()
	env.Trace = tracing.Inject(ctx)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Run consumes envelopes published by other instances until ctx is done.
func (eb *EventBus) Run(ctx context.Context) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return errors.New("event bus already running")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	close(eb.ready)
	eb.logger.Infow("fan-out bus subscribed", "channel", eb.channel, "instance_id", eb.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				eb.logger.Warnw("failed to unmarshal envelope", "error", err)
				continue
			}
			if env.InstanceID == eb.instanceID {
				continue
			}
			eb.apply(ctx, &env)
		}
	}
}

func (eb *EventBus) apply(ctx context.Context, env *Envelope) {
	ctx, span := tracing.TraceRemoteFanout(tracing.Extract(ctx, env.Trace), string(env.Kind), string(env.SessionID), env.InstanceID)
	defer span.End()

	switch env.Kind {
	case KindDeliver:
		if env.Event == nil {
			return
		}
		eb.local.Deliver(ctx, env.SessionID, env.Recipients, env.Event)
	case KindUnsubscribe:
		eb.local.Unsubscribe(ctx, env.SessionID, env.UserID)
	case KindClose:
		eb.local.CloseSession(ctx, env.SessionID)
	default:
		eb.logger.Warnw("unknown envelope kind", "kind", env.Kind, "from", env.InstanceID)
	}
}

func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
