package monitoring

import (
	"context"
	"fmt"
	"time"

	"callmesh/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddStoreCheck pings the session store backing admission and mutations.
func (h *HealthChecker) AddStoreCheck(repo ports.SessionRepository, timeout time.Duration) {
	h.AddCheck("session_store", repo.Ping, timeout)
}

// AddEventBusCheck fails until the cross-instance subscription is live.
func (h *HealthChecker) AddEventBusCheck(ready <-chan struct{}) {
	h.AddCheck("event_bus", func(ctx context.Context) error {
		select {
		case <-ready:
			return nil
		default:
			return fmt.Errorf("event bus not subscribed")
		}
	}, time.Second)
}
