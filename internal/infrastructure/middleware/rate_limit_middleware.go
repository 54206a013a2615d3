package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"callmesh/pkg/config"
	apperrors "callmesh/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore keeps one token bucket per client key.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burstSize int
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*limiterEntry),
		rate:      r,
		burstSize: burst,
		now:       time.Now,
	}
}

func (s *rateLimiterStore) allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) > limiterIdleTTL {
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	e, ok := s.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (s *rateLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// clientIP prefers the first X-Forwarded-For hop and falls back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware applies per-IP rate limiting plus an optional
// global cap on in-flight requests.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				abortWithError(c, apperrors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		if !store.allow(clientIP(c.Request)) {
			c.Header("Retry-After", "1")
			abortWithError(c, apperrors.NewRateLimitError())
			return
		}
		c.Next()
	}
}

// ConnectionGate caps concurrent websocket connections. A nil gate admits
// everything.
type ConnectionGate struct {
	sem chan struct{}
}

func NewConnectionGate(cfg *config.Config) *ConnectionGate {
	if !cfg.RateLimiting.Enabled || cfg.RateLimiting.WebSocket.MaxConcurrent <= 0 {
		return nil
	}
	return &ConnectionGate{sem: make(chan struct{}, cfg.RateLimiting.WebSocket.MaxConcurrent)}
}

// Acquire reserves a slot. The returned release func must be called once
// the connection closes.
func (g *ConnectionGate) Acquire() (release func(), ok bool) {
	if g == nil {
		return func() {}, true
	}
	select {
	case g.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-g.sem }) }, true
	default:
		return nil, false
	}
}

// NewMessageLimiter returns the per-connection inbound message limiter, or
// nil when rate limiting is disabled.
func NewMessageLimiter(cfg *config.Config) *rate.Limiter {
	if !cfg.RateLimiting.Enabled {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimiting.WebSocket.MessagesPerSecond), cfg.RateLimiting.WebSocket.Burst)
}
