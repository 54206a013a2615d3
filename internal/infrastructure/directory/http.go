package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/cache"
	"callmesh/pkg/circuitbreaker"
	"callmesh/pkg/retry"

	"go.uber.org/zap"
)

type HTTPConfig struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
	Breaker  circuitbreaker.Config
	Retry    retry.Config
}

var errNotFound = errors.New("not found")

// HTTPDirectory talks to the external user and room services:
//
//	GET {base}/users/{id}          -> {"userId", "displayName", "avatarUrl"}
//	GET {base}/rooms/{ref}/members -> {"members": ["u1", "u2"]}
type HTTPDirectory struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config

	profiles *cache.Cache[domain.UserProfile]
	members  *cache.Cache[[]domain.UserID]

	logger *zap.SugaredLogger
}

var (
	_ ports.UserDirectory = (*HTTPDirectory)(nil)
	_ ports.RoomDirectory = (*HTTPDirectory)(nil)
)

func NewHTTPDirectory(cfg HTTPConfig, logger *zap.SugaredLogger) *HTTPDirectory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	cfg.Breaker.IsFailure = func(err error) bool { return !errors.Is(err, errNotFound) }
	cfg.Retry.NonRetryableErrors = append(cfg.Retry.NonRetryableErrors, errNotFound, circuitbreaker.ErrOpen)

	breaker := circuitbreaker.New(cfg.Breaker)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("directory circuit breaker state changed", "from", from, "to", to)
	})

	return &HTTPDirectory{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker:  breaker,
		retry:    cfg.Retry,
		profiles: cache.New[domain.UserProfile](cfg.CacheTTL),
		members:  cache.New[[]domain.UserID](cfg.CacheTTL),
		logger:   logger,
	}
}

func (d *HTTPDirectory) GetProfile(ctx context.Context, userID domain.UserID) (*domain.UserProfile, error) {
	p, err := d.profiles.GetOrLoad(ctx, string(userID), func(ctx context.Context) (domain.UserProfile, error) {
		var profile domain.UserProfile
		if err := d.get(ctx, "/users/"+url.PathEscape(string(userID)), &profile); err != nil {
			return domain.UserProfile{}, err
		}
		if profile.ID == "" {
			profile.ID = userID
		}
		return profile, nil
	})
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (d *HTTPDirectory) Members(ctx context.Context, room domain.RoomRef) ([]domain.UserID, error) {
	members, err := d.members.GetOrLoad(ctx, string(room), func(ctx context.Context) ([]domain.UserID, error) {
		var body struct {
			Members []domain.UserID `json:"members"`
		}
		if err := d.get(ctx, "/rooms/"+url.PathEscape(string(room))+"/members", &body); err != nil {
			return nil, err
		}
		return body.Members, nil
	})
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, err
	}
	return append([]domain.UserID(nil), members...), nil
}

func (d *HTTPDirectory) IsMember(ctx context.Context, room domain.RoomRef, userID domain.UserID) (bool, error) {
	members, err := d.Members(ctx, room)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (d *HTTPDirectory) Close() {
	d.profiles.Stop()
	d.members.Stop()
}

func (d *HTTPDirectory) get(ctx context.Context, path string, out interface{}) error {
	return retry.Retry(ctx, d.retry, func() error {
		return d.breaker.Execute(ctx, func() error {
			return d.do(ctx, path, out)
		})
	})
}

func (d *HTTPDirectory) do(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("directory returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode directory response: %w", err)
	}
	return nil
}
