package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/pkg/circuitbreaker"
	"callmesh/pkg/config"
	"callmesh/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewStaticDirectory()
	d.AddUser(domain.UserProfile{ID: "alice", DisplayName: "Alice"})
	d.SetRoom("team", "alice", "bob")

	p, err := d.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)

	_, err = d.GetProfile(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	ok, err := d.IsMember(ctx, "team", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.IsMember(ctx, "team", "carol")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.Members(ctx, "nowhere")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	members, _ := d.Members(ctx, "team")
	members[0] = "mutated"
	again, _ := d.Members(ctx, "team")
	assert.Equal(t, domain.UserID("alice"), again[0])
}

func testHTTPConfig(base string) HTTPConfig {
	r := retry.DefaultConfig()
	r.MaxAttempts = 2
	r.InitialDelay = time.Millisecond
	r.MaxDelay = 5 * time.Millisecond
	return HTTPConfig{
		BaseURL:  base,
		APIKey:   "secret",
		CacheTTL: time.Minute,
		Breaker: circuitbreaker.Config{
			FailureThreshold:    3,
			SuccessThreshold:    1,
			Timeout:             time.Minute,
			MaxRequestsHalfOpen: 1,
		},
		Retry: r,
	}
}

func directoryServer(t *testing.T, hits *int32) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/alice", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(domain.UserProfile{ID: "alice", DisplayName: "Alice", AvatarURL: "https://a/x.png"})
	})
	mux.HandleFunc("/rooms/team/members", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{"members": []string{"alice", "bob"}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPDirectory_ProfileAndMembers(t *testing.T) {
	var hits int32
	srv := directoryServer(t, &hits)
	d := NewHTTPDirectory(testHTTPConfig(srv.URL), zap.NewNop().Sugar())
	defer d.Close()
	ctx := context.Background()

	p, err := d.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)

	ok, err := d.IsMember(ctx, "team", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	// served from cache
	_, _ = d.GetProfile(ctx, "alice")
	_, _ = d.Members(ctx, "team")
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestHTTPDirectory_NotFoundIsNotRetried(t *testing.T) {
	var hits int32
	srv := directoryServer(t, &hits)
	d := NewHTTPDirectory(testHTTPConfig(srv.URL), zap.NewNop().Sugar())
	defer d.Close()

	_, err := d.GetProfile(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	_, err = d.Members(context.Background(), "ghost-room")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.Equal(t, circuitbreaker.StateClosed, d.breaker.State())
}

func TestHTTPDirectory_ServerErrorsRetryAndTrip(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewHTTPDirectory(testHTTPConfig(srv.URL), zap.NewNop().Sugar())
	defer d.Close()

	_, err := d.Members(context.Background(), "team")
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrMaxAttempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Equal(t, circuitbreaker.StateOpen, d.breaker.State())

	_, err = d.Members(context.Background(), "team")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Directory.Users = []config.StaticUser{{ID: "alice", DisplayName: "Alice"}}
	cfg.Directory.Rooms = map[string][]string{"team": {"alice", "bob"}}

	d, err := FromConfig(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer d.Close()
	require.IsType(t, &StaticDirectory{}, d)

	p, err := d.GetProfile(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)
	members, err := d.Members(context.Background(), "team")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, members)

	cfg.Directory.Mode = "http"
	cfg.Directory.BaseURL = "http://directory.internal"
	cfg.Directory.Breaker.FailureThreshold = 2
	d, err = FromConfig(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer d.Close()
	httpDir, ok := d.(*HTTPDirectory)
	require.True(t, ok)
	assert.Equal(t, "http://directory.internal", httpDir.baseURL)

	cfg.Directory.Mode = "ldap"
	_, err = FromConfig(cfg, zap.NewNop().Sugar())
	assert.Error(t, err)
}
