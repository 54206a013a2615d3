package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTest = errors.New("test error")

func testConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             time.Second,
		MaxRequestsHalfOpen: 2,
	}
}

func fail() error { return errTest }
func succeed() error { return nil }

func TestCircuitBreaker_ClosedPassesErrorsThrough(t *testing.T) {
	cb := New(testConfig())
	ctx := context.Background()

	err := cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, errTest)
	assert.Equal(t, StateClosed, cb.State())

	// a success clears the consecutive failure count
	require.NoError(t, cb.Execute(ctx, succeed))
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New(testConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := New(testConfig())
	now := time.Now()
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Second)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(testConfig())
	now := time.Now()
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	now = now.Add(2 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errTest)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	notFound := errors.New("not found")
	cfg := testConfig()
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, notFound) }
	cb := New(cfg)

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), func() error { return notFound }), notFound)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_TypedExecute(t *testing.T) {
	cb := New(DefaultConfig())

	v, err := Execute(context.Background(), cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, cb.Execute(ctx, succeed), context.Canceled)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cb := New(testConfig())

	var (
		mu          sync.Mutex
		transitions []State
	)
	cb.OnStateChange(func(_, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 1 && transitions[0] == StateOpen
	}, time.Second, 5*time.Millisecond)

}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	cb := New(DefaultConfig())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(context.Background(), succeed)
			} else {
				_ = cb.Execute(context.Background(), fail)
			}
		}(i)
	}
	wg.Wait()
	assert.Contains(t, []State{StateClosed, StateOpen}, cb.State())
}
