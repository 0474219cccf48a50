package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonfabric/node/internal/kinderr"
)

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreakers(nil)
	assert.Equal(t, StateClosed, b.State("op"))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreakers(nil)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := b.ExecuteWithCircuitBreaker(context.Background(), "op", 3, time.Millisecond, func(ctx context.Context) (interface{}, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, StateOpen, b.State("op"))
}

func TestBreakerFailsFastWhenOpen(t *testing.T) {
	b := NewBreakers(nil)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		_, _ = b.ExecuteWithCircuitBreaker(context.Background(), "op", 2, time.Minute, func(ctx context.Context) (interface{}, error) {
			return nil, boom
		})
	}
	require.Equal(t, StateOpen, b.State("op"))

	_, err := b.ExecuteWithCircuitBreaker(context.Background(), "op", 2, time.Minute, func(ctx context.Context) (interface{}, error) {
		return "should not run", nil
	})
	require.Error(t, err)
	assert.True(t, kinderr.Is(err, kinderr.Capacity))
}

func TestBreakerHalfOpensAfterTimeoutAndRecoversOnSuccess(t *testing.T) {
	b := NewBreakers(nil)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		_, _ = b.ExecuteWithCircuitBreaker(context.Background(), "op", 2, 20*time.Millisecond, func(ctx context.Context) (interface{}, error) {
			return nil, boom
		})
	}
	require.Equal(t, StateOpen, b.State("op"))

	time.Sleep(30 * time.Millisecond)

	_, err := b.ExecuteWithCircuitBreaker(context.Background(), "op", 2, 20*time.Millisecond, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State("op"))
}

func TestBreakerOnChangeCallbackFires(t *testing.T) {
	var transitions []BreakerState
	b := NewBreakers(func(id string, from, to BreakerState) {
		transitions = append(transitions, to)
	})
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		_, _ = b.ExecuteWithCircuitBreaker(context.Background(), "op", 2, time.Minute, func(ctx context.Context) (interface{}, error) {
			return nil, boom
		})
	}

	require.NotEmpty(t, transitions)
	assert.Equal(t, StateOpen, transitions[len(transitions)-1])
}

func TestBreakerCountsTrackSuccessesAndFailures(t *testing.T) {
	b := NewBreakers(nil)

	_, _ = b.ExecuteWithCircuitBreaker(context.Background(), "op", 5, time.Minute, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	_, _ = b.ExecuteWithCircuitBreaker(context.Background(), "op", 5, time.Minute, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	})

	counts := b.Counts("op")
	assert.Equal(t, uint32(2), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalFailures)
}

func TestBreakerCountsForUnusedIDIsZero(t *testing.T) {
	b := NewBreakers(nil)
	assert.Equal(t, uint32(0), b.Counts("never-used").Requests)
}
