package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mock := NewMock("test-model", &Response{Text: "ok"})
	mock.Err = errors.New("upstream down")
	b := NewBreaker(mock, BreakerConfig{FailureThreshold: 3, CooldownPeriod: time.Hour})

	for i := 0; i < 3; i++ {
		_, err := b.Chat(context.Background(), Request{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Chat(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	// The short-circuited call never reached the backend.
	assert.Len(t, mock.Requests, 3)
}

func TestBreakerRecoversAfterCooldown(t *testing.T) {
	mock := NewMock("test-model", &Response{Text: "ok"})
	mock.Err = errors.New("upstream down")
	b := NewBreaker(mock, BreakerConfig{FailureThreshold: 1, CooldownPeriod: 10 * time.Millisecond})

	_, err := b.Chat(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, "open", b.State())

	mock.Err = nil
	time.Sleep(20 * time.Millisecond)

	resp, err := b.Chat(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	mock := NewMock("test-model")
	mock.Err = errors.New("upstream down")
	b := NewBreaker(mock, BreakerConfig{FailureThreshold: 1, CooldownPeriod: 5 * time.Millisecond})

	_, _ = b.Chat(context.Background(), Request{})
	time.Sleep(10 * time.Millisecond)

	_, err := b.Chat(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, "open", b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	mock := NewMock("test-model", &Response{Text: "ok"})
	b := NewBreaker(mock, BreakerConfig{FailureThreshold: 2, CooldownPeriod: time.Hour})

	mock.Err = errors.New("blip")
	_, err := b.Chat(context.Background(), Request{})
	require.Error(t, err)

	mock.Err = nil
	_, err = b.Chat(context.Background(), Request{})
	require.NoError(t, err)

	mock.Err = errors.New("blip")
	_, err = b.Chat(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, "closed", b.State())
}
