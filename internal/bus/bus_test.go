package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(10)
	defer b.Close()

	ch, unsub := b.Subscribe(ChannelAgentLog)
	defer unsub()

	b.Publish(ChannelAgentLog, map[string]any{"message": "hello"})

	select {
	case msg := <-ch:
		assert.Equal(t, ChannelAgentLog, msg.Channel)
		assert.Equal(t, "hello", msg.Payload["message"])
		assert.False(t, msg.Timestamp.IsZero())
		assert.NotEmpty(t, msg.Payload["timestamp"])
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	b := New(10)
	defer b.Close()

	gridCh, unsub := b.Subscribe(ChannelGridState)
	defer unsub()

	b.Publish(ChannelAgentLog, map[string]any{"message": "wrong channel"})

	select {
	case <-gridCh:
		t.Fatal("grid_state subscriber must not see agent_log traffic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(2)
	defer b.Close()

	_, unsub := b.Subscribe(ChannelGridState)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(ChannelGridState, map[string]any{"seq": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}
	assert.Equal(t, int64(3), b.Dropped())
}

func TestPublishLeavesCallerPayloadUntouched(t *testing.T) {
	b := New(10)
	defer b.Close()

	ch, unsub := b.Subscribe(ChannelGridState)
	defer unsub()

	payload := map[string]any{"frequency_hz": 60.0}
	b.Publish(ChannelGridState, payload)

	msg := <-ch
	assert.NotEmpty(t, msg.Payload["timestamp"])
	assert.NotContains(t, payload, "timestamp", "Publish must not mutate the caller's map")
	assert.Len(t, payload, 1)
}

func TestExistingTimestampPreserved(t *testing.T) {
	b := New(10)
	defer b.Close()

	ch, unsub := b.Subscribe(ChannelGuardianEvent)
	defer unsub()

	b.Publish(ChannelGuardianEvent, map[string]any{"timestamp": "fixed"})

	msg := <-ch
	assert.Equal(t, "fixed", msg.Payload["timestamp"])
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(10)
	defer b.Close()

	ch, unsub := b.Subscribe(ChannelAgentLog)
	unsub()

	_, ok := <-ch
	require.False(t, ok)

	// Publishing after unsubscribe must not panic or deliver.
	b.Publish(ChannelAgentLog, map[string]any{"message": "late"})
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := New(10)
	ch1, _ := b.Subscribe(ChannelAgentLog)
	ch2, _ := b.Subscribe(ChannelGridState)
	b.Close()

	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)

	b.Publish(ChannelAgentLog, map[string]any{"message": "after close"})
}
