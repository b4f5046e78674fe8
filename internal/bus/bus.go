// Package bus is the in-process event spine of the control plane.
// Components publish JSON-shaped messages on named channels; subscribers
// receive them on bounded queues. A slow subscriber never blocks a
// publisher: messages are dropped and counted instead.
package bus

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

var busLog = log.New(log.Writer(), "[BUS] ", log.LstdFlags)

// Channel names carried by the bus.
const (
	ChannelGridState     = "grid_state"
	ChannelAgentLog      = "agent_log"
	ChannelGuardianEvent = "guardian_event"
)

// DefaultQueueSize is the per-subscriber buffer depth.
const DefaultQueueSize = 100

// Message is one event on a channel. Timestamp is attached by Publish when
// the payload does not already carry one.
type Message struct {
	Channel   string         `json:"channel"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

type subscriber struct {
	id int
	ch chan Message
}

// Bus fans messages out per channel.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]subscriber
	nextID    int
	queueSize int
	dropped   atomic.Int64
	closed    bool
}

// New creates a bus with the given per-subscriber queue size (default 100
// when <= 0).
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{subs: make(map[string][]subscriber), queueSize: queueSize}
}

// Subscribe returns a receive channel for one bus channel plus an
// unsubscribe function. The receive channel is closed on unsubscribe and
// on bus Close.
func (b *Bus) Subscribe(channel string) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscriber{id: b.nextID, ch: make(chan Message, b.queueSize)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[channel] = append(b.subs[channel], sub)

	id := sub.id
	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[channel]
		for i, s := range list {
			if s.id == id {
				b.subs[channel] = append(list[:i], list[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
}

// Publish delivers payload to every subscriber of channel. The caller's
// map is never touched: the timestamp goes onto a copy. Full queues drop
// the message, bump the drop counter and log a warning.
func (b *Bus) Publish(channel string, payload map[string]any) {
	now := time.Now().UTC()
	copied := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		copied[k] = v
	}
	if _, ok := copied["timestamp"]; !ok {
		copied["timestamp"] = now.Format(time.RFC3339)
	}
	msg := Message{Channel: channel, Payload: copied, Timestamp: now}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs[channel] {
		select {
		case s.ch <- msg:
		default:
			b.dropped.Add(1)
			busLog.Printf("%s: subscriber queue full, dropping message", channel)
		}
	}
}

// Dropped reports how many messages were discarded on full queues.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, list := range b.subs {
		for _, s := range list {
			close(s.ch)
		}
	}
	b.subs = nil
}
