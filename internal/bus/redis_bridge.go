// Redis bridge for multi-process deployments. The local Bus only delivers
// within one process; the bridge mirrors selected channels to Redis Pub/Sub
// so an external dashboard gateway can consume the same stream.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Bridge mirrors local bus channels to Redis Pub/Sub.
type Bridge struct {
	rdb    *redis.Client
	prefix string
	cancel context.CancelFunc
}

// NewBridge connects a bus to Redis. channelPrefix defaults to
// "grid:events:". Mirroring starts immediately for the listed channels and
// stops when Close is called.
func NewBridge(rdb *redis.Client, b *Bus, channelPrefix string, channels ...string) *Bridge {
	if channelPrefix == "" {
		channelPrefix = "grid:events:"
	}
	ctx, cancel := context.WithCancel(context.Background())
	br := &Bridge{rdb: rdb, prefix: channelPrefix, cancel: cancel}

	for _, ch := range channels {
		recv, unsub := b.Subscribe(ch)
		go br.forward(ctx, ch, recv, unsub)
	}
	return br
}

func (br *Bridge) forward(ctx context.Context, channel string, recv <-chan Message, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-recv:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				slog.Warn("[Bridge] marshal failed", "channel", channel, "error", err)
				continue
			}
			if err := br.rdb.Publish(ctx, br.prefix+channel, data).Err(); err != nil {
				slog.Warn("[Bridge] redis publish failed", "channel", channel, "error", err)
			}
		}
	}
}

// Close stops all mirroring goroutines.
func (br *Bridge) Close() {
	br.cancel()
}
