package realtime

import (
	"context"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"lingochat/pkg/domain"
)

const defaultChannelPrefix = "chat:user:"

// Bridge fans events out across processes via redis pub/sub. Each instance
// publishes to a per-user channel and forwards received payloads to its
// local hub, so a user connected to any instance sees the event exactly as
// an in-process delivery. Delivery stays best-effort and at-most-once.
type Bridge struct {
	client *redis.Client
	hub    *Hub
	prefix string
}

// NewBridge connects the hub to redis.
func NewBridge(addr, password string, hub *Hub) *Bridge {
	return &Bridge{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		hub:    hub,
		prefix: defaultChannelPrefix,
	}
}

// NotifyUser publishes the event to the user's channel. The local hub
// receives it through the subscription like every other instance.
func (b *Bridge) NotifyUser(userID string, event domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := b.client.Publish(ctx, b.prefix+userID, event.Encode()).Err(); err != nil {
		slog.Warn("bridge publish failed", "user_id", userID, "err", err)
		// Fall back to local delivery so a redis hiccup does not blind
		// clients attached to this instance.
		b.hub.NotifyUser(userID, event)
	}
}

// Run subscribes to all user channels and forwards payloads to the local
// hub until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			userID := strings.TrimPrefix(msg.Channel, b.prefix)
			b.hub.Deliver(userID, []byte(msg.Payload))
		}
	}
}

// Close releases the redis client.
func (b *Bridge) Close() error {
	return b.client.Close()
}
