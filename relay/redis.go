package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chatgate/chat"
	"github.com/onnwee/chatgate/telemetry"
)

const (
	// DefaultPrefix namespaces the pub/sub channels.
	DefaultPrefix = "chatgate"
	pingTimeout   = 3 * time.Second
)

// RedisPublisher publishes chat events to Redis pub/sub channels named
// "<prefix>:<channel>:messages" and "<prefix>:<channel>:redemptions".
type RedisPublisher struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

// NewRedisPublisher connects to the redis:// URL and pings it.
func NewRedisPublisher(ctx context.Context, url, prefix string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix, log: slog.Default().With(slog.String("component", "relay"))}, nil
}

// Topic returns the pub/sub channel for events of typ in channel.
func (p *RedisPublisher) Topic(channel, typ string) string {
	return p.prefix + ":" + channel + ":" + typ + "s"
}

// PublishMessage relays a chat message.
func (p *RedisPublisher) PublishMessage(ctx context.Context, m chat.ChatMessage) error {
	return p.publish(ctx, MessageEvent(m))
}

// PublishRedemption relays a reward redemption.
func (p *RedisPublisher) PublishRedemption(ctx context.Context, r chat.Redemption) error {
	return p.publish(ctx, RedemptionEvent(r))
}

func (p *RedisPublisher) publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	topic := p.Topic(ev.Channel, ev.Type)
	if err := p.client.Publish(ctx, topic, b).Err(); err != nil {
		telemetry.Inc(telemetry.EventsDropped, "redis")
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.log.Debug("event relayed", slog.String("topic", topic), slog.String("id", ev.ID))
	return nil
}

// Close releases the connection pool.
func (p *RedisPublisher) Close() error { return p.client.Close() }
