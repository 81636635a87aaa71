package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultRedisTTL bounds how long a topic's last value survives without updates
const DefaultRedisTTL = 24 * time.Hour

// Redis is a Channel shared by every API instance. The last value of a topic
// is kept under the topic key and each publish is fanned out with PUBLISH on
// a pub/sub channel of the same name.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing client
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, ttl: DefaultRedisTTL}
}

// NewRedisFromURL connects using a redis:// URL and verifies the connection
func NewRedisFromURL(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client), nil
}

// Close releases the underlying client
func (r *Redis) Close() error {
	return r.client.Close()
}

// Publish stores u as the topic's last value and broadcasts it
func (r *Redis) Publish(ctx context.Context, key Key, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}

	topic := key.String()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, topic, payload, r.ttl)
		pipe.Publish(ctx, topic, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe follows a topic, starting with its stored value if any
func (r *Redis) Subscribe(ctx context.Context, key Key) (*Subscription, error) {
	topic := key.String()

	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := newSubscription(key, func() { ps.Close() })

	raw, err := r.client.Get(ctx, topic).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		sub.Close()
		return nil, fmt.Errorf("read last value of %s: %w", topic, err)
	default:
		if u, ok := decodeUpdate(topic, raw); ok {
			sub.deliver(u)
		}
	}

	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			if u, ok := decodeUpdate(topic, []byte(msg.Payload)); ok {
				sub.deliver(u)
			}
		}
	}()

	return sub, nil
}

func decodeUpdate(topic string, raw []byte) (Update, bool) {
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		logrus.WithError(err).WithField("topic", topic).Warn("⚠️ Dropping malformed channel payload")
		return Update{}, false
	}
	return u, true
}
