// Package queue is the dispatch transport between the API and the shout
// workers, carried over Redis Streams: publish(topic, payload, attributes)
// on one side, a consumer group with explicit acks on the other.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"shout-server/internal/config"
)

const payloadField = "payload"

// Message is one dispatched shout job as seen by a worker.
type Message struct {
	ID      string
	Payload []byte
	Attrs   map[string]string
}

// Publisher appends jobs to a stream. Publish errors are always surfaced to
// the caller; a lost dispatch must fail the submission, not vanish.
type Publisher struct {
	client *redis.Client
}

// NewPublisher builds a publisher from config.
func NewPublisher(cfg config.Config) *Publisher {
	return &Publisher{client: newClient(cfg)}
}

// NewPublisherWithClient wires an existing client, used by tests.
func NewPublisherWithClient(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish appends one message to the topic stream. Attribute keys must not
// collide with the reserved payload field.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) error {
	values := make(map[string]interface{}, len(attrs)+1)
	for k, v := range attrs {
		if k == payloadField {
			return fmt.Errorf("publish to %s: reserved attribute key %q", topic, k)
		}
		values[k] = v
	}
	values[payloadField] = string(payload)
	if err := p.client.XAdd(ctx, &redis.XAddArgs{Stream: topic, Values: values}).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscriber reads a topic through a consumer group so multiple workers can
// share it; messages stay pending until acked.
type Subscriber struct {
	client   *redis.Client
	topic    string
	group    string
	consumer string
	block    time.Duration
}

// NewSubscriber builds a subscriber for the configured topic and group.
func NewSubscriber(cfg config.Config, consumer string) *Subscriber {
	return NewSubscriberWithClient(newClient(cfg), cfg.Topic, cfg.ConsumerGroup, consumer)
}

// NewSubscriberWithClient wires an existing client, used by tests.
func NewSubscriberWithClient(client *redis.Client, topic, group, consumer string) *Subscriber {
	return &Subscriber{
		client:   client,
		topic:    topic,
		group:    group,
		consumer: consumer,
		block:    5 * time.Second,
	}
}

// EnsureGroup creates the stream and consumer group if needed. Creating a
// group that already exists is not an error.
func (s *Subscriber) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.topic, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", s.group, s.topic, err)
	}
	return nil
}

// ErrNoMessage reports an empty read after the block timeout.
var ErrNoMessage = errors.New("queue: no message")

// Receive blocks up to the read timeout for the next message. Returns
// ErrNoMessage when the stream stayed quiet so callers can loop.
func (s *Subscriber) Receive(ctx context.Context) (Message, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.topic, ">"},
		Count:    1,
		Block:    s.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, ErrNoMessage
	}
	if err != nil {
		return Message{}, fmt.Errorf("read from %s: %w", s.topic, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return Message{}, ErrNoMessage
	}

	raw := res[0].Messages[0]
	msg := Message{ID: raw.ID, Attrs: make(map[string]string, len(raw.Values))}
	for k, v := range raw.Values {
		val, _ := v.(string)
		if k == payloadField {
			msg.Payload = []byte(val)
			continue
		}
		msg.Attrs[k] = val
	}
	return msg, nil
}

// Ack marks a message as handled so the group stops tracking it.
func (s *Subscriber) Ack(ctx context.Context, id string) error {
	if err := s.client.XAck(ctx, s.topic, s.group, id).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", id, s.topic, err)
	}
	return nil
}

func newClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
