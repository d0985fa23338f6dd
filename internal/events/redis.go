package events

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
)

const channelPrefix = "sales-analytics:"

func channelName(topic string) string {
	return channelPrefix + topic
}

// RedisBroadcaster publishes events on a Redis channel so that every server
// instance can fan them out to its own dashboard sessions.
type RedisBroadcaster struct {
	client *redis.Client
}

func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, topic string, event domain.SaleCompletedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode sale event")
	}
	if err := b.client.Publish(ctx, channelName(topic), payload).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", channelName(topic))
	}
	return nil
}

// Relay forwards events received on a Redis channel into a local Hub.
type Relay struct {
	client *redis.Client
	hub    *Hub
	topic  string
}

func NewRelay(client *redis.Client, hub *Hub, topic string) *Relay {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Relay{client: client, hub: hub, topic: topic}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, channelName(r.topic))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrapf(err, "subscribe to %s", channelName(r.topic))
	}
	log.WithField("channel", channelName(r.topic)).Info("[events] relaying sale events from redis")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("redis subscription closed")
			}
			var event domain.SaleCompletedEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.WithError(err).WithField("channel", msg.Channel).Warn("[events] discarding malformed sale event")
				continue
			}
			_ = r.hub.Broadcast(ctx, r.topic, event)
		}
	}
}
