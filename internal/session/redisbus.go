package session

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/OneDrip-App/access_gate/internal/logging"
)

// authEventsChannel is the Redis pub/sub channel shared by all gateway
// instances.
const authEventsChannel = "access_gate:auth_events"

// redisEnvelope wraps an Event with the publishing instance's identity
// so an instance can skip its own messages, which it already delivered
// locally.
type redisEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisBus fans auth events out across gateway instances. Local
// subscribers receive local events synchronously and remote events from
// the subscription loop.
type RedisBus struct {
	client   *redis.Client
	local    *MemoryBus
	logger   *logging.Logger
	instance string
	pubsub   *redis.PubSub
	done     chan struct{}
}

// NewRedisBus connects to Redis and starts the subscription loop.
func NewRedisBus(ctx context.Context, client *redis.Client, logger *logging.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	pubsub := client.Subscribe(ctx, authEventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	b := &RedisBus{
		client:   client,
		local:    NewMemoryBus(),
		logger:   logger,
		instance: uuid.NewString(),
		pubsub:   pubsub,
		done:     make(chan struct{}),
	}
	go b.receiveLoop()
	return b, nil
}

// Publish delivers the event locally, then broadcasts it to the other
// instances. A broadcast failure is returned but local delivery has
// already happened.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if err := b.local.Publish(ctx, ev); err != nil {
		return err
	}
	payload, err := json.Marshal(redisEnvelope{Origin: b.instance, Event: ev})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, authEventsChannel, payload).Err()
}

// Subscribe registers a handler for local and remote events.
func (b *RedisBus) Subscribe(h Handler) func() {
	return b.local.Subscribe(h)
}

// Close stops the subscription loop.
func (b *RedisBus) Close() error {
	close(b.done)
	return b.pubsub.Close()
}

func (b *RedisBus) receiveLoop() {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env redisEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.WithError(err).Warn("Dropping malformed auth event from Redis")
				continue
			}
			if env.Origin == b.instance {
				continue
			}
			if err := b.local.Publish(context.Background(), env.Event); err != nil {
				b.logger.WithError(err).Warn("Remote auth event delivery failed")
			}
		}
	}
}
