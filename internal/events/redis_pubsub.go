package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisPublisher struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisPublisher(client *redis.Client, log *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, stream string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, stream, data).Err(); err != nil {
		return err
	}
	p.log.Debug("event published", zap.String("stream", stream), zap.String("type", event.Type))
	return nil
}

type RedisSubscriber struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisSubscriber(client *redis.Client, log *zap.Logger) *RedisSubscriber {
	return &RedisSubscriber{client: client, log: log}
}

// Subscribe delivers events of stream to handler until ctx is cancelled.
// It returns once the subscription is confirmed by the server.
func (s *RedisSubscriber) Subscribe(ctx context.Context, stream string, handler func(Event)) error {
	pubsub := s.client.Subscribe(ctx, stream)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, err := Decode([]byte(msg.Payload))
				if err != nil {
					s.log.Error("failed to unmarshal event", zap.String("stream", stream), zap.Error(err))
					continue
				}
				handler(event)
			}
		}
	}()

	return nil
}

func Decode(data []byte) (Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return event, err
}
