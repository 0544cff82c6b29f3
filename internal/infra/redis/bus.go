package redis

import (
	"context"
	"encoding/json"
	"sync"

	"live-quiz-service/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// EventsChannel is the pub/sub channel every server process publishes session events to.
const EventsChannel = "session:events"

// Bus fans session events out across processes over Redis pub/sub.
type Bus struct {
	client  *redis.Client
	channel string
}

func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client, channel: EventsChannel}
}

func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return domain.StoreError("publish event", err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan domain.Event, func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so no event published afterwards is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, domain.StoreError("subscribe events", err)
	}

	out := make(chan domain.Event, 256)
	done := make(chan struct{})
	go func() {
		defer close(out)
		messages := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable event")
					continue
				}
				select {
				case out <- event:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}
