package memory

import (
	"context"
	"sync"

	"live-quiz-service/internal/domain"

	"github.com/rs/zerolog/log"
)

const busBuffer = 256

// Bus is a process-local event bus. It serves single-process deployments and tests.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan domain.Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan domain.Event]struct{})}
}

func (b *Bus) Publish(_ context.Context, event domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Slow subscriber: drop its oldest event rather than block every publisher.
			select {
			case dropped := <-ch:
				log.Warn().Str("access_code", dropped.AccessCode).Str("event", dropped.Type).Msg("bus subscriber lagging, event dropped")
			default:
			}
			ch <- event
		}
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context) (<-chan domain.Event, func(), error) {
	ch := make(chan domain.Event, busBuffer)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel, nil
}
