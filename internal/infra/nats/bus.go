package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"live-quiz-service/internal/domain"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// SubjectPrefix prefixes every session event subject: session.events.{accessCode}.
const SubjectPrefix = "session.events."

// Config holds NATS connection settings.
type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns default NATS configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Bus fans session events out across processes over core NATS subjects.
type Bus struct {
	nc *nats.Conn
}

// Connect dials NATS and returns a bus owning the connection.
func Connect(cfg Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("live-quiz-service"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewBus(nc), nil
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

// Subject returns the subject carrying events of one session.
func Subject(accessCode string) string {
	return SubjectPrefix + accessCode
}

func (b *Bus) Publish(_ context.Context, event domain.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(Subject(event.AccessCode), raw); err != nil {
		return domain.StoreError("publish event", err)
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context) (<-chan domain.Event, func(), error) {
	messages := make(chan *nats.Msg, 256)
	sub, err := b.nc.ChanSubscribe(SubjectPrefix+"*", messages)
	if err != nil {
		return nil, nil, domain.StoreError("subscribe events", err)
	}
	// Round-trip so the server has registered the subscription before we return.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, domain.StoreError("subscribe events", err)
	}

	out := make(chan domain.Event, 256)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg := <-messages:
				var event domain.Event
				if err := json.Unmarshal(msg.Data, &event); err != nil {
					log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable event")
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
			_ = sub.Unsubscribe()
			close(done)
		})
	}
	return out, cancel, nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
