package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Handler is a callback invoked for every published event.
type Handler func(event Event)

// Bus fans events out to in-process subscribers and, when connected,
// publishes each event to NATS on "<prefix>.<kind>".
type Bus struct {
	mu          sync.RWMutex
	subscribers []Handler
	nc          *nats.Conn
	prefix      string
}

// BusConfig configures the event bus.
type BusConfig struct {
	NATSURL       string // empty disables the NATS sink
	SubjectPrefix string // default "ees.events"
}

// NewBus creates an event bus. A NATS connection failure is returned to
// the caller; a bus without NATS still serves in-process subscribers.
func NewBus(cfg BusConfig) (*Bus, error) {
	b := &Bus{prefix: cfg.SubjectPrefix}
	if b.prefix == "" {
		b.prefix = "ees.events"
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(
			cfg.NATSURL,
			nats.Name("ees-core"),
			nats.ReconnectWait(2*time.Second),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				if err != nil {
					log.Warn().Err(err).Msg("NATS disconnected")
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		b.nc = nc

		log.Info().
			Str("nats_url", cfg.NATSURL).
			Str("prefix", b.prefix).
			Msg("Event bus connected to NATS")
	}

	return b, nil
}

// Subscribe registers an in-process handler. Handlers must not block;
// slow consumers should buffer internally.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, h)
}

// Publish delivers the event to every subscriber and the NATS sink.
// Publishing never fails the caller: the trading loop does not stall on
// a broken sink.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]Handler, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, h := range subs {
		h(event)
	}

	if b.nc == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("kind", string(event.Kind)).Msg("Failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", b.prefix, event.Kind)
	if err := b.nc.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event to NATS")
	}
}

// Close drains and closes the NATS connection.
func (b *Bus) Close() {
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			log.Warn().Err(err).Msg("NATS drain failed")
		}
	}
}
