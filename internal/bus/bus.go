// Package bus is the in-process fan-out fabric between the status pollers,
// the command surfaces, and the event-stream peers.
package bus

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/iapunto/carousel-api/internal/plc"
)

type EventType string

const (
	EventStatusUpdate EventType = "STATUS_UPDATE"
	EventStatusBusy   EventType = "STATUS_BUSY"
	EventReconnecting EventType = "RECONNECTING"
	EventReconnected  EventType = "RECONNECTED"
	EventConnError    EventType = "CONN_ERROR"
	EventCommandEcho  EventType = "COMMAND_ECHO"
)

// Event is one bus message. Only the fields relevant to the type are set.
type Event struct {
	Type      EventType
	MachineID string
	Snapshot  *plc.Snapshot
	Reason    string
	Command   *int
	Argument  *int
	// ClientAddr identifies the originating peer on COMMAND_ECHO so the
	// event-stream server can skip echoing a command back to its sender.
	ClientAddr string
	TS         time.Time
}

const defaultSubscriberBuffer = 64

type Config struct {
	Logger *slog.Logger
	// SubscriberBuffer is the per-subscriber queue depth before the bus
	// starts dropping oldest events for that subscriber.
	SubscriberBuffer int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = defaultSubscriberBuffer
	}
	return nil
}

// Bus is a multi-producer, multi-consumer topic stream. Publish never blocks:
// a subscriber that cannot keep up loses its oldest queued events and is
// marked lagged. Per-machine order is preserved for each subscriber because
// every subscriber drains a single FIFO queue.
type Bus struct {
	log *slog.Logger
	cfg *Config

	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

type Subscriber struct {
	bus *Bus
	ch  chan Event

	mu     sync.Mutex
	lagged bool
}

func New(cfg *Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bus{
		log:  cfg.Logger.With("component", "bus"),
		cfg:  cfg,
		subs: make(map[*Subscriber]struct{}),
	}, nil
}

func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{bus: b, ch: make(chan Event, b.cfg.SubscriberBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
	b.mu.Unlock()
}

// Publish delivers ev to every subscriber without blocking the producer.
func (b *Bus) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		// Full queue: shed the oldest event to make room for the newest.
		select {
		case <-s.ch:
		default:
		}
		s.markLagged()
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Events is the subscriber's queue. It is closed on Unsubscribe.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Lagged reports whether this subscriber has ever lost events.
func (s *Subscriber) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

func (s *Subscriber) markLagged() {
	s.mu.Lock()
	if !s.lagged {
		s.lagged = true
		s.bus.log.Warn("subscriber lagged, dropping oldest events")
	}
	s.mu.Unlock()
}

// Close detaches the subscriber from its bus.
func (s *Subscriber) Close() {
	s.bus.Unsubscribe(s)
}
