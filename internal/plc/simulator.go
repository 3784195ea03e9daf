package plc

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const defaultMoveDuration = 2 * time.Second

type SimulatorConfig struct {
	Logger *slog.Logger
	// Addr is cosmetic, kept for parity with the real link in logs and
	// summaries.
	Addr  string
	Clock clockwork.Clock
	Codec Codec

	// MoveDuration is how long a MOVE keeps the RUN bit on.
	MoveDuration time.Duration
	// Latency is an artificial pause before every reply. Zero disables it.
	Latency time.Duration
}

func (c *SimulatorConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MoveDuration == 0 {
		c.MoveDuration = defaultMoveDuration
	}
	return nil
}

// Simulator is a pin-compatible alternate for TCPLink that emulates a carousel
// PLC for tests and demos. It starts at a random bucket and honors the same
// busy semantics as the hardware: a MOVE while already moving is refused with
// PLC_BUSY.
type Simulator struct {
	log   *slog.Logger
	cfg   *SimulatorConfig
	clock clockwork.Clock

	mu        sync.Mutex
	connected bool
	moving    bool
	raw       byte
	position  byte
}

func NewSimulator(cfg *SimulatorConfig) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Simulator{
		log:      cfg.Logger.With("plc", cfg.Addr, "simulator", true),
		cfg:      cfg,
		clock:    cfg.Clock,
		raw:      BitReady,
		position: byte(rand.IntN(MaxPosition + 1)),
	}, nil
}

func (s *Simulator) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.log.Debug("simulated connect")
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Simulator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Simulator) RoundTrip(ctx context.Context, command byte, argument *byte) (Response, error) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	if s.cfg.Latency > 0 {
		if err := s.wait(ctx, s.cfg.Latency); err != nil {
			return Response{}, err
		}
	}

	if command == CmdMove {
		return s.move(ctx, argument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// STATUS reports the current state; opaque commands answer with a
	// freshly-synthesized one.
	if command != CmdStatus && !s.moving {
		s.raw = s.generateStatusLocked()
	}
	s.log.Debug("simulated status", "raw", s.raw, "position", s.position)
	return Response{Raw: s.raw, Position: s.position}, nil
}

func (s *Simulator) move(ctx context.Context, argument *byte) (Response, error) {
	var target byte
	if argument != nil {
		target = *argument
	}

	s.mu.Lock()
	if s.moving {
		s.mu.Unlock()
		return Response{}, Errorf(KindBusy, "plc is moving")
	}
	s.moving = true
	s.raw |= BitRun
	s.raw &^= BitReady
	s.mu.Unlock()

	s.log.Debug("simulated move started", "target", target)
	if err := s.wait(ctx, s.cfg.MoveDuration); err != nil {
		s.mu.Lock()
		s.moving = false
		s.raw &^= BitRun
		s.mu.Unlock()
		return Response{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = target
	s.moving = false
	s.raw &^= BitRun
	s.raw |= BitReady
	s.log.Debug("simulated move finished", "position", s.position)
	return Response{Raw: s.raw, Position: s.position}, nil
}

func (s *Simulator) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}

// generateStatusLocked synthesizes a plausible status byte: a 30% chance of
// being mid-movement, READY on only when stopped with no fault bits.
func (s *Simulator) generateStatusLocked() byte {
	raw := byte(rand.IntN(256))
	if rand.Float64() < 0.3 {
		raw |= BitRun
	} else {
		raw &^= BitRun
	}
	const faultMask = BitManualMode | BitAlarm | BitEStop | BitVFDError | BitPositionError
	if raw&BitRun == 0 && raw&faultMask == 0 {
		raw |= BitReady
	} else {
		raw &^= BitReady
	}
	return raw
}
