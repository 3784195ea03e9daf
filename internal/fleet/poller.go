package fleet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/iapunto/carousel-api/internal/bus"
	"github.com/iapunto/carousel-api/internal/plc"
)

// maxPollFailures is how many consecutive poll errors the poller tolerates
// before it drops the connected assumption and forces a reconnect on the next
// cycle.
const maxPollFailures = 3

type pollerConfig struct {
	Logger   *slog.Logger
	Machine  *Machine
	Bus      *bus.Bus
	Metrics  *Metrics
	Clock    clockwork.Clock
	Codec    plc.Codec
	Interval time.Duration
	// Record feeds each fresh snapshot into the manager's freshness cache.
	Record func(id string, snap plc.Snapshot)
}

func (c *pollerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Machine == nil {
		return errors.New("machine is required")
	}
	if c.Bus == nil {
		return errors.New("bus is required")
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval == 0 {
		c.Interval = defaultPollInterval
	}
	if c.Record == nil {
		c.Record = func(string, plc.Snapshot) {}
	}
	return nil
}

// poller is the per-machine background task: every interval it takes the
// device mutex, reads status, and publishes a snapshot to the bus when the
// state changed. It never crashes the process; every failure becomes a bus
// event.
type poller struct {
	log *slog.Logger
	cfg *pollerConfig

	id       string
	last     *plc.Snapshot
	failures int
}

func newPoller(cfg *pollerConfig) (*poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &poller{
		log: cfg.Logger.With("component", "poller", "machine", cfg.Machine.Config.ID),
		cfg: cfg,
		id:  cfg.Machine.Config.ID,
	}, nil
}

func (p *poller) Run(ctx context.Context) {
	p.log.Debug("poller started", "interval", p.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			p.log.Debug("context done, stopping")
			return
		case <-p.cfg.Clock.After(p.cfg.Interval):
		}
		p.tick(ctx)
	}
}

func (p *poller) tick(ctx context.Context) {
	p.cfg.Metrics.PollCycles.WithLabelValues(p.id).Inc()

	machine := p.cfg.Machine
	if err := machine.Mutex.Acquire(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.publish(bus.Event{Type: bus.EventStatusBusy, MachineID: p.id})
		return
	}
	defer machine.Mutex.Release()

	if !machine.Link.Connected() {
		p.publish(bus.Event{Type: bus.EventReconnecting, MachineID: p.id})
		if err := machine.Link.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.publish(bus.Event{Type: bus.EventConnError, MachineID: p.id, Reason: err.Error()})
			return
		}
		p.publish(bus.Event{Type: bus.EventReconnected, MachineID: p.id})
		// The first post-recovery snapshot is published even when it equals
		// the pre-outage one.
		p.last = nil
	}

	resp, err := machine.Link.RoundTrip(ctx, plc.CmdStatus, nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.failures++
		p.publish(bus.Event{Type: bus.EventConnError, MachineID: p.id, Reason: err.Error()})
		if p.failures >= maxPollFailures {
			p.log.Warn("dropping connected assumption after consecutive failures", "failures", p.failures)
			machine.Link.Close() //nolint:errcheck
			p.failures = 0
		}
		return
	}
	p.failures = 0

	snap := p.cfg.Codec.Snapshot(resp.Raw, resp.Position, time.Now())
	p.cfg.Record(p.id, snap)
	if p.last == nil || !snap.SameState(*p.last) {
		p.cfg.Metrics.StatusUpdates.WithLabelValues(p.id).Inc()
		p.publish(bus.Event{Type: bus.EventStatusUpdate, MachineID: p.id, Snapshot: &snap})
	}
	p.last = &snap
}

func (p *poller) publish(ev bus.Event) {
	p.cfg.Bus.Publish(ev)
}
