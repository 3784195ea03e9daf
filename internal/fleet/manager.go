// Package fleet holds the registry of configured carousels and routes every
// operation to the right device under its two-tier mutex. The machine map is
// immutable after startup; requests for different machines proceed in
// parallel while requests for the same machine serialize at its mutex.
package fleet

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/iapunto/carousel-api/internal/audit"
	"github.com/iapunto/carousel-api/internal/bus"
	"github.com/iapunto/carousel-api/internal/config"
	"github.com/iapunto/carousel-api/internal/controller"
	"github.com/iapunto/carousel-api/internal/lock"
	"github.com/iapunto/carousel-api/internal/plc"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultStatusCacheTTL = 30 * time.Second
	defaultSimLatency     = 500 * time.Millisecond
	// healthProbeTimeout bounds the TCP reachability dial in Health.
	healthProbeTimeout = 500 * time.Millisecond
)

// Machine is the runtime owner of one carousel: its link, its mutex, and its
// controller.
type Machine struct {
	Config     config.MachineConfig
	Link       plc.Link
	Mutex      *lock.DeviceMutex
	Controller *controller.Controller
}

// MachineSummary is the cheap listing shape.
type MachineSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// MachineHealth is one entry of the best-effort health report.
type MachineHealth struct {
	Reachable bool       `json:"reachable"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

type HealthReport struct {
	Status       string                   `json:"status"`
	MachineCount int                      `json:"machines_count"`
	Machines     []string                 `json:"machines"`
	Reachable    map[string]MachineHealth `json:"reachable"`
}

type Config struct {
	Logger   *slog.Logger
	Machines []config.MachineConfig
	Bus      *bus.Bus
	Trail    *audit.Trail
	Metrics  *Metrics
	Clock    clockwork.Clock
	Codec    plc.Codec

	LockDir        string
	MutexTimeout   time.Duration
	PollInterval   time.Duration
	StatusCacheTTL time.Duration

	// NewLink overrides device construction, used by tests. The default
	// builds a TCPLink, or a Simulator when the machine declares one.
	NewLink func(m config.MachineConfig) (plc.Link, error)
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Bus == nil {
		return errors.New("bus is required")
	}
	if c.Trail == nil {
		return errors.New("trail is required")
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StatusCacheTTL == 0 {
		c.StatusCacheTTL = defaultStatusCacheTTL
	}
	if c.NewLink == nil {
		logger := c.Logger
		clock := c.Clock
		codec := c.Codec
		c.NewLink = func(m config.MachineConfig) (plc.Link, error) {
			if m.Simulator {
				return plc.NewSimulator(&plc.SimulatorConfig{
					Logger:  logger,
					Addr:    m.Addr(),
					Clock:   clock,
					Codec:   codec,
					Latency: defaultSimLatency,
				})
			}
			return plc.NewTCPLink(&plc.TCPLinkConfig{
				Logger: logger,
				Addr:   m.Addr(),
			})
		}
	}
	return nil
}

type Manager struct {
	log *slog.Logger
	cfg *Config

	machines map[string]*Machine
	order    []string
	cache    *ttlcache.Cache[string, plc.Snapshot]
}

func New(cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		log:      cfg.Logger.With("component", "fleet"),
		cfg:      cfg,
		machines: make(map[string]*Machine, len(cfg.Machines)),
		cache: ttlcache.New(
			ttlcache.WithTTL[string, plc.Snapshot](cfg.StatusCacheTTL),
		),
	}

	for _, mc := range cfg.Machines {
		if _, dup := m.machines[mc.ID]; dup {
			return nil, errors.New("duplicate machine id " + mc.ID)
		}
		link, err := cfg.NewLink(mc)
		if err != nil {
			return nil, err
		}
		mutex, err := lock.New(&lock.Config{
			Logger:         cfg.Logger,
			MachineID:      mc.ID,
			LockDir:        cfg.LockDir,
			AcquireTimeout: cfg.MutexTimeout,
		})
		if err != nil {
			return nil, err
		}
		ctrl, err := controller.New(&controller.Config{
			Logger:    cfg.Logger,
			MachineID: mc.ID,
			Link:      link,
			Codec:     cfg.Codec,
			Trail:     cfg.Trail,
		})
		if err != nil {
			return nil, err
		}
		m.machines[mc.ID] = &Machine{Config: mc, Link: link, Mutex: mutex, Controller: ctrl}
		m.order = append(m.order, mc.ID)
		m.log.Info("machine initialized",
			"machine", mc.ID, "name", mc.Name, "endpoint", mc.Addr(), "simulator", mc.Simulator)
	}

	return m, nil
}

func summarize(mc config.MachineConfig) MachineSummary {
	typ := "real"
	if mc.Simulator {
		typ = "simulator"
	}
	return MachineSummary{
		ID:     mc.ID,
		Name:   mc.Name,
		IP:     mc.IP,
		Port:   mc.Port,
		Type:   typ,
		Status: "available",
	}
}

// ListMachines returns summaries in configuration order.
func (m *Manager) ListMachines() []MachineSummary {
	out := make([]MachineSummary, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, summarize(m.machines[id].Config))
	}
	return out
}

// First returns the first configured machine id, used by the legacy
// single-device endpoints.
func (m *Manager) First() (string, error) {
	if len(m.order) == 0 {
		return "", plc.Errorf(plc.KindBadRequest, "no machines configured")
	}
	return m.order[0], nil
}

// MachineInfo returns the summary of one configured machine.
func (m *Manager) MachineInfo(id string) (MachineSummary, error) {
	mach, err := m.machine(id)
	if err != nil {
		return MachineSummary{}, err
	}
	return summarize(mach.Config), nil
}

func (m *Manager) machine(id string) (*Machine, error) {
	mach, ok := m.machines[id]
	if !ok {
		return nil, plc.Errorf(plc.KindBadRequest, "machine %q not found", id)
	}
	return mach, nil
}

// GetStatus reads the current snapshot of one machine under its mutex.
func (m *Manager) GetStatus(ctx context.Context, id, clientAddr string) (plc.Snapshot, error) {
	snap, err := m.withMachine(ctx, id, MetricOperationStatus, func(ctx context.Context, mach *Machine) (plc.Snapshot, error) {
		return mach.Controller.GetCurrentStatus(ctx)
	})
	m.auditClient(audit.KindStatusReq, clientAddr, id, nil, nil, err)
	return snap, err
}

// SendCommand validates the pair and routes it to the machine under its
// mutex.
func (m *Manager) SendCommand(ctx context.Context, id string, command int, argument *int, clientAddr string) (plc.Snapshot, error) {
	snap, err := func() (plc.Snapshot, error) {
		if err := plc.ValidateCommand(command); err != nil {
			return plc.Snapshot{}, err
		}
		if err := plc.ValidateArgument(argument); err != nil {
			return plc.Snapshot{}, err
		}
		return m.withMachine(ctx, id, MetricOperationCommand, func(ctx context.Context, mach *Machine) (plc.Snapshot, error) {
			return mach.Controller.SendCommand(ctx, command, argument)
		})
	}()
	m.auditClient(audit.KindCommandReq, clientAddr, id, &command, argument, err)
	return snap, err
}

// MoveTo moves one machine to the target bucket.
func (m *Manager) MoveTo(ctx context.Context, id string, position int, clientAddr string) (plc.Snapshot, error) {
	snap, err := func() (plc.Snapshot, error) {
		if err := plc.ValidateMovePosition(position); err != nil {
			return plc.Snapshot{}, err
		}
		return m.withMachine(ctx, id, MetricOperationMove, func(ctx context.Context, mach *Machine) (plc.Snapshot, error) {
			return mach.Controller.MoveTo(ctx, position)
		})
	}()
	cmd := int(plc.CmdMove)
	m.auditClient(audit.KindMoveReq, clientAddr, id, &cmd, &position, err)
	return snap, err
}

func (m *Manager) withMachine(ctx context.Context, id, operation string, fn func(context.Context, *Machine) (plc.Snapshot, error)) (plc.Snapshot, error) {
	mach, err := m.machine(id)
	if err != nil {
		m.cfg.Metrics.Errors.WithLabelValues(string(plc.KindBadRequest), id).Inc()
		return plc.Snapshot{}, err
	}
	m.cfg.Metrics.Requests.WithLabelValues(operation, id).Inc()

	if err := mach.Mutex.Acquire(ctx); err != nil {
		m.cfg.Metrics.Errors.WithLabelValues(string(plc.KindOf(err)), id).Inc()
		return plc.Snapshot{}, err
	}
	defer mach.Mutex.Release()

	snap, err := fn(ctx, mach)
	if err != nil {
		m.cfg.Metrics.Errors.WithLabelValues(string(plc.KindOf(err)), id).Inc()
		return plc.Snapshot{}, plc.Wrap(err, "machine %s", id)
	}
	m.cache.Set(id, snap, ttlcache.DefaultTTL)
	return snap, nil
}

func (m *Manager) auditClient(kind, clientAddr, id string, command, argument *int, err error) {
	rec := audit.ClientRecord{
		Kind:       kind,
		ClientAddr: clientAddr,
		MachineID:  id,
		Command:    command,
		Argument:   argument,
		Outcome:    audit.OutcomeOK,
	}
	if err != nil {
		rec.Outcome = audit.OutcomeError
		rec.Error = err.Error()
	}
	m.cfg.Trail.Client(rec)
}

// LastKnown returns the most recent snapshot published for a machine, if it
// is still fresh.
func (m *Manager) LastKnown(id string) (plc.Snapshot, bool) {
	item := m.cache.Get(id)
	if item == nil {
		return plc.Snapshot{}, false
	}
	return item.Value(), true
}

// recordSnapshot is how pollers feed the freshness cache.
func (m *Manager) recordSnapshot(id string, snap plc.Snapshot) {
	m.cache.Set(id, snap, ttlcache.DefaultTTL)
}

// Health is a best-effort report that never contends on device mutexes: a
// machine counts as reachable when a fresh snapshot exists, its link is
// currently connected, or a bounded TCP dial to its endpoint succeeds. The
// dials run concurrently so the report takes at most one probe timeout.
func (m *Manager) Health() HealthReport {
	report := HealthReport{
		Status:       "healthy",
		MachineCount: len(m.order),
		Machines:     append([]string(nil), m.order...),
		Reachable:    make(map[string]MachineHealth, len(m.order)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, id := range m.order {
		mach := m.machines[id]
		health := MachineHealth{Reachable: mach.Link.Connected()}
		if snap, ok := m.LastKnown(id); ok {
			health.Reachable = true
			seen := snap.CapturedAt
			health.LastSeen = &seen
		}
		if !health.Reachable && !mach.Config.Simulator {
			wg.Add(1)
			go func(id, addr string, health MachineHealth) {
				defer wg.Done()
				if conn, err := net.DialTimeout("tcp", addr, healthProbeTimeout); err == nil {
					conn.Close() //nolint:errcheck
					health.Reachable = true
				}
				mu.Lock()
				report.Reachable[id] = health
				mu.Unlock()
			}(id, mach.Config.Addr(), health)
			continue
		}
		mu.Lock()
		report.Reachable[id] = health
		mu.Unlock()
	}
	wg.Wait()
	return report
}

// Run starts one status poller per machine and blocks until ctx is canceled,
// then drains the pollers and closes every link.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, id := range m.order {
		poller, err := newPoller(&pollerConfig{
			Logger:   m.cfg.Logger,
			Machine:  m.machines[id],
			Bus:      m.cfg.Bus,
			Metrics:  m.cfg.Metrics,
			Clock:    m.cfg.Clock,
			Codec:    m.cfg.Codec,
			Interval: m.cfg.PollInterval,
			Record:   m.recordSnapshot,
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	}

	<-ctx.Done()
	m.log.Info("fleet shutting down")
	wg.Wait()
	m.Shutdown()
	return nil
}

// Shutdown closes every device link.
func (m *Manager) Shutdown() {
	for _, id := range m.order {
		if err := m.machines[id].Link.Close(); err != nil {
			m.log.Warn("failed to close link", "machine", id, "error", err)
		}
	}
}
