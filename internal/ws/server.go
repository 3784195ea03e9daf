// Package ws is the realtime surface: every connected peer receives status
// changes, connectivity transitions, and command echoes as they happen, plus
// a periodic broadcast of every machine's last known snapshot.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/iapunto/carousel-api/internal/bus"
	"github.com/iapunto/carousel-api/internal/fleet"
	"github.com/iapunto/carousel-api/internal/plc"
)

const (
	defaultBroadcastInterval = 2 * time.Second
	// broadcastPollTimeout bounds the on-demand status read for machines with
	// no fresh cached snapshot during a broadcast cycle.
	broadcastPollTimeout = 1 * time.Second
	// broadcastWorkers bounds how many machines are polled concurrently.
	broadcastWorkers = 4
)

const (
	ModeSingle = "single-plc"
	ModeMulti  = "multi-plc"
)

var capabilities = []string{"status_updates", "command_execution", "real_time_notifications"}

type Config struct {
	Logger  *slog.Logger
	Fleet   *fleet.Manager
	Bus     *bus.Bus
	Metrics *Metrics
	Clock   clockwork.Clock

	// BroadcastInterval is the cadence of the all-machines status push.
	BroadcastInterval time.Duration
	Version           string
	Mode              string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Fleet == nil {
		return errors.New("fleet is required")
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
	if c.BroadcastInterval == 0 {
		c.BroadcastInterval = defaultBroadcastInterval
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.Mode == "" {
		c.Mode = ModeMulti
	}
	return nil
}

type Server struct {
	log *slog.Logger
	cfg *Config

	upgrader   websocket.Upgrader
	statusPool pond.ResultPool[machineStatus]

	mu    sync.Mutex
	peers map[*peer]struct{}
}

func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		log: cfg.Logger.With("component", "ws"),
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Peers are LAN operator consoles; origin enforcement is left to
			// the deployment's reverse proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		statusPool: pond.NewResultPool[machineStatus](broadcastWorkers),
		peers:      make(map[*peer]struct{}),
	}, nil
}

func (s *Server) now() time.Time {
	return s.cfg.Clock.Now()
}

// Handler upgrades HTTP requests into event-stream peers.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", "client", r.RemoteAddr, "error", err)
			return
		}
		p := newPeer(s, conn)
		s.register(p)
		defer s.unregister(p)

		s.log.Info("peer connected", "client", p.addr)
		p.enqueue(s.welcome())
		p.run(r.Context())
		s.log.Info("peer disconnected", "client", p.addr)
	})
}

func (s *Server) register(p *peer) {
	s.mu.Lock()
	s.peers[p] = struct{}{}
	n := len(s.peers)
	s.mu.Unlock()
	s.cfg.Metrics.ConnectedPeers.Set(float64(n))
}

func (s *Server) unregister(p *peer) {
	p.close()
	s.mu.Lock()
	delete(s.peers, p)
	n := len(s.peers)
	s.mu.Unlock()
	s.cfg.Metrics.ConnectedPeers.Set(float64(n))
}

func (s *Server) welcome() welcomeMessage {
	msg := welcomeMessage{
		Type: msgWelcome,
		Mode: s.cfg.Mode,
		ServerInfo: serverInfo{
			Version:      s.cfg.Version,
			Capabilities: capabilities,
		},
		Timestamp: stamp(s.now()),
	}
	if s.cfg.Mode == ModeMulti {
		msg.Machines = s.cfg.Fleet.ListMachines()
	}
	return msg
}

// dispatch handles one parsed client message.
func (s *Server) dispatch(ctx context.Context, p *peer, msg inbound) {
	s.cfg.Metrics.MessagesReceived.WithLabelValues(orUnknownType(msg.Type)).Inc()
	switch msg.Type {
	case msgPing:
		p.enqueue(pongMessage{Type: msgPong, Timestamp: stamp(s.now())})
	case msgSubscribe:
		s.handleSubscribe(p, msg)
	case msgGetStatus:
		s.handleGetStatus(ctx, p, msg)
	case msgSendCommand:
		s.handleSendCommand(ctx, p, msg)
	default:
		p.enqueue(errorMessage{
			Type:      msgError,
			Error:     "unknown message type " + orUnknownType(msg.Type),
			Code:      "BAD_REQUEST",
			Timestamp: stamp(s.now()),
		})
	}
}

func (s *Server) handleSubscribe(p *peer, msg inbound) {
	scope := msg.SubscriptionType
	if scope == "" {
		scope = subStatusUpdates
	}
	if scope != subStatusUpdates && scope != subAllMachines && scope != subMachineStatus {
		p.enqueue(errorMessage{
			Type:      msgError,
			Error:     "unknown subscription type " + scope,
			Code:      "BAD_REQUEST",
			Timestamp: stamp(s.now()),
		})
		return
	}
	p.subscribe(scope, msg.MachineID)
	p.enqueue(subscriptionConfirmedMessage{
		Type:             msgSubscriptionConfirmed,
		SubscriptionType: scope,
		MachineID:        msg.MachineID,
		Timestamp:        stamp(s.now()),
	})
}

func (s *Server) handleGetStatus(ctx context.Context, p *peer, msg inbound) {
	if msg.MachineID != "" {
		snap, err := s.cfg.Fleet.GetStatus(ctx, msg.MachineID, p.addr)
		if err != nil {
			p.enqueue(s.errorFrom(err))
			return
		}
		// Multi-machine deployments label the reply with the machine scope.
		typ := msgStatus
		if s.cfg.Mode == ModeMulti {
			typ = msgMachineStatus
		}
		p.enqueue(statusMessage{
			Type:      typ,
			MachineID: msg.MachineID,
			Status:    &snap,
			Timestamp: stamp(s.now()),
		})
		return
	}
	p.enqueue(allMachinesStatusMessage{
		Type:      msgAllMachinesStatus,
		Statuses:  s.collectStatuses(ctx),
		Timestamp: stamp(s.now()),
	})
}

func (s *Server) handleSendCommand(ctx context.Context, p *peer, msg inbound) {
	if msg.Command == nil {
		p.enqueue(errorMessage{
			Type:      msgError,
			Error:     "the 'command' parameter must be an integer between 0 and 255",
			Code:      string(plc.KindBadCommand),
			Timestamp: stamp(s.now()),
		})
		return
	}
	id := msg.MachineID
	if id == "" {
		first, err := s.cfg.Fleet.First()
		if err != nil {
			p.enqueue(s.errorFrom(err))
			return
		}
		id = first
	}

	snap, err := s.cfg.Fleet.SendCommand(ctx, id, *msg.Command, msg.Argument, p.addr)
	result := commandResultMessage{
		Type:      msgCommandResult,
		MachineID: id,
		Command:   *msg.Command,
		Argument:  msg.Argument,
		Success:   err == nil,
		Timestamp: stamp(s.now()),
	}
	if err != nil {
		e := err.Error()
		code := string(plc.KindOf(err))
		result.Error = &e
		result.Code = &code
		p.enqueue(result)
		return
	}
	result.Status = &snap
	p.enqueue(result)

	s.cfg.Bus.Publish(bus.Event{
		Type:       bus.EventCommandEcho,
		MachineID:  id,
		Snapshot:   &snap,
		Command:    msg.Command,
		Argument:   msg.Argument,
		ClientAddr: p.addr,
	})
}

func (s *Server) errorFrom(err error) errorMessage {
	return errorMessage{
		Type:      msgError,
		Error:     err.Error(),
		Code:      string(plc.KindOf(err)),
		Timestamp: stamp(s.now()),
	}
}

type machineStatus struct {
	id   string
	snap *plc.Snapshot
}

// collectStatuses gathers one snapshot per machine, preferring the fresh
// cache and falling back to a bounded live read.
func (s *Server) collectStatuses(ctx context.Context) map[string]*plc.Snapshot {
	machines := s.cfg.Fleet.ListMachines()
	group := s.statusPool.NewGroupContext(ctx)

	for _, m := range machines {
		id := m.ID
		group.SubmitErr(func() (machineStatus, error) {
			if snap, ok := s.cfg.Fleet.LastKnown(id); ok {
				return machineStatus{id: id, snap: &snap}, nil
			}
			pollCtx, cancel := context.WithTimeout(ctx, broadcastPollTimeout)
			defer cancel()
			snap, err := s.cfg.Fleet.GetStatus(pollCtx, id, "broadcast")
			if err != nil {
				// Unreachable machines appear with a null snapshot rather
				// than failing the whole broadcast.
				return machineStatus{id: id}, nil
			}
			return machineStatus{id: id, snap: &snap}, nil
		})
	}

	results, err := group.Wait()
	if err != nil {
		s.log.Debug("status collection interrupted", "error", err)
	}
	out := make(map[string]*plc.Snapshot, len(machines))
	for _, r := range results {
		if r.id != "" {
			out[r.id] = r.snap
		}
	}
	return out
}

// Run pushes the all-machines broadcast on a fixed cadence until ctx is
// canceled, then disconnects every peer.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("broadcast loop started", "interval", s.cfg.BroadcastInterval)
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			s.statusPool.StopAndWait()
			return nil
		case <-s.cfg.Clock.After(s.cfg.BroadcastInterval):
		}

		s.mu.Lock()
		n := len(s.peers)
		s.mu.Unlock()
		if n == 0 {
			continue
		}

		msg := statusBroadcastMessage{
			Type:      msgStatusBroadcast,
			Statuses:  s.collectStatuses(ctx),
			Timestamp: stamp(s.now()),
		}
		s.cfg.Metrics.Broadcasts.Inc()
		s.mu.Lock()
		for p := range s.peers {
			p.enqueue(msg)
		}
		s.mu.Unlock()
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

func orUnknownType(t string) string {
	if t == "" {
		return "unknown"
	}
	return t
}
