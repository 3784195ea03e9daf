package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iapunto/carousel-api/internal/bus"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pingInterval is how often the server pings an idle peer.
	pingInterval = 30 * time.Second
	// pongWait is how long a peer may stay silent before it is dropped.
	pongWait = pingInterval + 10*time.Second
	// maxInboundBytes caps one client message.
	maxInboundBytes = 2 * 1024
	// sendQueueDepth is the per-peer outbound queue; a peer that cannot
	// drain it gets disconnected rather than blocking the broadcaster.
	sendQueueDepth = 64
)

// peer owns one websocket connection: a read pump that dispatches client
// messages and a write pump that serializes every outbound frame.
type peer struct {
	log    *slog.Logger
	server *Server
	conn   *websocket.Conn
	addr   string
	sub    *bus.Subscriber
	send   chan any

	closeOnce sync.Once
	closed    chan struct{}

	// Every peer starts subscribed to status updates for all machines.
	// machine_status subscriptions narrow delivery to the named machines;
	// status_updates or all_machines restores the default.
	mu             sync.Mutex
	allMachines    bool
	machineFilters map[string]struct{}
}

func newPeer(s *Server, conn *websocket.Conn) *peer {
	return &peer{
		log:            s.log.With("peer", conn.RemoteAddr().String()),
		server:         s,
		conn:           conn,
		addr:           conn.RemoteAddr().String(),
		sub:            s.cfg.Bus.Subscribe(),
		send:           make(chan any, sendQueueDepth),
		closed:         make(chan struct{}),
		machineFilters: make(map[string]struct{}),
	}
}

// enqueue queues a frame for the write pump, dropping the peer when its queue
// is full.
func (p *peer) enqueue(msg any) {
	select {
	case p.send <- msg:
	case <-p.closed:
	default:
		p.log.Warn("peer send queue full, disconnecting")
		p.close()
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.sub.Close()
		p.conn.Close() //nolint:errcheck
	})
}

func (p *peer) subscribe(scope, machineID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch scope {
	case subStatusUpdates, subAllMachines:
		p.allMachines = true
	case subMachineStatus:
		if machineID != "" {
			p.machineFilters[machineID] = struct{}{}
		}
	}
}

// wantsStatus reports whether a STATUS_UPDATE for machineID should be pushed
// to this peer. Peers receive everything until a machine_status subscription
// narrows them to specific machines.
func (p *peer) wantsStatus(machineID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allMachines || len(p.machineFilters) == 0 {
		return true
	}
	_, ok := p.machineFilters[machineID]
	return ok
}

// run blocks until the peer disconnects or ctx is canceled.
func (p *peer) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer p.close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		p.writePump(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		p.forwardEvents(ctx)
	}()

	p.readPump(ctx)
	cancel()
	wg.Wait()
}

func (p *peer) readPump(ctx context.Context) {
	p.conn.SetReadLimit(maxInboundBytes)
	p.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Debug("peer read failed", "error", err)
			}
			return
		}
		// A text ping or pong frame payload resets the deadline too.
		p.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.enqueue(errorMessage{
				Type:      msgError,
				Error:     "message must be valid JSON",
				Code:      "BAD_REQUEST",
				Timestamp: stamp(p.server.now()),
			})
			continue
		}
		p.server.dispatch(ctx, p, msg)
	}
}

func (p *peer) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			p.conn.WriteMessage(websocket.CloseMessage,        //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-p.closed:
			return
		case msg := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := p.conn.WriteJSON(msg); err != nil {
				p.log.Debug("peer write failed", "error", err)
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// forwardEvents translates bus events into outbound frames for this peer.
func (p *peer) forwardEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closed:
			return
		case ev, ok := <-p.sub.Events():
			if !ok {
				return
			}
			p.forward(ev)
		}
	}
}

func (p *peer) forward(ev bus.Event) {
	switch ev.Type {
	case bus.EventStatusUpdate:
		if !p.wantsStatus(ev.MachineID) {
			return
		}
		p.enqueue(statusMessage{
			Type:      msgStatus,
			MachineID: ev.MachineID,
			Status:    ev.Snapshot,
			Timestamp: stamp(ev.TS),
		})
	case bus.EventCommandEcho:
		// Never echo a command back to the peer that issued it.
		if ev.ClientAddr == p.addr {
			return
		}
		p.enqueue(commandExecutedMessage{
			Type:      msgCommandExecuted,
			MachineID: ev.MachineID,
			Command:   ev.Command,
			Argument:  ev.Argument,
			Status:    ev.Snapshot,
			Timestamp: stamp(ev.TS),
		})
	case bus.EventReconnecting, bus.EventReconnected, bus.EventConnError, bus.EventStatusBusy:
		p.enqueue(machineEventMessage{
			Type:      msgMachineEvent,
			Event:     string(ev.Type),
			MachineID: ev.MachineID,
			Reason:    ev.Reason,
			Timestamp: stamp(ev.TS),
		})
	}
}
