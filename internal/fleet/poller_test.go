package fleet_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iapunto/carousel-api/internal/bus"
	"github.com/iapunto/carousel-api/internal/fleet"
	"github.com/iapunto/carousel-api/internal/plc"
)

// startPolling runs the manager's poll loop and stops it on test cleanup.
func startPolling(t *testing.T, f *testFleet) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.manager.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("poll loop did not stop")
		}
	})
}

// advanceTick waits for the poller to reach its timer, then fires it.
func advanceTick(t *testing.T, f *testFleet, interval time.Duration) {
	t.Helper()
	f.clock.BlockUntil(1)
	f.clock.Advance(interval)
}

func TestPoller_PublishesOnlyOnChange(t *testing.T) {
	t.Parallel()

	interval := 5 * time.Second
	f := newTestFleet(t, fleet.Config{PollInterval: interval})
	startPolling(t, f)

	advanceTick(t, f, interval)
	ev := f.recvEvent(t)
	require.Equal(t, bus.EventStatusUpdate, ev.Type)
	require.Equal(t, "m1", ev.MachineID)
	require.NotNil(t, ev.Snapshot)
	require.Equal(t, byte(plc.BitReady), ev.Snapshot.Raw)

	// Same state on the next tick: nothing is published. The tick after a
	// state change proves the quiet tick was suppression, not lag.
	advanceTick(t, f, interval)
	f.clock.BlockUntil(1)

	f.link.set(plc.BitReady|plc.BitRun, 1)
	f.clock.Advance(interval)

	ev = f.recvEvent(t)
	require.Equal(t, bus.EventStatusUpdate, ev.Type)
	require.Equal(t, byte(plc.BitReady|plc.BitRun), ev.Snapshot.Raw)
}

func TestPoller_PublishesOnPositionChange(t *testing.T) {
	t.Parallel()

	interval := 5 * time.Second
	f := newTestFleet(t, fleet.Config{PollInterval: interval})
	startPolling(t, f)

	advanceTick(t, f, interval)
	require.Equal(t, byte(1), f.recvEvent(t).Snapshot.Position)

	f.clock.BlockUntil(1)
	f.link.set(plc.BitReady, 4)
	f.clock.Advance(interval)
	require.Equal(t, byte(4), f.recvEvent(t).Snapshot.Position)
}

func TestPoller_FeedsStatusCache(t *testing.T) {
	t.Parallel()

	interval := 5 * time.Second
	f := newTestFleet(t, fleet.Config{PollInterval: interval})
	startPolling(t, f)

	_, ok := f.manager.LastKnown("m1")
	require.False(t, ok)

	advanceTick(t, f, interval)
	f.recvEvent(t)

	snap, ok := f.manager.LastKnown("m1")
	require.True(t, ok)
	require.Equal(t, byte(plc.BitReady), snap.Raw)
}

func TestPoller_ReconnectFlow(t *testing.T) {
	t.Parallel()

	interval := 5 * time.Second
	f := newTestFleet(t, fleet.Config{PollInterval: interval})
	f.link.mu.Lock()
	f.link.connected = false
	f.link.mu.Unlock()
	startPolling(t, f)

	advanceTick(t, f, interval)
	require.Equal(t, bus.EventReconnecting, f.recvEvent(t).Type)
	require.Equal(t, bus.EventReconnected, f.recvEvent(t).Type)

	// The first post-recovery snapshot is always published.
	require.Equal(t, bus.EventStatusUpdate, f.recvEvent(t).Type)
}

func TestPoller_ConnError(t *testing.T) {
	t.Parallel()

	interval := 5 * time.Second
	f := newTestFleet(t, fleet.Config{PollInterval: interval})
	f.link.mu.Lock()
	f.link.connected = false
	f.link.connectErr = plc.Errorf(plc.KindConnError, "connection refused")
	f.link.mu.Unlock()
	startPolling(t, f)

	advanceTick(t, f, interval)
	require.Equal(t, bus.EventReconnecting, f.recvEvent(t).Type)
	ev := f.recvEvent(t)
	require.Equal(t, bus.EventConnError, ev.Type)
	require.Contains(t, ev.Reason, "connection refused")

	// The poller keeps trying on the next tick.
	advanceTick(t, f, interval)
	require.Equal(t, bus.EventReconnecting, f.recvEvent(t).Type)
	require.Equal(t, bus.EventConnError, f.recvEvent(t).Type)
}

func TestPoller_StatusBusyWhenDeviceHeld(t *testing.T) {
	t.Parallel()

	interval := 5 * time.Second
	f := newTestFleet(t, fleet.Config{
		PollInterval: interval,
		MutexTimeout: 20 * time.Millisecond,
	})
	f.link.entered = make(chan struct{}, 1)
	f.link.block = make(chan struct{})
	startPolling(t, f)

	// A client request holds the device mutex across the poll tick.
	done := make(chan error, 1)
	go func() {
		_, err := f.manager.GetStatus(context.Background(), "m1", "")
		done <- err
	}()
	<-f.link.entered

	advanceTick(t, f, interval)
	require.Equal(t, bus.EventStatusBusy, f.recvEvent(t).Type)

	close(f.link.block)
	require.NoError(t, <-done)
}
