package bus_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iapunto/carousel-api/internal/bus"
	"github.com/iapunto/carousel-api/internal/plc"
)

func newTestBus(t *testing.T, buffer int) *bus.Bus {
	t.Helper()
	b, err := bus.New(&bus.Config{
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		SubscriberBuffer: buffer,
	})
	require.NoError(t, err)
	return b
}

func recv(t *testing.T, sub *bus.Subscriber) bus.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscriber channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func TestBus_DeliversInOrder(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, 0)
	sub := b.Subscribe()
	defer sub.Close()

	snap := plc.Codec{}.Snapshot(plc.BitReady, 2, time.Now())
	b.Publish(bus.Event{Type: bus.EventReconnecting, MachineID: "m1"})
	b.Publish(bus.Event{Type: bus.EventReconnected, MachineID: "m1"})
	b.Publish(bus.Event{Type: bus.EventStatusUpdate, MachineID: "m1", Snapshot: &snap})

	require.Equal(t, bus.EventReconnecting, recv(t, sub).Type)
	require.Equal(t, bus.EventReconnected, recv(t, sub).Type)

	ev := recv(t, sub)
	require.Equal(t, bus.EventStatusUpdate, ev.Type)
	require.Equal(t, "m1", ev.MachineID)
	require.NotNil(t, ev.Snapshot)
	require.Equal(t, byte(2), ev.Snapshot.Position)
	require.False(t, ev.TS.IsZero())
}

func TestBus_FanOut(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, 0)
	a := b.Subscribe()
	defer a.Close()
	c := b.Subscribe()
	defer c.Close()

	b.Publish(bus.Event{Type: bus.EventStatusBusy, MachineID: "m1"})
	require.Equal(t, bus.EventStatusBusy, recv(t, a).Type)
	require.Equal(t, bus.EventStatusBusy, recv(t, c).Type)
}

func TestBus_SlowSubscriberDropsOldest(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, 2)
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(bus.Event{Type: bus.EventReconnecting, MachineID: "first"})
	b.Publish(bus.Event{Type: bus.EventReconnecting, MachineID: "second"})
	b.Publish(bus.Event{Type: bus.EventReconnecting, MachineID: "third"})

	require.Equal(t, "second", recv(t, sub).MachineID)
	require.Equal(t, "third", recv(t, sub).MachineID)
	require.True(t, sub.Lagged())
}

func TestBus_KeepsUpNotLagged(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, 8)
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 8; i++ {
		b.Publish(bus.Event{Type: bus.EventStatusBusy, MachineID: "m1"})
	}
	for i := 0; i < 8; i++ {
		recv(t, sub)
	}
	require.False(t, sub.Lagged())
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, 0)
	sub := b.Subscribe()
	sub.Close()

	_, ok := <-sub.Events()
	require.False(t, ok)

	// Publishing after unsubscribe must not panic.
	b.Publish(bus.Event{Type: bus.EventStatusBusy, MachineID: "m1"})
}

func TestBus_PublishSetsTimestamp(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, 0)
	sub := b.Subscribe()
	defer sub.Close()

	explicit := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.Publish(bus.Event{Type: bus.EventStatusBusy, TS: explicit})
	require.Equal(t, explicit, recv(t, sub).TS)

	b.Publish(bus.Event{Type: bus.EventStatusBusy})
	require.False(t, recv(t, sub).TS.IsZero())
}
