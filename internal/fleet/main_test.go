package fleet_test

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"

	"github.com/iapunto/carousel-api/internal/audit"
	"github.com/iapunto/carousel-api/internal/bus"
	"github.com/iapunto/carousel-api/internal/config"
	"github.com/iapunto/carousel-api/internal/fleet"
	"github.com/iapunto/carousel-api/internal/plc"
)

var (
	log *slog.Logger
)

// TestMain sets up the test environment with a global logger.
func TestMain(m *testing.M) {
	flag.Parse()
	logLevel := slog.LevelInfo
	if vFlag := flag.Lookup("test.v"); vFlag != nil && vFlag.Value.String() == "true" {
		logLevel = slog.LevelDebug
	}
	log = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.RFC3339,
	}))

	os.Exit(m.Run())
}

// mockLink is a scriptable in-memory device.
type mockLink struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	raw        byte
	position   byte
	tripErr    error
	connectErr error
	trips      int

	// entered is signaled when a round trip starts; block, when non-nil, holds
	// the round trip open until closed.
	entered chan struct{}
	block   chan struct{}
}

func (m *mockLink) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *mockLink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.closed = true
	return nil
}

func (m *mockLink) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockLink) RoundTrip(ctx context.Context, command byte, argument *byte) (plc.Response, error) {
	m.mu.Lock()
	m.trips++
	entered, block := m.entered, m.block
	m.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return plc.Response{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tripErr != nil {
		return plc.Response{}, m.tripErr
	}
	if command == plc.CmdMove && argument != nil {
		m.position = *argument
	}
	return plc.Response{Raw: m.raw, Position: m.position}, nil
}

func (m *mockLink) set(raw, position byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = raw
	m.position = position
}

func (m *mockLink) tripCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trips
}

type testFleet struct {
	manager *fleet.Manager
	bus     *bus.Bus
	sub     *bus.Subscriber
	link    *mockLink
	clock   *clockwork.FakeClock
}

func newTestFleet(t *testing.T, opts fleet.Config) *testFleet {
	t.Helper()

	link := &mockLink{connected: true, raw: plc.BitReady, position: 1}
	eventBus, err := bus.New(&bus.Config{Logger: log})
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	cfg := opts
	cfg.Logger = log
	cfg.Bus = eventBus
	cfg.Trail = audit.Discard()
	cfg.Clock = clock
	cfg.LockDir = t.TempDir()
	if cfg.Machines == nil {
		cfg.Machines = []config.MachineConfig{
			{ID: "m1", Name: "Carousel One", IP: "127.0.0.1", Port: 3200},
		}
	}
	if cfg.MutexTimeout == 0 {
		cfg.MutexTimeout = 100 * time.Millisecond
	}
	if cfg.NewLink == nil {
		cfg.NewLink = func(config.MachineConfig) (plc.Link, error) { return link, nil }
	}

	manager, err := fleet.New(&cfg)
	require.NoError(t, err)

	sub := eventBus.Subscribe()
	t.Cleanup(sub.Close)
	return &testFleet{manager: manager, bus: eventBus, sub: sub, link: link, clock: clock}
}

func (f *testFleet) recvEvent(t *testing.T) bus.Event {
	t.Helper()
	select {
	case ev, ok := <-f.sub.Events():
		require.True(t, ok, "subscriber channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return bus.Event{}
	}
}
