package config_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iapunto/carousel-api/internal/config"
)

func newTestStore(t *testing.T, dir string) *config.Store {
	t.Helper()
	s, err := config.NewStore(&config.StoreConfig{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		FleetPath:  filepath.Join(dir, "config_multi_plc.json"),
		SinglePath: filepath.Join(dir, "config.json"),
		BackupDir:  filepath.Join(dir, "config_backups"),
	})
	require.NoError(t, err)
	return s
}

func testMachine(id string, port int) config.MachineConfig {
	return config.MachineConfig{
		ID:   id,
		Name: "Carousel " + id,
		IP:   "192.168.1.10",
		Port: port,
	}
}

func TestStore_LoadFleetDefault(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, t.TempDir())
	cfg, source, err := s.LoadFleet()
	require.NoError(t, err)
	require.Equal(t, config.SourceDefault, source)
	require.Len(t, cfg.Machines, 1)
	require.Equal(t, "machine_1", cfg.Machines[0].ID)
	require.Equal(t, "192.168.1.50", cfg.Machines[0].IP)
	require.Equal(t, 3200, cfg.Machines[0].Port)
}

func TestStore_LoadFleetLegacy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	single := config.SingleConfig{IP: "10.1.2.3", Port: 4400, SimulatorEnabled: true, APIPort: 5001}
	data, err := json.Marshal(single)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644))

	s := newTestStore(t, dir)
	cfg, source, err := s.LoadFleet()
	require.NoError(t, err)
	require.Equal(t, config.SourceLegacy, source)
	require.Len(t, cfg.Machines, 1)
	require.Equal(t, "10.1.2.3", cfg.Machines[0].IP)
	require.Equal(t, 4400, cfg.Machines[0].Port)
	require.True(t, cfg.Machines[0].Simulator)
	require.Equal(t, 5001, cfg.API.Port)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, t.TempDir())
	want := &config.FleetConfig{
		API: config.APIConfig{Port: 5000},
		Machines: []config.MachineConfig{
			testMachine("m1", 3200),
			testMachine("m2", 3201),
		},
	}
	require.NoError(t, s.SaveFleet(want))

	got, source, err := s.LoadFleet()
	require.NoError(t, err)
	require.Equal(t, config.SourceFleet, source)
	require.Equal(t, want.Machines, got.Machines)
	require.Equal(t, 5000, got.API.Port)
}

func TestStore_SaveFleetRejectsInvalid(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, t.TempDir())

	bad := testMachine("m1", 3200)
	bad.IP = "not-an-ip"
	err := s.SaveFleet(&config.FleetConfig{Machines: []config.MachineConfig{bad}})
	require.Error(t, err)

	err = s.SaveFleet(&config.FleetConfig{Machines: []config.MachineConfig{
		testMachine("m1", 3200),
		testMachine("m1", 3201),
	}})
	require.ErrorContains(t, err, "duplicate")
}

func TestStore_Validate(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, t.TempDir())
	tests := []struct {
		name   string
		mutate func(m *config.MachineConfig)
		ok     bool
	}{
		{"valid", func(m *config.MachineConfig) {}, true},
		{"empty id", func(m *config.MachineConfig) { m.ID = "" }, false},
		{"id with spaces", func(m *config.MachineConfig) { m.ID = "machine 1" }, false},
		{"id with slash", func(m *config.MachineConfig) { m.ID = "a/b" }, false},
		{"empty name", func(m *config.MachineConfig) { m.Name = "" }, false},
		{"bad ip", func(m *config.MachineConfig) { m.IP = "999.0.0.1" }, false},
		{"ipv6", func(m *config.MachineConfig) { m.IP = "::1" }, false},
		{"port zero", func(m *config.MachineConfig) { m.Port = 0 }, false},
		{"port too high", func(m *config.MachineConfig) { m.Port = 70000 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := testMachine("m1", 3200)
			tt.mutate(&m)
			ok, msg := s.Validate(m)
			require.Equal(t, tt.ok, ok, msg)
		})
	}
}

func TestStore_UpsertAndRemove(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, t.TempDir())
	require.NoError(t, s.SaveFleet(&config.FleetConfig{
		Machines: []config.MachineConfig{testMachine("m1", 3200)},
	}))

	require.NoError(t, s.UpsertMachine(testMachine("m2", 3201)))
	cfg, _, err := s.LoadFleet()
	require.NoError(t, err)
	require.Len(t, cfg.Machines, 2)

	replacement := testMachine("m2", 3300)
	require.NoError(t, s.UpsertMachine(replacement))
	cfg, _, err = s.LoadFleet()
	require.NoError(t, err)
	require.Len(t, cfg.Machines, 2)
	require.Equal(t, 3300, cfg.Machines[1].Port)

	require.NoError(t, s.RemoveMachine("m1"))
	cfg, _, err = s.LoadFleet()
	require.NoError(t, err)
	require.Len(t, cfg.Machines, 1)
	require.Equal(t, "m2", cfg.Machines[0].ID)

	require.Error(t, s.RemoveMachine("ghost"))
}

func TestStore_BackupsPruned(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := config.NewStore(&config.StoreConfig{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		FleetPath:  filepath.Join(dir, "config_multi_plc.json"),
		SinglePath: filepath.Join(dir, "config.json"),
		BackupDir:  filepath.Join(dir, "config_backups"),
		MaxBackups: 3,
	})
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		require.NoError(t, s.SaveFleet(&config.FleetConfig{
			Machines: []config.MachineConfig{testMachine("m1", 3200+i)},
		}))
	}

	entries, err := os.ReadDir(filepath.Join(dir, "config_backups"))
	require.NoError(t, err)
	count := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			count++
		}
	}
	require.LessOrEqual(t, count, 3)
	require.Positive(t, count)
}

func TestStore_SwitchToSingle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newTestStore(t, dir)
	require.NoError(t, s.SaveFleet(&config.FleetConfig{
		Machines: []config.MachineConfig{testMachine("m1", 3200)},
	}))

	require.NoError(t, s.SwitchToSingle())
	_, err := os.Stat(filepath.Join(dir, "config_multi_plc.json"))
	require.True(t, os.IsNotExist(err))

	// The fleet file is archived, not lost.
	entries, err := os.ReadDir(filepath.Join(dir, "config_backups"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	_, source, err := s.LoadFleet()
	require.NoError(t, err)
	require.Equal(t, config.SourceDefault, source)

	// Switching again with no fleet file is a no-op.
	require.NoError(t, s.SwitchToSingle())
}

func TestMachineConfig_Addr(t *testing.T) {
	t.Parallel()

	m := testMachine("m1", 3200)
	require.Equal(t, "192.168.1.10:3200", m.Addr())
}
