// Package config loads, validates, and atomically rewrites the fleet
// configuration. The fleet file is authoritative; when it is absent a
// one-machine fleet is synthesized from the legacy single-device file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MachineConfig identifies one configured carousel.
type MachineConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Simulator   bool   `json:"simulator"`
	Description string `json:"description,omitempty"`
}

// Addr returns the host:port endpoint of the machine's PLC.
func (m MachineConfig) Addr() string {
	return net.JoinHostPort(m.IP, strconv.Itoa(m.Port))
}

type APIConfig struct {
	Port           int    `json:"port"`
	Debug          bool   `json:"debug"`
	AllowedOrigins string `json:"allowed_origins"`
}

type LoggingConfig struct {
	Level                string `json:"level"`
	MaxFileSizeMB        int    `json:"max_file_size_mb"`
	BackupCount          int    `json:"backup_count"`
	ConnectionLogEnabled bool   `json:"connection_log_enabled"`
}

// FleetConfig is the on-disk shape of the multi-machine configuration.
type FleetConfig struct {
	API      APIConfig       `json:"api_config"`
	Machines []MachineConfig `json:"plc_machines"`
	Logging  LoggingConfig   `json:"logging"`
}

// SingleConfig is the legacy single-device configuration file.
type SingleConfig struct {
	IP               string `json:"ip"`
	Port             int    `json:"port"`
	SimulatorEnabled bool   `json:"simulator_enabled"`
	APIPort          int    `json:"api_port"`
}

// Source says where a loaded fleet came from.
type Source string

const (
	SourceFleet   Source = "fleet"
	SourceLegacy  Source = "legacy"
	SourceDefault Source = "default"
)

const (
	defaultFleetPath  = "config_multi_plc.json"
	defaultSinglePath = "config.json"
	defaultBackupDir  = "config_backups"
	defaultMaxBackups = 10

	backupTimeFormat = "20060102_150405.000000000"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type StoreConfig struct {
	Logger     *slog.Logger
	FleetPath  string
	SinglePath string
	BackupDir  string
	MaxBackups int
}

func (c *StoreConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.FleetPath == "" {
		c.FleetPath = defaultFleetPath
	}
	if c.SinglePath == "" {
		c.SinglePath = defaultSinglePath
	}
	if c.BackupDir == "" {
		c.BackupDir = defaultBackupDir
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = defaultMaxBackups
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg *StoreConfig

	mu sync.Mutex
}

func NewStore(cfg *StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger.With("component", "config"), cfg: cfg}, nil
}

// LoadFleet returns the fleet configuration and where it came from. When the
// fleet file is absent, a one-element fleet is synthesized from the legacy
// single-device file, or from built-in defaults when that is absent too.
func (s *Store) LoadFleet() (*FleetConfig, Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg, err := s.readFleet(); err == nil {
		s.log.Info("fleet configuration loaded", "machines", len(cfg.Machines))
		return cfg, SourceFleet, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, "", err
	}

	single, err := s.readSingle()
	source := SourceLegacy
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, "", err
		}
		single = &SingleConfig{IP: "192.168.1.50", Port: 3200, APIPort: 5000}
		source = SourceDefault
	}
	cfg := &FleetConfig{
		API: APIConfig{Port: single.APIPort},
		Machines: []MachineConfig{{
			ID:        "machine_1",
			Name:      "Default Carousel",
			IP:        single.IP,
			Port:      single.Port,
			Simulator: single.SimulatorEnabled,
		}},
		Logging: LoggingConfig{Level: "INFO", ConnectionLogEnabled: true},
	}
	s.log.Info("fleet configuration synthesized", "source", string(source))
	return cfg, source, nil
}

// readFleet tolerates a concurrent writer by retrying a malformed read once;
// saves are temp-then-rename so the second read sees a complete file.
func (s *Store) readFleet() (*FleetConfig, error) {
	cfg, err := readJSON[FleetConfig](s.cfg.FleetPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		time.Sleep(10 * time.Millisecond)
		cfg, err = readJSON[FleetConfig](s.cfg.FleetPath)
	}
	return cfg, err
}

func (s *Store) readSingle() (*SingleConfig, error) {
	return readJSON[SingleConfig](s.cfg.SinglePath)
}

func readJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &v, nil
}

// SaveFleet validates every machine, backs up the prior file, and writes the
// new configuration atomically.
func (s *Store) SaveFleet(cfg *FleetConfig) error {
	seen := make(map[string]struct{}, len(cfg.Machines))
	for _, m := range cfg.Machines {
		if ok, msg := s.Validate(m); !ok {
			return fmt.Errorf("invalid machine %q: %s", m.ID, msg)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("duplicate machine id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backup(s.cfg.FleetPath); err != nil {
		s.log.Warn("could not back up prior configuration", "error", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.cfg.FleetPath, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// UpsertMachine adds or replaces one machine by id.
func (s *Store) UpsertMachine(m MachineConfig) error {
	if ok, msg := s.Validate(m); !ok {
		return fmt.Errorf("invalid machine %q: %s", m.ID, msg)
	}
	cfg, _, err := s.LoadFleet()
	if err != nil {
		return err
	}
	replaced := false
	for i := range cfg.Machines {
		if cfg.Machines[i].ID == m.ID {
			cfg.Machines[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		cfg.Machines = append(cfg.Machines, m)
	}
	return s.SaveFleet(cfg)
}

// RemoveMachine deletes one machine by id.
func (s *Store) RemoveMachine(id string) error {
	cfg, _, err := s.LoadFleet()
	if err != nil {
		return err
	}
	kept := cfg.Machines[:0]
	for _, m := range cfg.Machines {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(cfg.Machines) {
		return fmt.Errorf("machine %q not found", id)
	}
	cfg.Machines = kept
	return s.SaveFleet(cfg)
}

// Validate checks one machine's fields and returns (ok, errorMessage).
func (s *Store) Validate(m MachineConfig) (bool, string) {
	if m.ID == "" {
		return false, "id is required"
	}
	if !idPattern.MatchString(m.ID) {
		return false, "id may only contain letters, digits, hyphens and underscores"
	}
	if m.Name == "" {
		return false, "name is required"
	}
	ip := net.ParseIP(m.IP)
	if ip == nil || ip.To4() == nil {
		return false, "ip must be an IPv4 dotted quad"
	}
	if m.Port < 1 || m.Port > 65535 {
		return false, "port must be between 1 and 65535"
	}
	return true, ""
}

// SwitchToSingle archives the fleet file into the backup directory and
// removes it, returning the system to legacy single-device operation.
func (s *Store) SwitchToSingle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.cfg.FleetPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := s.backup(s.cfg.FleetPath); err != nil {
		return err
	}
	return os.Remove(s.cfg.FleetPath)
}

// backup copies path into the backup directory with a timestamped name and
// prunes old copies down to MaxBackups.
func (s *Store) backup(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(s.cfg.BackupDir, 0o755); err != nil {
		return err
	}
	base := filepath.Base(path)
	name := fmt.Sprintf("%s_backup_%s.json",
		base[:len(base)-len(filepath.Ext(base))],
		time.Now().Format(backupTimeFormat))
	if err := os.WriteFile(filepath.Join(s.cfg.BackupDir, name), data, 0o644); err != nil {
		return err
	}
	return s.pruneBackups()
}

func (s *Store) pruneBackups() error {
	entries, err := os.ReadDir(s.cfg.BackupDir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for len(names) > s.cfg.MaxBackups {
		old := names[0]
		names = names[1:]
		if err := os.Remove(filepath.Join(s.cfg.BackupDir, old)); err != nil {
			return err
		}
		s.log.Debug("pruned old configuration backup", "file", old)
	}
	return nil
}
