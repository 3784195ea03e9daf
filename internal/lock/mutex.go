// Package lock provides the two-tier exclusion primitive guarding one device:
// an in-process lock and a cross-process file lock, acquired in that order and
// released in reverse. The cross-process tier covers the case where the
// desktop application and the standalone event-stream server are both started
// against the same PLC.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/iapunto/carousel-api/internal/plc"
)

const (
	defaultAcquireTimeout = 2 * time.Second

	// flockRetryDelay is how often the file-lock tier re-polls while waiting
	// for its deadline.
	flockRetryDelay = 50 * time.Millisecond
)

type Config struct {
	Logger    *slog.Logger
	MachineID string
	// LockDir anchors the cross-process lock files. Defaults to the OS temp
	// directory.
	LockDir        string
	AcquireTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.MachineID == "" {
		return errors.New("machine id is required")
	}
	if c.LockDir == "" {
		c.LockDir = os.TempDir()
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	return nil
}

// DeviceMutex serializes access to one physical PLC. The wire protocol has no
// multiplexing; a half-written command interleaved with a poller's STATUS poll
// corrupts both.
type DeviceMutex struct {
	log   *slog.Logger
	cfg   *Config
	local chan struct{}
	host  *flock.Flock
}

func New(cfg *Config) (*DeviceMutex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.LockDir, fmt.Sprintf("plc_%s.lock", cfg.MachineID))
	return &DeviceMutex{
		log:   cfg.Logger.With("machine", cfg.MachineID),
		cfg:   cfg,
		local: make(chan struct{}, 1),
		host:  flock.New(path),
	}, nil
}

// Acquire takes both tiers within the configured deadline. A deadline miss on
// either tier fails with PLC_BUSY; the caller maps that to HTTP 409.
func (m *DeviceMutex) Acquire(ctx context.Context) error {
	deadline, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	select {
	case m.local <- struct{}{}:
	case <-deadline.Done():
		m.log.Debug("in-process lock deadline exceeded")
		return plc.Errorf(plc.KindBusy, "machine %s is busy processing another request", m.cfg.MachineID)
	}

	ok, err := m.host.TryLockContext(deadline, flockRetryDelay)
	if err != nil || !ok {
		<-m.local
		m.log.Debug("cross-process lock deadline exceeded", "error", err)
		return plc.WrapErr(plc.KindBusy, err, "machine %s is locked by another process", m.cfg.MachineID)
	}
	return nil
}

// Release unwinds both tiers in reverse acquisition order.
func (m *DeviceMutex) Release() {
	if err := m.host.Unlock(); err != nil {
		m.log.Warn("failed to release cross-process lock", "error", err)
	}
	<-m.local
}

// Path returns the cross-process lock file location.
func (m *DeviceMutex) Path() string {
	return m.host.Path()
}
