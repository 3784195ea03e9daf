// Package audit maintains the two append-only trails: client connections
// (who asked for what) and device operations (what was actually sent to each
// PLC and what came back).
package audit

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Request kinds recorded on the client-connection trail.
const (
	KindStatusReq  = "STATUS_REQ"
	KindCommandReq = "COMMAND_REQ"
	KindMoveReq    = "MOVE_REQ"
	KindListReq    = "LIST_REQ"
)

type Outcome string

const (
	OutcomeOK    Outcome = "OK"
	OutcomeError Outcome = "ERROR"
)

// ClientRecord is one entry on the client-connection trail.
type ClientRecord struct {
	Kind       string
	ClientAddr string
	MachineID  string
	Command    *int
	Argument   *int
	Outcome    Outcome
	Error      string
}

// OperationRecord is one entry on the device-operation trail.
type OperationRecord struct {
	MachineID    string
	Command      int
	Argument     *int
	StatusBefore *byte
	StatusAfter  *byte
	Outcome      Outcome
	Error        string
}

type Config struct {
	Logger *slog.Logger
	// Dir holds client_connections.log and operations.log. Empty discards
	// both trails (tests).
	Dir string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Trail is the process-wide audit sink. Appends are synchronized by the
// underlying slog handlers.
type Trail struct {
	clients *slog.Logger
	ops     *slog.Logger
	closers []io.Closer
}

func New(cfg *Config) (*Trail, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		discard := slog.New(slog.NewJSONHandler(io.Discard, nil))
		return &Trail{clients: discard, ops: discard}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	t := &Trail{}
	for _, f := range []struct {
		name string
		dst  **slog.Logger
	}{
		{"client_connections.log", &t.clients},
		{"operations.log", &t.ops},
	} {
		w, err := os.OpenFile(filepath.Join(cfg.Dir, f.name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			t.Close() //nolint:errcheck
			return nil, err
		}
		t.closers = append(t.closers, w)
		*f.dst = slog.New(slog.NewJSONHandler(w, nil))
	}
	return t, nil
}

// Discard returns a trail that drops every record, for tests.
func Discard() *Trail {
	discard := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return &Trail{clients: discard, ops: discard}
}

func (t *Trail) Close() error {
	var err error
	for _, c := range t.closers {
		if cerr := c.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}

// Client appends one record to the client-connection trail.
func (t *Trail) Client(rec ClientRecord) {
	attrs := []any{
		"kind", rec.Kind,
		"client_addr", orUnknown(rec.ClientAddr),
		"machine_id", rec.MachineID,
		"outcome", string(rec.Outcome),
		"ts", time.Now().Format(time.RFC3339Nano),
	}
	if rec.Command != nil {
		attrs = append(attrs, "command", *rec.Command)
	}
	if rec.Argument != nil {
		attrs = append(attrs, "argument", *rec.Argument)
	}
	if rec.Error != "" {
		attrs = append(attrs, "error", rec.Error)
	}
	t.clients.Info("client_connection", attrs...)
}

// Operation appends one record to the device-operation trail.
func (t *Trail) Operation(rec OperationRecord) {
	attrs := []any{
		"machine_id", rec.MachineID,
		"command", rec.Command,
		"outcome", string(rec.Outcome),
		"ts", time.Now().Format(time.RFC3339Nano),
	}
	if rec.Argument != nil {
		attrs = append(attrs, "argument", *rec.Argument)
	}
	if rec.StatusBefore != nil {
		attrs = append(attrs, "status_before", *rec.StatusBefore)
	}
	if rec.StatusAfter != nil {
		attrs = append(attrs, "status_after", *rec.StatusAfter)
	}
	if rec.Error != "" {
		attrs = append(attrs, "error", rec.Error)
	}
	t.ops.Info("operation", attrs...)
}

func orUnknown(addr string) string {
	if addr == "" {
		return "unknown"
	}
	return addr
}
