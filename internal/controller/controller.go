// Package controller implements the high-level operations on one carousel:
// status, generic command, and move. Every operation is written to the
// operations audit trail with the device state observed before and after.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/iapunto/carousel-api/internal/audit"
	"github.com/iapunto/carousel-api/internal/plc"
)

type Config struct {
	Logger    *slog.Logger
	MachineID string
	Link      plc.Link
	Codec     plc.Codec
	Trail     *audit.Trail
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.MachineID == "" {
		return errors.New("machine id is required")
	}
	if c.Link == nil {
		return errors.New("link is required")
	}
	if c.Trail == nil {
		return errors.New("trail is required")
	}
	return nil
}

type Controller struct {
	log   *slog.Logger
	cfg   *Config
	link  plc.Link
	codec plc.Codec
	trail *audit.Trail
}

func New(cfg *Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		log:   cfg.Logger.With("machine", cfg.MachineID),
		cfg:   cfg,
		link:  cfg.Link,
		codec: cfg.Codec,
		trail: cfg.Trail,
	}, nil
}

// GetCurrentStatus performs one STATUS round trip and returns the decoded
// snapshot.
func (c *Controller) GetCurrentStatus(ctx context.Context) (plc.Snapshot, error) {
	resp, err := c.link.RoundTrip(ctx, plc.CmdStatus, nil)
	if err != nil {
		c.audit(int(plc.CmdStatus), nil, nil, nil, err)
		return plc.Snapshot{}, plc.Wrap(err, "status read failed")
	}
	snap := c.codec.Snapshot(resp.Raw, resp.Position, time.Now())
	c.audit(int(plc.CmdStatus), nil, nil, &snap.Raw, nil)
	return snap, nil
}

// SendCommand validates the pair, captures the device state before and after,
// and performs the round trip. Validation failures surface before any device
// I/O. The controller never converts one error kind into another; it only
// adds message context.
func (c *Controller) SendCommand(ctx context.Context, command int, argument *int) (plc.Snapshot, error) {
	if err := plc.ValidateCommand(command); err != nil {
		return plc.Snapshot{}, err
	}
	if err := plc.ValidateArgument(argument); err != nil {
		return plc.Snapshot{}, err
	}

	cmd := byte(command)
	var arg *byte
	if argument != nil {
		b := byte(*argument)
		arg = &b
	}
	if cmd == plc.CmdStatus {
		return c.GetCurrentStatus(ctx)
	}

	// Best-effort pre-state capture; its absence is not an error.
	var before *byte
	var beforeStatus *plc.Status
	if resp, err := c.link.RoundTrip(ctx, plc.CmdStatus, nil); err == nil {
		raw := resp.Raw
		before = &raw
		st := c.codec.Decode(raw)
		beforeStatus = &st
	} else {
		c.log.Debug("pre-command status capture failed", "error", err)
	}

	// A MOVE is only issued to a device that reports itself ready: stopped,
	// remote mode, no fault bits.
	if cmd == plc.CmdMove && beforeStatus != nil && !beforeStatus.ReadyToMove() {
		err := plc.Errorf(plc.KindBusy, "plc is not in a state to accept a move command")
		c.audit(command, argument, before, nil, err)
		return plc.Snapshot{}, err
	}

	resp, err := c.link.RoundTrip(ctx, cmd, arg)
	if err != nil {
		c.audit(command, argument, before, nil, err)
		return plc.Snapshot{}, plc.Wrap(err, "command %d failed", command)
	}
	snap := c.codec.Snapshot(resp.Raw, resp.Position, time.Now())
	c.audit(command, argument, before, &snap.Raw, nil)
	return snap, nil
}

// MoveTo moves the carousel to the target bucket.
func (c *Controller) MoveTo(ctx context.Context, position int) (plc.Snapshot, error) {
	if err := plc.ValidateMovePosition(position); err != nil {
		return plc.Snapshot{}, err
	}
	arg := position
	return c.SendCommand(ctx, int(plc.CmdMove), &arg)
}

func (c *Controller) audit(command int, argument *int, before, after *byte, err error) {
	rec := audit.OperationRecord{
		MachineID:    c.cfg.MachineID,
		Command:      command,
		Argument:     argument,
		StatusBefore: before,
		StatusAfter:  after,
		Outcome:      audit.OutcomeOK,
	}
	if err != nil {
		rec.Outcome = audit.OutcomeError
		rec.Error = err.Error()
	}
	c.trail.Operation(rec)
}
