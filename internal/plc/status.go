package plc

import "time"

// Wire command codes. Values other than these pass through to the device
// opaquely.
const (
	CmdStatus byte = 0
	CmdMove   byte = 1
)

// MaxPosition is the highest addressable bucket for a MOVE target. The wire
// position field is a full byte; devices may report positions above this, but
// MOVE inputs are rejected.
const MaxPosition = 9

// Status bit positions within the raw status byte, LSB first.
const (
	BitReady = 1 << iota
	BitRun
	BitManualMode
	BitAlarm
	BitEStop
	BitVFDError
	BitPositionError
	BitDirectionDown
)

// Status projects the raw status byte into named booleans.
type Status struct {
	Ready         bool `json:"ready"`
	Run           bool `json:"run"`
	ManualMode    bool `json:"manual_mode"`
	Alarm         bool `json:"alarm"`
	EStop         bool `json:"estop"`
	VFDError      bool `json:"vfd_error"`
	PositionError bool `json:"position_error"`
	DirectionDown bool `json:"direction_down"`
}

// Snapshot is an immutable capture of a device's observable state.
type Snapshot struct {
	Raw        byte      `json:"raw"`
	Bits       Status    `json:"bits"`
	Position   byte      `json:"position"`
	CapturedAt time.Time `json:"captured_at"`
}

// SameState reports whether two snapshots describe the same device state,
// ignoring capture time. The poller uses this to suppress duplicate
// publications.
func (s Snapshot) SameState(o Snapshot) bool {
	return s.Raw == o.Raw && s.Position == o.Position
}

// Codec decodes the raw status byte. Some deployed PLCs invert the READY bit;
// the high-level label stays canonical and the polarity is a deployment-time
// flag.
type Codec struct {
	ReadyInverted bool
}

func (c Codec) Decode(raw byte) Status {
	ready := raw&BitReady != 0
	if c.ReadyInverted {
		ready = !ready
	}
	return Status{
		Ready:         ready,
		Run:           raw&BitRun != 0,
		ManualMode:    raw&BitManualMode != 0,
		Alarm:         raw&BitAlarm != 0,
		EStop:         raw&BitEStop != 0,
		VFDError:      raw&BitVFDError != 0,
		PositionError: raw&BitPositionError != 0,
		DirectionDown: raw&BitDirectionDown != 0,
	}
}

// Encode is the inverse of Decode.
func (c Codec) Encode(s Status) byte {
	var raw byte
	ready := s.Ready
	if c.ReadyInverted {
		ready = !ready
	}
	if ready {
		raw |= BitReady
	}
	if s.Run {
		raw |= BitRun
	}
	if s.ManualMode {
		raw |= BitManualMode
	}
	if s.Alarm {
		raw |= BitAlarm
	}
	if s.EStop {
		raw |= BitEStop
	}
	if s.VFDError {
		raw |= BitVFDError
	}
	if s.PositionError {
		raw |= BitPositionError
	}
	if s.DirectionDown {
		raw |= BitDirectionDown
	}
	return raw
}

// Snapshot builds an immutable capture from a wire response.
func (c Codec) Snapshot(raw, position byte, at time.Time) Snapshot {
	return Snapshot{Raw: raw, Bits: c.Decode(raw), Position: position, CapturedAt: at}
}

// ReadyToMove reports whether the device is in a state where a MOVE command is
// safe to issue: stopped, in remote mode, and with no fault conditions.
func (s Status) ReadyToMove() bool {
	return s.Ready && !s.Run && !s.ManualMode && !s.Alarm && !s.EStop && !s.VFDError && !s.PositionError
}

// Describe maps each status field to its canonical operator-facing phrase.
func (s Status) Describe() map[string]string {
	d := make(map[string]string, 8)
	if s.Ready {
		d["READY"] = "equipment is ready to operate"
	} else {
		d["READY"] = "equipment cannot operate"
	}
	if s.Run {
		d["RUN"] = "equipment is moving (movement command active)"
	} else {
		d["RUN"] = "equipment is stopped"
	}
	if s.ManualMode {
		d["OPERATION_MODE"] = "manual mode"
	} else {
		d["OPERATION_MODE"] = "remote mode"
	}
	if s.Alarm {
		d["ALARM"] = "alarm active"
	} else {
		d["ALARM"] = "no alarm"
	}
	if s.EStop {
		d["EMERGENCY_STOP"] = "emergency stop pressed and active"
	} else {
		d["EMERGENCY_STOP"] = "no emergency stop"
	}
	if s.VFDError {
		d["VFD"] = "variable frequency drive error"
	} else {
		d["VFD"] = "variable frequency drive OK"
	}
	if s.PositionError {
		d["POSITION_ERROR"] = "a positioning error has occurred"
	} else {
		d["POSITION_ERROR"] = "no positioning error"
	}
	if s.DirectionDown {
		d["ROTATION_DIRECTION"] = "descending"
	} else {
		d["ROTATION_DIRECTION"] = "ascending"
	}
	return d
}

// ValidateCommand rejects command codes outside the byte domain.
func ValidateCommand(command int) error {
	if command < 0 || command > 255 {
		return Errorf(KindBadCommand, "command must be an integer between 0 and 255, got %d", command)
	}
	return nil
}

// ValidateArgument rejects arguments outside the byte domain. A nil argument
// is valid.
func ValidateArgument(argument *int) error {
	if argument == nil {
		return nil
	}
	if *argument < 0 || *argument > 255 {
		return Errorf(KindBadCommand, "argument must be an integer between 0 and 255, got %d", *argument)
	}
	return nil
}

// ValidateMovePosition rejects MOVE targets outside the bucket domain.
func ValidateMovePosition(position int) error {
	if position < 0 || position > MaxPosition {
		return Errorf(KindBadCommand, "position must be an integer between 0 and %d, got %d", MaxPosition, position)
	}
	return nil
}
