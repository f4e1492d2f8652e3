package driver

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("driver not connected")
	ErrIncompatible      = errors.New("incompatible robot versions")
	ErrMalformedResponse = errors.New("malformed response")
	ErrNoResponse        = errors.New("no response from controller")
	ErrLimitHit          = errors.New("limit switch hit")
	ErrBoardFault        = errors.New("controller reported a fault")
	ErrArrivalTimeout    = errors.New("axes did not reach target")
	ErrHalted            = errors.New("driver halted; resume required")
	ErrUnknownAxis       = errors.New("unknown axis")
	ErrConfigMissing     = errors.New("config key not set")
)

// FaultClass separates faults that need a reconnect from those the
// driver has already recovered from.
type FaultClass int

const (
	// ClassProtocol covers malformed or missing responses, a lost link
	// and version mismatches. The session is unusable until reconnected.
	ClassProtocol FaultClass = iota
	// ClassHardware covers limit hits and board faults. The driver has
	// already issued halt and calm-down; motion resumes after Resume.
	ClassHardware
)

func (c FaultClass) String() string {
	if c == ClassHardware {
		return "hardware"
	}
	return "protocol"
}

// Fault is the error type raised by the driver for device problems.
type Fault struct {
	Class   FaultClass
	Command string
	// Axis is set for limit switch hits.
	Axis Axis
	// Line is the offending response line, if any.
	Line string
	Err  error
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("%s fault", f.Class)
	if f.Command != "" {
		msg += fmt.Sprintf(" on %q", f.Command)
	}
	if f.Axis != "" {
		msg += fmt.Sprintf(" (axis %s)", f.Axis)
	}
	if f.Line != "" {
		msg += fmt.Sprintf(": %s", f.Line)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error { return f.Err }

// Recoverable reports whether the session survives the fault.
func (f *Fault) Recoverable() bool { return f.Class == ClassHardware }

// IsRecoverable reports whether err carries a recoverable Fault.
func IsRecoverable(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Recoverable()
}
