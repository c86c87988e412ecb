package operator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidState is returned if state machine method cannot be executed
	// at this moment.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotStarted is returned when state machine loop is not running.
	ErrNotStarted = errors.New("state machine is not started")
	// ErrUnknownModule is returned for module indices out of range or
	// modules that are not connected.
	ErrUnknownModule = errors.New("unknown module")
)

// SystemState is the internal state of the state machine.
type SystemState int

// System states. Modules connect in WaitingForConnection, publish their
// declarations in Publishing and receive the aggregated declarations in
// Information. Initialization waits for the first configuration.
const (
	Idle SystemState = iota
	WaitingForConnection
	Publishing
	Information
	Initialization
	SetConfigIssued
	Resting
	RunningInitiated
	Running
	SuspendInitiated
	Suspended
	Transition
	Fatal
)

func (s SystemState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case WaitingForConnection:
		return "WaitingForConnection"
	case Publishing:
		return "Publishing"
	case Information:
		return "Information"
	case Initialization:
		return "Initialization"
	case SetConfigIssued:
		return "SetConfigIssued"
	case Resting:
		return "Resting"
	case RunningInitiated:
		return "RunningInitiated"
	case Running:
		return "Running"
	case SuspendInitiated:
		return "SuspendInitiated"
	case Suspended:
		return "Suspended"
	case Transition:
		return "Transition"
	case Fatal:
		return "Fatal"
	}
	return fmt.Sprintf("SystemState(%d)", int(s))
}

// configured states have modules with initialized chains.
func (s SystemState) configured() bool {
	switch s {
	case Resting, RunningInitiated, Running, SuspendInitiated, Suspended:
		return true
	}
	return false
}

// live states have modules with connected chains that accept state
// changes.
func (s SystemState) live() bool {
	switch s {
	case SetConfigIssued, Transition:
		return true
	}
	return s.configured()
}

// Operation is the externally visible state of the system.
type Operation int

// Operations.
const (
	OperationUnavailable Operation = iota
	OperationIdle
	OperationStartup
	OperationConnected
	OperationResting
	OperationSuspended
	OperationParamsModified
	OperationRunning
	OperationBusy
)

var operations = map[Operation]string{
	OperationUnavailable:    "Unavailable",
	OperationIdle:           "Idle",
	OperationStartup:        "Startup",
	OperationConnected:      "Connected",
	OperationResting:        "Resting",
	OperationSuspended:      "Suspended",
	OperationParamsModified: "ParamsModified",
	OperationRunning:        "Running",
	OperationBusy:           "Busy",
}

func (o Operation) String() string {
	if s, ok := operations[o]; ok {
		return s
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

// ParseOperation returns operation by its name, case is ignored.
func ParseOperation(name string) (Operation, error) {
	for o, s := range operations {
		if strings.EqualFold(s, name) {
			return o, nil
		}
	}
	return OperationUnavailable, fmt.Errorf("unknown system state %q", name)
}

// operation collapses internal state. Modified parameters are reported
// only while resting or suspended.
func (s SystemState) operation(modified bool) Operation {
	switch s {
	case Idle:
		return OperationIdle
	case WaitingForConnection, Publishing:
		return OperationStartup
	case Information, Initialization:
		return OperationConnected
	case Resting:
		if modified {
			return OperationParamsModified
		}
		return OperationResting
	case Suspended:
		if modified {
			return OperationParamsModified
		}
		return OperationSuspended
	case Running:
		return OperationRunning
	case Transition, SetConfigIssued, RunningInitiated, SuspendInitiated:
		return OperationBusy
	}
	return OperationUnavailable
}
