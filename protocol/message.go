// Package protocol implements typed messages exchanged between modules and
// the operator, their wire framing and protocol version negotiation.
package protocol

import (
	"fmt"

	"pipelined.dev/bci/param"
	"pipelined.dev/bci/signal"
	"pipelined.dev/bci/state"
)

// Kind identifies message type on the wire.
type Kind byte

// Message kinds.
const (
	KindParam Kind = iota + 1
	KindStateDecl
	KindStateVector
	KindStateChange
	KindSignalProperties
	KindSignal
	KindSysCommand
	KindProtocolVersion
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindParam:
		return "Param"
	case KindStateDecl:
		return "StateDecl"
	case KindStateVector:
		return "StateVector"
	case KindStateChange:
		return "StateChange"
	case KindSignalProperties:
		return "SignalProperties"
	case KindSignal:
		return "Signal"
	case KindSysCommand:
		return "SysCommand"
	case KindProtocolVersion:
		return "ProtocolVersion"
	case KindStatus:
		return "Status"
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// Message is implemented by all protocol messages.
type Message interface {
	Kind() Kind
}

type (
	// Param carries a single parameter.
	Param struct {
		param.Param
	}

	// StateDecl declares a field. Value is the current value of the field.
	StateDecl struct {
		Field state.Field `msgpack:"field"`
		Value uint64      `msgpack:"value"`
	}

	// StateVector is a full snapshot of a vector.
	StateVector struct {
		Samples int    `msgpack:"samples"`
		Data    []byte `msgpack:"data"`
	}

	// StateChange sets a single field value from Row of the next block
	// onwards.
	StateChange struct {
		Name  string `msgpack:"name"`
		Value uint64 `msgpack:"value"`
		Row   int    `msgpack:"row,omitempty"`
	}

	// SignalProperties announces shape of the following blocks.
	SignalProperties struct {
		signal.Properties
	}

	// Signal carries one block. Data is channel-major and empty when the
	// block was written into shared storage named by Shared.
	Signal struct {
		Properties signal.Properties `msgpack:"properties"`
		Data       []float64         `msgpack:"data,omitempty"`
		Shared     string            `msgpack:"shared,omitempty"`
	}

	// SysCommand is a system command.
	SysCommand string

	// ProtocolVersion announces the highest supported protocol version.
	ProtocolVersion struct {
		Major    Version `msgpack:"major"`
		Features uint32  `msgpack:"features"`
	}

	// Status is a human-readable state with severity code.
	Status struct {
		Text string `msgpack:"text"`
		Code int    `msgpack:"code"`
	}
)

// System commands.
const (
	Start          SysCommand = "Start"
	Reset          SysCommand = "Reset"
	EndOfParameter SysCommand = "EndOfParameter"
	EndOfState     SysCommand = "EndOfState"
	Suspend        SysCommand = "Suspend"
)

// Status code severities. Low digits carry the role of the sender.
const (
	StatusPlain       = 100
	StatusInitialized = 200
	StatusRunning     = 300
	StatusSuspended   = 400
	StatusWarning     = 500
	StatusError       = 600
)

// Kind implements Message.
func (Param) Kind() Kind { return KindParam }

// Kind implements Message.
func (StateDecl) Kind() Kind { return KindStateDecl }

// Kind implements Message.
func (StateVector) Kind() Kind { return KindStateVector }

// Kind implements Message.
func (StateChange) Kind() Kind { return KindStateChange }

// Kind implements Message.
func (SignalProperties) Kind() Kind { return KindSignalProperties }

// Kind implements Message.
func (Signal) Kind() Kind { return KindSignal }

// Kind implements Message.
func (SysCommand) Kind() Kind { return KindSysCommand }

// Kind implements Message.
func (ProtocolVersion) Kind() Kind { return KindProtocolVersion }

// Kind implements Message.
func (Status) Kind() Kind { return KindStatus }

// NewStatus returns status with severity and role offset.
func NewStatus(severity, role int, format string, args ...interface{}) Status {
	return Status{
		Text: fmt.Sprintf(format, args...),
		Code: severity + role,
	}
}

// Severity strips role offset from the code.
func (s Status) Severity() int {
	return s.Code / 100 * 100
}

func (s Status) String() string {
	return fmt.Sprintf("%d %s", s.Code, s.Text)
}

// NewSignal returns signal message carrying the block.
func NewSignal(p signal.Properties, block signal.Float64) Signal {
	return Signal{
		Properties: p,
		Data:       block.Flatten(),
	}
}

// Block returns carried block. Shared blocks must be read from storage.
func (s Signal) Block() (signal.Float64, error) {
	return signal.Unflatten(s.Data, s.Properties.Channels, s.Properties.Elements)
}

// VersionMessage returns announcement of provided version.
func VersionMessage(v Version) ProtocolVersion {
	return ProtocolVersion{
		Major:    v,
		Features: v.Features(),
	}
}
