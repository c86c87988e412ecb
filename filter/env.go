package filter

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"pipelined.dev/bci/param"
	"pipelined.dev/bci/state"
)

// ErrPhase is returned when an environment operation is not allowed in
// the current phase.
var ErrPhase = errors.New("operation not allowed in this phase")

// Phase of the filter chain lifecycle.
type Phase int

// Phases.
const (
	Idle Phase = iota
	Publish
	Preflight
	Initialize
	StartRun
	Process
	StopRun
	Resting
	Halt
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Publish:
		return "publish"
	case Preflight:
		return "preflight"
	case Initialize:
		return "initialize"
	case StartRun:
		return "start run"
	case Process:
		return "process"
	case StopRun:
		return "stop run"
	case Resting:
		return "resting"
	case Halt:
		return "halt"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Env gives filters access to the parameters, states and state vector of
// the module. Access is gated by the current phase: declarations are only
// allowed during Publish, parameter writes only during Preflight and
// state writes only while processing.
type Env struct {
	Module string
	Logger *logrus.Entry

	params *param.List
	states *state.List
	vector *state.Vector
	phase  Phase
}

// NewEnv returns environment bound to module containers.
func NewEnv(module string, logger *logrus.Entry, params *param.List, states *state.List) *Env {
	return &Env{
		Module: module,
		Logger: logger,
		params: params,
		states: states,
	}
}

// Phase returns current phase.
func (e *Env) Phase() Phase {
	return e.phase
}

// Enter switches environment into the phase.
func (e *Env) Enter(p Phase) {
	e.phase = p
}

// SetVector binds state vector. It's available from Initialize on.
func (e *Env) SetVector(v *state.Vector) {
	e.vector = v
}

// Vector returns bound state vector or nil.
func (e *Env) Vector() *state.Vector {
	return e.vector
}

func (e *Env) check(op string, allowed ...Phase) error {
	for _, p := range allowed {
		if e.phase == p {
			return nil
		}
	}
	return fmt.Errorf("%s during %s: %w", op, e.phase, ErrPhase)
}

// DeclareParam declares a parameter.
func (e *Env) DeclareParam(params ...param.Param) error {
	if err := e.check("declare parameter", Publish); err != nil {
		return err
	}
	for _, p := range params {
		if err := e.params.Declare(p); err != nil {
			return err
		}
	}
	return nil
}

// DeclareState declares a state.
func (e *Env) DeclareState(fields ...state.Field) error {
	if err := e.check("declare state", Publish); err != nil {
		return err
	}
	for _, f := range fields {
		if err := e.states.Declare(f); err != nil {
			return err
		}
	}
	return nil
}

// Param returns parameter. Parameters can't be read during Publish.
func (e *Env) Param(path string) (param.Param, error) {
	if e.phase == Publish {
		return param.Param{}, fmt.Errorf("read parameter %s during %s: %w", path, e.phase, ErrPhase)
	}
	return e.params.Get(path)
}

// Decode binds parameters to the fields of out.
func (e *Env) Decode(out interface{}) error {
	if e.phase == Publish {
		return fmt.Errorf("read parameters during %s: %w", e.phase, ErrPhase)
	}
	return e.params.Decode(out)
}

// SetParam changes parameter value during Preflight.
func (e *Env) SetParam(path string, values ...string) error {
	if err := e.check("set parameter "+path, Preflight); err != nil {
		return err
	}
	return e.params.Set(path, values...)
}

// State reads state value of the row.
func (e *Env) State(name string, row int) (uint64, error) {
	if e.vector == nil {
		return 0, fmt.Errorf("read state %s during %s: %w", name, e.phase, ErrPhase)
	}
	return e.vector.Get(name, row)
}

// SetState writes state value from row on.
func (e *Env) SetState(name string, row int, value uint64) error {
	if err := e.check("set state "+name, StartRun, Process, StopRun, Resting); err != nil {
		return err
	}
	return e.vector.Set(name, row, value)
}

// SetStateRow writes state value into a single row.
func (e *Env) SetStateRow(name string, row int, value uint64) error {
	if err := e.check("set state "+name, StartRun, Process, StopRun, Resting); err != nil {
		return err
	}
	return e.vector.SetRow(name, row, value)
}

// Field returns declared state.
func (e *Env) Field(name string) (state.Field, bool) {
	return e.states.ByName(name)
}
