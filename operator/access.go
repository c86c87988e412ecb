package operator

import (
	"fmt"
	"io"
	"strconv"

	"pipelined.dev/bci/param"
	"pipelined.dev/bci/protocol"
	"pipelined.dev/bci/signal"
	"pipelined.dev/bci/state"
)

// Parameter returns a copy of the parameter.
func (sm *StateMachine) Parameter(path string) (param.Param, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.params.Get(path)
}

// Parameters returns copies of all parameters sorted by path.
func (sm *StateMachine) Parameters() []param.Param {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.params.Params()
}

// SetParameter replaces values of an existing parameter. Modules receive it
// with the next configuration.
func (sm *StateMachine) SetParameter(path string, values ...string) error {
	return sm.lockedErr(func() error {
		if err := sm.params.Set(path, values...); err != nil {
			return err
		}
		sm.changedParameter(path)
		return nil
	})
}

// PutParameter adds or replaces the parameter.
func (sm *StateMachine) PutParameter(p param.Param) error {
	if err := p.Validate(); err != nil {
		return err
	}
	sm.locked(func() {
		sm.params.Add(p)
		sm.changedParameter(p.Path)
	})
	return nil
}

// changedParameter marks configuration modified and notifies listeners. The
// lock is held.
func (sm *StateMachine) changedParameter(path string) {
	if sm.state.configured() {
		sm.setModified(true)
	}
	p, ok := sm.params.ByPath(path)
	if !ok {
		return
	}
	sm.emit(func(l listener) {
		if l.parameter != nil {
			l.parameter.OnParameter(p)
		}
	})
}

// LoadParameters merges parameters read from r.
func (sm *StateMachine) LoadParameters(r io.Reader) error {
	loaded, err := param.ReadYAML(r)
	if err != nil {
		return err
	}
	sm.locked(func() {
		for _, p := range loaded.Params() {
			sm.params.Add(p)
			sm.changedParameter(p.Path)
		}
	})
	return nil
}

// SaveParameters writes all parameters to w.
func (sm *StateMachine) SaveParameters(w io.Writer) error {
	sm.mu.RLock()
	params := sm.params.Clone()
	sm.mu.RUnlock()
	return param.WriteYAML(w, params)
}

// States returns declared fields of StateKind.
func (sm *StateMachine) States() []state.Field {
	return sm.fields(state.StateKind)
}

// Events returns declared fields of EventKind.
func (sm *StateMachine) Events() []state.Field {
	return sm.fields(state.EventKind)
}

func (sm *StateMachine) fields(kind state.Kind) []state.Field {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var fields []state.Field
	for _, f := range sm.states.Fields() {
		if f.Kind == kind {
			fields = append(fields, f)
		}
	}
	return fields
}

// AddState declares a state. Declarations are only accepted before they
// are distributed to modules.
func (sm *StateMachine) AddState(name string, width int, def uint64) error {
	return sm.declare(state.NewField(name, width, state.StateKind, def))
}

// AddEvent declares an event.
func (sm *StateMachine) AddEvent(name string, width int, def uint64) error {
	return sm.declare(state.NewField(name, width, state.EventKind, def))
}

func (sm *StateMachine) declare(f state.Field) error {
	return sm.lockedErr(func() error {
		switch sm.state {
		case Idle, WaitingForConnection, Publishing:
		default:
			return fmt.Errorf("%w: cannot add %s in %v", ErrInvalidState, f.Name, sm.state)
		}
		return sm.states.Declare(f)
	})
}

// StateValue returns the latest value of the field.
func (sm *StateMachine) StateValue(name string) (uint64, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stateValue(name)
}

func (sm *StateMachine) stateValue(name string) (uint64, error) {
	f, ok := sm.states.ByName(name)
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, state.ErrUnknownField)
	}
	if sm.vector != nil {
		if v, err := sm.vector.Carryover(name); err == nil {
			return v, nil
		}
	}
	return sm.value(f), nil
}

// SetStateValue sets the value of a state. Setting Running starts or stops
// the run.
func (sm *StateMachine) SetStateValue(name string, value uint64) error {
	if name == state.Running {
		if value != 0 {
			return sm.StartRun()
		}
		return sm.StopRun()
	}
	return sm.lockedErr(func() error {
		return sm.change(name, state.StateKind, protocol.StateChange{Name: name, Value: value})
	})
}

// SetEvent sets the value of an event from the next block on.
func (sm *StateMachine) SetEvent(name string, value uint64) error {
	return sm.lockedErr(func() error {
		return sm.change(name, state.EventKind, protocol.StateChange{Name: name, Value: value})
	})
}

// PulseEvent sets the event for a single sample.
func (sm *StateMachine) PulseEvent(name string, value uint64) error {
	return sm.lockedErr(func() error {
		f, ok := sm.states.ByName(name)
		if !ok {
			return fmt.Errorf("%s: %w", name, state.ErrUnknownField)
		}
		if err := sm.change(name, state.EventKind, protocol.StateChange{Name: name, Value: value}); err != nil {
			return err
		}
		if !sm.state.live() {
			sm.values[name] = f.Default
			return nil
		}
		return sm.links[0].conn.Send(protocol.StateChange{Name: name, Value: f.Default, Row: 1})
	})
}

// change records the value and sends it to the first module. The lock is
// held.
func (sm *StateMachine) change(name string, kind state.Kind, sc protocol.StateChange) error {
	f, ok := sm.states.ByName(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, state.ErrUnknownField)
	}
	if f.Kind != kind {
		return fmt.Errorf("%s: %w: %s is not %s", name, state.ErrTypeConflict, f.Kind, kind)
	}
	switch {
	case sm.state == Information || sm.state == Initialization:
		return fmt.Errorf("%w: cannot set %s in %v", ErrInvalidState, name, sm.state)
	case !sm.state.live():
		sm.values[name] = sc.Value
		return nil
	}
	if err := sm.links[0].conn.Send(sc); err != nil {
		return err
	}
	sm.values[name] = sc.Value
	return nil
}

// Signal returns the last block received from the last module.
func (sm *StateMachine) Signal() (signal.Properties, signal.Float64) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.block == nil {
		return sm.output, nil
	}
	block := signal.EmptyFloat64(sm.block.Channels(), sm.block.Elements())
	_ = block.CopyFrom(sm.block)
	return sm.output, block
}

// Modules returns names of the configured modules in chain order.
func (sm *StateMachine) Modules() []string {
	names := make([]string, 0, len(sm.cfg.Modules))
	for _, m := range sm.cfg.Modules {
		names = append(names, m.Name)
	}
	return names
}

// Connections returns number of connected modules.
func (sm *StateMachine) Connections() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	n := 0
	for _, l := range sm.links {
		if l != nil {
			n++
		}
	}
	return n
}

func (sm *StateMachine) link(i int) (*link, error) {
	if i < 0 || i >= len(sm.links) || sm.links[i] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownModule, i)
	}
	return sm.links[i], nil
}

// ConnectionInfo returns diagnostics of the module connection.
func (sm *StateMachine) ConnectionInfo(i int) (protocol.ConnectionInfo, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	l, err := sm.link(i)
	if err != nil {
		return protocol.ConnectionInfo{}, err
	}
	return l.conn.Info(), nil
}

// ModuleStatus returns the last status reported by the module.
func (sm *StateMachine) ModuleStatus(i int) (protocol.Status, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	l, err := sm.link(i)
	if err != nil {
		return protocol.Status{}, err
	}
	return l.status, nil
}

// numeric returns value parsed as a number or the value itself.
func numeric(value string) interface{} {
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}
