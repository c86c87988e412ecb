package operator

import (
	"fmt"

	"pipelined.dev/bci/protocol"
	"pipelined.dev/bci/state"
)

// handleMessages drains the module connection. Handler errors are reported
// and don't stop draining. A failed connection resets the system.
func (sm *StateMachine) handleMessages(l *link) error {
	sm.locked(func() {
		if l.index >= len(sm.links) || sm.links[l.index] != l {
			return
		}
		for {
			err := l.conn.HandleMessages(protocol.HandlerFunc(func(_ *protocol.Conn, m protocol.Message) error {
				return sm.handle(l, m)
			}))
			if err == nil {
				break
			}
			sm.message(ErrorMessage, "%s: %v", l.name, err)
		}
		if l.conn.Bad() {
			sm.lost(l)
		}
	})
	return nil
}

// handle applies a message received from module l. The lock is held.
func (sm *StateMachine) handle(l *link, m protocol.Message) error {
	switch m := m.(type) {
	case protocol.ProtocolVersion:
		l.announced = m.Major
		l.conn.SetVersion(protocol.Negotiate(protocol.Current, m.Major))
		return l.conn.Send(protocol.VersionMessage(protocol.Current))
	case protocol.Param:
		sm.params.Add(m.Param)
		p, _ := sm.params.ByPath(m.Path)
		sm.emit(func(ls listener) {
			if ls.parameter != nil {
				ls.parameter.OnParameter(p)
			}
		})
	case protocol.StateDecl:
		if err := sm.states.Declare(m.Field); err != nil {
			return err
		}
		sm.values[m.Field.Name] = m.Value
	case protocol.SysCommand:
		return sm.onSysCommand(l, m)
	case protocol.Status:
		sm.onStatus(l, m)
	case protocol.SignalProperties:
		l.output = m.Properties
		if l.index == len(sm.links)-1 {
			sm.output = m.Properties
		}
	case protocol.Signal:
		if m.Shared != "" {
			return fmt.Errorf("shared signal from %s", l.name)
		}
		block, err := m.Block()
		if err != nil {
			return err
		}
		sm.output, sm.block = m.Properties, block
	case protocol.StateVector:
		return sm.onStateVector(m)
	default:
		return fmt.Errorf("unexpected %v message", m.Kind())
	}
	return nil
}

func (sm *StateMachine) onSysCommand(l *link, cmd protocol.SysCommand) error {
	switch cmd {
	case protocol.EndOfParameter:
	case protocol.EndOfState:
		l.published = true
		l.conn.SetStatus("published")
		if sm.state == Publishing && sm.all(func(l *link) bool { return l.published }) {
			return sm.information()
		}
	case protocol.Suspend:
		switch sm.state {
		case Running, RunningInitiated, SuspendInitiated:
			sm.values[state.Running] = 0
			sm.setState(Suspended)
		}
	default:
		return fmt.Errorf("unexpected system command %q", string(cmd))
	}
	return nil
}

// onStatus records module status and advances the lifecycle once every
// module reported the same stage.
func (sm *StateMachine) onStatus(l *link, s protocol.Status) {
	l.status = s
	l.conn.SetStatus(s.String())
	switch s.Severity() {
	case protocol.StatusError:
		sm.message(ErrorMessage, "%s: %s", l.name, s.Text)
	case protocol.StatusWarning:
		sm.message(WarningMessage, "%s: %s", l.name, s.Text)
	default:
		sm.message(LogMessage, "%s: %s", l.name, s.Text)
	}
	switch s.Severity() {
	case protocol.StatusInitialized:
		l.initialized = true
		if sm.state == SetConfigIssued && sm.all(func(l *link) bool { return l.initialized }) {
			sm.setState(Resting)
		}
	case protocol.StatusRunning:
		l.running = true
		if sm.state == RunningInitiated && sm.all(func(l *link) bool { return l.running }) {
			sm.setState(Running)
		}
	case protocol.StatusSuspended:
		l.running = false
	case protocol.StatusError:
		if sm.state == SetConfigIssued {
			// configuration failed, modules stay unconfigured
			sm.setState(Initialization)
		}
	}
}

// onStateVector adopts the vector returned by the last module and
// evaluates watches for its rows.
func (sm *StateMachine) onStateVector(sv protocol.StateVector) error {
	if sm.vector == nil || sm.vector.Samples() != sv.Samples {
		v, err := state.NewVector(sm.states, sv.Samples)
		if err != nil {
			return err
		}
		sm.vector = v
	}
	if err := sm.vector.UnmarshalBinary(sv.Data); err != nil {
		return err
	}
	sm.checkWatches()
	return nil
}
