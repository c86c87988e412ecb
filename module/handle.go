package module

import (
	"fmt"

	"pipelined.dev/bci/param"
	"pipelined.dev/bci/protocol"
	"pipelined.dev/bci/signal"
	"pipelined.dev/bci/state"
)

// handle applies a message received from the operator or the previous
// module. Returned errors are reported to the operator.
func (m *Module) handle(c *protocol.Conn, msg protocol.Message) error {
	switch msg := msg.(type) {
	case protocol.Param:
		return m.onParam(msg.Param)
	case protocol.StateDecl:
		return m.onStateDecl(msg)
	case protocol.StateChange:
		if m.vector == nil {
			return fmt.Errorf("state %s changed before configuration", msg.Name)
		}
		// takes effect with the next commit, at the start of a block
		row := msg.Row
		if row > m.vector.Samples() {
			row = m.vector.Samples()
		}
		return m.vector.Post(msg.Name, row, msg.Value)
	case protocol.StateVector:
		return m.onStateVector(msg)
	case protocol.SignalProperties:
		if !m.initialized {
			m.initializeChain(msg.Properties)
		}
	case protocol.Signal:
		return m.onSignal(msg)
	case protocol.SysCommand:
		return m.onSysCommand(msg)
	case protocol.ProtocolVersion:
		// announces version of the next module
		if m.operator.Provides(protocol.NextModuleInfo) {
			m.capturing = true
			m.nextVersion = protocol.Negotiate(protocol.Current, msg.Major)
		}
	case protocol.Status:
		m.logger.Infof("%s: %v", c.Name(), msg)
	default:
		return fmt.Errorf("unexpected %v message from %s", msg.Kind(), c.Name())
	}
	return nil
}

func (m *Module) onParam(p param.Param) error {
	if m.running {
		return fmt.Errorf("unexpected parameter %s while running", p.Path)
	}
	if m.capturing {
		m.nextInfo.Add(p)
		return nil
	}
	m.params.Add(p)
	return nil
}

// onStateDecl replaces the declaration before the state vector exists and
// posts the value afterwards.
func (m *Module) onStateDecl(d protocol.StateDecl) error {
	if m.vector != nil {
		return m.vector.Post(d.Field.Name, 0, d.Value)
	}
	if err := d.Field.Validate(); err != nil {
		return err
	}
	m.states.Add(d.Field)
	m.initial[d.Field.Name] = d.Value
	return nil
}

// onStateVector adopts the vector only if it or the current vector marks a
// run, so resting vectors don't overwrite values posted meanwhile. The first
// module is clocked by the returning vector.
func (m *Module) onStateVector(sv protocol.StateVector) error {
	if m.vector == nil {
		return fmt.Errorf("state vector before configuration")
	}
	if sv.Samples != m.vector.Samples() {
		return fmt.Errorf("%w: state vector of %d samples, expected %d", state.ErrRow, sv.Samples, m.vector.Samples())
	}
	incoming := m.vector.Clone()
	if err := incoming.UnmarshalBinary(sv.Data); err != nil {
		return err
	}
	in, _ := incoming.Get(state.Running, 0)
	cur, _ := m.vector.Get(state.Running, 0)
	if in == 0 && cur == 0 {
		return nil
	}
	if err := m.vector.UnmarshalBinary(sv.Data); err != nil {
		return err
	}
	if m.cfg.Role == First && !m.terminating {
		m.processFilters()
	}
	return nil
}

func (m *Module) onSignal(s protocol.Signal) error {
	if !m.initialized {
		return fmt.Errorf("unexpected signal before initialization")
	}
	if s.Shared != "" {
		storage, err := m.sharedInput(s.Shared, s.Properties)
		if err != nil {
			return err
		}
		if err := storage.Read(m.input); err != nil {
			return err
		}
	} else {
		block, err := s.Block()
		if err != nil {
			return err
		}
		if err := m.input.CopyFrom(block); err != nil {
			return err
		}
	}
	m.processFilters()
	return nil
}

func (m *Module) sharedInput(name string, p signal.Properties) (*signal.SharedStorage, error) {
	if s, ok := m.inputs[name]; ok && s.Fits(p) {
		return s, nil
	}
	s, err := signal.OpenShared(name, p)
	if err != nil {
		return nil, err
	}
	// previous storages are stale once a new one is announced
	for old, storage := range m.inputs {
		storage.Close()
		delete(m.inputs, old)
	}
	m.inputs[name] = s
	return s, nil
}

func (m *Module) onSysCommand(cmd protocol.SysCommand) error {
	switch cmd {
	case protocol.EndOfState:
		if m.next != nil {
			return nil
		}
		return m.connectNeighbours()
	case protocol.EndOfParameter:
		m.capturing = false
		m.initialized = false
		m.activeResting = false
	case protocol.Start:
	case protocol.Reset:
		m.terminate()
	default:
		return fmt.Errorf("unexpected system command %q", string(cmd))
	}
	return nil
}
