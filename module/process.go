package module

import (
	"errors"
	"fmt"

	"pipelined.dev/bci/param"
	"pipelined.dev/bci/protocol"
	"pipelined.dev/bci/signal"
	"pipelined.dev/bci/state"
)

// subjectRun is never restored after preflight.
const subjectRun = "SubjectRun"

// initializeChain configures the chain for the input shape. Errors are
// reported to the operator and leave the module unconfigured.
func (m *Module) initializeChain(in signal.Properties) {
	m.autoConfig = m.params.Bool("AutoConfig")
	if m.unchanged(in) {
		if err := m.forwardOutput(m.output); err != nil {
			m.report(err)
			return
		}
		m.initializedStatus()
		return
	}
	m.input = in.Alloc()
	if err := m.initializeVector(); err != nil {
		m.report(err)
		return
	}
	out, err := m.autoConfigFilters(in)
	if err == nil {
		err = m.initializeFilters(out)
	}
	if err != nil {
		m.report(err)
	}
}

// unchanged reports whether the chain can be kept initialized: automatic
// configuration is disabled, shape is the same and no parameter changed.
func (m *Module) unchanged(in signal.Properties) bool {
	return !m.autoConfig &&
		m.chain.Initialized() &&
		in.Equal(m.chain.Input()) &&
		len(m.params.Changed()) == 0
}

// initializeVector creates state vector for the block size, or resizes it
// keeping the initial values.
func (m *Module) initializeVector() error {
	n, err := m.params.Int("SampleBlockSize")
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("%w: SampleBlockSize must be positive: %d", param.ErrInvalidValue, n)
	}
	switch {
	case m.vector == nil:
		v, err := state.NewVector(m.states, n)
		if err != nil {
			return err
		}
		for name, value := range m.initial {
			if err := v.Set(name, 0, value); err != nil {
				return err
			}
		}
		v.SetBaseline()
		v.Commit()
		m.vector = v
	case m.vector.Samples() != n:
		if err := m.vector.Resize(n); err != nil {
			return err
		}
		m.vector.Reset(state.SourceTime)
	}
	m.env.SetVector(m.vector)
	return nil
}

// autoConfigFilters preflights the chain. If automatic configuration is
// disabled, parameters changed by preflight are restored; otherwise they
// are published to the operator together with the output shape.
func (m *Module) autoConfigFilters(in signal.Properties) (signal.Properties, error) {
	m.params.Unchanged()
	var restore []param.Param
	if !m.autoConfig {
		for _, p := range m.params.Params() {
			if p.Name() != subjectRun {
				restore = append(restore, p)
			}
		}
	}
	out, err := m.chain.Preflight(m.env, in)
	m.closeShared()
	if err == nil && m.cfg.Role != Last && m.next != nil && m.next.IsLocal() && m.next.Provides(protocol.SharedSignalStorage) {
		// last module never shares, its output goes back to the operator
		if s, serr := signal.CreateShared(out); serr != nil {
			m.logger.Warnf("output is not shared: %v", serr)
		} else {
			m.shared = s
		}
	}
	for _, p := range restore {
		m.params.Restore(p)
	}
	if err != nil || !m.autoConfig {
		return out, err
	}
	if err := m.broadcastParameterChanges(); err != nil {
		return out, err
	}
	if err := m.operator.Send(protocol.SignalProperties{Properties: out}); err != nil {
		return out, fmt.Errorf("send output properties to operator: %w", err)
	}
	return out, nil
}

// initializeFilters sends output shape downstream and initializes the
// chain.
func (m *Module) initializeFilters(out signal.Properties) error {
	m.backLink = m.params.Bool("OperatorBackLink")
	if err := m.forwardOutput(out); err != nil {
		return err
	}
	if err := m.chain.Initialize(m.env); err != nil {
		return err
	}
	m.output = out
	m.initializedStatus()
	return nil
}

func (m *Module) forwardOutput(out signal.Properties) error {
	if m.cfg.Role == Last {
		if m.backLink && !m.autoConfig {
			if err := m.operator.Send(protocol.SignalProperties{Properties: out}); err != nil {
				return fmt.Errorf("send output properties to operator: %w", err)
			}
		}
		return nil
	}
	if m.next == nil {
		return fmt.Errorf("next module is not connected")
	}
	if err := m.next.Send(protocol.SignalProperties{Properties: out}); err != nil {
		return fmt.Errorf("send output properties to next module: %w", err)
	}
	return nil
}

func (m *Module) initializedStatus() {
	m.status(protocol.StatusInitialized, m.cfg.Role.offset(), "%s initialized", m.cfg.Name)
	m.initialized = true
	m.activeResting = m.cfg.Role == First
	m.setStage(Resting)
}

// broadcastParameterChanges sends changed parameters to the operator.
func (m *Module) broadcastParameterChanges() error {
	changed := m.params.Changed()
	m.params.Unchanged()
	if len(changed) == 0 {
		return nil
	}
	ms := make([]protocol.Message, 0, len(changed)+1)
	for _, p := range changed {
		ms = append(ms, protocol.Param{Param: p})
	}
	ms = append(ms, protocol.EndOfParameter)
	if err := m.operator.SendAll(ms...); err != nil {
		return fmt.Errorf("publish changed parameters: %w", err)
	}
	return nil
}

func isRunning(v *state.Vector) bool {
	r, _ := v.Get(state.Running, 0)
	return r != 0
}

// processFilters runs one block. Run starts and stops are detected from the
// Running state before and after processing.
func (m *Module) processFilters() {
	if m.cfg.Role == First {
		m.vector.Advance()
	}
	m.vector.Commit()

	wasRunning := m.running
	isRunning1 := isRunning(m.vector)
	if isRunning1 && !wasRunning {
		if err := m.startRun(); err != nil {
			m.fail(err)
			return
		}
	}
	out, err := m.chain.Process(m.env, m.input, !(isRunning1 || wasRunning))
	if err != nil {
		m.fail(err)
		return
	}
	if isRunning1 || wasRunning {
		if err := m.sendOutput(out); err != nil {
			m.fail(err)
			return
		}
	}
	isRunning2 := isRunning(m.vector)
	if wasRunning && !isRunning2 {
		if err := m.stopRun(); err != nil {
			m.fail(err)
			return
		}
	}
	m.running = isRunning2
}

func (m *Module) startRun() error {
	m.activeResting = false
	err := m.chain.StartRun(m.env)
	m.needStopRun = true
	if err != nil {
		return err
	}
	m.setStage(Running)
	m.status(protocol.StatusRunning, 2*m.cfg.Role.offset(), "%s running", m.cfg.Name)
	return nil
}

// stopRun notifies filters and resets the state vector to its initial
// values, except for the source time.
func (m *Module) stopRun() error {
	err := m.chain.StopRun(m.env)
	m.needStopRun = false
	m.vector.Reset(state.SourceTime)
	if err == nil && !m.terminating {
		err = m.broadcastParameterChanges()
		if m.cfg.Role == First {
			err = errors.Join(err, m.operator.Send(protocol.Suspend))
		}
		m.status(protocol.StatusSuspended, 2*m.cfg.Role.offset(), "%s suspended", m.cfg.Name)
	}
	if !m.terminating {
		if _, rerr := m.chain.Process(m.env, m.input, true); rerr != nil {
			err = errors.Join(err, rerr)
		}
		m.activeResting = m.cfg.Role == First
		m.setStage(Resting)
	}
	return err
}

// sendOutput sends the state vector and the block downstream. The last
// module sends only the state vector to the first one and, with operator
// back link, both to the operator.
func (m *Module) sendOutput(out signal.Float64) error {
	data, err := m.vector.MarshalBinary()
	if err != nil {
		return err
	}
	sv := protocol.StateVector{Samples: m.vector.Samples(), Data: data}
	if m.cfg.Role == Last && m.backLink {
		if err := m.operator.SendAll(sv, protocol.NewSignal(m.output, out)); err != nil {
			return err
		}
	}
	if err := m.next.Send(sv); err != nil {
		return err
	}
	if m.cfg.Role == Last {
		return nil
	}
	if m.shared != nil {
		if err := m.shared.Write(out); err != nil {
			return err
		}
		return m.next.Send(protocol.Signal{Properties: m.output, Shared: m.shared.Name()})
	}
	return m.next.Send(protocol.NewSignal(m.output, out))
}

func (m *Module) closeShared() {
	if m.shared == nil {
		return
	}
	if err := m.shared.Close(); err != nil {
		m.logger.Warnf("close shared output: %v", err)
	}
	m.shared = nil
}
