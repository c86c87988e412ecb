// Package mock provides mock filters and allows to execute integration tests.
package mock

import (
	"fmt"
	"sync"

	"pipelined.dev/bci/filter"
	"pipelined.dev/bci/param"
	"pipelined.dev/bci/signal"
	"pipelined.dev/bci/state"
)

// Hooks returns configured errors from filter calls.
type Hooks struct {
	ErrorOnPublish    error
	ErrorOnPreflight  error
	ErrorOnInitialize error
	ErrorOnProcess    error
	ErrorOnStartRun   error
	ErrorOnStopRun    error
	ErrorOnHalt       error
}

// Counter is a snapshot of filter call counters.
type Counter struct {
	Published   int
	Preflighted int
	Initialized int
	Processed   int
	Rested      int
	Started     int
	Stopped     int
	Halted      int
}

// Filter mocks filter.Filter. It copies input to output, records calls
// and the source time of every processed block.
type Filter struct {
	Hooks
	// Params and States are declared on publish.
	Params []param.Param
	States []state.Field
	// Output overrides output shape computed by preflight.
	Output *signal.Properties
	// Accept makes preflight fail for any other input shape.
	Accept *signal.Properties
	// Adjust is set during preflight, path to values.
	Adjust map[string][]string
	// StopAfter clears Running state after that many running blocks.
	StopAfter int
	// Value is added to every sample.
	Value float64

	mu      sync.Mutex
	counter Counter
	times   []uint64
	running []uint64
}

// Publish implements filter.Filter.
func (m *Filter) Publish(env *filter.Env) error {
	m.count(func(c *Counter) { c.Published++ })
	if m.ErrorOnPublish != nil {
		return m.ErrorOnPublish
	}
	if err := env.DeclareParam(m.Params...); err != nil {
		return err
	}
	return env.DeclareState(m.States...)
}

// Preflight implements filter.Filter.
func (m *Filter) Preflight(env *filter.Env, in signal.Properties) (signal.Properties, error) {
	m.count(func(c *Counter) { c.Preflighted++ })
	if m.ErrorOnPreflight != nil {
		return signal.Properties{}, m.ErrorOnPreflight
	}
	if m.Accept != nil && !m.Accept.Equal(in) {
		return signal.Properties{}, fmt.Errorf("%w: expected %v, got %v", signal.ErrShape, *m.Accept, in)
	}
	for path, values := range m.Adjust {
		if err := env.SetParam(path, values...); err != nil {
			return signal.Properties{}, err
		}
	}
	if m.Output != nil {
		return *m.Output, nil
	}
	return in, nil
}

// Initialize implements filter.Filter.
func (m *Filter) Initialize(env *filter.Env, in, out signal.Properties) error {
	m.count(func(c *Counter) { c.Initialized++ })
	return m.ErrorOnInitialize
}

// Process implements filter.Filter.
func (m *Filter) Process(env *filter.Env, in, out signal.Float64) error {
	if m.ErrorOnProcess != nil {
		return m.ErrorOnProcess
	}
	for i := range out {
		for j := range out[i] {
			var v float64
			if i < len(in) && j < len(in[i]) {
				v = in[i][j]
			}
			out[i][j] = v + m.Value
		}
	}
	t, _ := env.State(state.SourceTime, 0)
	r, _ := env.State(state.Running, 0)
	m.mu.Lock()
	m.counter.Processed++
	m.times = append(m.times, t)
	m.running = append(m.running, r)
	processed := m.counter.Processed
	m.mu.Unlock()
	if m.StopAfter > 0 && processed == m.StopAfter {
		return env.SetState(state.Running, 0, 0)
	}
	return nil
}

// Resting implements filter.Rester.
func (m *Filter) Resting(env *filter.Env, in, out signal.Float64) error {
	m.count(func(c *Counter) { c.Rested++ })
	return nil
}

// StartRun implements filter.Starter.
func (m *Filter) StartRun(env *filter.Env) error {
	m.count(func(c *Counter) { c.Started++ })
	return m.ErrorOnStartRun
}

// StopRun implements filter.Stopper.
func (m *Filter) StopRun(env *filter.Env) error {
	m.count(func(c *Counter) { c.Stopped++ })
	return m.ErrorOnStopRun
}

// Halt implements filter.Halter.
func (m *Filter) Halt(env *filter.Env) error {
	m.count(func(c *Counter) { c.Halted++ })
	return m.ErrorOnHalt
}

func (m *Filter) count(fn func(*Counter)) {
	m.mu.Lock()
	fn(&m.counter)
	m.mu.Unlock()
}

// Counter returns current call counters.
func (m *Filter) Counter() Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter
}

// Times returns source time of every processed block.
func (m *Filter) Times() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.times...)
}

// Running returns value of Running state of every processed block.
func (m *Filter) Running() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.running...)
}

// Source is a mock first module filter. It fills output blocks with a
// constant value, stamps source time and clears Running after StopAfter
// blocks.
type Source struct {
	Filter
	// Properties of produced blocks.
	Properties signal.Properties
	// Step is added to source time for every block.
	Step uint64

	clock uint64
}

// Preflight implements filter.Filter.
func (s *Source) Preflight(env *filter.Env, in signal.Properties) (signal.Properties, error) {
	if _, err := s.Filter.Preflight(env, in); err != nil {
		return signal.Properties{}, err
	}
	return s.Properties, nil
}

// Process implements filter.Filter.
func (s *Source) Process(env *filter.Env, in, out signal.Float64) error {
	step := s.Step
	if step == 0 {
		step = 1
	}
	s.clock += step
	if err := env.SetState(state.SourceTime, 0, s.clock); err != nil {
		return err
	}
	return s.Filter.Process(env, in, out)
}

// Resting implements filter.Rester. Source time advances while resting.
func (s *Source) Resting(env *filter.Env, in, out signal.Float64) error {
	s.clock++
	if err := env.SetState(state.SourceTime, 0, s.clock); err != nil {
		return err
	}
	return s.Filter.Resting(env, in, out)
}
