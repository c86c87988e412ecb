// Package filter runs an ordered chain of processing stages over sample
// blocks. Every stage goes through the same lifecycle: it publishes its
// declarations, computes its output shape in preflight, allocates resources
// in initialize and then processes blocks until it's halted.
package filter

import (
	"fmt"
	"reflect"
	"strconv"

	"pipelined.dev/bci/metric"
	"pipelined.dev/bci/param"
	"pipelined.dev/bci/signal"
)

// Filter is a single processing stage.
type Filter interface {
	// Publish declares parameters and states.
	Publish(*Env) error
	// Preflight validates parameters and returns output shape for the
	// input shape. It must not change persistent state of the filter.
	Preflight(env *Env, in signal.Properties) (signal.Properties, error)
	// Initialize allocates resources for frozen shapes.
	Initialize(env *Env, in, out signal.Properties) error
	// Process transforms input block into output block.
	Process(env *Env, in, out signal.Float64) error
}

// Starter is notified when a run starts.
type Starter interface {
	StartRun(*Env) error
}

// Stopper is notified when a run stops.
type Stopper interface {
	StopRun(*Env) error
}

// Rester processes blocks while no run is active. Filters that don't
// implement it are skipped in resting passes.
type Rester interface {
	Resting(env *Env, in, out signal.Float64) error
}

// Halter releases resources. Halt must be idempotent.
type Halter interface {
	Halt(*Env) error
}

// Node is a named filter.
type Node struct {
	Name   string
	Filter Filter
}

// Named returns a named node.
func Named(name string, f Filter) Node {
	return Node{Name: name, Filter: f}
}

type node struct {
	Node
	in, out     signal.Properties
	block       signal.Float64
	initialized bool
	measure     metric.MeasureFunc
}

// Chain is an ordered sequence of filters. Chain is not safe for
// concurrent use, it's driven by the module loop.
type Chain struct {
	module      string
	nodes       []*node
	in, out     signal.Properties
	preflighted bool
	initialized bool
}

// NewChain returns chain of provided nodes. Nodes without name are named
// after filter type.
func NewChain(module string, nodes ...Node) *Chain {
	c := Chain{module: module}
	for _, n := range nodes {
		if n.Name == "" {
			n.Name = typeName(n.Filter)
		}
		c.nodes = append(c.nodes, &node{Node: n})
	}
	return &c
}

func typeName(f interface{}) string {
	t := reflect.TypeOf(f)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Len returns number of filters.
func (c *Chain) Len() int {
	return len(c.nodes)
}

// Names returns filter names in order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.nodes))
	for _, n := range c.nodes {
		names = append(names, n.Name)
	}
	return names
}

// Info returns read-only parameter that lists filters and positions.
func (c *Chain) Info() param.Param {
	values := make([]string, 0, 2*len(c.nodes))
	for i, n := range c.nodes {
		values = append(values, n.Name, strconv.Itoa(i+1))
	}
	p := param.NewMatrix("/System/"+c.module+"FilterChain", "System", len(c.nodes), 2, values...)
	p.ReadOnly = true
	p.Comment = "filter chain of " + c.module
	return p
}

// Input returns input shape of the last successful preflight.
func (c *Chain) Input() signal.Properties {
	return c.in
}

// Output returns output shape of the last successful preflight.
func (c *Chain) Output() signal.Properties {
	return c.out
}

// Initialized reports whether chain is ready to process.
func (c *Chain) Initialized() bool {
	return c.initialized
}

// Publish lets every filter declare its parameters and states. All
// declaration errors are returned together.
func (c *Chain) Publish(env *Env) error {
	env.Enter(Publish)
	defer env.Enter(Idle)
	var errs Errors
	for _, n := range c.nodes {
		if err := n.Filter.Publish(env); err != nil {
			errs = append(errs, &NodeError{Filter: n.Name, Phase: Publish, Err: err})
		}
	}
	return errs.ret()
}

// Preflight computes output shapes for the input shape. Initialized chain
// is halted first. Every filter is checked even if a previous one failed,
// failed filter passes its input through, and all errors are returned
// together.
func (c *Chain) Preflight(env *Env, in signal.Properties) (signal.Properties, error) {
	if err := c.Halt(env); err != nil {
		return signal.Properties{}, err
	}
	c.preflighted = false
	env.Enter(Preflight)
	defer env.Enter(Idle)
	var errs Errors
	if err := in.Validate(); err != nil {
		return signal.Properties{}, append(errs, err)
	}
	cur := in
	for _, n := range c.nodes {
		out, err := n.Filter.Preflight(env, cur)
		if err == nil {
			err = out.Validate()
		}
		if err != nil {
			errs = append(errs, &NodeError{Filter: n.Name, Phase: Preflight, Err: err})
			out = cur
		}
		n.in, n.out = cur, out
		cur = out
	}
	if err := errs.ret(); err != nil {
		return signal.Properties{}, err
	}
	c.in, c.out = in, cur
	c.preflighted = true
	return cur, nil
}

// Initialize allocates resources for shapes of the last successful
// preflight. If a filter fails, already initialized filters are halted
// and all errors are returned.
func (c *Chain) Initialize(env *Env) error {
	if !c.preflighted {
		return fmt.Errorf("initialize without preflight: %w", ErrPhase)
	}
	env.Enter(Initialize)
	defer env.Enter(Idle)
	var errs Errors
	for _, n := range c.nodes {
		if err := n.Filter.Initialize(env, n.in, n.out); err != nil {
			errs = append(errs, &NodeError{Filter: n.Name, Phase: Initialize, Err: err})
			break
		}
		n.block = n.out.Alloc()
		n.initialized = true
		n.measure = metric.Meter(c.module, n.Name, n.in.SamplingRate)()
	}
	if len(errs) > 0 {
		if err := c.Halt(env); err != nil {
			errs = append(errs, err)
		}
		return errs
	}
	c.initialized = true
	return nil
}

// StartRun notifies filters about run start.
func (c *Chain) StartRun(env *Env) error {
	return c.notify(env, StartRun, func(n *node) error {
		if s, ok := n.Filter.(Starter); ok {
			return s.StartRun(env)
		}
		return nil
	})
}

// StopRun notifies filters about run stop.
func (c *Chain) StopRun(env *Env) error {
	return c.notify(env, StopRun, func(n *node) error {
		if s, ok := n.Filter.(Stopper); ok {
			return s.StopRun(env)
		}
		return nil
	})
}

func (c *Chain) notify(env *Env, p Phase, fn func(*node) error) error {
	if !c.initialized {
		return fmt.Errorf("%s before initialize: %w", p, ErrPhase)
	}
	env.Enter(p)
	defer env.Enter(Idle)
	var errs Errors
	for _, n := range c.nodes {
		if err := fn(n); err != nil {
			errs = append(errs, &NodeError{Filter: n.Name, Phase: p, Err: err})
		}
	}
	return errs.ret()
}

// Process runs every filter in order. Each filter consumes the output of
// the previous one. In resting pass only filters that implement Rester
// are called. The first error aborts processing. Returned block is owned
// by the chain and valid until the next call.
func (c *Chain) Process(env *Env, in signal.Float64, resting bool) (signal.Float64, error) {
	if !c.initialized {
		return nil, fmt.Errorf("process before initialize: %w", ErrPhase)
	}
	if !in.Fits(c.in) {
		return nil, fmt.Errorf("%w: input %dx%d, expected %dx%d", signal.ErrShape, in.Channels(), in.Elements(), c.in.Channels, c.in.Elements)
	}
	phase := Process
	if resting {
		phase = Resting
	}
	env.Enter(phase)
	defer env.Enter(Idle)
	cur := in
	for _, n := range c.nodes {
		var err error
		if resting {
			if r, ok := n.Filter.(Rester); ok {
				err = r.Resting(env, cur, n.block)
			}
		} else {
			err = n.Filter.Process(env, cur, n.block)
			n.measure(int64(n.out.Elements))
		}
		if err != nil {
			return nil, &NodeError{Filter: n.Name, Phase: phase, Err: err}
		}
		cur = n.block
	}
	return cur, nil
}

// Halt releases resources of initialized filters. It's safe to call
// multiple times.
func (c *Chain) Halt(env *Env) error {
	prev := env.Phase()
	env.Enter(Halt)
	defer env.Enter(prev)
	var errs Errors
	for _, n := range c.nodes {
		if !n.initialized {
			continue
		}
		n.initialized = false
		n.block = nil
		if h, ok := n.Filter.(Halter); ok {
			if err := h.Halt(env); err != nil {
				errs = append(errs, &NodeError{Filter: n.Name, Phase: Halt, Err: err})
			}
		}
	}
	c.initialized = false
	return errs.ret()
}
