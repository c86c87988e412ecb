// Package module runs a filter chain as one process of the pipeline. A
// module connects to the operator, publishes its declarations, connects to
// its neighbours once the operator distributed the configuration and then
// drives the chain block by block.
//
// Modules form a ring: the first module sends blocks to the next one, the
// last module returns the state vector to the first module. While a run is
// active, the first module is clocked by the returning state vector, while
// resting it keeps processing on its own.
package module

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/bci/filter"
	"pipelined.dev/bci/log"
	"pipelined.dev/bci/mutable"
	"pipelined.dev/bci/param"
	"pipelined.dev/bci/protocol"
	"pipelined.dev/bci/signal"
	"pipelined.dev/bci/state"
)

// ErrTerminated is returned when request is made to a module that doesn't
// run anymore.
var ErrTerminated = errors.New("module terminated")

// Role of the module in the chain. It's fixed per binary.
type Role int

// Roles.
const (
	First Role = iota + 1
	Middle
	Last
)

func (r Role) String() string {
	switch r {
	case First:
		return "first"
	case Middle:
		return "middle"
	case Last:
		return "last"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// offset is added to status codes.
func (r Role) offset() int {
	return int(r) - 1
}

// Stage of the module lifecycle.
type Stage int32

// Stages.
const (
	Connecting Stage = iota
	Negotiating
	AwaitingConfig
	Configured
	Resting
	Running
	Terminating
)

func (s Stage) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Negotiating:
		return "negotiating"
	case AwaitingConfig:
		return "awaiting configuration"
	case Configured:
		return "configured"
	case Resting:
		return "resting"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	}
	return fmt.Sprintf("stage(%d)", int32(s))
}

// Defaults of Config.
const (
	DefaultWait             = 100 * time.Millisecond
	DefaultDialRetry        = 2 * time.Second
	DefaultHandshakeTimeout = 2 * time.Second
	DefaultAcceptTimeout    = 20 * time.Second
)

// Config of a module.
type Config struct {
	// Name of the module, e.g. Source.
	Name string
	Role Role
	// Next is the name of the next module. It's used to find the next
	// module address when the operator doesn't provide it explicitly.
	Next            string
	OperatorAddress string
	// ListenAddress accepts connection of the previous module.
	ListenAddress string
	// Params override declarations of filters.
	Params  []param.Param
	Version string

	Wait             time.Duration
	DialRetry        time.Duration
	HandshakeTimeout time.Duration
	AcceptTimeout    time.Duration
}

func (c *Config) defaults() {
	if c.Wait == 0 {
		c.Wait = DefaultWait
	}
	if c.DialRetry == 0 {
		c.DialRetry = DefaultDialRetry
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.AcceptTimeout == 0 {
		c.AcceptTimeout = DefaultAcceptTimeout
	}
	if c.ListenAddress == "" {
		c.ListenAddress = "127.0.0.1:0"
	}
}

// Module owns a filter chain, a state vector and connections to the
// operator and its neighbours. All of them are accessed by the loop
// goroutine only; other goroutines use Push and Do.
type Module struct {
	mutable.Context
	cfg    Config
	logger *logrus.Entry
	ctx    context.Context

	chain    *filter.Chain
	env      *filter.Env
	params   *param.List
	states   *state.List
	nextInfo *param.List
	initial  map[string]uint64
	vector   *state.Vector

	operator, prev, next *protocol.Conn
	listener             net.Listener
	capturing            bool
	nextVersion          protocol.Version

	input  signal.Float64
	output signal.Properties
	shared *signal.SharedStorage
	inputs map[string]*signal.SharedStorage

	autoConfig    bool
	backLink      bool
	initialized   bool
	running       bool
	needStopRun   bool
	activeResting bool
	terminating   bool
	err           error

	stage    atomic.Int32
	pusher   *mutable.Pusher
	dest     mutable.Destination
	pending  mutable.Mutations
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a module.
type Option func(*Module)

// WithLogger sets module logger.
func WithLogger(l log.Logger) Option {
	return func(m *Module) {
		m.logger = log.Module(l, m.cfg.Name)
	}
}

// New returns a module that runs provided filters.
func New(cfg Config, nodes []filter.Node, options ...Option) *Module {
	cfg.defaults()
	m := Module{
		Context:     mutable.Mutable(),
		cfg:         cfg,
		params:      param.NewList(cfg.Params...),
		states:      state.NewList(state.Builtin()...),
		nextInfo:    param.NewList(),
		initial:     make(map[string]uint64),
		inputs:      make(map[string]*signal.SharedStorage),
		nextVersion: protocol.Initial,
		pusher:      mutable.NewPusher(),
		dest:        mutable.NewDestination(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	m.logger = log.Module(nil, cfg.Name)
	for _, option := range options {
		option(&m)
	}
	m.chain = filter.NewChain(cfg.Name, nodes...)
	m.env = filter.NewEnv(cfg.Name, m.logger, m.params, m.states)
	m.pusher.AddDestination(m.Context, m.dest)
	return &m
}

// Stage returns current lifecycle stage. It's safe for concurrent use.
func (m *Module) Stage() Stage {
	return Stage(m.stage.Load())
}

func (m *Module) setStage(s Stage) {
	if old := Stage(m.stage.Swap(int32(s))); old != s {
		m.logger.Debugf("%v -> %v", old, s)
	}
}

// Stop requests cooperative termination. Run returns after the current
// iteration of the loop is done.
func (m *Module) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Done is closed when Run returns.
func (m *Module) Done() <-chan struct{} {
	return m.done
}

// Push hands mutations over to the loop. They are applied at the same
// point of the loop iteration where messages are handled.
func (m *Module) Push(ctx context.Context, mutations ...mutable.Mutation) error {
	for _, mu := range mutations {
		m.pusher.AddDestination(mu.Context, m.dest)
	}
	m.pusher.Put(mutations...)
	return m.pusher.Push(ctx)
}

// Do executes fn in the loop goroutine and returns its result.
func (m *Module) Do(ctx context.Context, fn func() error) error {
	mu, result := m.Request(fn)
	if err := m.Push(ctx, mu); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-m.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects the module and runs its loop until it's terminated by the
// operator, by Stop, by context cancellation or by a connection failure.
// Connection failures are returned.
func (m *Module) Run(ctx context.Context) error {
	defer close(m.done)
	defer m.shutdown()
	m.ctx = ctx
	if err := m.connect(ctx); err != nil {
		m.setStage(Terminating)
		return err
	}
	for !m.terminating {
		if !m.activeResting {
			m.wait(ctx)
		}
		select {
		case <-ctx.Done():
			m.terminate()
			continue
		case <-m.stop:
			m.terminate()
			continue
		default:
		}
		m.processMessages()
		if err := m.operator.Err(); err != nil {
			m.fail(err)
		}
	}
	return m.err
}

// wait blocks until a connection has messages, mutations were pushed or
// the wait timeout expired.
func (m *Module) wait(ctx context.Context) {
	var prev <-chan struct{}
	if m.prev != nil {
		prev = m.prev.Ready()
	}
	t := time.NewTimer(m.cfg.Wait)
	defer t.Stop()
	select {
	case <-m.operator.Ready():
	case <-prev:
	case ms := <-m.dest:
		m.pending = m.pending.Append(ms)
	case <-m.stop:
	case <-ctx.Done():
	case <-t.C:
	}
}

// processMessages handles all queued messages, applies pushed mutations and
// runs a resting block if the module is actively resting.
func (m *Module) processMessages() {
	// the previous module comes first, as in the chain order
	m.handleMessages(m.prev)
	m.handleMessages(m.operator)
	m.applyMutations()
	if m.activeResting && !m.terminating {
		m.processFilters()
	}
	if m.prev != nil && m.prev.Bad() {
		m.fail(fmt.Errorf("lost connection to previous module: %w", m.prev.Err()))
	}
	if m.next != nil && m.next.Bad() {
		m.fail(fmt.Errorf("lost connection to next module: %w", m.next.Err()))
	}
}

func (m *Module) handleMessages(c *protocol.Conn) {
	if c == nil {
		return
	}
	for !m.terminating {
		err := c.HandleMessages(protocol.HandlerFunc(m.handle))
		if err == nil {
			return
		}
		m.report(err)
	}
}

func (m *Module) applyMutations() {
	ms := m.pending.Append(m.dest.Drain())
	m.pending = nil
	for ctx := range ms {
		if err := ms.ApplyTo(ctx); err != nil {
			m.report(err)
		}
	}
}

// connect opens operator connection, negotiates protocol version, opens
// the listener for the previous module and publishes declarations.
func (m *Module) connect(ctx context.Context) error {
	m.setStage(Connecting)
	op, err := protocol.Dial(ctx, m.cfg.OperatorAddress, "operator", m.cfg.DialRetry, protocol.WithLogger(m.logger))
	if err != nil {
		return err
	}
	m.operator = op

	m.setStage(Negotiating)
	if err := op.Handshake(protocol.Current, m.cfg.HandshakeTimeout); err != nil {
		if !errors.Is(err, protocol.ErrTimeout) {
			return err
		}
		m.logger.Warnf("operator didn't announce protocol version, falling back to %v", op.Version())
	}

	l, err := net.Listen("tcp", m.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen for previous module: %w", err)
	}
	m.listener = l
	if err := m.publish(); err != nil {
		return err
	}
	m.setStage(AwaitingConfig)
	return nil
}

// publish declares module and filter parameters and states and sends them
// to the operator.
func (m *Module) publish() error {
	name := m.cfg.Name
	m.params.Add(param.New("/System/"+name+"Address", "System", param.StringType, m.listener.Addr().String()))
	m.params.Add(param.New("/System/OperatorAddress", "System", param.StringType, m.cfg.OperatorAddress))
	version := param.NewMatrix("/System/"+name+"Version", "System", 5, 2,
		"Framework", m.cfg.Version,
		"Revision", "",
		"Build", runtime.Version(),
		"Config", m.cfg.Role.String(),
		"Protocol", protocol.Current.String(),
	)
	version.ReadOnly = true
	m.params.Add(version)
	m.params.Add(m.chain.Info())
	if err := m.chain.Publish(m.env); err != nil {
		m.report(err)
		return err
	}

	var ms []protocol.Message
	for _, p := range m.params.Params() {
		ms = append(ms, protocol.Param{Param: p})
	}
	ms = append(ms, protocol.EndOfParameter)
	for _, f := range m.states.Fields() {
		ms = append(ms, protocol.StateDecl{Field: f, Value: f.Default})
	}
	ms = append(ms, protocol.EndOfState)
	if err := m.operator.SendAll(ms...); err != nil {
		return err
	}
	m.status(protocol.StatusPlain, m.cfg.Role.offset(), "Waiting for configuration ...")
	return nil
}

// connectNeighbours dials the next module and accepts the previous one.
func (m *Module) connectNeighbours() error {
	addr := m.nextInfo.Value("/NextModuleAddress")
	if addr == "" {
		addr = m.params.Value("/System/" + m.cfg.Next + "Address")
	}
	if addr == "" {
		return fmt.Errorf("next module address is not available")
	}
	next, err := protocol.Dial(m.ctx, addr, "next", 0, protocol.WithLogger(m.logger))
	if err != nil {
		return fmt.Errorf("connect to next module at %s: %w", addr, err)
	}
	next.SetVersion(m.nextVersion)
	m.next = next

	if d, ok := m.listener.(interface{ SetDeadline(time.Time) error }); ok {
		if err := d.SetDeadline(time.Now().Add(m.cfg.AcceptTimeout)); err != nil {
			return err
		}
	}
	c, err := m.listener.Accept()
	if err != nil {
		return fmt.Errorf("connection to previous module timed out after %v: %w", m.cfg.AcceptTimeout, err)
	}
	m.prev = protocol.NewConn(c, "previous", protocol.WithLogger(m.logger))
	m.listener.Close()
	m.listener = nil
	m.setStage(Configured)
	return nil
}

// status sends status message to the operator.
func (m *Module) status(severity, role int, format string, args ...interface{}) {
	s := protocol.NewStatus(severity, role, format, args...)
	switch severity {
	case protocol.StatusError:
		m.logger.Error(s.Text)
	case protocol.StatusWarning:
		m.logger.Warn(s.Text)
	default:
		m.logger.Info(s.Text)
	}
	if m.operator == nil {
		return
	}
	if err := m.operator.Send(s); err != nil {
		m.logger.Debugf("status not sent: %v", err)
	}
}

// report sends error status to the operator. Module keeps running.
func (m *Module) report(err error) {
	m.status(protocol.StatusError, m.cfg.Role.offset(), "%v", err)
}

// fail reports error and terminates the module.
func (m *Module) fail(err error) {
	if m.terminating {
		return
	}
	m.report(err)
	if m.err == nil {
		m.err = err
	}
	m.terminate()
}

// terminate stops the run if needed and halts filters.
func (m *Module) terminate() {
	if m.terminating {
		return
	}
	m.terminating = true
	m.setStage(Terminating)
	if m.needStopRun {
		if err := m.stopRun(); err != nil {
			m.report(err)
		}
	}
	if err := m.chain.Halt(m.env); err != nil {
		m.report(err)
	}
}

func (m *Module) shutdown() {
	for _, c := range []*protocol.Conn{m.operator, m.prev, m.next} {
		if c != nil {
			c.Close()
		}
	}
	if m.listener != nil {
		m.listener.Close()
	}
	m.closeShared()
	for name, s := range m.inputs {
		s.Close()
		delete(m.inputs, name)
	}
}
