// Package operator coordinates modules of the pipeline. The state machine
// accepts module connections, aggregates their parameters and states into
// one canonical set, distributes it back and drives configuration and runs.
//
// Connection messages and requests made with Do are applied one at a time
// by a single loop goroutine. Readers use the coarse lock of the state
// machine and never wait for the loop.
package operator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/bci/log"
	"pipelined.dev/bci/param"
	"pipelined.dev/bci/protocol"
	"pipelined.dev/bci/signal"
	"pipelined.dev/bci/state"
)

// linger is how long a reset module connection is kept open for the module
// to receive the reset command and disconnect.
const linger = time.Second

// link is a connected module.
type link struct {
	index     int
	name      string
	conn      *protocol.Conn
	announced protocol.Version

	published   bool
	initialized bool
	running     bool
	status      protocol.Status
	output      signal.Properties

	quit chan struct{}
}

// StateMachine is the operator of the pipeline. It's created once per
// process and passed to every component that needs it.
type StateMachine struct {
	cfg    Config
	logger *logrus.Entry

	mu        sync.RWMutex
	state     SystemState
	modified  bool
	changed   chan struct{}
	params    *param.List
	states    *state.List
	values    map[string]uint64
	vector    *state.Vector
	output    signal.Properties
	block     signal.Float64
	links     []*link
	watches   map[string]*watch
	listeners map[string]listener
	pending   []func()

	events  chan event
	done    chan struct{}
	cancel  context.CancelFunc
	group   *errgroup.Group
	sockets []net.Listener
}

// Option configures the state machine.
type Option func(*StateMachine)

// WithLogger sets logger of the state machine.
func WithLogger(l log.Logger) Option {
	return func(sm *StateMachine) {
		sm.logger = log.Module(l, "Operator")
	}
}

// New returns idle state machine.
func New(cfg Config, options ...Option) *StateMachine {
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	sm := StateMachine{
		cfg:       cfg,
		state:     Idle,
		changed:   make(chan struct{}),
		watches:   make(map[string]*watch),
		listeners: make(map[string]listener),
	}
	sm.logger = log.Module(nil, "Operator")
	for _, option := range options {
		option(&sm)
	}
	sm.clear()
	return &sm
}

// Config returns configuration of the state machine.
func (sm *StateMachine) Config() Config {
	return sm.cfg
}

// clear drops everything the modules declared.
func (sm *StateMachine) clear() {
	sm.params = param.NewList(sm.declarations()...)
	sm.states = state.NewList(state.Builtin()...)
	sm.values = make(map[string]uint64)
	sm.vector = nil
	sm.output = signal.Properties{}
	sm.block = nil
	sm.modified = false
}

// declarations are parameters owned by the operator.
func (sm *StateMachine) declarations() []param.Param {
	version := param.NewMatrix("/System/OperatorVersion", "System", 3, 2,
		"Framework", sm.cfg.Version,
		"Build", runtime.Version(),
		"Protocol", protocol.Current.String(),
	)
	version.ReadOnly = true
	return []param.Param{
		param.New("/System/AutoConfig", "System", param.BoolType, formatBool(sm.cfg.AutoConfig)),
		param.New("/System/OperatorBackLink", "System", param.BoolType, formatBool(sm.cfg.BackLink)),
		version,
	}
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// locked runs fn with the lock held. Callbacks queued by fn are invoked
// after the lock is released.
func (sm *StateMachine) locked(fn func()) {
	sm.mu.Lock()
	fn()
	pending := sm.pending
	sm.pending = nil
	sm.mu.Unlock()
	for _, callback := range pending {
		callback()
	}
}

// lockedErr is locked for functions that fail.
func (sm *StateMachine) lockedErr(fn func() error) error {
	var err error
	sm.locked(func() { err = fn() })
	return err
}

// Startup opens module ports and starts the loop.
func (sm *StateMachine) Startup(ctx context.Context) error {
	if err := sm.cfg.Validate(); err != nil {
		return err
	}
	var (
		g       *errgroup.Group
		events  chan event
		sockets []net.Listener
	)
	err := sm.lockedErr(func() error {
		if sm.events != nil {
			return fmt.Errorf("%w: already started", ErrInvalidState)
		}
		for _, m := range sm.cfg.Modules {
			ln, err := net.Listen("tcp", m.Address)
			if err != nil {
				for _, s := range sockets {
					s.Close()
				}
				return fmt.Errorf("listen for %s: %w", m.Name, err)
			}
			sockets = append(sockets, ln)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		g, ctx = errgroup.WithContext(ctx)
		events = make(chan event, 16)
		sm.events, sm.done, sm.cancel, sm.group, sm.sockets = events, make(chan struct{}), cancel, g, sockets
		sm.links = make([]*link, len(sockets))
		sm.setState(WaitingForConnection)
		return nil
	})
	if err != nil {
		return err
	}

	g.Go(func() error {
		return sm.loop(ctx, events)
	})
	for i, ln := range sockets {
		i, ln := i, ln
		g.Go(func() error {
			return sm.accept(ctx, events, i, ln)
		})
	}
	sm.logger.Infof("waiting for %d modules", len(sockets))
	return nil
}

// Shutdown resets modules, closes ports and waits for goroutines to stop.
func (sm *StateMachine) Shutdown() error {
	sm.mu.RLock()
	started := sm.events != nil
	sm.mu.RUnlock()
	if !started {
		return nil
	}
	if err := sm.do(context.Background(), "shutdown", func() error {
		sm.locked(sm.reset)
		return nil
	}); err != nil {
		sm.logger.Debugf("reset on shutdown: %v", err)
	}
	sm.mu.Lock()
	sm.cancel()
	for _, ln := range sm.sockets {
		ln.Close()
	}
	g := sm.group
	sm.mu.Unlock()

	err := g.Wait()
	var events chan event
	sm.locked(func() {
		close(sm.done)
		events = sm.events
		for _, l := range sm.links {
			if l != nil {
				l.conn.Close()
			}
		}
		sm.events, sm.sockets, sm.group, sm.cancel = nil, nil, nil, nil
		sm.links = nil
		sm.setState(Idle)
	})
	drop(events)
	return err
}

// Addresses returns addresses the module ports listen at, in chain order.
func (sm *StateMachine) Addresses() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	addrs := make([]string, 0, len(sm.sockets))
	for _, ln := range sm.sockets {
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs
}

// accept waits for connections of a single module.
func (sm *StateMachine) accept(ctx context.Context, events chan<- event, i int, ln net.Listener) error {
	name := sm.cfg.Modules[i].Name
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept %s: %w", name, err)
		}
		conn := protocol.NewConn(c, name, protocol.WithLogger(sm.logger))
		if !sm.post(ctx, events, "connect", func() error {
			return sm.connect(ctx, events, i, conn)
		}, func() { conn.Close() }) {
			conn.Close()
			return nil
		}
	}
}

// connect registers the module connection and starts forwarding its
// messages to the loop.
func (sm *StateMachine) connect(ctx context.Context, events chan<- event, i int, conn *protocol.Conn) error {
	var l *link
	err := sm.lockedErr(func() error {
		if sm.state != WaitingForConnection || sm.links[i] != nil {
			return fmt.Errorf("%w: %s connection from %s rejected in %v", ErrInvalidState, conn.Name(), conn.Address(), sm.state)
		}
		l = &link{
			index:     i,
			name:      conn.Name(),
			conn:      conn,
			announced: protocol.Initial,
			quit:      make(chan struct{}),
		}
		sm.links[i] = l
		conn.SetStatus("connected")
		sm.message(LogMessage, "%s connected from %s", l.name, conn.Address())
		sm.emit(func(ls listener) {
			if ls.connect != nil {
				ls.connect.OnConnect(l.name)
			}
		})
		if sm.connected() {
			sm.setState(Publishing)
		}
		return nil
	})
	if err != nil {
		conn.Close()
		return err
	}
	sm.group.Go(func() error {
		sm.forward(ctx, events, l)
		return nil
	})
	return nil
}

// forward posts a message event every time the connection has messages
// or fails.
func (sm *StateMachine) forward(ctx context.Context, events chan<- event, l *link) {
	for {
		select {
		case <-l.conn.Ready():
		case <-l.quit:
			return
		case <-ctx.Done():
			return
		}
		e := event{name: "messages", fn: func() error {
			return sm.handleMessages(l)
		}}
		select {
		case events <- e:
		case <-l.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// connected reports whether every module slot has a connection.
func (sm *StateMachine) connected() bool {
	for _, l := range sm.links {
		if l == nil {
			return false
		}
	}
	return true
}

// all reports whether every link satisfies fn.
func (sm *StateMachine) all(fn func(*link) bool) bool {
	if !sm.connected() {
		return false
	}
	for _, l := range sm.links {
		if !fn(l) {
			return false
		}
	}
	return true
}

// setState switches the state and notifies waiters and listeners.
func (sm *StateMachine) setState(s SystemState) {
	if s == sm.state {
		return
	}
	sm.logger.Debugf("%v -> %v", sm.state, s)
	sm.state = s
	sm.notify()
}

func (sm *StateMachine) setModified(modified bool) {
	if modified == sm.modified {
		return
	}
	sm.modified = modified
	sm.notify()
}

func (sm *StateMachine) notify() {
	close(sm.changed)
	sm.changed = make(chan struct{})
	s, op := sm.state, sm.state.operation(sm.modified)
	sm.emit(func(l listener) {
		if l.state != nil {
			l.state.OnStateChange(s, op)
		}
	})
}

// SystemState returns internal state.
func (sm *StateMachine) SystemState() SystemState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Operation returns externally visible state. Nil state machine is
// unavailable.
func (sm *StateMachine) Operation() Operation {
	if sm == nil {
		return OperationUnavailable
	}
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.operation(sm.modified)
}

// WaitFor blocks until the operation is one of provided.
func (sm *StateMachine) WaitFor(ctx context.Context, ops ...Operation) error {
	for {
		sm.mu.RLock()
		op, changed := sm.state.operation(sm.modified), sm.changed
		sm.mu.RUnlock()
		for _, o := range ops {
			if o == op {
				return nil
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %v in %v: %w", ops, op, ctx.Err())
		}
	}
}

// information distributes the aggregated declarations. Every module learns
// its next module, the last one is followed by the first.
func (sm *StateMachine) information() error {
	sm.setState(Information)
	if sm.cfg.Parameters != "" {
		loaded, err := param.LoadFile(sm.cfg.Parameters)
		if err != nil {
			sm.message(ErrorMessage, "load parameters: %v", err)
		} else {
			for _, p := range loaded.Params() {
				sm.params.Add(p)
			}
		}
	}
	sm.states.AssignLocations()
	for i, l := range sm.links {
		next := sm.links[(i+1)%len(sm.links)]
		var ms []protocol.Message
		if l.conn.Provides(protocol.NextModuleInfo) {
			address := sm.params.Value("/System/" + next.name + "Address")
			ms = append(ms,
				protocol.VersionMessage(next.announced),
				protocol.Param{Param: param.New("/NextModuleAddress", "System", param.StringType, address)},
			)
		} else {
			for _, p := range sm.params.Params() {
				ms = append(ms, protocol.Param{Param: p})
			}
		}
		ms = append(ms, protocol.EndOfParameter)
		for _, f := range sm.states.Fields() {
			ms = append(ms, protocol.StateDecl{Field: f, Value: sm.value(f)})
		}
		ms = append(ms, protocol.EndOfState)
		if err := l.conn.SendAll(ms...); err != nil {
			return err
		}
		l.conn.SetStatus("information sent")
	}
	sm.setState(Initialization)
	return nil
}

// value returns current value of the field.
func (sm *StateMachine) value(f state.Field) uint64 {
	if v, ok := sm.values[f.Name]; ok {
		return v
	}
	return f.Default
}

// SetConfig sends the parameters to all modules and initializes the chain.
// It's allowed before the first configuration and while resting or
// suspended.
func (sm *StateMachine) SetConfig() error {
	return sm.lockedErr(sm.setConfig)
}

func (sm *StateMachine) setConfig() error {
	switch sm.state {
	case Initialization, Resting, Suspended:
	default:
		return fmt.Errorf("%w: cannot set config in %v", ErrInvalidState, sm.state)
	}
	params := sm.params.Params()
	ms := make([]protocol.Message, 0, len(params)+1)
	for _, p := range params {
		ms = append(ms, protocol.Param{Param: p})
	}
	ms = append(ms, protocol.EndOfParameter)
	for _, l := range sm.links {
		l.initialized = false
		if err := l.conn.SendAll(ms...); err != nil {
			return err
		}
	}
	// the first module initializes without input and passes its output
	// shape downstream
	if err := sm.links[0].conn.Send(protocol.SignalProperties{}); err != nil {
		return err
	}
	sm.params.Unchanged()
	sm.setModified(false)
	sm.setState(SetConfigIssued)
	return nil
}

// StartRun starts a run. It's only allowed while resting with unmodified
// parameters.
func (sm *StateMachine) StartRun() error {
	return sm.lockedErr(sm.startRun)
}

func (sm *StateMachine) startRun() error {
	if sm.state != Resting || sm.modified {
		return fmt.Errorf("%w: cannot start run in %v", ErrInvalidState, sm.state.operation(sm.modified))
	}
	if err := sm.links[0].conn.Send(protocol.StateChange{Name: state.Running, Value: 1}); err != nil {
		return err
	}
	for _, l := range sm.links {
		l.running = false
	}
	sm.values[state.Running] = 1
	sm.setState(RunningInitiated)
	return nil
}

// StopRun requests the first module to stop the run.
func (sm *StateMachine) StopRun() error {
	return sm.lockedErr(sm.stopRun)
}

func (sm *StateMachine) stopRun() error {
	switch sm.state {
	case Running, RunningInitiated:
	default:
		return fmt.Errorf("%w: cannot stop run in %v", ErrInvalidState, sm.state.operation(sm.modified))
	}
	if err := sm.links[0].conn.Send(protocol.StateChange{Name: state.Running, Value: 0}); err != nil {
		return err
	}
	sm.values[state.Running] = 0
	sm.setState(SuspendInitiated)
	return nil
}

// Reset terminates all modules and waits for new connections.
func (sm *StateMachine) Reset() error {
	return sm.lockedErr(func() error {
		if sm.state == Idle {
			return fmt.Errorf("%w: cannot reset in %v", ErrInvalidState, sm.state)
		}
		sm.reset()
		return nil
	})
}

// reset sends reset to connected modules and drops their declarations.
func (sm *StateMachine) reset() {
	for i, l := range sm.links {
		if l == nil {
			continue
		}
		close(l.quit)
		if err := l.conn.Send(protocol.Reset); err != nil {
			l.conn.Close()
		} else {
			sm.release(l)
		}
		sm.links[i] = nil
	}
	sm.clear()
	if sm.state != Idle {
		sm.setState(WaitingForConnection)
	}
}

// release closes the connection once the module disconnected or linger
// expired.
func (sm *StateMachine) release(l *link) {
	sm.group.Go(func() error {
		t := time.NewTimer(linger)
		defer t.Stop()
		for !l.conn.Bad() {
			select {
			case <-l.conn.Ready():
			case <-t.C:
				l.conn.Close()
				return nil
			}
		}
		l.conn.Close()
		return nil
	})
}

// lost handles failed module connection: other modules are reset.
func (sm *StateMachine) lost(l *link) {
	sm.message(ErrorMessage, "lost connection to %s: %v", l.name, l.conn.Err())
	close(l.quit)
	l.conn.Close()
	sm.links[l.index] = nil
	sm.reset()
}
