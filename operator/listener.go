package operator

import (
	"fmt"

	"github.com/rs/xid"

	"pipelined.dev/bci/param"
)

// Severity of operator messages.
type Severity int

// Severities.
const (
	LogMessage Severity = iota
	WarningMessage
	ErrorMessage
)

func (s Severity) String() string {
	switch s {
	case LogMessage:
		return "log"
	case WarningMessage:
		return "warning"
	case ErrorMessage:
		return "error"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

type (
	// StateListener is notified about every state change.
	StateListener interface {
		OnStateChange(SystemState, Operation)
	}

	// MessageListener receives log, warning and error messages.
	MessageListener interface {
		OnMessage(Severity, string)
	}

	// ParameterListener is notified when a module publishes a parameter.
	ParameterListener interface {
		OnParameter(param.Param)
	}

	// ConnectListener is notified when a module connects.
	ConnectListener interface {
		OnConnect(name string)
	}
)

// StateFunc allows to use functions as state listeners.
type StateFunc func(SystemState, Operation)

// OnStateChange calls fn.
func (fn StateFunc) OnStateChange(s SystemState, op Operation) {
	fn(s, op)
}

// MessageFunc allows to use functions as message listeners.
type MessageFunc func(Severity, string)

// OnMessage calls fn.
func (fn MessageFunc) OnMessage(sev Severity, text string) {
	fn(sev, text)
}

// listener holds the listener interfaces a value implements.
type listener struct {
	state     StateListener
	message   MessageListener
	parameter ParameterListener
	connect   ConnectListener
}

func bindListener(v interface{}) listener {
	var l listener
	if s, ok := v.(StateListener); ok {
		l.state = s
	}
	if m, ok := v.(MessageListener); ok {
		l.message = m
	}
	if p, ok := v.(ParameterListener); ok {
		l.parameter = p
	}
	if c, ok := v.(ConnectListener); ok {
		l.connect = c
	}
	return l
}

// AddListener registers v for every listener interface it implements and
// returns the id of the registration. Listeners are called without the
// lock held, so they can use the state machine.
func (sm *StateMachine) AddListener(v interface{}) string {
	id := xid.New().String()
	sm.mu.Lock()
	sm.listeners[id] = bindListener(v)
	sm.mu.Unlock()
	return id
}

// RemoveListener removes registration with provided id.
func (sm *StateMachine) RemoveListener(id string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.listeners[id]
	delete(sm.listeners, id)
	return ok
}

// emit queues fn for every listener. The lock is held.
func (sm *StateMachine) emit(fn func(listener)) {
	if len(sm.listeners) == 0 {
		return
	}
	ls := make([]listener, 0, len(sm.listeners))
	for _, l := range sm.listeners {
		ls = append(ls, l)
	}
	sm.pending = append(sm.pending, func() {
		for _, l := range ls {
			fn(l)
		}
	})
}

// message logs text and sends it to message listeners. The lock is held.
func (sm *StateMachine) message(sev Severity, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	switch sev {
	case ErrorMessage:
		sm.logger.Error(text)
	case WarningMessage:
		sm.logger.Warn(text)
	default:
		sm.logger.Info(text)
	}
	sm.emit(func(l listener) {
		if l.message != nil {
			l.message.OnMessage(sev, text)
		}
	})
}
