package operator_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/bci/log"
	"pipelined.dev/bci/operator"
	"pipelined.dev/bci/param"
	"pipelined.dev/bci/protocol"
	"pipelined.dev/bci/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const timeout = 5 * time.Second

func startup(t *testing.T, names ...string) *operator.StateMachine {
	cfg := operator.Config{}
	for _, name := range names {
		cfg.Modules = append(cfg.Modules, operator.ModuleConfig{Name: name, Address: "127.0.0.1:0"})
	}
	cfg.BackLink = true
	sm := operator.New(cfg, operator.WithLogger(log.Silent()))
	require.NoError(t, sm.Startup(context.Background()))
	return sm
}

func waitFor(t *testing.T, sm *operator.StateMachine, ops ...operator.Operation) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, sm.WaitFor(ctx, ops...))
}

// fakeModule speaks the module side of the protocol.
type fakeModule struct {
	conn   *protocol.Conn
	states *state.List
}

func dial(t *testing.T, addr, name string) *fakeModule {
	conn, err := protocol.Dial(context.Background(), addr, name, 0)
	require.NoError(t, err)
	require.NoError(t, conn.Handshake(protocol.Current, timeout))
	return &fakeModule{conn: conn, states: state.NewList()}
}

func (m *fakeModule) next(t *testing.T) protocol.Message {
	t.Helper()
	msg, err := m.conn.Next(timeout)
	require.NoError(t, err)
	return msg
}

func (m *fakeModule) publish(t *testing.T, params []param.Param, fields []state.Field) {
	var ms []protocol.Message
	for _, p := range params {
		ms = append(ms, protocol.Param{Param: p})
	}
	ms = append(ms, protocol.EndOfParameter)
	for _, f := range append(state.Builtin(), fields...) {
		ms = append(ms, protocol.StateDecl{Field: f, Value: f.Default})
	}
	ms = append(ms, protocol.EndOfState, protocol.NewStatus(protocol.StatusPlain, 0, "Waiting for configuration ..."))
	require.NoError(t, m.conn.SendAll(ms...))
}

// information reads distributed declarations.
func (m *fakeModule) information(t *testing.T) *param.List {
	nextInfo := param.NewList()
	if m.conn.Provides(protocol.NextModuleInfo) {
		pv, ok := m.next(t).(protocol.ProtocolVersion)
		require.True(t, ok)
		assert.Equal(t, protocol.Current, pv.Major)
	}
	for {
		switch msg := m.next(t).(type) {
		case protocol.Param:
			nextInfo.Add(msg.Param)
		case protocol.StateDecl:
			m.states.Add(msg.Field)
		case protocol.SysCommand:
			if msg == protocol.EndOfState {
				return nextInfo
			}
			require.Equal(t, protocol.EndOfParameter, msg)
		default:
			t.Fatalf("unexpected %v", msg.Kind())
		}
	}
}

// configuration reads parameters sent by set config.
func (m *fakeModule) configuration(t *testing.T) *param.List {
	params := param.NewList()
	for {
		switch msg := m.next(t).(type) {
		case protocol.Param:
			params.Add(msg.Param)
		case protocol.SysCommand:
			require.Equal(t, protocol.EndOfParameter, msg)
			return params
		default:
			t.Fatalf("unexpected %v", msg.Kind())
		}
	}
}

// vector sends state vector where SourceTime increases by one every row.
func (m *fakeModule) vector(t *testing.T, samples int, start uint64) {
	v, err := state.NewVector(m.states, samples)
	require.NoError(t, err)
	for row := 0; row < samples; row++ {
		require.NoError(t, v.Set(state.SourceTime, row, start+uint64(row)))
	}
	data, err := v.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, m.conn.Send(protocol.StateVector{Samples: samples, Data: data}))
}

func (m *fakeModule) silent(t *testing.T) {
	_, err := m.conn.Next(50 * time.Millisecond)
	assert.True(t, errors.Is(err, protocol.ErrTimeout), "unexpected message")
}

var (
	sourceParams = []param.Param{
		param.New("/System/SourceAddress", "System", param.StringType, "127.0.0.1:7000"),
		param.New("/Source/SampleBlockSize", "Source", param.IntType, "4"),
		param.New("/Filtering/Gain", "Filtering", param.FloatType, "1.0"),
	}
	sourceStates = []state.Field{
		state.NewField("Target", 4, state.StateKind, 3),
		state.NewField("Pulse", 1, state.EventKind, 0),
	}
)

type recorder struct {
	mu         sync.Mutex
	operations []operator.Operation
	connected  []string
	errors     []string
}

func (r *recorder) OnStateChange(_ operator.SystemState, op operator.Operation) {
	r.mu.Lock()
	r.operations = append(r.operations, op)
	r.mu.Unlock()
}

func (r *recorder) OnConnect(name string) {
	r.mu.Lock()
	r.connected = append(r.connected, name)
	r.mu.Unlock()
}

func (r *recorder) OnMessage(sev operator.Severity, text string) {
	if sev != operator.ErrorMessage {
		return
	}
	r.mu.Lock()
	r.errors = append(r.errors, text)
	r.mu.Unlock()
}

func TestLifecycle(t *testing.T) {
	sm := startup(t, "Source")
	defer sm.Shutdown()
	var r recorder
	sm.AddListener(&r)
	assert.Equal(t, operator.OperationStartup, sm.Operation())

	m := dial(t, sm.Addresses()[0], "operator")
	defer m.conn.Close()
	assert.Equal(t, protocol.Current, m.conn.Version())
	m.publish(t, sourceParams, sourceStates)

	// the only module is followed by itself
	nextInfo := m.information(t)
	assert.Equal(t, "127.0.0.1:7000", nextInfo.Value("/NextModuleAddress"))
	target, ok := m.states.ByName("Target")
	require.True(t, ok)
	assert.True(t, target.Location >= 0)
	waitFor(t, sm, operator.OperationConnected)

	p, err := sm.Parameter("/Source/SampleBlockSize")
	require.NoError(t, err)
	assert.Equal(t, "4", p.Value())
	assert.Len(t, sm.Events(), 1)
	assert.Len(t, sm.States(), 3)
	assert.Equal(t, 1, sm.Connections())
	info, err := sm.ConnectionInfo(0)
	require.NoError(t, err)
	assert.Equal(t, "Source", info.Name)
	_, err = sm.ConnectionInfo(1)
	assert.True(t, errors.Is(err, operator.ErrUnknownModule))

	assert.True(t, errors.Is(sm.StartRun(), operator.ErrInvalidState))

	// configuration
	require.NoError(t, sm.SetConfig())
	params := m.configuration(t)
	assert.Equal(t, "1.0", params.Value("/Filtering/Gain"))
	assert.True(t, params.Exists("/System/OperatorBackLink"))
	sp, ok := m.next(t).(protocol.SignalProperties)
	require.True(t, ok)
	assert.True(t, sp.IsEmpty())
	assert.Equal(t, operator.OperationBusy, sm.Operation())
	require.NoError(t, m.conn.Send(protocol.NewStatus(protocol.StatusInitialized, 0, "Source initialized")))
	waitFor(t, sm, operator.OperationResting)
	status, err := sm.ModuleStatus(0)
	require.NoError(t, err)
	assert.Equal(t, "Source initialized", status.Text)

	// modified parameters need configuration before the run
	require.NoError(t, sm.SetParameter("/Filtering/Gain", "1.5"))
	assert.Equal(t, operator.OperationParamsModified, sm.Operation())
	assert.True(t, errors.Is(sm.StartRun(), operator.ErrInvalidState))
	m.silent(t)
	require.NoError(t, sm.SetConfig())
	params = m.configuration(t)
	assert.Equal(t, "1.5", params.Value("/Filtering/Gain"))
	m.next(t)
	require.NoError(t, m.conn.Send(protocol.NewStatus(protocol.StatusInitialized, 0, "Source initialized")))
	waitFor(t, sm, operator.OperationResting)

	// run
	require.NoError(t, sm.SetStateValue(state.Running, 1))
	assert.Equal(t, protocol.StateChange{Name: state.Running, Value: 1}, m.next(t))
	assert.Equal(t, operator.OperationBusy, sm.Operation())
	require.NoError(t, m.conn.Send(protocol.NewStatus(protocol.StatusRunning, 0, "Source running")))
	waitFor(t, sm, operator.OperationRunning)

	require.NoError(t, sm.SetStateValue("Target", 5))
	assert.Equal(t, protocol.StateChange{Name: "Target", Value: 5}, m.next(t))
	assert.True(t, errors.Is(sm.SetEvent("Target", 1), state.ErrTypeConflict))
	require.NoError(t, sm.PulseEvent("Pulse", 1))
	assert.Equal(t, protocol.StateChange{Name: "Pulse", Value: 1}, m.next(t))
	assert.Equal(t, protocol.StateChange{Name: "Pulse", Value: 0, Row: 1}, m.next(t))

	m.vector(t, 4, 1000)
	assert.Eventually(t, func() bool {
		v, err := sm.StateValue(state.SourceTime)
		return err == nil && v == 1003
	}, timeout, 5*time.Millisecond)

	// module stops the run
	require.NoError(t, m.conn.SendAll(protocol.Suspend, protocol.NewStatus(protocol.StatusSuspended, 0, "Source suspended")))
	waitFor(t, sm, operator.OperationSuspended)
	assert.True(t, errors.Is(sm.StartRun(), operator.ErrInvalidState))
	assert.Equal(t, operator.Suspended, sm.SystemState())
	m.silent(t)

	// lost module resets the system
	m.conn.Close()
	waitFor(t, sm, operator.OperationStartup)
	assert.Equal(t, 0, sm.Connections())
	_, err = sm.Parameter("/Filtering/Gain")
	assert.True(t, errors.Is(err, param.ErrUnknownParam))

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []string{"Source"}, r.connected)
	assert.Contains(t, r.operations, operator.OperationParamsModified)
	assert.Equal(t, operator.OperationStartup, r.operations[len(r.operations)-1])
	assert.NotEmpty(t, r.errors)
}

func TestStopRun(t *testing.T) {
	sm := startup(t, "Source")
	defer sm.Shutdown()
	m := dial(t, sm.Addresses()[0], "operator")
	defer m.conn.Close()
	m.publish(t, sourceParams, nil)
	m.information(t)
	waitFor(t, sm, operator.OperationConnected)

	require.NoError(t, sm.SetConfig())
	m.configuration(t)
	m.next(t)
	require.NoError(t, m.conn.Send(protocol.NewStatus(protocol.StatusInitialized, 0, "Source initialized")))
	waitFor(t, sm, operator.OperationResting)
	require.NoError(t, sm.StartRun())
	m.next(t)
	require.NoError(t, sm.StopRun())
	assert.Equal(t, protocol.StateChange{Name: state.Running, Value: 0}, m.next(t))
	assert.Equal(t, operator.SuspendInitiated, sm.SystemState())
	require.NoError(t, m.conn.Send(protocol.Suspend))
	waitFor(t, sm, operator.OperationSuspended)

	// configuration is allowed while suspended
	require.NoError(t, sm.SetConfig())
	m.configuration(t)
	m.next(t)
	require.NoError(t, m.conn.Send(protocol.NewStatus(protocol.StatusError, 0, "Source: bad gain")))
	waitFor(t, sm, operator.OperationConnected)

	require.NoError(t, sm.Reset())
	assert.Equal(t, protocol.Reset, m.next(t))
	waitFor(t, sm, operator.OperationStartup)
}

func TestWatch(t *testing.T) {
	sm := startup(t, "Source")
	defer sm.Shutdown()
	m := dial(t, sm.Addresses()[0], "operator")
	defer m.conn.Close()
	m.publish(t, sourceParams, sourceStates)
	m.information(t)
	waitFor(t, sm, operator.OperationConnected)

	v, err := sm.Evaluate("Gain + Target")
	require.NoError(t, err)
	assert.Equal(t, 4.0, v)
	_, err = sm.Evaluate("Offset + 1")
	assert.Error(t, err)

	changes := make(chan operator.Change, 16)
	id, err := sm.AddWatch([]string{"Gain", "Gain * 2 > 3"}, func(c operator.Change) {
		changes <- c
	})
	require.NoError(t, err)
	require.NoError(t, sm.SetWatchDecimation(id, 1))
	assert.Equal(t, []string{"Gain", "Gain * 2 > 3"}, sm.Watches()[id])

	barrier := func(last uint64) {
		assert.Eventually(t, func() bool {
			v, err := sm.StateValue(state.SourceTime)
			return err == nil && v == last
		}, timeout, 5*time.Millisecond)
		require.NoError(t, sm.Do(context.Background(), func() error { return nil }))
	}

	m.vector(t, 4, 1000)
	barrier(1003)
	require.NoError(t, sm.SetParameter("/Filtering/Gain", "2.0"))
	m.vector(t, 4, 2000)
	barrier(2003)
	m.vector(t, 4, 3000)
	barrier(3003)

	require.Len(t, changes, 1)
	c := <-changes
	assert.Equal(t, id, c.ID)
	assert.Equal(t, 2.0, c.Time)
	assert.Equal(t, []float64{2, 1}, c.Values)

	require.NoError(t, sm.RemoveWatch(id))
	assert.True(t, errors.Is(sm.RemoveWatch(id), operator.ErrUnknownWatch))
	assert.Error(t, sm.SetWatchDecimation(id, 0))
}

func TestRejectSecondConnection(t *testing.T) {
	sm := startup(t, "Source", "Application")
	defer sm.Shutdown()
	m := dial(t, sm.Addresses()[0], "operator")
	defer m.conn.Close()
	assert.Equal(t, operator.OperationStartup, sm.Operation())

	// duplicate connection for the same slot is closed
	dup, err := protocol.Dial(context.Background(), sm.Addresses()[0], "operator", 0)
	require.NoError(t, err)
	defer dup.Close()
	_, err = dup.Next(timeout)
	assert.True(t, errors.Is(err, protocol.ErrBadConnection))
	assert.Equal(t, 1, sm.Connections())
}

func TestParameterFile(t *testing.T) {
	sm := startup(t, "Source")
	defer sm.Shutdown()
	require.NoError(t, sm.LoadParameters(bytes.NewBufferString(`
parameters:
  - path: /Source/SubjectName
    section: Source
    type: string
    values: [bob]
`)))
	p, err := sm.Parameter("/Source/SubjectName")
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Value())

	var buf bytes.Buffer
	require.NoError(t, sm.SaveParameters(&buf))
	assert.Contains(t, buf.String(), "/System/OperatorBackLink")
	assert.Contains(t, buf.String(), "bob")
}
