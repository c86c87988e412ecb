package module_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/bci/filter"
	"pipelined.dev/bci/log"
	"pipelined.dev/bci/mock"
	"pipelined.dev/bci/module"
	"pipelined.dev/bci/param"
	"pipelined.dev/bci/protocol"
	"pipelined.dev/bci/signal"
	"pipelined.dev/bci/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errTest = errors.New("test error")

// fakeOperator accepts a single module connection.
type fakeOperator struct {
	ln   net.Listener
	conn *protocol.Conn
}

func newFakeOperator(t *testing.T) *fakeOperator {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &fakeOperator{ln: ln}
}

func (o *fakeOperator) accept(t *testing.T) {
	c, err := o.ln.Accept()
	require.NoError(t, err)
	o.conn = protocol.NewConn(c, "module")
}

func (o *fakeOperator) next(t *testing.T) protocol.Message {
	m, err := o.conn.Next(5 * time.Second)
	require.NoError(t, err)
	return m
}

func (o *fakeOperator) close() {
	if o.conn != nil {
		o.conn.Close()
	}
	o.ln.Close()
}

// handshake reads the protocol version of the module and answers with the
// current one.
func (o *fakeOperator) handshake(t *testing.T) {
	pv, ok := o.next(t).(protocol.ProtocolVersion)
	require.True(t, ok)
	assert.Equal(t, protocol.Current, pv.Major)
	require.NoError(t, o.conn.Send(protocol.VersionMessage(protocol.Current)))
}

// published reads declarations until EndOfState.
func (o *fakeOperator) published(t *testing.T) (*param.List, *state.List) {
	params, states := param.NewList(), state.NewList()
	for {
		switch m := o.next(t).(type) {
		case protocol.Param:
			params.Add(m.Param)
		case protocol.StateDecl:
			states.Add(m.Field)
		case protocol.SysCommand:
			if m == protocol.EndOfState {
				return params, states
			}
			require.Equal(t, protocol.EndOfParameter, m)
		default:
			t.Fatalf("unexpected message %v", m.Kind())
		}
	}
}

func newModule(operator string, f *mock.Filter) *module.Module {
	return module.New(module.Config{
		Name:             "Source",
		Role:             module.First,
		Next:             "Processing",
		OperatorAddress:  operator,
		Version:          "test",
		HandshakeTimeout: 200 * time.Millisecond,
		Wait:             10 * time.Millisecond,
		Params: []param.Param{
			param.New("/System/SubjectName", "System", param.VariantType, "alice"),
		},
	}, []filter.Node{filter.Named("mock", f)}, module.WithLogger(log.Silent()))
}

func run(m *module.Module) <-chan error {
	errc := make(chan error, 1)
	go func() {
		errc <- m.Run(context.Background())
	}()
	return errc
}

func TestPublish(t *testing.T) {
	op := newFakeOperator(t)
	defer op.close()
	f := &mock.Filter{
		Params: []param.Param{param.New("/Source/SampleBlockSize", "Source", param.IntType, "20")},
		States: []state.Field{state.NewField("Target", 4, state.StateKind, 3)},
	}
	m := newModule(op.ln.Addr().String(), f)
	errc := run(m)
	op.accept(t)

	pv, ok := op.next(t).(protocol.ProtocolVersion)
	require.True(t, ok)
	assert.Equal(t, protocol.Current, pv.Major)
	require.NoError(t, op.conn.Send(protocol.VersionMessage(protocol.NextModuleInfo)))

	params, states := op.published(t)
	assert.NotEmpty(t, params.Value("/System/SourceAddress"))
	assert.Equal(t, op.ln.Addr().String(), params.Value("/System/OperatorAddress"))
	assert.Equal(t, "20", params.Value("/Source/SampleBlockSize"))
	assert.Equal(t, "alice", params.Value("/System/SubjectName"))
	version, err := params.Get("/System/SourceVersion")
	require.NoError(t, err)
	assert.Equal(t, "test", version.At(0, 1))
	assert.Equal(t, "first", version.At(3, 1))
	chain, err := params.Get("/System/SourceFilterChain")
	require.NoError(t, err)
	assert.Equal(t, 1, chain.Rows)

	for _, name := range []string{state.Running, state.SourceTime, "Target"} {
		assert.True(t, states.Exists(name), name)
	}
	target, _ := states.ByName("Target")
	assert.Equal(t, uint64(3), target.Default)

	status, ok := op.next(t).(protocol.Status)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusPlain, status.Code)
	assert.Eventually(t, func() bool { return m.Stage() == module.AwaitingConfig }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.Counter().Published)

	require.NoError(t, op.conn.Send(protocol.Reset))
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("module didn't terminate")
	}
	assert.Equal(t, module.Terminating, m.Stage())
	// the chain wasn't initialized
	assert.Zero(t, f.Counter().Halted)
}

func TestHandshakeTimeout(t *testing.T) {
	op := newFakeOperator(t)
	defer op.close()
	m := newModule(op.ln.Addr().String(), &mock.Filter{})
	errc := run(m)
	op.accept(t)

	_, ok := op.next(t).(protocol.ProtocolVersion)
	require.True(t, ok)
	// no answer, module falls back to the initial version
	op.published(t)
	m.Stop()
	assert.NoError(t, <-errc)
}

func TestDo(t *testing.T) {
	op := newFakeOperator(t)
	defer op.close()
	m := newModule(op.ln.Addr().String(), &mock.Filter{})
	errc := run(m)
	op.accept(t)
	op.handshake(t)
	op.published(t)

	ctx := context.Background()
	var stage module.Stage
	err := m.Do(ctx, func() error {
		stage = m.Stage()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, module.AwaitingConfig, stage)

	err = m.Do(ctx, func() error { return errTest })
	assert.True(t, errors.Is(err, errTest))

	applied := make(chan struct{})
	require.NoError(t, m.Push(ctx, m.Mutate(func() error {
		close(applied)
		return nil
	})))
	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("mutation wasn't applied")
	}

	m.Stop()
	assert.NoError(t, <-errc)
	assert.Equal(t, module.ErrTerminated, m.Do(ctx, func() error { return nil }))
}

func TestOperatorLost(t *testing.T) {
	op := newFakeOperator(t)
	defer op.close()
	m := newModule(op.ln.Addr().String(), &mock.Filter{})
	errc := run(m)
	op.accept(t)
	op.handshake(t)
	op.published(t)

	op.conn.Close()
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, protocol.ErrBadConnection))
	case <-time.After(5 * time.Second):
		t.Fatal("module didn't terminate")
	}
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	m := module.New(module.Config{
		Name:            "Source",
		Role:            module.First,
		OperatorAddress: addr,
		DialRetry:       10 * time.Millisecond,
	}, nil)
	err = m.Run(context.Background())
	assert.True(t, errors.Is(err, protocol.ErrBadConnection))
	<-m.Done()
}

var shape = signal.Properties{Channels: 1, Elements: 4, SamplingRate: 256}

// ring surrounds a first module with a fake operator, a fake next module
// and a fake last module, connected the way the operator connects them
// before the first configuration.
type ring struct {
	*fakeOperator
	m          *module.Module
	errc       <-chan error
	nextLn     net.Listener
	downstream *protocol.Conn
	upstream   *protocol.Conn
}

func newRing(t *testing.T, f *mock.Filter) *ring {
	r := ring{fakeOperator: newFakeOperator(t)}
	nextLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r.nextLn = nextLn
	r.m = newModule(r.ln.Addr().String(), f)
	r.errc = run(r.m)
	r.accept(t)
	r.handshake(t)
	params, states := r.published(t)

	states.AssignLocations()
	ms := []protocol.Message{
		protocol.VersionMessage(protocol.Current),
		protocol.Param{Param: param.New("/NextModuleAddress", "System", param.StringType, nextLn.Addr().String())},
		protocol.EndOfParameter,
	}
	for _, field := range states.Fields() {
		ms = append(ms, protocol.StateDecl{Field: field, Value: field.Default})
	}
	ms = append(ms, protocol.EndOfState)
	require.NoError(t, r.conn.SendAll(ms...))

	c, err := net.Dial("tcp", params.Value("/System/SourceAddress"))
	require.NoError(t, err)
	r.upstream = protocol.NewConn(c, "last")
	require.NoError(t, nextLn.(*net.TCPListener).SetDeadline(time.Now().Add(5*time.Second)))
	c, err = nextLn.Accept()
	require.NoError(t, err)
	r.downstream = protocol.NewConn(c, "next")
	return &r
}

// configure sends parameters followed by the configuration request and
// returns parameters the module published until it was initialized.
func (r *ring) configure(t *testing.T, params ...param.Param) []param.Param {
	ms := make([]protocol.Message, 0, len(params)+2)
	for _, p := range params {
		ms = append(ms, protocol.Param{Param: p})
	}
	ms = append(ms, protocol.EndOfParameter, protocol.SignalProperties{})
	require.NoError(t, r.conn.SendAll(ms...))

	var published []param.Param
	for {
		switch m := r.next(t).(type) {
		case protocol.Param:
			published = append(published, m.Param)
		case protocol.Status:
			require.NotEqual(t, protocol.StatusError, m.Severity(), m.Text)
			if m.Severity() == protocol.StatusInitialized {
				return published
			}
		}
	}
}

func (r *ring) reset(t *testing.T) {
	require.NoError(t, r.conn.Send(protocol.Reset))
	select {
	case err := <-r.errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("module didn't terminate")
	}
	r.upstream.Close()
	r.downstream.Close()
	r.nextLn.Close()
	r.close()
}

func TestAutoConfig(t *testing.T) {
	tests := []struct {
		autoConfig string
		offset     string
		published  []string
	}{
		{
			autoConfig: "0",
			offset:     "1",
		},
		{
			autoConfig: "1",
			offset:     "2",
			published:  []string{"/Source/Offset", "/System/SubjectRun"},
		},
	}
	for _, test := range tests {
		f := &mock.Filter{
			Params: []param.Param{
				param.New("/Source/SampleBlockSize", "Source", param.IntType, "4"),
				param.New("/Source/Offset", "Source", param.FloatType, "1"),
				param.New("/System/SubjectRun", "System", param.StringType, "00"),
			},
			Adjust: map[string][]string{
				"/Source/Offset":     {"2"},
				"/System/SubjectRun": {"07"},
			},
			Output: &shape,
		}
		r := newRing(t, f)
		published := r.configure(t, param.New("/System/AutoConfig", "System", param.IntType, test.autoConfig))
		var paths []string
		for _, p := range published {
			paths = append(paths, p.Path)
		}
		assert.ElementsMatch(t, test.published, paths, test.autoConfig)

		params, err := r.m.Parameters(context.Background())
		require.NoError(t, err)
		assert.Equal(t, test.offset, params.Value("/Source/Offset"), test.autoConfig)
		// subject run is kept even if parameters are restored
		assert.Equal(t, "07", params.Value("/System/SubjectRun"), test.autoConfig)
		r.reset(t)
	}
}

func TestUnchangedConfig(t *testing.T) {
	blockSize := param.New("/Source/SampleBlockSize", "Source", param.IntType, "4")
	f := &mock.Filter{
		Params: []param.Param{
			blockSize,
			param.New("/Source/Offset", "Source", param.FloatType, "1"),
		},
		Output: &shape,
	}
	r := newRing(t, f)
	r.configure(t, blockSize)
	r.configure(t, blockSize)
	assert.Equal(t, 1, f.Counter().Preflighted)
	assert.Equal(t, 1, f.Counter().Initialized)
	// shape is forwarded both times
	for i := 0; i < 2; i++ {
		m, err := r.downstream.Next(5 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, protocol.SignalProperties{Properties: shape}, m)
	}

	r.configure(t, param.New("/Source/Offset", "Source", param.FloatType, "3"))
	assert.Equal(t, 2, f.Counter().Preflighted)
	assert.Equal(t, 2, f.Counter().Initialized)
	r.reset(t)
	// halted before the second preflight and on reset
	assert.Equal(t, 2, f.Counter().Halted)
}

func TestHandler(t *testing.T) {
	f := &mock.Filter{
		Params: []param.Param{param.New("/Source/SampleBlockSize", "Source", param.IntType, "4")},
		Output: &shape,
	}
	r := newRing(t, f)
	r.configure(t)
	require.Eventually(t, func() bool { return r.m.Stage() == module.Resting }, time.Second, time.Millisecond)
	srv := httptest.NewServer(r.m.Handler())

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}
	code, body := get("/stage")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "resting\n", body)
	code, body = get("/parameters")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "/Source/SampleBlockSize")
	code, _ = get("/metrics")
	assert.Equal(t, http.StatusOK, code)

	r.reset(t)
	code, _ = get("/parameters")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	srv.Close()
}
