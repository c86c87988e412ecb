package filter_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/bci/filter"
	"pipelined.dev/bci/log"
	"pipelined.dev/bci/mock"
	"pipelined.dev/bci/param"
	"pipelined.dev/bci/signal"
	"pipelined.dev/bci/state"
)

var (
	errTest = errors.New("test error")
	shape   = signal.Properties{Channels: 2, Elements: 4, SamplingRate: 256}
)

func newEnv(t *testing.T) *filter.Env {
	return filter.NewEnv("Test", log.Module(nil, "Test"), param.NewList(), state.NewList(state.Builtin()...))
}

func initVector(t *testing.T, env *filter.Env, samples int) {
	l := state.NewList(state.Builtin()...)
	l.AssignLocations()
	v, err := state.NewVector(l, samples)
	require.NoError(t, err)
	env.SetVector(v)
}

func chainOf(filters ...*mock.Filter) *filter.Chain {
	var nodes []filter.Node
	for _, f := range filters {
		nodes = append(nodes, filter.Named("", f))
	}
	return filter.NewChain("Test", nodes...)
}

func TestShapeInvariant(t *testing.T) {
	wide := shape
	wide.Channels = 4
	tests := []struct {
		description string
		filters     []*mock.Filter
		fails       bool
	}{
		{
			description: "compatible",
			filters: []*mock.Filter{
				{Accept: &shape},
				{Accept: &shape, Output: &wide},
				{Accept: &wide},
			},
		},
		{
			description: "incompatible output",
			filters: []*mock.Filter{
				{Accept: &shape},
				{Accept: &shape, Output: &shape},
				{Accept: &wide},
			},
			fails: true,
		},
	}
	for _, test := range tests {
		env := newEnv(t)
		c := chainOf(test.filters...)
		for i := 0; i < 2; i++ {
			out, err := c.Preflight(env, shape)
			if test.fails {
				assert.True(t, errors.Is(err, signal.ErrShape), test.description)
				assert.True(t, errors.Is(c.Initialize(env), filter.ErrPhase))
				for _, f := range test.filters {
					assert.Zero(t, f.Counter().Initialized)
				}
				continue
			}
			require.NoError(t, err, test.description)
			assert.Equal(t, wide, out)
			require.NoError(t, c.Initialize(env))
			assert.True(t, c.Initialized())
			assert.Equal(t, shape, c.Input())
			assert.Equal(t, wide, c.Output())
		}
	}
}

func TestPreflightCollectsErrors(t *testing.T) {
	first := &mock.Filter{Hooks: mock.Hooks{ErrorOnPreflight: errTest}}
	second := &mock.Filter{}
	third := &mock.Filter{Accept: &signal.Properties{Channels: 9}}
	c := chainOf(first, second, third)

	_, err := c.Preflight(newEnv(t), shape)
	var errs filter.Errors
	require.True(t, errors.As(err, &errs))
	assert.Len(t, errs, 2)
	assert.True(t, errors.Is(err, errTest))
	assert.True(t, errors.Is(err, signal.ErrShape))
	assert.Equal(t, 1, second.Counter().Preflighted)

	var nodeErr *filter.NodeError
	require.True(t, errors.As(errs[0], &nodeErr))
	assert.Equal(t, "Filter", nodeErr.Filter)
	assert.Equal(t, filter.Preflight, nodeErr.Phase)

	_, err = c.Preflight(newEnv(t), signal.Properties{Channels: -1})
	assert.True(t, errors.Is(err, signal.ErrShape))
}

func TestInitializeHaltsOnError(t *testing.T) {
	first, second := &mock.Filter{}, &mock.Filter{}
	third := &mock.Filter{Hooks: mock.Hooks{ErrorOnInitialize: errTest}}
	c := chainOf(first, second, third)
	env := newEnv(t)

	_, err := c.Preflight(env, shape)
	require.NoError(t, err)
	err = c.Initialize(env)
	assert.True(t, errors.Is(err, errTest))
	assert.False(t, c.Initialized())
	assert.Equal(t, 1, first.Counter().Halted)
	assert.Equal(t, 1, second.Counter().Halted)
	assert.Zero(t, third.Counter().Halted)

	// halt is idempotent
	require.NoError(t, c.Halt(env))
	assert.Equal(t, 1, first.Counter().Halted)

	_, err = c.Process(env, shape.Alloc(), false)
	assert.True(t, errors.Is(err, filter.ErrPhase))
}

func TestProcess(t *testing.T) {
	filters := []*mock.Filter{{Value: 1}, {Value: 1}, {Value: 1}}
	c := chainOf(filters...)
	env := newEnv(t)
	_, err := c.Preflight(env, shape)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(env))
	initVector(t, env, shape.Elements)

	in := shape.Alloc()
	in[1][2] = 0.5
	out, err := c.Process(env, in, false)
	require.NoError(t, err)
	assert.Equal(t, 3.5, out[1][2])
	assert.Equal(t, 3.0, out[0][0])
	for _, f := range filters {
		assert.Equal(t, 1, f.Counter().Processed)
	}

	// resting pass calls only resting filters
	rested, err := c.Process(env, shape.Alloc(), true)
	require.NoError(t, err)
	assert.Equal(t, 3.0, rested[0][0])
	for _, f := range filters {
		assert.Equal(t, 1, f.Counter().Processed)
		assert.Equal(t, 1, f.Counter().Rested)
	}

	_, err = c.Process(env, signal.EmptyFloat64(1, 4), false)
	assert.True(t, errors.Is(err, signal.ErrShape))

	filters[1].ErrorOnProcess = errTest
	_, err = c.Process(env, in, false)
	assert.True(t, errors.Is(err, errTest))
	assert.Equal(t, 2, filters[0].Counter().Processed)
	assert.Equal(t, 1, filters[2].Counter().Processed)
}

func TestRunNotifications(t *testing.T) {
	f := &mock.Filter{Hooks: mock.Hooks{ErrorOnStopRun: errTest}}
	c := chainOf(f)
	env := newEnv(t)
	assert.True(t, errors.Is(c.StartRun(env), filter.ErrPhase))

	_, err := c.Preflight(env, shape)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(env))
	require.NoError(t, c.StartRun(env))
	assert.True(t, errors.Is(c.StopRun(env), errTest))
	assert.Equal(t, 1, f.Counter().Started)
	assert.Equal(t, 1, f.Counter().Stopped)
	assert.Equal(t, filter.Idle, env.Phase())
}

func TestPublish(t *testing.T) {
	gain := param.New("/Filtering/Gain", "Filtering", param.FloatType, "1.0")
	conflict := param.New("/Filtering/Gain", "Filtering", param.StringType, "x")
	env := newEnv(t)
	c := chainOf(
		&mock.Filter{Params: []param.Param{gain}, States: []state.Field{state.NewField("Target", 4, state.StateKind, 0)}},
		&mock.Filter{Params: []param.Param{conflict}},
		&mock.Filter{Hooks: mock.Hooks{ErrorOnPublish: errTest}},
	)
	err := c.Publish(env)
	assert.True(t, errors.Is(err, param.ErrTypeConflict))
	assert.True(t, errors.Is(err, errTest))
	f, ok := env.Field("Target")
	assert.True(t, ok)
	assert.Equal(t, 4, f.Width)

	p, err := env.Param("Gain")
	require.NoError(t, err)
	assert.Equal(t, "1.0", p.Value())

	info := c.Info()
	assert.Equal(t, "/System/TestFilterChain", info.Path)
	assert.Equal(t, 3, info.Rows)
	assert.Equal(t, "Filter", info.At(0, 0))
	assert.Equal(t, "3", info.At(2, 1))
	assert.Equal(t, []string{"Filter", "Filter", "Filter"}, c.Names())
}

func TestEnvPhases(t *testing.T) {
	env := newEnv(t)
	assert.True(t, errors.Is(env.DeclareParam(param.New("/A", "", param.IntType, "1")), filter.ErrPhase))
	assert.True(t, errors.Is(env.DeclareState(state.NewField("A", 1, state.StateKind, 0)), filter.ErrPhase))
	assert.True(t, errors.Is(env.SetParam("/A", "1"), filter.ErrPhase))
	assert.True(t, errors.Is(env.SetState(state.Running, 0, 1), filter.ErrPhase))
	_, err := env.State(state.Running, 0)
	assert.True(t, errors.Is(err, filter.ErrPhase))

	env.Enter(filter.Publish)
	_, err = env.Param("/A")
	assert.True(t, errors.Is(err, filter.ErrPhase))
	assert.Equal(t, "publish", env.Phase().String())
}
