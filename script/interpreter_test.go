package script

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/bci/operator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newInterpreter(t *testing.T) *Interpreter {
	t.Helper()
	cfg := operator.DefaultConfig()
	cfg.Version = "1.2.3"
	i := New(operator.New(cfg))
	for _, line := range []string{
		"add parameter Filtering float /Filtering/Gain 1.5",
		"add state Target 4 3",
		"add event Pulse 1",
	} {
		r := i.Execute(line)
		require.Equal(t, Result{}, r, line)
	}
	return i
}

// execute runs commands and checks results.
func execute(t *testing.T, i *Interpreter, tests []struct {
	line     string
	text     string
	exitCode int
}) {
	t.Helper()
	for _, test := range tests {
		r := i.Execute(test.line)
		assert.Equal(t, test.text, r.Text, test.line)
		assert.Equal(t, test.exitCode, r.ExitCode, test.line)
	}
}

func TestParameters(t *testing.T) {
	i := newInterpreter(t)
	execute(t, i, []struct {
		line     string
		text     string
		exitCode int
	}{
		{line: "get parameter /Filtering/Gain", text: "1.5"},
		{line: "set parameter /Filtering/Gain 2"},
		{line: "get parameter Filtering/Gain", text: "2"},
		{line: "exists parameter /Filtering/Gain", text: "true"},
		{line: "exists parameter /Filtering/Offset", text: "false", exitCode: 1},
		{line: "list parameters *Gain", text: "Filtering float /Filtering/Gain= 2", exitCode: 1},
		{line: "set parameter /Filtering/Gain", text: `\Error: Missing argument`, exitCode: 1},
		{line: "Gain * 2", text: "4"},
		{line: "evaluate expression Gain + Target", text: "5"},
		{line: "eval expr Gain > 3", text: "0", exitCode: 1},
	})
	r := i.Execute("get parameter /Filtering/Offset")
	assert.Equal(t, 1, r.ExitCode)
	assert.True(t, strings.HasPrefix(r.Text, ErrorPrefix), r.Text)
}

func TestParameterFile(t *testing.T) {
	i := newInterpreter(t)
	file := filepath.Join(t.TempDir(), "session.yaml")
	assert.Equal(t, Result{}, i.Execute("save parameterfile "+file))

	other := New(operator.New(operator.DefaultConfig()))
	assert.Equal(t, Result{}, other.Execute("load parameterfile "+file))
	assert.Equal(t, Result{Text: "1.5"}, other.Execute("get parameter /Filtering/Gain"))

	assert.Equal(t, 1, other.Execute("load parameterfile "+filepath.Join(t.TempDir(), "missing.yaml")).ExitCode)
}

func TestStates(t *testing.T) {
	i := newInterpreter(t)
	execute(t, i, []struct {
		line     string
		text     string
		exitCode int
	}{
		{line: "get state Target", text: "3"},
		{line: "set state Target 5"},
		{line: "get state Target", text: "5"},
		{line: "exists state Target", text: "true"},
		{line: "exists state Pulse", text: "false", exitCode: 1},
		{line: "exists event Pulse", text: "true"},
		{line: "list events", text: "Pulse 1 0 -1 event", exitCode: 1},
		{line: "set event Pulse 1"},
		{line: "get event Pulse", text: "1"},
		{line: "pulse event Pulse 1"},
		{line: "get event Pulse", text: "0", exitCode: 1},
		{line: "set state Target five", text: `\Error: invalid value "five"`, exitCode: 1},
		{line: "get state Target 1", text: `\Error: Extra argument`, exitCode: 1},
	})
	assert.Equal(t, 1, i.Execute("get state Pulse").ExitCode)
	assert.Equal(t, 1, i.Execute("set event Target 1").ExitCode)
}

func TestSystem(t *testing.T) {
	i := newInterpreter(t)
	execute(t, i, []struct {
		line     string
		text     string
		exitCode int
	}{
		{line: "get system state", text: "Idle", exitCode: 1},
		{line: "version", text: "1.2.3", exitCode: 1},
		{line: "wait for Idle 0.1", text: "true"},
		{line: "wait for system Idle|Running", text: "true"},
		{line: "wait for Running 0.01", text: "false", exitCode: 1},
		{line: "wait for Sleeping", text: `\Error: unknown system state "Sleeping"`, exitCode: 1},
	})
	for _, line := range []string{"start", "start run", "stop run", "set config", "setconfig", "reset system"} {
		r := i.Execute(line)
		assert.Equal(t, 1, r.ExitCode, line)
		assert.Contains(t, r.Text, operator.ErrInvalidState.Error(), line)
	}
}

func TestResolution(t *testing.T) {
	i := newInterpreter(t)
	execute(t, i, []struct {
		line     string
		text     string
		exitCode int
	}{
		{line: ""},
		{line: "# comment"},
		{line: "frobnicate", text: `\Error: Cannot make sense of "frobnicate"`, exitCode: 1},
		{line: "list run", text: `\Error: Cannot list run objects`, exitCode: 1},
		{line: "frobnicate 1", text: `\Error: Cannot make sense of "frobnicate 1"`, exitCode: 1},
		{line: "frobnicate widgets", text: `\Error: Don't know how to frobnicate widgets`, exitCode: 1},
		{line: "get widgets", text: `\Error: Don't know how to get widgets`, exitCode: 1},
		{line: `echo "unbalanced`, text: `\Error: unbalanced quotes in "echo \"unbalanced"`, exitCode: 1},
	})
	assert.Contains(t, i.Execute("help").Text, "parameter: add, exists, get, list, set")
	assert.False(t, i.Quit())
	assert.Equal(t, Result{}, i.Execute("quit"))
	assert.True(t, i.Quit())
}

func TestVariables(t *testing.T) {
	i := newInterpreter(t)
	execute(t, i, []struct {
		line     string
		text     string
		exitCode int
	}{
		{line: `set variable greeting "hello world"`},
		{line: "get variable greeting", text: "hello world", exitCode: 1},
		{line: "echo $greeting!", text: "hello world!", exitCode: 1},
		{line: "echo $missing", text: "$missing", exitCode: 1},
		{line: "set variable n 2"},
		{line: "set parameter /Filtering/Gain $n"},
		{line: "echo ${get parameter /Filtering/Gain}", text: "2"},
		{line: "echo ${echo ${get variable n}}", text: "2"},
		{line: "echo $Result", text: "2"},
		{line: "echo ${get variable missing}", text: `\Error: unknown variable "missing"`, exitCode: 1},
		{line: "echo ${get variable n", text: `\Error: unbalanced braces in "echo ${get variable n"`, exitCode: 1},
		{line: "exists variable n", text: "true"},
		{line: "clear variable n"},
		{line: "exists variable n", text: "false", exitCode: 1},
	})
	assert.Len(t, i.Execute("echo $YYYYMMDD").Text, 8)
	assert.Len(t, i.Execute("echo $HHMMSS").Text, 6)
	assert.Contains(t, i.Execute("list variables").Text, "greeting=hello world")
}

func TestSignal(t *testing.T) {
	i := newInterpreter(t)
	execute(t, i, []struct {
		line     string
		text     string
		exitCode int
	}{
		{line: "get signal channels", text: "0", exitCode: 1},
		{line: "get Signal(1,1)", text: `\Error: Signal index out of range`, exitCode: 1},
		{line: "get signal (1,1)", text: `\Error: Signal index out of range`, exitCode: 1},
		{line: "freeze signal", text: `\Error: no signal received`, exitCode: 1},
		{line: "thaw signal"},
	})
}

func TestWatches(t *testing.T) {
	i := newInterpreter(t)
	id := i.Execute("add watch Gain Target")
	require.Equal(t, 1, id.ExitCode)
	require.NotEmpty(t, id.Text)
	assert.NotContains(t, id.Text, ErrorPrefix)

	execute(t, i, []struct {
		line     string
		text     string
		exitCode int
	}{
		{line: "list watches", text: id.Text + " Gain; Target", exitCode: 1},
		{line: "set watch " + id.Text + " decimation auto"},
		{line: "set watch " + id.Text + " decimation 4"},
		{line: "set watch " + id.Text + " rate 4", text: `\Error: unknown watch property "rate"`, exitCode: 1},
		{line: "add watch", text: `\Error: Missing argument`, exitCode: 1},
	})
	assert.Equal(t, 1, i.Execute("add watch Gain +").ExitCode)

	other := i.Execute("add watch Target")
	require.NotContains(t, other.Text, ErrorPrefix)
	assert.Equal(t, Result{}, i.Execute("remove watch "+id.Text))
	assert.Equal(t, 1, i.Execute("remove watch "+id.Text).ExitCode)
	i.Close()
	assert.Empty(t, i.sm.Watches())
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		text     string
		expected int
	}{
		{text: "", expected: 0},
		{text: "true", expected: 0},
		{text: "TRUE", expected: 0},
		{text: "false", expected: 1},
		{text: "0", expected: 1},
		{text: "2.5", expected: 0},
		{text: "-1", expected: 0},
		{text: "done", expected: 1},
		{text: `done \ExitCode: 3`, expected: 3},
		{text: `\ExitCode: x`, expected: 1},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, exitCode(test.text), test.text)
	}
}

func TestTokenize(t *testing.T) {
	tokens, err := tokenize(`set  variable s "a b" ""`)
	require.NoError(t, err)
	assert.Equal(t, []string{"set", "variable", "s", "a b", ""}, tokens)
}

func TestRun(t *testing.T) {
	i := newInterpreter(t)
	r, err := i.Run(strings.NewReader(`# setup
set variable n 3
set parameter /Filtering/Gain $n
get parameter /Filtering/Gain
`))
	require.NoError(t, err)
	assert.Equal(t, Result{Text: "3"}, r)

	_, err = i.Run(strings.NewReader("echo 1\nfrobnicate widgets\necho 2\n"))
	assert.EqualError(t, err, "line 2: Don't know how to frobnicate widgets")

	r, err = i.Run(strings.NewReader("set variable AbortOnError 0\nfrobnicate widgets\necho 2\n"))
	require.NoError(t, err)
	assert.Equal(t, Result{Text: "2"}, r)

	r, err = i.Run(strings.NewReader("echo 4\nquit\necho 5\n"))
	require.NoError(t, err)
	assert.Equal(t, Result{}, r)
	assert.True(t, i.Quit())
}
