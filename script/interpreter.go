// Package script implements the command language of the operator
// consoles. A command is a verb followed by an object type and arguments,
// e.g. "set parameter SubjectName alice". Commands without an object type
// are resolved by implied verbs, e.g. "start", and finally evaluated as an
// expression.
package script

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"pipelined.dev/bci/log"
	"pipelined.dev/bci/operator"
	"pipelined.dev/bci/signal"
)

const (
	// ErrorPrefix marks results of failed commands.
	ErrorPrefix = `\Error: `
	// ExitCodeTag followed by a number sets the exit code of a result.
	ExitCodeTag = `\ExitCode: `
	// ResultVariable holds the result of the last command.
	ResultVariable = "Result"
	// AbortVariable stops scripts at the first error unless it's 0.
	AbortVariable = "AbortOnError"
)

var (
	errMissing = errors.New("Missing argument")
	errExtra   = errors.New("Extra argument")
)

// Result of a command.
type Result struct {
	Text     string `json:"result"`
	ExitCode int    `json:"exitCode"`
}

// Interpreter executes commands of a single session. It's not safe for
// concurrent use, sessions use their own interpreters.
type Interpreter struct {
	id      string
	sm      *operator.StateMachine
	logger  *logrus.Entry
	vars    map[string]string
	sink    func(operator.Change)
	watches []string
	frozen  signal.Float64
	quit    bool
}

// Option configures an interpreter.
type Option func(*Interpreter)

// WithLogger sets interpreter logger.
func WithLogger(l log.Logger) Option {
	return func(i *Interpreter) {
		i.logger = l.WithField("session", i.id)
	}
}

// WithWatchSink sets the function that receives changes of watches added
// by the session. By default changes are logged.
func WithWatchSink(fn func(operator.Change)) Option {
	return func(i *Interpreter) {
		i.sink = fn
	}
}

// New returns interpreter that executes commands against sm.
func New(sm *operator.StateMachine, options ...Option) *Interpreter {
	i := Interpreter{
		id:   xid.New().String(),
		sm:   sm,
		vars: make(map[string]string),
	}
	i.logger = log.Silent().WithField("session", i.id)
	for _, option := range options {
		option(&i)
	}
	if i.sink == nil {
		i.sink = func(c operator.Change) {
			i.logger.Infof("watch %s at %.3fs: %v", c.ID, c.Time, c.Values)
		}
	}
	now := time.Now()
	i.vars["YYYYMMDD"] = now.Format("20060102")
	i.vars["HHMMSS"] = now.Format("150405")
	i.vars[ResultVariable] = ""
	i.vars[AbortVariable] = "1"
	return &i
}

// ID returns session id.
func (i *Interpreter) ID() string {
	return i.id
}

// Quit reports whether the session requested to quit.
func (i *Interpreter) Quit() bool {
	return i.quit
}

// Close removes watches added by the session.
func (i *Interpreter) Close() {
	for _, id := range i.watches {
		if err := i.sm.RemoveWatch(id); err != nil {
			i.logger.Debugf("remove watch: %v", err)
		}
	}
	i.watches = nil
}

// Execute runs a single command line.
func (i *Interpreter) Execute(line string) Result {
	text, err := i.execute(line)
	if err != nil {
		i.logger.Debugf("%q: %v", line, err)
		text = ErrorPrefix + err.Error()
		i.vars[ResultVariable] = text
		return Result{Text: text, ExitCode: 1}
	}
	i.vars[ResultVariable] = text
	return Result{Text: text, ExitCode: exitCode(text)}
}

// Run executes commands read from r line by line and returns the result
// of the last one. Failing command stops the script if AbortOnError is
// set, as does quit.
func (i *Interpreter) Run(r io.Reader) (Result, error) {
	var result Result
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		result = i.Execute(scanner.Text())
		if i.quit {
			break
		}
		if strings.HasPrefix(result.Text, ErrorPrefix) && i.vars[AbortVariable] != "0" {
			return result, fmt.Errorf("line %d: %s", n, strings.TrimPrefix(result.Text, ErrorPrefix))
		}
	}
	return result, scanner.Err()
}

func (i *Interpreter) execute(line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", nil
	}
	line, err := i.substitute(line)
	if err != nil {
		return "", err
	}
	tokens, err := tokenize(line)
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return "", nil
	}
	verb := strings.ToLower(tokens[0])

	var typ *objectType
	if len(tokens) > 1 {
		if typ = types.byName(tokens[1]); typ != nil {
			if m, ok := typ.methods[verb]; ok {
				return i.run(m, tokens[2:])
			}
		}
		// compound verb, e.g. "wait for system ..."
		if len(tokens) > 2 {
			if t := types.byName(tokens[2]); t != nil {
				if m, ok := t.methods[verb+" "+strings.ToLower(tokens[1])]; ok {
					return i.run(m, tokens[3:])
				}
			}
		}
	}
	if m, ok := implied.methods[verb]; ok {
		return i.run(m, tokens[1:])
	}
	if v, err := i.sm.Evaluate(line); err == nil {
		return formatNumber(v), nil
	}
	switch {
	case len(tokens) < 2 || tokens[1] == "" || !isLetter(tokens[1][0]):
		return "", fmt.Errorf("Cannot make sense of %q", line)
	case typ != nil:
		return "", fmt.Errorf("Cannot %s %s objects", verb, typ.name)
	default:
		return "", fmt.Errorf("Don't know how to %s %s", verb, tokens[1])
	}
}

// run calls the method and checks that it consumed all arguments.
func (i *Interpreter) run(m method, tokens []string) (string, error) {
	a := args{tokens: tokens}
	text, err := m(i, &a)
	if a.missing {
		return "", errMissing
	}
	if err != nil {
		return "", err
	}
	if a.pos < len(a.tokens) {
		return "", errExtra
	}
	return text, nil
}

// substitute replaces $name with variable values and ${command} with the
// result of the command. Unknown variables are kept, expressions use them.
func (i *Interpreter) substitute(line string) (string, error) {
	var b strings.Builder
	for pos := 0; pos < len(line); {
		c := line[pos]
		if c != '$' || pos+1 == len(line) {
			b.WriteByte(c)
			pos++
			continue
		}
		if line[pos+1] == '{' {
			end, depth := pos+2, 1
			for ; end < len(line) && depth > 0; end++ {
				switch line[end] {
				case '{':
					depth++
				case '}':
					depth--
				}
			}
			if depth > 0 {
				return "", fmt.Errorf("unbalanced braces in %q", line)
			}
			r := i.Execute(line[pos+2 : end-1])
			if r.ExitCode != 0 && strings.HasPrefix(r.Text, ErrorPrefix) {
				return "", errors.New(strings.TrimPrefix(r.Text, ErrorPrefix))
			}
			b.WriteString(r.Text)
			pos = end
			continue
		}
		end := pos + 1
		for end < len(line) && isAlnum(line[end]) {
			end++
		}
		name := line[pos+1 : end]
		if v, ok := i.vars[name]; ok && name != "" {
			b.WriteString(v)
		} else {
			b.WriteString(line[pos:end])
		}
		pos = end
	}
	return b.String(), nil
}

// tokenize splits line at white space. Double quotes group tokens.
func tokenize(line string) ([]string, error) {
	var (
		tokens []string
		b      strings.Builder
		quoted bool
		token  bool
	)
	for pos := 0; pos < len(line); pos++ {
		c := line[pos]
		switch {
		case c == '"':
			quoted = !quoted
			token = true
		case !quoted && (c == ' ' || c == '\t'):
			if token {
				tokens = append(tokens, b.String())
				b.Reset()
				token = false
			}
		default:
			b.WriteByte(c)
			token = true
		}
	}
	if quoted {
		return nil, fmt.Errorf("unbalanced quotes in %q", line)
	}
	if token {
		tokens = append(tokens, b.String())
	}
	return tokens, nil
}

// exitCode evaluates result text: empty, true and non-zero numbers are
// success, an exit code tag sets the code explicitly.
func exitCode(text string) int {
	if text == "" || strings.EqualFold(text, "true") {
		return 0
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		if f != 0 {
			return 0
		}
		return 1
	}
	if pos := strings.Index(text, ExitCodeTag); pos >= 0 {
		fields := strings.Fields(text[pos+len(ExitCodeTag):])
		if len(fields) > 0 {
			if code, err := strconv.Atoi(fields[0]); err == nil {
				return code
			}
		}
	}
	return 1
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func isLetter(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isAlnum(c byte) bool {
	return isLetter(c) || ('0' <= c && c <= '9')
}

// args is a cursor over command arguments.
type args struct {
	tokens  []string
	pos     int
	missing bool
}

// next returns the next argument. Missing argument fails the command.
func (a *args) next() string {
	if a.pos >= len(a.tokens) {
		a.missing = true
		return ""
	}
	a.pos++
	return a.tokens[a.pos-1]
}

// optional returns the next argument if present.
func (a *args) optional() (string, bool) {
	if a.pos >= len(a.tokens) {
		return "", false
	}
	a.pos++
	return a.tokens[a.pos-1], true
}

// rest consumes remaining arguments.
func (a *args) rest() []string {
	rest := a.tokens[a.pos:]
	a.pos = len(a.tokens)
	return rest
}

func (a *args) uint() (uint64, error) {
	s := a.next()
	if a.missing {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}

func (a *args) int() (int, error) {
	s := a.next()
	if a.missing {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}
