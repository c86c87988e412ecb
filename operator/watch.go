package operator

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/rs/xid"

	"pipelined.dev/bci/state"
)

// ErrUnknownWatch is returned for watch ids that aren't registered.
var ErrUnknownWatch = errors.New("unknown watch")

// AutoDecimation evaluates watches about once per millisecond of signal.
const AutoDecimation = -1

// Change is reported by a watch when any of its values changed.
type Change struct {
	ID string
	// Time is the source time of the sample in seconds.
	Time   float64
	Values []float64
}

// expression is a compiled jq program. State and parameter names used in
// the text are bound as variables.
type expression struct {
	text  string
	code  *gojq.Code
	names []string
}

type watch struct {
	id         string
	exprs      []*expression
	fn         func(Change)
	decimation int
	count      int
	last       []float64
}

// names returns state names and then names of parameters that are valid
// identifiers. The lock is held.
func (sm *StateMachine) names() map[string]bool {
	names := make(map[string]bool)
	for _, p := range sm.params.Params() {
		if isIdentifier(p.Name()) {
			names[p.Name()] = false
		}
	}
	for _, f := range sm.states.Fields() {
		names[f.Name] = true
	}
	return names
}

// compile binds known names in text and compiles it. The lock is held.
func (sm *StateMachine) compile(text string) (*expression, error) {
	known := sm.names()
	src, used := bindNames(text, known)
	q, err := gojq.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", text, err)
	}
	vars := make([]string, len(used))
	for i, name := range used {
		vars[i] = "$" + name
	}
	code, err := gojq.Compile(q, gojq.WithVariables(vars))
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", text, err)
	}
	return &expression{text: text, code: code, names: used}, nil
}

// bindNames prefixes known identifiers with $. Identifiers in string
// literals, variables and field accesses are kept.
func bindNames(text string, known map[string]bool) (string, []string) {
	var (
		b    strings.Builder
		used []string
		seen = make(map[string]bool)
	)
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == '"':
			j := i + 1
			for j < len(text) && text[j] != '"' {
				if text[j] == '\\' {
					j++
				}
				j++
			}
			if j < len(text) {
				j++
			}
			b.WriteString(text[i:j])
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(text) && isIdentPart(text[j]) {
				j++
			}
			name := text[i:j]
			_, ok := known[name]
			if ok && (i == 0 || (text[i-1] != '$' && text[i-1] != '.')) {
				b.WriteByte('$')
				if !seen[name] {
					seen[name] = true
					used = append(used, name)
				}
			} else if ok && text[i-1] == '$' && !seen[name] {
				seen[name] = true
				used = append(used, name)
			}
			b.WriteString(name)
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), used
}

func isIdentStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || ('0' <= c && c <= '9')
}

func isIdentifier(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentPart(s[i]) {
			return false
		}
	}
	return true
}

// variables returns values of names at the row of the last state vector.
// Negative row reads current values. The lock is held.
func (sm *StateMachine) variables(names []string, row int) []interface{} {
	values := make([]interface{}, len(names))
	for i, name := range names {
		if _, ok := sm.states.ByName(name); ok {
			var (
				v   uint64
				err error
			)
			if row >= 0 && sm.vector != nil {
				v, err = sm.vector.Value(name, row)
			} else {
				v, err = sm.stateValue(name)
			}
			if err == nil {
				values[i] = float64(v)
			}
			continue
		}
		if p, ok := sm.params.ByPath("/" + name); ok {
			values[i] = numeric(p.Value())
		}
	}
	return values
}

// eval runs the expression. Results that are not numbers are NaN.
func (e *expression) eval(values []interface{}) (float64, error) {
	iter := e.code.Run(nil, values...)
	v, ok := iter.Next()
	if !ok {
		return math.NaN(), nil
	}
	switch v := v.(type) {
	case error:
		return math.NaN(), fmt.Errorf("evaluate %q: %w", e.text, v)
	case int:
		return float64(v), nil
	case float64:
		return v, nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(v).Float64()
		return f, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, nil
		}
	}
	return math.NaN(), nil
}

// Evaluate evaluates the expression with current state and parameter
// values.
func (sm *StateMachine) Evaluate(text string) (float64, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	e, err := sm.compile(text)
	if err != nil {
		return 0, err
	}
	return e.eval(sm.variables(e.names, -1))
}

// AddWatch registers expressions evaluated for every sample of the state
// vectors returned by the last module. fn is called whenever any value
// changed. Values at registration are the baseline.
func (sm *StateMachine) AddWatch(exprs []string, fn func(Change)) (string, error) {
	if len(exprs) == 0 {
		return "", fmt.Errorf("watch needs at least one expression")
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	w := watch{
		id:         xid.New().String(),
		fn:         fn,
		decimation: 1,
	}
	for _, text := range exprs {
		e, err := sm.compile(text)
		if err != nil {
			return "", err
		}
		w.exprs = append(w.exprs, e)
	}
	w.last = w.values(sm, -1)
	sm.watches[w.id] = &w
	return w.id, nil
}

// SetWatchDecimation evaluates the watch every n-th sample. AutoDecimation
// derives n from the sampling rate.
func (sm *StateMachine) SetWatchDecimation(id string, n int) error {
	if n < 1 && n != AutoDecimation {
		return fmt.Errorf("invalid decimation %d", n)
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	w, ok := sm.watches[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWatch, id)
	}
	w.decimation = n
	w.count = 0
	return nil
}

// RemoveWatch unregisters the watch.
func (sm *StateMachine) RemoveWatch(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.watches[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWatch, id)
	}
	delete(sm.watches, id)
	return nil
}

// Watches returns expressions of registered watches by id.
func (sm *StateMachine) Watches() map[string][]string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	watches := make(map[string][]string, len(sm.watches))
	for id, w := range sm.watches {
		for _, e := range w.exprs {
			watches[id] = append(watches[id], e.text)
		}
	}
	return watches
}

// values evaluates all expressions at the row. Failures are NaN.
func (w *watch) values(sm *StateMachine, row int) []float64 {
	values := make([]float64, len(w.exprs))
	for i, e := range w.exprs {
		v, err := e.eval(sm.variables(e.names, row))
		if err != nil {
			v = math.NaN()
		}
		values[i] = v
	}
	return values
}

func equal(a, b []float64) bool {
	for i := range a {
		if a[i] != b[i] && !(math.IsNaN(a[i]) && math.IsNaN(b[i])) {
			return false
		}
	}
	return true
}

// autoDecimation returns number of samples per millisecond.
func (sm *StateMachine) autoDecimation() int {
	rate, err := sm.params.Float("/SamplingRate")
	if err != nil {
		return 1
	}
	if n := int(rate / 1000); n > 1 {
		return n
	}
	return 1
}

// checkWatches evaluates watches for every row of the state vector. The
// lock is held.
func (sm *StateMachine) checkWatches() {
	if len(sm.watches) == 0 || sm.vector == nil {
		return
	}
	auto := sm.autoDecimation()
	for _, w := range sm.watches {
		decimation := w.decimation
		if decimation == AutoDecimation {
			decimation = auto
		}
		for row := 0; row < sm.vector.Samples(); row++ {
			w.count++
			if w.count < decimation {
				continue
			}
			w.count = 0
			values := w.values(sm, row)
			if equal(values, w.last) {
				continue
			}
			w.last = values
			t, _ := sm.vector.Value(state.SourceTime, row)
			c := Change{
				ID:     w.id,
				Time:   float64(t) / 1000,
				Values: append([]float64(nil), values...),
			}
			fn := w.fn
			sm.pending = append(sm.pending, func() { fn(c) })
		}
	}
}
