package script

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"pipelined.dev/bci/operator"
	"pipelined.dev/bci/param"
	"pipelined.dev/bci/signal"
	"pipelined.dev/bci/state"
)

// method executes a verb with its arguments.
type method func(*Interpreter, *args) (string, error)

// objectType is a noun of the command language.
type objectType struct {
	name    string
	aliases []string
	methods map[string]method
}

type registry map[string]*objectType

func newRegistry(types ...*objectType) registry {
	r := make(registry)
	for _, t := range types {
		r[t.name] = t
		for _, alias := range t.aliases {
			r[alias] = t
		}
	}
	return r
}

func (r registry) byName(name string) *objectType {
	return r[strings.ToLower(name)]
}

// types is resolved once, implied handles commands without an object.
var (
	types = newRegistry(
		parameterType,
		parameterFileType,
		stateType,
		eventType,
		systemType,
		configType,
		runType,
		variableType,
		watchType,
		expressionType,
		connectionType,
		signalType,
	)
	implied *objectType
)

func init() {
	// help lists implied verbs
	implied = impliedType()
}

var parameterType = &objectType{
	name:    "parameter",
	aliases: []string{"parameters", "param"},
	methods: map[string]method{
		"get": func(i *Interpreter, a *args) (string, error) {
			p, err := i.sm.Parameter(a.next())
			if err != nil {
				return "", err
			}
			return strings.Join(p.Values, " "), nil
		},
		"set": func(i *Interpreter, a *args) (string, error) {
			path := a.next()
			values := a.rest()
			if len(values) == 0 {
				a.missing = true
				return "", nil
			}
			return "", i.sm.SetParameter(path, values...)
		},
		"exists": func(i *Interpreter, a *args) (string, error) {
			_, err := i.sm.Parameter(a.next())
			return formatBool(err == nil), nil
		},
		"list": func(i *Interpreter, a *args) (string, error) {
			pattern, ok := a.optional()
			var lines []string
			for _, p := range i.sm.Parameters() {
				if ok && !matches(pattern, p.Path, p.Name()) {
					continue
				}
				lines = append(lines, p.String())
			}
			return strings.Join(lines, "\n"), nil
		},
		// add parameter <section> <type> <path> <values...>
		"add": func(i *Interpreter, a *args) (string, error) {
			section, typ, path := a.next(), a.next(), a.next()
			values := a.rest()
			if a.missing {
				return "", nil
			}
			return "", i.sm.PutParameter(param.New(path, section, param.Type(strings.ToLower(typ)), values...))
		},
	},
}

func matches(pattern string, names ...string) bool {
	for _, name := range names {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

var parameterFileType = &objectType{
	name:    "parameterfile",
	aliases: []string{"parameters-file"},
	methods: map[string]method{
		"load": func(i *Interpreter, a *args) (string, error) {
			f, err := os.Open(a.next())
			if err != nil {
				return "", err
			}
			defer f.Close()
			return "", i.sm.LoadParameters(f)
		},
		"save": func(i *Interpreter, a *args) (string, error) {
			f, err := os.Create(a.next())
			if err != nil {
				return "", err
			}
			if err := i.sm.SaveParameters(f); err != nil {
				f.Close()
				return "", err
			}
			return "", f.Close()
		},
	},
}

// fieldMethods returns methods shared by states and events.
func fieldMethods(kind state.Kind) map[string]method {
	fields := func(i *Interpreter) []state.Field {
		if kind == state.EventKind {
			return i.sm.Events()
		}
		return i.sm.States()
	}
	lookup := func(i *Interpreter, name string) (state.Field, bool) {
		for _, f := range fields(i) {
			if f.Name == name {
				return f, true
			}
		}
		return state.Field{}, false
	}
	return map[string]method{
		"get": func(i *Interpreter, a *args) (string, error) {
			name := a.next()
			if _, ok := lookup(i, name); !ok && !a.missing {
				return "", fmt.Errorf("%s: %w", name, state.ErrUnknownField)
			}
			v, err := i.sm.StateValue(name)
			if err != nil {
				return "", err
			}
			return strconv.FormatUint(v, 10), nil
		},
		"set": func(i *Interpreter, a *args) (string, error) {
			name := a.next()
			v, err := a.uint()
			if err != nil || a.missing {
				return "", err
			}
			if kind == state.EventKind {
				return "", i.sm.SetEvent(name, v)
			}
			return "", i.sm.SetStateValue(name, v)
		},
		"exists": func(i *Interpreter, a *args) (string, error) {
			_, ok := lookup(i, a.next())
			return formatBool(ok), nil
		},
		"list": func(i *Interpreter, a *args) (string, error) {
			pattern, ok := a.optional()
			var lines []string
			for _, f := range fields(i) {
				if ok && !matches(pattern, f.Name) {
					continue
				}
				lines = append(lines, f.String())
			}
			return strings.Join(lines, "\n"), nil
		},
		// add state <name> <width> [default]
		"add": func(i *Interpreter, a *args) (string, error) {
			name := a.next()
			width, err := a.int()
			if err != nil || a.missing {
				return "", err
			}
			var def uint64
			if s, ok := a.optional(); ok {
				if def, err = strconv.ParseUint(s, 10, 64); err != nil {
					return "", fmt.Errorf("invalid value %q", s)
				}
			}
			if kind == state.EventKind {
				return "", i.sm.AddEvent(name, width, def)
			}
			return "", i.sm.AddState(name, width, def)
		},
	}
}

var stateType = &objectType{
	name:    "state",
	aliases: []string{"states"},
	methods: fieldMethods(state.StateKind),
}

var eventType = func() *objectType {
	t := objectType{
		name:    "event",
		aliases: []string{"events"},
		methods: fieldMethods(state.EventKind),
	}
	t.methods["pulse"] = func(i *Interpreter, a *args) (string, error) {
		name := a.next()
		v, err := a.uint()
		if err != nil || a.missing {
			return "", err
		}
		return "", i.sm.PulseEvent(name, v)
	}
	return &t
}()

var systemType = &objectType{
	name: "system",
	methods: map[string]method{
		// get system state|version
		"get": func(i *Interpreter, a *args) (string, error) {
			switch what := strings.ToLower(a.next()); what {
			case "state":
				return i.sm.Operation().String(), nil
			case "version":
				return i.sm.Config().Version, nil
			case "":
				return "", nil
			default:
				return "", fmt.Errorf("unknown system property %q", what)
			}
		},
		"reset": func(i *Interpreter, a *args) (string, error) {
			return "", i.sm.Reset()
		},
		// wait for system <operation>[|<operation>...] [seconds]
		"wait for": func(i *Interpreter, a *args) (string, error) {
			return i.wait(a)
		},
	},
}

var configType = &objectType{
	name:    "config",
	aliases: []string{"configuration"},
	methods: map[string]method{
		"set": func(i *Interpreter, a *args) (string, error) {
			return "", i.sm.SetConfig()
		},
	},
}

var runType = &objectType{
	name: "run",
	methods: map[string]method{
		"start": func(i *Interpreter, a *args) (string, error) {
			return "", i.sm.StartRun()
		},
		"stop": func(i *Interpreter, a *args) (string, error) {
			return "", i.sm.StopRun()
		},
	},
}

var variableType = &objectType{
	name:    "variable",
	aliases: []string{"variables", "var"},
	methods: map[string]method{
		"set": func(i *Interpreter, a *args) (string, error) {
			name := a.next()
			i.vars[name] = strings.Join(a.rest(), " ")
			return "", nil
		},
		"get": func(i *Interpreter, a *args) (string, error) {
			name := a.next()
			v, ok := i.vars[name]
			if !ok && !a.missing {
				return "", fmt.Errorf("unknown variable %q", name)
			}
			return v, nil
		},
		"clear": func(i *Interpreter, a *args) (string, error) {
			delete(i.vars, a.next())
			return "", nil
		},
		"exists": func(i *Interpreter, a *args) (string, error) {
			_, ok := i.vars[a.next()]
			return formatBool(ok), nil
		},
		"list": func(i *Interpreter, a *args) (string, error) {
			names := make([]string, 0, len(i.vars))
			for name := range i.vars {
				names = append(names, name)
			}
			sort.Strings(names)
			lines := make([]string, len(names))
			for j, name := range names {
				lines[j] = name + "=" + i.vars[name]
			}
			return strings.Join(lines, "\n"), nil
		},
	},
}

var watchType = &objectType{
	name:    "watch",
	aliases: []string{"watches"},
	methods: map[string]method{
		// add watch <expression>...
		"add": func(i *Interpreter, a *args) (string, error) {
			exprs := a.rest()
			if len(exprs) == 0 {
				a.missing = true
				return "", nil
			}
			id, err := i.sm.AddWatch(exprs, i.sink)
			if err != nil {
				return "", err
			}
			i.watches = append(i.watches, id)
			return id, nil
		},
		"remove": func(i *Interpreter, a *args) (string, error) {
			id := a.next()
			if a.missing {
				return "", nil
			}
			if err := i.sm.RemoveWatch(id); err != nil {
				return "", err
			}
			for j, w := range i.watches {
				if w == id {
					i.watches = append(i.watches[:j], i.watches[j+1:]...)
					break
				}
			}
			return "", nil
		},
		// set watch <id> decimation <n|auto>
		"set": func(i *Interpreter, a *args) (string, error) {
			id, property, value := a.next(), strings.ToLower(a.next()), a.next()
			if a.missing {
				return "", nil
			}
			if property != "decimation" {
				return "", fmt.Errorf("unknown watch property %q", property)
			}
			n := operator.AutoDecimation
			if !strings.EqualFold(value, "auto") {
				var err error
				if n, err = strconv.Atoi(value); err != nil {
					return "", fmt.Errorf("invalid decimation %q", value)
				}
			}
			return "", i.sm.SetWatchDecimation(id, n)
		},
		"list": func(i *Interpreter, a *args) (string, error) {
			watches := i.sm.Watches()
			ids := make([]string, 0, len(watches))
			for id := range watches {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			lines := make([]string, len(ids))
			for j, id := range ids {
				lines[j] = id + " " + strings.Join(watches[id], "; ")
			}
			return strings.Join(lines, "\n"), nil
		},
	},
}

var expressionType = &objectType{
	name:    "expression",
	aliases: []string{"expr"},
	methods: map[string]method{
		"evaluate": evaluate,
		"eval":     evaluate,
	},
}

func evaluate(i *Interpreter, a *args) (string, error) {
	text := strings.Join(a.rest(), " ")
	if text == "" {
		a.missing = true
		return "", nil
	}
	v, err := i.sm.Evaluate(text)
	if err != nil {
		return "", err
	}
	return formatNumber(v), nil
}

var connectionType = &objectType{
	name:    "connection",
	aliases: []string{"connections"},
	methods: map[string]method{
		// get connection <index|module>
		"get": func(i *Interpreter, a *args) (string, error) {
			which := a.next()
			if a.missing {
				return "", nil
			}
			n, err := moduleIndex(i.sm, which)
			if err != nil {
				return "", err
			}
			info, err := i.sm.ConnectionInfo(n)
			if err != nil {
				return "", err
			}
			return info.String(), nil
		},
		"list": func(i *Interpreter, a *args) (string, error) {
			var lines []string
			for n, name := range i.sm.Modules() {
				status := "not connected"
				if s, err := i.sm.ModuleStatus(n); err == nil {
					status = s.String()
				}
				lines = append(lines, fmt.Sprintf("%d %s: %s", n, name, status))
			}
			return strings.Join(lines, "\n"), nil
		},
	},
}

// moduleIndex resolves module by its position or name.
func moduleIndex(sm *operator.StateMachine, which string) (int, error) {
	if n, err := strconv.Atoi(which); err == nil {
		return n, nil
	}
	for n, name := range sm.Modules() {
		if strings.EqualFold(name, which) {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", operator.ErrUnknownModule, which)
}

var signalType = &objectType{
	name: "signal",
	methods: map[string]method{
		// get signal channels|elements|(<channel>,<element>)
		"get": func(i *Interpreter, a *args) (string, error) {
			what := strings.ToLower(a.next())
			if a.missing {
				return "", nil
			}
			block := i.block()
			switch what {
			case "channels":
				return strconv.Itoa(block.Channels()), nil
			case "elements":
				return strconv.Itoa(block.Elements()), nil
			}
			var ch, el int
			if _, err := fmt.Sscanf(strings.ReplaceAll(what, " ", ""), "(%d,%d)", &ch, &el); err != nil {
				return "", fmt.Errorf("invalid signal index %q", what)
			}
			return sample(block, ch, el)
		},
		"freeze": func(i *Interpreter, a *args) (string, error) {
			_, block := i.sm.Signal()
			if block == nil {
				return "", fmt.Errorf("no signal received")
			}
			i.frozen = block
			return "", nil
		},
		"thaw":     thaw,
		"unfreeze": thaw,
	},
}

func thaw(i *Interpreter, a *args) (string, error) {
	i.frozen = nil
	return "", nil
}

// block returns frozen signal or the last received one.
func (i *Interpreter) block() signal.Float64 {
	if i.frozen != nil {
		return i.frozen
	}
	_, block := i.sm.Signal()
	return block
}

// sample returns value at 1-based channel and element.
func sample(block signal.Float64, ch, el int) (string, error) {
	if ch < 1 || ch > block.Channels() || el < 1 || el > block.Elements() {
		return "", fmt.Errorf("Signal index out of range")
	}
	return formatNumber(block[ch-1][el-1]), nil
}

func impliedType() *objectType {
	return &objectType{
		methods: map[string]method{
			"start":     runType.methods["start"],
			"stop":      runType.methods["stop"],
			"setconfig": configType.methods["set"],
			"reset":     systemType.methods["reset"],
			"echo": func(i *Interpreter, a *args) (string, error) {
				return strings.Join(a.rest(), " "), nil
			},
			"version": func(i *Interpreter, a *args) (string, error) {
				return i.sm.Config().Version, nil
			},
			"help": help,
			// wait for <operation>[|<operation>...] [seconds]
			"wait": func(i *Interpreter, a *args) (string, error) {
				if !strings.EqualFold(a.next(), "for") && !a.missing {
					return "", fmt.Errorf("expected wait for <state>")
				}
				return i.wait(a)
			},
			"sleep": func(i *Interpreter, a *args) (string, error) {
				s := a.next()
				if a.missing {
					return "", nil
				}
				d, err := seconds(s)
				if err != nil {
					return "", err
				}
				time.Sleep(d)
				return "", nil
			},
			"quit": quit,
			"exit": quit,
			"get": func(i *Interpreter, a *args) (string, error) {
				// get Signal(1,2)
				token := a.next()
				if a.missing {
					return "", nil
				}
				what := strings.ToLower(token)
				if !strings.HasPrefix(what, "signal(") {
					return "", fmt.Errorf("Don't know how to get %s", token)
				}
				var ch, el int
				if _, err := fmt.Sscanf(what, "signal(%d,%d)", &ch, &el); err != nil {
					return "", fmt.Errorf("invalid signal index %q", what)
				}
				return sample(i.block(), ch, el)
			},
		},
	}
}

func quit(i *Interpreter, a *args) (string, error) {
	i.quit = true
	return "", nil
}

func seconds(s string) (time.Duration, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// wait blocks until the system reaches one of the operations. It returns
// false on timeout.
func (i *Interpreter) wait(a *args) (string, error) {
	names := a.next()
	if a.missing {
		return "", nil
	}
	var ops []operator.Operation
	for _, name := range strings.Split(names, "|") {
		op, err := operator.ParseOperation(name)
		if err != nil {
			return "", err
		}
		ops = append(ops, op)
	}
	timeout := i.sm.Config().StepTimeout
	if s, ok := a.optional(); ok {
		var err error
		if timeout, err = seconds(s); err != nil {
			return "", err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := i.sm.WaitFor(ctx, ops...); err != nil {
		if ctx.Err() != nil {
			return "false", nil
		}
		return "", err
	}
	return "true", nil
}

func help(i *Interpreter, a *args) (string, error) {
	seen := make(map[*objectType]bool)
	var lines []string
	for _, t := range types {
		if seen[t] {
			continue
		}
		seen[t] = true
		lines = append(lines, t.name+": "+strings.Join(verbs(t), ", "))
	}
	sort.Strings(lines)
	return strings.Join(append(lines, "commands: "+strings.Join(verbs(implied), ", ")), "\n"), nil
}

func verbs(t *objectType) []string {
	verbs := make([]string, 0, len(t.methods))
	for verb := range t.methods {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)
	return verbs
}
