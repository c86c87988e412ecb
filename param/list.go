package param

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// List is a set of parameters keyed by path. Zero value is ready to use.
// List is not safe for concurrent use.
type List struct {
	params map[string]*Param
}

// NewList returns a list that holds provided parameters.
func NewList(params ...Param) *List {
	var l List
	for _, p := range params {
		l.Add(p)
	}
	return &l
}

func (l *List) lookup(path string) (*Param, bool) {
	if l.params == nil {
		return nil, false
	}
	path = Normalize(path)
	if p, ok := l.params[path]; ok {
		return p, true
	}
	// single element paths match by name in any section
	if strings.Count(path, "/") != 1 {
		return nil, false
	}
	var found *Param
	for _, p := range l.params {
		if "/"+p.Name() == path {
			if found != nil {
				return nil, false
			}
			found = p
		}
	}
	return found, found != nil
}

// Add merges p into the list: existing path is replaced, unknown path is
// added. Replacement marks the parameter changed if values differ.
func (l *List) Add(p Param) {
	if l.params == nil {
		l.params = make(map[string]*Param)
	}
	p.Path = Normalize(p.Path)
	p = p.clone()
	if old, ok := l.params[p.Path]; ok {
		p.changed = old.changed || p.changed || !old.Equal(p)
	}
	l.params[p.Path] = &p
}

// Restore replaces parameter with p if it was changed. Restored parameter
// is unchanged.
func (l *List) Restore(p Param) {
	cur, ok := l.lookup(p.Path)
	if !ok || !cur.changed {
		return
	}
	*cur = p.clone()
	cur.changed = false
}

// Declare adds a built-in declaration. Existing parameter of the same type
// keeps its value. Existing variant parameter, created from a command line
// override, adopts declared metadata and keeps its value. Variants at a
// single element path match declarations of the same name in any section.
// Any other type mismatch is a conflict.
func (l *List) Declare(p Param) error {
	p.Path = Normalize(p.Path)
	if l.params == nil {
		l.params = make(map[string]*Param)
	}
	old, ok := l.params[p.Path]
	if v, found := l.params["/"+p.Name()]; !ok && found && v.Type == VariantType {
		// override given by name only
		delete(l.params, v.Path)
		v.Path = p.Path
		l.params[p.Path] = v
		old, ok = v, true
	}
	if !ok {
		p = p.clone()
		l.params[p.Path] = &p
		return nil
	}
	switch {
	case old.Type == VariantType:
		values := old.Values
		*old = p.clone()
		old.Values = append([]string(nil), values...)
		if p.Type == MatrixType && len(old.Values) != p.Rows*p.Cols {
			old.Rows, old.Cols = len(old.Values), 1
		}
		if err := old.Validate(); err != nil {
			return err
		}
	case old.Type == p.Type:
	default:
		return fmt.Errorf("%s: %w: declared as %s and %s", p.Path, ErrTypeConflict, old.Type, p.Type)
	}
	return nil
}

// ByPath returns a copy of the parameter.
func (l *List) ByPath(path string) (Param, bool) {
	p, ok := l.lookup(path)
	if !ok {
		return Param{}, false
	}
	return p.clone(), true
}

// Get returns a copy of the parameter or ErrUnknownParam.
func (l *List) Get(path string) (Param, error) {
	p, ok := l.ByPath(path)
	if !ok {
		return Param{}, fmt.Errorf("%s: %w", Normalize(path), ErrUnknownParam)
	}
	return p, nil
}

// Exists checks if parameter is present.
func (l *List) Exists(path string) bool {
	_, ok := l.lookup(path)
	return ok
}

// Delete removes parameter from the list.
func (l *List) Delete(path string) {
	if p, ok := l.lookup(path); ok {
		delete(l.params, p.Path)
	}
}

// Set replaces values of existing parameter and marks it changed.
func (l *List) Set(path string, values ...string) error {
	p, ok := l.lookup(path)
	if !ok {
		return fmt.Errorf("%s: %w", Normalize(path), ErrUnknownParam)
	}
	updated := p.clone()
	updated.Values = append([]string(nil), values...)
	if updated.Type == MatrixType && len(values) != updated.Rows*updated.Cols {
		// single column matrix follows the number of values
		updated.Rows, updated.Cols = len(values), 1
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	updated.changed = true
	*p = updated
	return nil
}

// Value returns the first value of the parameter or empty string if it's
// not present.
func (l *List) Value(path string) string {
	if p, ok := l.lookup(path); ok {
		return p.Value()
	}
	return ""
}

// Float returns parameter value parsed as float.
func (l *List) Float(path string) (float64, error) {
	p, err := l.Get(path)
	if err != nil {
		return 0, err
	}
	return p.Float()
}

// Int returns parameter value parsed as int.
func (l *List) Int(path string) (int, error) {
	p, err := l.Get(path)
	if err != nil {
		return 0, err
	}
	return p.Int()
}

// Bool returns parameter value parsed as bool. Missing parameter is false.
func (l *List) Bool(path string) bool {
	p, ok := l.lookup(path)
	if !ok {
		return false
	}
	b, _ := p.Bool()
	return b
}

// Changed returns parameters modified since the last call of Unchanged.
func (l *List) Changed() []Param {
	var changed []Param
	for _, p := range l.Params() {
		if p.changed {
			changed = append(changed, p)
		}
	}
	return changed
}

// Unchanged clears changed flag of all parameters.
func (l *List) Unchanged() {
	for _, p := range l.params {
		p.changed = false
	}
}

// Params returns copies of all parameters sorted by path.
func (l *List) Params() []Param {
	params := make([]Param, 0, len(l.params))
	for _, p := range l.params {
		params = append(params, p.clone())
	}
	sort.Slice(params, func(i, j int) bool {
		return params[i].Path < params[j].Path
	})
	return params
}

// Len returns number of parameters.
func (l *List) Len() int {
	return len(l.params)
}

// Clone returns a deep copy of the list.
func (l *List) Clone() *List {
	c := List{params: make(map[string]*Param, len(l.params))}
	for path, p := range l.params {
		cp := p.clone()
		c.params[path] = &cp
	}
	return &c
}

// Decode binds parameter values to the fields of out. Fields are matched
// by parameter name with the "param" struct tag. Scalars are decoded with
// weakly typed conversion, list and matrix parameters are decoded as
// slices of strings.
func (l *List) Decode(out interface{}) error {
	values := make(map[string]interface{}, len(l.params))
	for _, p := range l.params {
		switch p.Type {
		case ListType, MatrixType:
			values[p.Name()] = append([]string(nil), p.Values...)
		default:
			values[p.Name()] = p.Value()
		}
	}
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "param",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := d.Decode(values); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return nil
}
