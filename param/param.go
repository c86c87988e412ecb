// Package param provides typed configuration parameters and ordered parameter
// lists. Parameters are identified by a hierarchical path and merged by path:
// setting an existing path replaces its value, unknown paths are added.
package param

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Type is a parameter type tag.
type Type string

// Parameter types.
const (
	StringType  Type = "string"
	IntType     Type = "int"
	FloatType   Type = "float"
	BoolType    Type = "bool"
	ListType    Type = "list"
	MatrixType  Type = "matrix"
	VariantType Type = "variant"
)

var (
	// ErrUnknownParam is returned when a path is not present in a list.
	ErrUnknownParam = errors.New("unknown parameter")
	// ErrTypeConflict is returned when a path is declared twice with different types.
	ErrTypeConflict = errors.New("conflicting parameter type")
	// ErrInvalidValue is returned when a value doesn't match parameter type.
	ErrInvalidValue = errors.New("invalid parameter value")
)

// Param is a single configuration value. Scalars hold exactly one value,
// lists hold any number of values and matrices hold Rows*Cols values in
// row-major order.
type Param struct {
	Path     string   `msgpack:"path" yaml:"path"`
	Section  string   `msgpack:"section" yaml:"section,omitempty"`
	Type     Type     `msgpack:"type" yaml:"type"`
	Values   []string `msgpack:"values" yaml:"values,flow"`
	Rows     int      `msgpack:"rows,omitempty" yaml:"rows,omitempty"`
	Cols     int      `msgpack:"cols,omitempty" yaml:"cols,omitempty"`
	Default  string   `msgpack:"default,omitempty" yaml:"default,omitempty"`
	Min      string   `msgpack:"min,omitempty" yaml:"min,omitempty"`
	Max      string   `msgpack:"max,omitempty" yaml:"max,omitempty"`
	Comment  string   `msgpack:"comment,omitempty" yaml:"comment,omitempty"`
	ReadOnly bool     `msgpack:"readonly,omitempty" yaml:"readonly,omitempty"`

	changed bool
}

// New returns a scalar or list parameter. Default is set to the first value.
func New(path, section string, t Type, values ...string) Param {
	p := Param{
		Path:    Normalize(path),
		Section: section,
		Type:    t,
		Values:  append([]string(nil), values...),
	}
	if len(values) > 0 {
		p.Default = values[0]
	}
	return p
}

// NewMatrix returns a matrix parameter. Missing values are left empty.
func NewMatrix(path, section string, rows, cols int, values ...string) Param {
	v := make([]string, rows*cols)
	copy(v, values)
	return Param{
		Path:    Normalize(path),
		Section: section,
		Type:    MatrixType,
		Values:  v,
		Rows:    rows,
		Cols:    cols,
	}
}

// Normalize returns path with a single leading slash and no trailing one.
func Normalize(path string) string {
	return "/" + strings.Trim(strings.TrimSpace(path), "/")
}

// Name is the last element of the path.
func (p Param) Name() string {
	if i := strings.LastIndex(p.Path, "/"); i >= 0 {
		return p.Path[i+1:]
	}
	return p.Path
}

// Value returns the first value or empty string.
func (p Param) Value() string {
	if len(p.Values) == 0 {
		return ""
	}
	return p.Values[0]
}

// Float parses the first value as float.
func (p Param) Float() (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(p.Value()), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %q is not a number", p.Path, ErrInvalidValue, p.Value())
	}
	return f, nil
}

// Int parses the first value as int.
func (p Param) Int() (int, error) {
	v := strings.TrimSpace(p.Value())
	i, err := strconv.Atoi(v)
	if err != nil {
		// accept integral floats like "20.0"
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil || f != float64(int(f)) {
			return 0, fmt.Errorf("%s: %w: %q is not an integer", p.Path, ErrInvalidValue, p.Value())
		}
		i = int(f)
	}
	return i, nil
}

// Bool parses the first value as bool. Numbers are true when not zero.
func (p Param) Bool() (bool, error) {
	v := strings.TrimSpace(p.Value())
	if b, err := strconv.ParseBool(v); err == nil {
		return b, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return false, fmt.Errorf("%s: %w: %q is not a boolean", p.Path, ErrInvalidValue, p.Value())
	}
	return f != 0, nil
}

// At returns matrix value at row and column.
func (p Param) At(row, col int) string {
	if p.Cols == 0 || row < 0 || col < 0 || row >= p.Rows || col >= p.Cols {
		return ""
	}
	return p.Values[row*p.Cols+col]
}

// Changed reports whether the value was modified since the last broadcast.
func (p Param) Changed() bool {
	return p.changed
}

// Validate checks that values can be parsed according to the type.
func (p Param) Validate() error {
	switch p.Type {
	case IntType:
		_, err := p.Int()
		return err
	case FloatType:
		_, err := p.Float()
		return err
	case BoolType:
		_, err := p.Bool()
		return err
	case MatrixType:
		if len(p.Values) != p.Rows*p.Cols {
			return fmt.Errorf("%s: %w: %d values for %dx%d matrix", p.Path, ErrInvalidValue, len(p.Values), p.Rows, p.Cols)
		}
	}
	return nil
}

// Equal compares types and values.
func (p Param) Equal(o Param) bool {
	if p.Path != o.Path || p.Type != o.Type || p.Rows != o.Rows || p.Cols != o.Cols || len(p.Values) != len(o.Values) {
		return false
	}
	for i := range p.Values {
		if p.Values[i] != o.Values[i] {
			return false
		}
	}
	return true
}

// String renders the parameter as a single definition line.
func (p Param) String() string {
	var b strings.Builder
	section := p.Section
	if section == "" {
		section = "System"
	}
	fmt.Fprintf(&b, "%s %s %s=", strings.ReplaceAll(section, " ", "%20"), p.Type, p.Path)
	if p.Type == MatrixType {
		fmt.Fprintf(&b, " %d %d", p.Rows, p.Cols)
	} else if p.Type == ListType {
		fmt.Fprintf(&b, " %d", len(p.Values))
	}
	for _, v := range p.Values {
		if v == "" {
			v = "%"
		}
		b.WriteString(" ")
		b.WriteString(strings.ReplaceAll(v, " ", "%20"))
	}
	if p.Comment != "" {
		b.WriteString(" // ")
		b.WriteString(p.Comment)
	}
	return b.String()
}

func (p Param) clone() Param {
	p.Values = append([]string(nil), p.Values...)
	return p
}
