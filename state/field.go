// Package state provides per-sample annotation fields and the bit-packed
// vector that holds their values for one block of samples.
package state

import (
	"errors"
	"fmt"

	"pipelined.dev/bci/internal/bits"
)

// Well-known fields declared by every module.
const (
	// Running is set while a run is active.
	Running = "Running"
	// SourceTime is a monotonic millisecond timestamp of the block. It's
	// preserved when the vector is reset at the end of a run.
	SourceTime = "SourceTime"
)

var (
	// ErrUnknownField is returned when a field name is not declared.
	ErrUnknownField = errors.New("unknown state")
	// ErrTypeConflict is returned when a field is declared twice with
	// different width or kind.
	ErrTypeConflict = errors.New("conflicting state declaration")
	// ErrInvalidField is returned for fields with invalid width or location.
	ErrInvalidField = errors.New("invalid state declaration")
	// ErrRow is returned when a row is outside of the vector.
	ErrRow = errors.New("row out of range")
)

// Kind distinguishes persistent states from one-shot events.
type Kind uint8

// Field kinds.
const (
	StateKind Kind = iota
	EventKind
)

func (k Kind) String() string {
	switch k {
	case StateKind:
		return "state"
	case EventKind:
		return "event"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Field describes a named value packed into every row of a vector.
// Location is the bit offset within the row, -1 if not assigned.
type Field struct {
	Name     string `msgpack:"name" yaml:"name"`
	Location int    `msgpack:"location" yaml:"location"`
	Width    int    `msgpack:"width" yaml:"width"`
	Kind     Kind   `msgpack:"kind" yaml:"kind"`
	Default  uint64 `msgpack:"default" yaml:"default"`
}

// NewField returns a field without location.
func NewField(name string, width int, kind Kind, def uint64) Field {
	return Field{
		Name:     name,
		Location: -1,
		Width:    width,
		Kind:     kind,
		Default:  def,
	}
}

// Builtin returns fields declared by every module.
func Builtin() []Field {
	return []Field{
		NewField(Running, 1, StateKind, 0),
		NewField(SourceTime, 32, StateKind, 0),
	}
}

// Validate checks width and default value.
func (f Field) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidField)
	}
	if f.Width < 1 || f.Width > bits.MaxWidth {
		return fmt.Errorf("%s: %w: width %d", f.Name, ErrInvalidField, f.Width)
	}
	if f.Default > bits.Mask(f.Width) {
		return fmt.Errorf("%s: %w: default %d exceeds %d bits", f.Name, ErrInvalidField, f.Default, f.Width)
	}
	return nil
}

func (f Field) String() string {
	return fmt.Sprintf("%s %d %d %d %s", f.Name, f.Width, f.Default, f.Location, f.Kind)
}
