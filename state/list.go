package state

import "fmt"

// List is an ordered set of field declarations. Order defines the bit
// layout assigned by AssignLocations. Zero value is ready to use.
type List struct {
	fields []Field
	index  map[string]int
}

// NewList returns a list with provided fields.
func NewList(fields ...Field) *List {
	var l List
	for _, f := range fields {
		l.Add(f)
	}
	return &l
}

// Declare adds field if it's unknown. Redeclaration with the same width and
// kind is allowed, otherwise ErrTypeConflict is returned.
func (l *List) Declare(f Field) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if i, ok := l.index[f.Name]; ok {
		old := l.fields[i]
		if old.Width != f.Width || old.Kind != f.Kind {
			return fmt.Errorf("%s: %w: %d bit %s and %d bit %s", f.Name, ErrTypeConflict, old.Width, old.Kind, f.Width, f.Kind)
		}
		return nil
	}
	l.Add(f)
	return nil
}

// Add replaces field with the same name or appends a new one.
func (l *List) Add(f Field) {
	if l.index == nil {
		l.index = make(map[string]int)
	}
	if i, ok := l.index[f.Name]; ok {
		l.fields[i] = f
		return
	}
	l.index[f.Name] = len(l.fields)
	l.fields = append(l.fields, f)
}

// ByName returns field with provided name.
func (l *List) ByName(name string) (Field, bool) {
	if i, ok := l.index[name]; ok {
		return l.fields[i], true
	}
	return Field{}, false
}

// Exists checks if field is declared.
func (l *List) Exists(name string) bool {
	_, ok := l.index[name]
	return ok
}

// Delete removes field, order of remaining fields is preserved.
func (l *List) Delete(name string) {
	i, ok := l.index[name]
	if !ok {
		return
	}
	l.fields = append(l.fields[:i], l.fields[i+1:]...)
	delete(l.index, name)
	for j := i; j < len(l.fields); j++ {
		l.index[l.fields[j].Name] = j
	}
}

// Fields returns a copy of declarations in order.
func (l *List) Fields() []Field {
	return append([]Field(nil), l.fields...)
}

// Len returns number of fields.
func (l *List) Len() int {
	return len(l.fields)
}

// AssignLocations packs fields in declaration order.
func (l *List) AssignLocations() {
	loc := 0
	for i := range l.fields {
		l.fields[i].Location = loc
		loc += l.fields[i].Width
	}
}

// BitLength is the number of bits needed for one row. Fields without
// location don't contribute.
func (l *List) BitLength() int {
	n := 0
	for _, f := range l.fields {
		if f.Location >= 0 && f.Location+f.Width > n {
			n = f.Location + f.Width
		}
	}
	return n
}

// Clone returns a deep copy.
func (l *List) Clone() *List {
	return NewList(l.fields...)
}

// validateLayout checks that every field has location and fields don't
// overlap.
func (l *List) validateLayout() error {
	used := make([]bool, l.BitLength())
	for _, f := range l.fields {
		if err := f.Validate(); err != nil {
			return err
		}
		if f.Location < 0 {
			return fmt.Errorf("%s: %w: no location", f.Name, ErrInvalidField)
		}
		for b := f.Location; b < f.Location+f.Width; b++ {
			if used[b] {
				return fmt.Errorf("%s: %w: overlaps at bit %d", f.Name, ErrInvalidField, b)
			}
			used[b] = true
		}
	}
	return nil
}
