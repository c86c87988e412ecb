package state

import (
	"fmt"
	"sync"
	"sync/atomic"

	"pipelined.dev/bci/internal/bits"
)

// Vector holds values of all fields for a block of samples plus one
// carryover row. The carryover row holds values fields will have at the
// start of the next block.
//
// Vector has a single writer. Writer uses Get, Set, Commit, Resize and
// Advance. Post and Value are safe for concurrent use: posted values become
// visible only after the writer commits them, and Value always reads the
// last committed snapshot.
type Vector struct {
	layout *layout
	work   bits.Rows
	// baseline holds carryover values restored by Reset.
	baseline map[string]uint64

	published atomic.Pointer[snapshot]

	mu    sync.Mutex
	posts []post
}

// layout is immutable once created.
type layout struct {
	fields  []Field
	index   map[string]int
	samples int
	rowBits int
}

type snapshot struct {
	*layout
	rows bits.Rows
}

type post struct {
	name  string
	row   int
	value uint64
}

// NewVector allocates vector for the fields of l and provided number of
// samples. Every field must have a location assigned. All rows are set to
// field defaults, which also become the baseline.
func NewVector(l *List, samples int) (*Vector, error) {
	if samples < 0 {
		return nil, fmt.Errorf("%w: %d samples", ErrRow, samples)
	}
	if err := l.validateLayout(); err != nil {
		return nil, err
	}
	lt := newLayout(l.Fields(), samples, l.BitLength())
	v := Vector{
		layout:   lt,
		work:     bits.New(samples+1, lt.rowBits),
		baseline: make(map[string]uint64, len(lt.fields)),
	}
	for _, f := range lt.fields {
		v.baseline[f.Name] = f.Default
		v.fill(f, 0, f.Default)
	}
	v.publish()
	return &v, nil
}

func newLayout(fields []Field, samples, rowBits int) *layout {
	lt := layout{
		fields:  fields,
		index:   make(map[string]int, len(fields)),
		samples: samples,
		rowBits: rowBits,
	}
	for i, f := range fields {
		lt.index[f.Name] = i
	}
	return &lt
}

func (lt *layout) field(name string) (Field, error) {
	i, ok := lt.index[name]
	if !ok {
		return Field{}, fmt.Errorf("%s: %w", name, ErrUnknownField)
	}
	return lt.fields[i], nil
}

func (lt *layout) row(row int) error {
	if row < 0 || row > lt.samples {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrRow, row, lt.samples)
	}
	return nil
}

// Samples returns number of samples, carryover row excluded.
func (v *Vector) Samples() int {
	return v.layout.samples
}

// Fields returns field layout.
func (v *Vector) Fields() []Field {
	return append([]Field(nil), v.layout.fields...)
}

// Field returns a single field layout.
func (v *Vector) Field(name string) (Field, bool) {
	f, err := v.layout.field(name)
	return f, err == nil
}

// Post buffers value for the field. Value applies to rows from row through
// the carryover row once committed.
func (v *Vector) Post(name string, row int, value uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, err := v.layout.field(name)
	if err != nil {
		return err
	}
	if err := v.layout.row(row); err != nil {
		return err
	}
	if value > bits.Mask(f.Width) {
		return fmt.Errorf("%s: %w: value %d exceeds %d bits", name, ErrInvalidField, value, f.Width)
	}
	v.posts = append(v.posts, post{name: name, row: row, value: value})
	return nil
}

// Commit applies posted values in the order they were posted and publishes
// the result for readers.
func (v *Vector) Commit() {
	v.mu.Lock()
	posts := v.posts
	v.posts = nil
	v.mu.Unlock()
	for _, p := range posts {
		f, err := v.layout.field(p.name)
		if err != nil {
			continue
		}
		row := p.row
		if row > v.layout.samples {
			row = v.layout.samples
		}
		v.fill(f, row, p.value)
	}
	v.publish()
}

// Pending returns number of posted values waiting for commit.
func (v *Vector) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.posts)
}

func (v *Vector) publish() {
	v.published.Store(&snapshot{
		layout: v.layout,
		rows:   v.work.Clone(),
	})
}

// fill sets value from row through the carryover row of the writer copy.
func (v *Vector) fill(f Field, row int, value uint64) {
	for r := row; r <= v.layout.samples; r++ {
		v.work.Set(r, f.Location, f.Width, value)
	}
}

// Value reads the last committed value.
func (v *Vector) Value(name string, row int) (uint64, error) {
	s := v.published.Load()
	f, err := s.field(name)
	if err != nil {
		return 0, err
	}
	if err := s.row(row); err != nil {
		return 0, err
	}
	return s.rows.Get(row, f.Location, f.Width), nil
}

// Carryover reads the last committed carryover value.
func (v *Vector) Carryover(name string) (uint64, error) {
	return v.Value(name, v.published.Load().samples)
}

// Get reads the writer copy.
func (v *Vector) Get(name string, row int) (uint64, error) {
	f, err := v.layout.field(name)
	if err != nil {
		return 0, err
	}
	if err := v.layout.row(row); err != nil {
		return 0, err
	}
	return v.work.Get(row, f.Location, f.Width), nil
}

// Set writes the value from row through the carryover row of the writer
// copy. It becomes visible to readers with the next Commit.
func (v *Vector) Set(name string, row int, value uint64) error {
	f, err := v.layout.field(name)
	if err != nil {
		return err
	}
	if err := v.layout.row(row); err != nil {
		return err
	}
	v.fill(f, row, value&bits.Mask(f.Width))
	return nil
}

// SetRow writes the value into a single row of the writer copy.
func (v *Vector) SetRow(name string, row int, value uint64) error {
	f, err := v.layout.field(name)
	if err != nil {
		return err
	}
	if err := v.layout.row(row); err != nil {
		return err
	}
	v.work.Set(row, f.Location, f.Width, value&bits.Mask(f.Width))
	return nil
}

// Resize changes number of samples. Every row of the new layout takes the
// value of the old carryover row. Posted values are kept.
func (v *Vector) Resize(samples int) error {
	if samples < 0 {
		return fmt.Errorf("%w: %d samples", ErrRow, samples)
	}
	old, oldRows := v.layout, v.work
	v.mu.Lock()
	v.layout = newLayout(old.fields, samples, old.rowBits)
	v.mu.Unlock()
	v.work = bits.New(samples+1, old.rowBits)
	for _, f := range old.fields {
		v.fill(f, 0, oldRows.Get(old.samples, f.Location, f.Width))
	}
	v.publish()
	return nil
}

// Advance starts the next block. Event fields are reset to default in the
// carryover row, then every row takes the carryover values.
func (v *Vector) Advance() {
	n := v.layout.samples
	for _, f := range v.layout.fields {
		if f.Kind == EventKind {
			v.work.Set(n, f.Location, f.Width, f.Default)
		}
	}
	for r := 0; r < n; r++ {
		v.work.CopyRow(r, n)
	}
}

// SetBaseline records current carryover values as the baseline.
func (v *Vector) SetBaseline() {
	for _, f := range v.layout.fields {
		v.baseline[f.Name] = v.work.Get(v.layout.samples, f.Location, f.Width)
	}
}

// Reset sets all rows to the baseline, except for the fields named in keep
// which retain their carryover value. Result is committed.
func (v *Vector) Reset(keep ...string) {
	kept := make(map[string]uint64, len(keep))
	for _, name := range keep {
		if f, err := v.layout.field(name); err == nil {
			kept[name] = v.work.Get(v.layout.samples, f.Location, f.Width)
		}
	}
	for _, f := range v.layout.fields {
		value, ok := kept[f.Name]
		if !ok {
			value = v.baseline[f.Name]
		}
		v.fill(f, 0, value)
	}
	v.Commit()
}

// MarshalBinary returns a copy of the writer rows.
func (v *Vector) MarshalBinary() ([]byte, error) {
	return v.work.Clone().Bytes(), nil
}

// UnmarshalBinary replaces writer rows with data of the same layout and
// publishes them. Pending posts are kept.
func (v *Vector) UnmarshalBinary(data []byte) error {
	rows, err := bits.Wrap(append([]byte(nil), data...), v.layout.samples+1, v.layout.rowBits)
	if err != nil {
		return err
	}
	v.work = rows
	v.publish()
	return nil
}

// Clone returns a deep copy of committed state. Posts are not copied.
func (v *Vector) Clone() *Vector {
	c := Vector{
		layout:   v.layout,
		work:     v.work.Clone(),
		baseline: make(map[string]uint64, len(v.baseline)),
	}
	for k, val := range v.baseline {
		c.baseline[k] = val
	}
	c.publish()
	return &c
}
