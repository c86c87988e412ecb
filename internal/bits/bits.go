// Package bits implements a bit-packed row buffer. Each row holds the same
// number of bits; values are stored least significant bit first, starting
// at a bit offset within the row.
package bits

import "fmt"

// MaxWidth is the maximum width of a single value.
const MaxWidth = 64

// Rows is a fixed number of equally sized bit rows backed by one slice.
type Rows struct {
	rowBytes int
	rows     int
	data     []byte
}

// BytesFor returns number of bytes needed to hold n bits.
func BytesFor(n int) int {
	return (n + 7) / 8
}

// New allocates rows of rowBits bits each.
func New(rows, rowBits int) Rows {
	rb := BytesFor(rowBits)
	return Rows{
		rowBytes: rb,
		rows:     rows,
		data:     make([]byte, rows*rb),
	}
}

// Wrap uses provided data as rows. Length of data must be rows*BytesFor(rowBits).
func Wrap(data []byte, rows, rowBits int) (Rows, error) {
	rb := BytesFor(rowBits)
	if len(data) != rows*rb {
		return Rows{}, fmt.Errorf("bits: %d bytes do not fit %d rows of %d bytes", len(data), rows, rb)
	}
	return Rows{rowBytes: rb, rows: rows, data: data}, nil
}

// Len returns number of rows.
func (r Rows) Len() int {
	return r.rows
}

// RowBytes returns size of a single row in bytes.
func (r Rows) RowBytes() int {
	return r.rowBytes
}

// Bytes exposes underlying data.
func (r Rows) Bytes() []byte {
	return r.data
}

// Clone returns a deep copy.
func (r Rows) Clone() Rows {
	data := make([]byte, len(r.data))
	copy(data, r.data)
	return Rows{rowBytes: r.rowBytes, rows: r.rows, data: data}
}

// CopyRow copies row src into row dst.
func (r Rows) CopyRow(dst, src int) {
	copy(r.data[dst*r.rowBytes:(dst+1)*r.rowBytes], r.data[src*r.rowBytes:(src+1)*r.rowBytes])
}

// Get reads width bits at offset in row.
func (r Rows) Get(row, offset, width int) uint64 {
	base := row * r.rowBytes * 8
	var v uint64
	for i := 0; i < width; i++ {
		bit := base + offset + i
		if r.data[bit/8]&(1<<uint(bit%8)) != 0 {
			v |= 1 << uint(i)
		}
	}
	return v
}

// Set writes width bits of v at offset in row. Bits of v above width are
// discarded.
func (r Rows) Set(row, offset, width int, v uint64) {
	base := row * r.rowBytes * 8
	for i := 0; i < width; i++ {
		bit := base + offset + i
		if v&(1<<uint(i)) != 0 {
			r.data[bit/8] |= 1 << uint(bit%8)
		} else {
			r.data[bit/8] &^= 1 << uint(bit%8)
		}
	}
}

// Mask returns the largest value that fits into width bits.
func Mask(width int) uint64 {
	if width >= MaxWidth {
		return ^uint64(0)
	}
	return 1<<uint(width) - 1
}
