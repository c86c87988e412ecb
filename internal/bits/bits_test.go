package bits_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/bci/internal/bits"
)

func TestSetGet(t *testing.T) {
	tests := []struct {
		offset int
		width  int
		value  uint64
	}{
		{0, 1, 1},
		{1, 7, 0x55},
		{3, 16, 0xBEEF},
		{9, 32, 0xDEADBEEF},
		{0, 64, ^uint64(0)},
	}
	for _, test := range tests {
		r := bits.New(3, 80)
		r.Set(1, test.offset, test.width, test.value)
		assert.Equal(t, test.value, r.Get(1, test.offset, test.width))
		assert.Zero(t, r.Get(0, test.offset, test.width))
		assert.Zero(t, r.Get(2, test.offset, test.width))
	}
}

func TestNeighboursUntouched(t *testing.T) {
	r := bits.New(1, 24)
	r.Set(0, 0, 8, 0xFF)
	r.Set(0, 16, 8, 0xFF)
	r.Set(0, 8, 8, 0)
	assert.Equal(t, uint64(0xFF), r.Get(0, 0, 8))
	assert.Equal(t, uint64(0xFF), r.Get(0, 16, 8))
	r.Set(0, 8, 4, 0x1F)
	assert.Equal(t, uint64(0xF), r.Get(0, 8, 8))
}

func TestCopyRowAndWrap(t *testing.T) {
	r := bits.New(2, 12)
	r.Set(1, 2, 10, 777)
	r.CopyRow(0, 1)
	assert.Equal(t, uint64(777), r.Get(0, 2, 10))

	w, err := bits.Wrap(r.Clone().Bytes(), 2, 12)
	assert.NoError(t, err)
	assert.Equal(t, uint64(777), w.Get(1, 2, 10))

	_, err = bits.Wrap([]byte{1, 2, 3}, 2, 12)
	assert.Error(t, err)
}

func TestMask(t *testing.T) {
	assert.Equal(t, uint64(1), bits.Mask(1))
	assert.Equal(t, uint64(0xFFFF), bits.Mask(16))
	assert.Equal(t, ^uint64(0), bits.Mask(64))
}
