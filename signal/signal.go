// Package signal provides sample blocks, their properties and conversions.
// Blocks are channel-major: Float64[channel][element].
package signal

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrShape is returned when block dimensions don't match properties.
var ErrShape = errors.New("signal shape mismatch")

// Float64 is a non-interleaved float64 block.
type Float64 [][]float64

// Properties describe the shape of a block.
type Properties struct {
	Name         string  `msgpack:"name"`
	Channels     int     `msgpack:"channels"`
	Elements     int     `msgpack:"elements"`
	SamplingRate float64 `msgpack:"samplingRate"`
	UpdateRate   float64 `msgpack:"updateRate"`
}

// IsEmpty reports whether block has no samples.
func (p Properties) IsEmpty() bool {
	return p.Channels == 0 || p.Elements == 0
}

// Equal compares dimensions and rates. Name is ignored.
func (p Properties) Equal(o Properties) bool {
	return p.Channels == o.Channels &&
		p.Elements == o.Elements &&
		p.SamplingRate == o.SamplingRate &&
		p.UpdateRate == o.UpdateRate
}

// Validate checks that dimensions are not negative.
func (p Properties) Validate() error {
	if p.Channels < 0 || p.Elements < 0 {
		return fmt.Errorf("%w: %dx%d", ErrShape, p.Channels, p.Elements)
	}
	if p.SamplingRate < 0 || p.UpdateRate < 0 {
		return fmt.Errorf("%w: negative rate", ErrShape)
	}
	return nil
}

func (p Properties) String() string {
	return fmt.Sprintf("%s %dx%d", p.Name, p.Channels, p.Elements)
}

// Alloc returns a zero block of these properties.
func (p Properties) Alloc() Float64 {
	return EmptyFloat64(p.Channels, p.Elements)
}

// BitDepth contains values required for float to int conversion.
type BitDepth int

const (
	// BitDepth8 is 8 bit depth.
	BitDepth8 = BitDepth(8)
	// BitDepth16 is 16 bit depth.
	BitDepth16 = BitDepth(16)
	// BitDepth32 is 32 bit depth.
	BitDepth32 = BitDepth(32)
)

// multiplier is used when float to int conversion is done.
func (bitDepth BitDepth) multiplier() int {
	switch bitDepth {
	case BitDepth8:
		return math.MaxInt8 - 1
	case BitDepth16:
		return math.MaxInt16 - 1
	case BitDepth32:
		return math.MaxInt32 - 1
	default:
		return 1
	}
}

// DurationOf returns time duration of samples for this sampling rate.
func DurationOf(samplingRate float64, samples int64) time.Duration {
	if samplingRate <= 0 {
		return 0
	}
	return time.Duration(float64(samples) / samplingRate * float64(time.Second))
}

// EmptyFloat64 returns an empty block of specified dimensions.
func EmptyFloat64(channels, elements int) Float64 {
	result := make([][]float64, channels)
	for i := range result {
		result[i] = make([]float64, elements)
	}
	return result
}

// Channels returns number of channels.
func (floats Float64) Channels() int {
	return len(floats)
}

// Elements returns number of elements per channel.
func (floats Float64) Elements() int {
	if floats.Channels() == 0 {
		return 0
	}
	return len(floats[0])
}

// Fits checks dimensions against properties.
func (floats Float64) Fits(p Properties) bool {
	if floats.Channels() != p.Channels {
		return false
	}
	for i := range floats {
		if len(floats[i]) != p.Elements {
			return false
		}
	}
	return true
}

// CopyFrom copies values of source into floats. Dimensions must match.
func (floats Float64) CopyFrom(source Float64) error {
	if floats.Channels() != source.Channels() || floats.Elements() != source.Elements() {
		return fmt.Errorf("%w: copy %dx%d into %dx%d", ErrShape, source.Channels(), source.Elements(), floats.Channels(), floats.Elements())
	}
	for i := range source {
		copy(floats[i], source[i])
	}
	return nil
}

// Flatten returns values in channel-major order.
func (floats Float64) Flatten() []float64 {
	data := make([]float64, 0, floats.Channels()*floats.Elements())
	for i := range floats {
		data = append(data, floats[i]...)
	}
	return data
}

// Unflatten splits channel-major data into a block.
func Unflatten(data []float64, channels, elements int) (Float64, error) {
	if len(data) != channels*elements {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrShape, len(data), channels, elements)
	}
	result := make([][]float64, channels)
	for i := range result {
		result[i] = append([]float64(nil), data[i*elements:(i+1)*elements]...)
	}
	return result, nil
}

// AsInterInt converts float64 block to interleaved ints.
func (floats Float64) AsInterInt(bitDepth BitDepth) []int {
	var numChannels int
	if numChannels = len(floats); numChannels == 0 {
		return nil
	}

	// determine the multiplier for bit depth conversion
	multiplier := float64(bitDepth.multiplier())

	ints := make([]int, len(floats[0])*numChannels)

	for j := range floats {
		for i := range floats[j] {
			v := floats[j][i]
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			ints[i*numChannels+j] = int(v * multiplier)
		}
	}
	return ints
}
