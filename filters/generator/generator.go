// Package generator provides the source stage of the first module. It
// produces sine blocks and owns the source clock of the system.
package generator

import (
	"fmt"
	"math"
	"time"

	"pipelined.dev/bci/filter"
	"pipelined.dev/bci/param"
	"pipelined.dev/bci/signal"
	"pipelined.dev/bci/state"
)

const section = "Source"

// maxSourceTime is the range of the SourceTime state.
const maxSourceTime = 1<<32 - 1

type config struct {
	BlockSize    int     `param:"SampleBlockSize"`
	SamplingRate float64 `param:"SamplingRate"`
	Channels     int     `param:"SourceCh"`
	Frequency    float64 `param:"SineFrequency"`
	Amplitude    float64 `param:"SineAmplitude"`
	RealTime     bool    `param:"RealTime"`
}

// Generator is a sine source. Every channel carries the same wave. Source
// time is derived from the number of produced samples, or from the wall
// clock if RealTime is set, in which case blocks are also paced.
type Generator struct {
	cfg    config
	block  time.Duration
	phase  float64
	step   float64
	blocks int64
	start  time.Time
	next   time.Time
}

// New returns a generator.
func New() *Generator {
	return &Generator{}
}

// Publish implements filter.Filter.
func (g *Generator) Publish(env *filter.Env) error {
	return env.DeclareParam(
		param.New("/Source/SampleBlockSize", section, param.IntType, "20"),
		param.New("/Source/SamplingRate", section, param.FloatType, "256"),
		param.New("/Source/SourceCh", section, param.IntType, "2"),
		param.New("/Source/SineFrequency", section, param.FloatType, "10"),
		param.New("/Source/SineAmplitude", section, param.FloatType, "1"),
		param.New("/Source/RealTime", section, param.BoolType, "1"),
	)
}

func (g *Generator) config(env *filter.Env) (config, error) {
	var cfg config
	if err := env.Decode(&cfg); err != nil {
		return cfg, err
	}
	switch {
	case cfg.BlockSize <= 0:
		return cfg, fmt.Errorf("%w: SampleBlockSize must be positive: %d", param.ErrInvalidValue, cfg.BlockSize)
	case cfg.SamplingRate <= 0:
		return cfg, fmt.Errorf("%w: SamplingRate must be positive: %v", param.ErrInvalidValue, cfg.SamplingRate)
	case cfg.Channels <= 0:
		return cfg, fmt.Errorf("%w: SourceCh must be positive: %d", param.ErrInvalidValue, cfg.Channels)
	case cfg.Frequency < 0 || cfg.Frequency > cfg.SamplingRate/2:
		return cfg, fmt.Errorf("%w: SineFrequency must be within [0, %v]: %v", param.ErrInvalidValue, cfg.SamplingRate/2, cfg.Frequency)
	}
	return cfg, nil
}

// Preflight implements filter.Filter. Input is ignored.
func (g *Generator) Preflight(env *filter.Env, in signal.Properties) (signal.Properties, error) {
	cfg, err := g.config(env)
	if err != nil {
		return signal.Properties{}, err
	}
	return signal.Properties{
		Name:         "Generator",
		Channels:     cfg.Channels,
		Elements:     cfg.BlockSize,
		SamplingRate: cfg.SamplingRate,
		UpdateRate:   cfg.SamplingRate / float64(cfg.BlockSize),
	}, nil
}

// Initialize implements filter.Filter.
func (g *Generator) Initialize(env *filter.Env, in, out signal.Properties) error {
	cfg, err := g.config(env)
	if err != nil {
		return err
	}
	g.cfg = cfg
	g.block = signal.DurationOf(cfg.SamplingRate, int64(cfg.BlockSize))
	g.step = 2 * math.Pi * cfg.Frequency / cfg.SamplingRate
	g.phase = 0
	g.blocks = 0
	g.start = time.Now()
	g.next = g.start
	return nil
}

// Process implements filter.Filter.
func (g *Generator) Process(env *filter.Env, in, out signal.Float64) error {
	for i := range out[0] {
		out[0][i] = g.cfg.Amplitude * math.Sin(g.phase+g.step*float64(i))
	}
	for c := 1; c < len(out); c++ {
		copy(out[c], out[0])
	}
	g.phase = math.Mod(g.phase+g.step*float64(len(out[0])), 2*math.Pi)
	return env.SetState(state.SourceTime, 0, g.tick(g.cfg.RealTime))
}

// Resting implements filter.Rester. Resting blocks are always paced so the
// module doesn't spin while no run is active.
func (g *Generator) Resting(env *filter.Env, in, out signal.Float64) error {
	return env.SetState(state.SourceTime, 0, g.tick(true))
}

// tick advances the clock by one block and returns source time in
// milliseconds.
func (g *Generator) tick(pace bool) uint64 {
	g.blocks++
	if pace {
		now := time.Now()
		if g.next.Before(now) {
			g.next = now
		}
		g.next = g.next.Add(g.block)
		time.Sleep(time.Until(g.next))
	}
	elapsed := time.Duration(g.blocks) * g.block
	if g.cfg.RealTime {
		elapsed = time.Since(g.start)
	}
	return uint64(elapsed/time.Millisecond) & maxSourceTime
}
