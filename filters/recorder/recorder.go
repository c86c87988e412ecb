// Package recorder provides the application stage that saves running
// blocks into wav files.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"pipelined.dev/bci/filter"
	"pipelined.dev/bci/param"
	"pipelined.dev/bci/signal"
)

// ErrUnsupportedBitDepth is returned when unsupported bit depth is used.
var ErrUnsupportedBitDepth = errors.New("only 16 and 32 bit depth is supported")

const section = "Storage"

// pcm is the wav audio format for integer samples.
const pcm = 1

type config struct {
	File     string `param:"RecordFile"`
	BitDepth int    `param:"RecordBitDepth"`
}

// Recorder writes the signal of every running block into a wav file. The
// file is created at the start of a run and closed when the run stops. If
// RecordFile contains a %d verb, it's replaced with the run number, so
// every run gets its own file. Empty RecordFile disables recording.
type Recorder struct {
	cfg      config
	in       signal.Properties
	runs     int
	file     *os.File
	encoder  *wav.Encoder
	buf      *audio.IntBuffer
	recorded int
}

// New returns recorder.
func New() *Recorder {
	return &Recorder{}
}

// Publish implements filter.Filter.
func (r *Recorder) Publish(env *filter.Env) error {
	file := param.New("/Storage/RecordFile", section, param.StringType, "")
	file.Comment = "wav file of a run, %d is replaced with run number"
	return env.DeclareParam(
		file,
		param.New("/Storage/RecordBitDepth", section, param.IntType, "16"),
	)
}

func (r *Recorder) config(env *filter.Env) (config, error) {
	var cfg config
	if err := env.Decode(&cfg); err != nil {
		return cfg, err
	}
	if bd := signal.BitDepth(cfg.BitDepth); bd != signal.BitDepth16 && bd != signal.BitDepth32 {
		return cfg, fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, cfg.BitDepth)
	}
	return cfg, nil
}

// Preflight implements filter.Filter. Signal passes through.
func (r *Recorder) Preflight(env *filter.Env, in signal.Properties) (signal.Properties, error) {
	if _, err := r.config(env); err != nil {
		return signal.Properties{}, err
	}
	return in, nil
}

// Initialize implements filter.Filter.
func (r *Recorder) Initialize(env *filter.Env, in, out signal.Properties) error {
	cfg, err := r.config(env)
	if err != nil {
		return err
	}
	r.cfg, r.in = cfg, in
	return nil
}

// StartRun implements filter.Starter.
func (r *Recorder) StartRun(env *filter.Env) error {
	r.runs++
	if r.cfg.File == "" || r.in.IsEmpty() {
		return nil
	}
	path := r.cfg.File
	if strings.Contains(path, "%d") {
		path = fmt.Sprintf(path, r.runs)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	r.file = f
	r.encoder = wav.NewEncoder(f, int(r.in.SamplingRate), r.cfg.BitDepth, r.in.Channels, pcm)
	r.buf = &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: r.in.Channels,
			SampleRate:  int(r.in.SamplingRate),
		},
		SourceBitDepth: r.cfg.BitDepth,
	}
	r.recorded = 0
	env.Logger.Infof("recording run %d into %s", r.runs, path)
	return nil
}

// Process implements filter.Filter.
func (r *Recorder) Process(env *filter.Env, in, out signal.Float64) error {
	if err := out.CopyFrom(in); err != nil {
		return err
	}
	if r.encoder == nil {
		return nil
	}
	r.buf.Data = in.AsInterInt(signal.BitDepth(r.cfg.BitDepth))
	if err := r.encoder.Write(r.buf); err != nil {
		return err
	}
	r.recorded += in.Elements()
	return nil
}

// StopRun implements filter.Stopper.
func (r *Recorder) StopRun(env *filter.Env) error {
	if r.encoder != nil {
		env.Logger.Infof("recorded %d samples", r.recorded)
	}
	return r.close()
}

// Halt implements filter.Halter.
func (r *Recorder) Halt(env *filter.Env) error {
	return r.close()
}

// Recorded returns number of samples per channel written in the current
// or the last run.
func (r *Recorder) Recorded() int {
	return r.recorded
}

func (r *Recorder) close() error {
	if r.encoder == nil {
		return nil
	}
	err := r.encoder.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	r.encoder, r.file, r.buf = nil, nil, nil
	return err
}
