// Package gain provides a processing stage that scales the signal.
package gain

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"pipelined.dev/bci/filter"
	"pipelined.dev/bci/mutable"
	"pipelined.dev/bci/param"
	"pipelined.dev/bci/signal"
)

// Gain multiplies every sample by the Gain parameter. The factor can also
// be changed while running with mutations pushed into the module. Such a
// change lasts until the next configuration.
type Gain struct {
	mutable.Context
	gain float64
}

// New returns mutable gain stage.
func New() *Gain {
	return &Gain{Context: mutable.Mutable(), gain: 1}
}

// Publish implements filter.Filter.
func (g *Gain) Publish(env *filter.Env) error {
	p := param.New("/Filtering/Gain", "Filtering", param.FloatType, "1.0")
	p.Comment = "signal gain factor"
	return env.DeclareParam(p)
}

// Preflight implements filter.Filter.
func (g *Gain) Preflight(env *filter.Env, in signal.Properties) (signal.Properties, error) {
	p, err := env.Param("/Filtering/Gain")
	if err != nil {
		return signal.Properties{}, err
	}
	if _, err := p.Float(); err != nil {
		return signal.Properties{}, err
	}
	return in, nil
}

// Initialize implements filter.Filter.
func (g *Gain) Initialize(env *filter.Env, in, out signal.Properties) error {
	p, err := env.Param("/Filtering/Gain")
	if err != nil {
		return err
	}
	g.gain, err = p.Float()
	return err
}

// Process implements filter.Filter.
func (g *Gain) Process(env *filter.Env, in, out signal.Float64) error {
	for c := range in {
		for i := range in[c] {
			out[c][i] = in[c][i] * g.gain
		}
	}
	return nil
}

// Resting implements filter.Rester. Resting blocks are scaled as well, so
// monitoring sees the effect of the factor.
func (g *Gain) Resting(env *filter.Env, in, out signal.Float64) error {
	return g.Process(env, in, out)
}

// Factor returns current factor.
func (g *Gain) Factor() float64 {
	return g.gain
}

// SetFactor returns mutation that changes the factor.
func (g *Gain) SetFactor(v float64) mutable.Mutation {
	return g.Mutate(func() error {
		g.gain = v
		return nil
	})
}

// Handler sets the factor from the factor query value of a request. The
// mutation is handed over with push, usually the Push of the module that
// runs the stage.
func (g *Gain) Handler(push func(context.Context, ...mutable.Mutation) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := strconv.ParseFloat(r.URL.Query().Get("factor"), 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid factor: %v", err), http.StatusBadRequest)
			return
		}
		if err := push(r.Context(), g.SetFactor(v)); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
