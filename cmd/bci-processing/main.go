// Command bci-processing runs the signal processing module. With --http
// the gain can be changed while running: PUT /gain?factor=0.5.
package main

import (
	"github.com/go-chi/chi/v5"

	"pipelined.dev/bci/filter"
	"pipelined.dev/bci/filters/gain"
	"pipelined.dev/bci/internal/cli"
	"pipelined.dev/bci/module"
)

func main() {
	g := gain.New()
	cli.Main(cli.ModuleCommand("bci-processing", module.Config{
		Name:            "SignalProcessing",
		Role:            module.Middle,
		Next:            "Application",
		OperatorAddress: "127.0.0.1:4001",
	}, func() []filter.Node {
		return []filter.Node{filter.Named("gain", g)}
	}, func(r chi.Router, m *module.Module) {
		r.Put("/gain", g.Handler(m.Push))
	}))
}
