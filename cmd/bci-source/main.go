// Command bci-source runs the first module of the chain: a sine generator
// that owns the source clock.
package main

import (
	"pipelined.dev/bci/filter"
	"pipelined.dev/bci/filters/generator"
	"pipelined.dev/bci/internal/cli"
	"pipelined.dev/bci/module"
)

func main() {
	cli.Main(cli.ModuleCommand("bci-source", module.Config{
		Name:            "Source",
		Role:            module.First,
		Next:            "SignalProcessing",
		OperatorAddress: "127.0.0.1:4000",
	}, func() []filter.Node {
		return []filter.Node{filter.Named("generator", generator.New())}
	}))
}
