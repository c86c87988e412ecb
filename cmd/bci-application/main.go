// Command bci-application runs the last module of the chain. It records
// the signal of every run.
package main

import (
	"pipelined.dev/bci/filter"
	"pipelined.dev/bci/filters/recorder"
	"pipelined.dev/bci/internal/cli"
	"pipelined.dev/bci/module"
)

func main() {
	cli.Main(cli.ModuleCommand("bci-application", module.Config{
		Name:            "Application",
		Role:            module.Last,
		Next:            "Source",
		OperatorAddress: "127.0.0.1:4002",
	}, func() []filter.Node {
		return []filter.Node{filter.Named("recorder", recorder.New())}
	}))
}
