// Command bci-operator runs the operator: it accepts module connections,
// drives the system lifecycle and serves remote consoles.
package main

import (
	"github.com/spf13/cobra"

	"pipelined.dev/bci/internal/cli"
)

func main() {
	cli.Main(rootCommand())
}

func rootCommand() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:          "bci-operator",
		Short:        "Run the operator of a bci system",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.config(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, o.script)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&o.file, "config", "c", "", "operator config file")
	flags.StringVar(&o.telnet, "telnet", "", "line console address")
	flags.StringVar(&o.websocket, "websocket", "", "websocket console address")
	flags.StringVar(&o.http, "http", "", "status and metrics address")
	flags.StringVar(&o.parameters, "parameters", "", "parameter file applied when all modules are connected")
	flags.StringVar(&o.script, "script", "", "script executed after startup")
	flags.BoolVar(&o.autoConfig, "autoconfig", false, "modules preflight every configuration")
	cmd.AddCommand(cli.VersionCommand("bci-operator"))
	return cmd
}
