package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/bci/console"
	"pipelined.dev/bci/internal/cli"
	"pipelined.dev/bci/log"
	"pipelined.dev/bci/operator"
	"pipelined.dev/bci/script"
)

type options struct {
	file       string
	telnet     string
	websocket  string
	http       string
	parameters string
	script     string
	autoConfig bool
}

// config reads the config file and applies flags set explicitly.
func (o options) config(cmd *cobra.Command) (operator.Config, error) {
	cfg := operator.DefaultConfig()
	if o.file != "" {
		var err error
		if cfg, err = operator.ReadConfigFile(o.file); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	for name, apply := range map[string]func(){
		"telnet":     func() { cfg.Telnet = o.telnet },
		"websocket":  func() { cfg.Websocket = o.websocket },
		"http":       func() { cfg.HTTP = o.http },
		"parameters": func() { cfg.Parameters = o.parameters },
		"autoconfig": func() { cfg.AutoConfig = o.autoConfig },
	} {
		if flags.Changed(name) {
			apply()
		}
	}
	cfg.Version = cli.Version
	return cfg, cfg.Validate()
}

// run starts the state machine and consoles until ctx is done.
func run(ctx context.Context, cfg operator.Config, file string) error {
	logger := log.GetLogger()
	sm := operator.New(cfg, operator.WithLogger(logger))
	if err := sm.Startup(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sm.Shutdown(); err != nil {
			logger.Errorf("shutdown: %v", err)
		}
	}()
	for _, a := range sm.Addresses() {
		logger.Infof("waiting for module at %s", a)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return console.New(sm, console.WithLogger(logger)).Serve(ctx, cfg)
	})
	if file != "" {
		g.Go(func() error {
			return runScript(sm, file, logger)
		})
	}
	return g.Wait()
}

func runScript(sm *operator.StateMachine, file string, logger log.Logger) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	// watches added by the script live as long as the operator
	i := script.New(sm, script.WithLogger(logger))
	result, err := i.Run(f)
	if err != nil {
		return fmt.Errorf("script %s: %w", file, err)
	}
	logger.Info(fmt.Sprintf("script %s: %s", file, result.Text))
	return nil
}
