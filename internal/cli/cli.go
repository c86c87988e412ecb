// Package cli provides cobra commands shared by bci binaries.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/bci/filter"
	"pipelined.dev/bci/log"
	"pipelined.dev/bci/module"
	"pipelined.dev/bci/param"
)

// Version of bci binaries, set with -ldflags "-X pipelined.dev/bci/internal/cli.Version=...".
var Version = "dev"

type overridesKey struct{}

// Main executes the command with process arguments and exits on error.
func Main(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Execute(ctx, cmd, os.Args[1:])
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// Execute runs the command. Arguments of form --Name=value that aren't
// flags of the command become variant parameters in System section.
func Execute(ctx context.Context, cmd *cobra.Command, args []string) error {
	known, overrides := SplitOverrides(cmd, args)
	cmd.SetArgs(known)
	return cmd.ExecuteContext(context.WithValue(ctx, overridesKey{}, overrides))
}

// SplitOverrides separates parameter overrides from command arguments.
// Multiple values are separated by spaces.
func SplitOverrides(cmd *cobra.Command, args []string) ([]string, []param.Param) {
	var (
		known     []string
		overrides []param.Param
	)
	for i, arg := range args {
		if arg == "--" {
			known = append(known, args[i:]...)
			break
		}
		eq := strings.IndexByte(arg, '=')
		if !strings.HasPrefix(arg, "--") || eq < 3 {
			known = append(known, arg)
			continue
		}
		name := arg[2:eq]
		if cmd.Flags().Lookup(name) != nil || cmd.PersistentFlags().Lookup(name) != nil {
			known = append(known, arg)
			continue
		}
		overrides = append(overrides, param.New(name, "System", param.VariantType, strings.Fields(arg[eq+1:])...))
	}
	return known, overrides
}

// Overrides returns parameters passed to Execute.
func Overrides(ctx context.Context) []param.Param {
	overrides, _ := ctx.Value(overridesKey{}).([]param.Param)
	return overrides
}

// VersionCommand prints the version of the binary.
func VersionCommand(name string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of " + name,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", name, Version)
		},
	}
}

// Routes adds binary specific routes to the status server of a module.
type Routes func(chi.Router, *module.Module)

const shutdownTimeout = time.Second

// ModuleCommand returns the root command of a module binary. Filters are
// created when the command runs.
func ModuleCommand(name string, cfg module.Config, filters func() []filter.Node, routes ...Routes) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:          name,
		Short:        fmt.Sprintf("Run %s module", cfg.Name),
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Version = Version
			cfg.Params = append(cfg.Params, Overrides(cmd.Context())...)
			logger := log.GetLogger()
			m := module.New(cfg, filters(), module.WithLogger(logger))
			if err := RunModule(cmd.Context(), m, addr, routes...); err != nil {
				logger.Errorf("%s: %v", cfg.Name, err)
				return err
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfg.Name, "name", cfg.Name, "module name")
	flags.StringVar(&cfg.OperatorAddress, "operator", cfg.OperatorAddress, "operator address")
	flags.StringVar(&cfg.ListenAddress, "listen", cfg.ListenAddress, "address accepting the previous module")
	flags.StringVar(&cfg.Next, "next", cfg.Next, "name of the next module")
	flags.DurationVar(&cfg.DialRetry, "dial-retry", module.DefaultDialRetry, "how long to retry connecting to the operator")
	flags.StringVar(&addr, "http", "", "status and metrics address, empty disables it")
	cmd.AddCommand(VersionCommand(name))
	return cmd
}

// RunModule runs the module. If addr isn't empty, status routes are served
// there until the module terminates.
func RunModule(ctx context.Context, m *module.Module, addr string, routes ...Routes) error {
	if addr == "" {
		return m.Run(ctx)
	}
	h := m.Handler()
	for _, fn := range routes {
		fn(h, m)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for status: %w", err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			srv.Shutdown(ctx)
		}()
		return m.Run(ctx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}
