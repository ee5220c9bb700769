package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/proxy"
	"github.com/roach88/txmon/internal/xa"
)

// ProxyOptions are the arguments the manager starts a proxy with.
type ProxyOptions struct {
	Manager   string
	Address   string
	Resource  int
	Key       string
	OpenInfo  string
	CloseInfo string
}

// NewProxyCommand creates the hidden proxy command the manager re-executes
// itself with for every resource proxy instance.
func NewProxyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProxyOptions{}
	cmd := &cobra.Command{
		Use:    "proxy",
		Short:  "Serve one resource proxy instance",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd, rootOpts, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Manager, "manager", "", "manager socket")
	cmd.Flags().StringVar(&opts.Address, "address", "", "socket to bind")
	cmd.Flags().IntVar(&opts.Resource, "resource", 0, "resource id")
	cmd.Flags().StringVar(&opts.Key, "key", "", "switch key")
	cmd.Flags().StringVar(&opts.OpenInfo, "openinfo", "", "xa_open information")
	cmd.Flags().StringVar(&opts.CloseInfo, "closeinfo", "", "xa_close information")
	for _, name := range []string{"manager", "address", "resource", "key"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runProxy(cmd *cobra.Command, rootOpts *RootOptions, opts *ProxyOptions) error {
	logger := rootOpts.newLogger(cmd.ErrOrStderr())

	sw, err := proxy.NewSwitch(opts.Key)
	if err != nil {
		return WrapExitError(ExitCommandError, "unknown resource key", err)
	}
	ep, err := ipc.ListenUnix(opts.Address)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to bind proxy socket", err)
	}
	defer ep.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := proxy.NewServer(proxy.Config{
		PID:       os.Getpid(),
		Resource:  xa.ResourceID(opts.Resource),
		OpenInfo:  opts.OpenInfo,
		CloseInfo: opts.CloseInfo,
		Manager:   ipc.Address(opts.Manager),
	}, ep, sw, logger)

	err = srv.Run(ctx)
	switch {
	case errors.Is(err, proxy.ErrOpenFailed):
		return WrapExitError(ExitFailure, "resource manager refused to open", err)
	case err != nil:
		return WrapExitError(ExitFailure, "proxy error", err)
	}
	return nil
}
