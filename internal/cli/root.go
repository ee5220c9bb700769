package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// SocketDir holds the manager's socket and the proxies' sockets.
	SocketDir string

	// Timeout bounds admin requests to a running manager.
	Timeout time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// DefaultSocketDir is where the manager and its proxies bind by default.
var DefaultSocketDir = filepath.Join(os.TempDir(), "txmon")

// ManagerSocket is the file name of the manager's socket in SocketDir.
const ManagerSocket = "tm.sock"

// NewRootCommand creates the root command for the txmon CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "txmon",
		Short: "txmon - XA transaction manager",
		Long: `txmon coordinates distributed transactions over XA resource managers.

It logs every transaction it begins, drives two-phase commit through pools
of resource proxy processes and recovers unfinished transactions from its
log after a restart.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.SocketDir, "socket-dir", DefaultSocketDir, "directory of the manager and proxy sockets")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "admin request timeout")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))
	cmd.AddCommand(NewScaleCommand(opts))
	cmd.AddCommand(NewShutdownCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewProxyCommand(opts))

	return cmd
}

// managerAddress returns the manager socket path under the socket dir.
func (o *RootOptions) managerAddress() string {
	return filepath.Join(o.SocketDir, ManagerSocket)
}

// formatter returns the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// newLogger returns a text logger on w, at debug level with --verbose.
func (o *RootOptions) newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
