package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/txmon/internal/config"
	"github.com/roach88/txmon/internal/proxy"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with resource configuration files",
	}
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	return cmd
}

func newConfigValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a resource configuration file",
		Long: `Check a resource configuration file (.yaml, .yml or .cue).

The file is parsed and normalized the way serve loads it. Resources whose
key has neither a built-in switch nor a configured server are reported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			cfg, err := config.Load(args[0])
			if err != nil {
				_ = out.Error("E_CONFIG", err.Error(), nil)
				return WrapExitError(ExitFailure, "invalid configuration", err)
			}

			builtin := make(map[string]bool)
			for _, k := range proxy.Keys() {
				builtin[k] = true
			}
			var unserved []string
			for _, r := range cfg.Resources {
				if r.Server == "" && !builtin[r.Key] {
					unserved = append(unserved, r.Name)
				}
			}
			if len(unserved) > 0 {
				msg := fmt.Sprintf("no switch or server for %v", unserved)
				_ = out.Error("E_CONFIG", msg, nil)
				return NewExitError(ExitFailure, msg)
			}

			return out.Success(cfg, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tKEY\tINSTANCES\tSERVER")
				for _, r := range cfg.Resources {
					server := r.Server
					if server == "" {
						server = "(built in)"
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.Name, r.Key, r.Instances, server)
				}
				tw.Flush()
				fmt.Fprintf(w, "✓ %d resources valid\n", len(cfg.Resources))
			})
		},
	}
}
