package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/txmon/internal/config"
	"github.com/roach88/txmon/internal/coordinator"
	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/message"
	"github.com/roach88/txmon/internal/metrics"
	"github.com/roach88/txmon/internal/proxy"
	"github.com/roach88/txmon/internal/supervisor"
	"github.com/roach88/txmon/internal/txlog"
)

// EnvPrefix prefixes the environment variables overriding serve flags,
// e.g. TXMON_DB or TXMON_METRICS_LISTEN.
const EnvPrefix = "TXMON"

// ServeConfig is the resolved configuration of the serve command.
type ServeConfig struct {
	ConfigPath    string
	Database      string
	SocketDir     string
	MetricsListen string
	Manager       string
	InProcess     bool
	Watch         bool
	Batch         int
	BranchTimeout time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transaction manager",
		Long: `Run the transaction manager until it is shut down or interrupted.

The manager opens its log, starts the configured resource proxies, recovers
transactions left unfinished by a previous run and then serves callers on
<socket-dir>/tm.sock.

Every flag can also be set through the environment, prefixed with TXMON_
and with dashes turned into underscores (TXMON_DB, TXMON_METRICS_LISTEN).

Example:
  txmon serve --config resources.yaml --db /var/lib/txmon/tx.db
  TXMON_METRICS_LISTEN=:9464 txmon serve --config resources.cue --in-process`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadServeConfig(cmd.Flags())
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid flags", err)
			}
			return runServe(cmd, rootOpts, cfg)
		},
	}

	cmd.Flags().StringP("config", "c", "", "resource configuration file (.yaml or .cue)")
	cmd.Flags().String("db", "txmon.db", "path to the transaction log")
	cmd.Flags().String("metrics-listen", "", "address serving /metrics (disabled when empty)")
	cmd.Flags().String("manager", "", "domain manager socket told when every proxy group is up")
	cmd.Flags().Bool("in-process", false, "run resource proxies as goroutines instead of child processes")
	cmd.Flags().Bool("watch", true, "re-apply the resource configuration when its file changes")
	cmd.Flags().Int("batch", coordinator.DefaultBatch, "messages handled per log flush")
	cmd.Flags().Duration("branch-timeout", coordinator.DefaultBranchTimeout, "time a branch request may stay unanswered")

	return cmd
}

// LoadServeConfig resolves serve settings from flags and TXMON_*
// environment variables. Explicitly set flags win over the environment.
func LoadServeConfig(flags *pflag.FlagSet) (ServeConfig, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return ServeConfig{}, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := ServeConfig{
		ConfigPath:    strings.TrimSpace(v.GetString("config")),
		Database:      strings.TrimSpace(v.GetString("db")),
		SocketDir:     strings.TrimSpace(v.GetString("socket-dir")),
		MetricsListen: strings.TrimSpace(v.GetString("metrics-listen")),
		Manager:       strings.TrimSpace(v.GetString("manager")),
		InProcess:     v.GetBool("in-process"),
		Watch:         v.GetBool("watch"),
		Batch:         v.GetInt("batch"),
		BranchTimeout: v.GetDuration("branch-timeout"),
	}
	switch {
	case cfg.Database == "":
		return cfg, errors.New("db must not be empty")
	case cfg.SocketDir == "":
		return cfg, errors.New("socket-dir must not be empty")
	case cfg.Batch < 1:
		return cfg, fmt.Errorf("batch must be at least 1, got %d", cfg.Batch)
	case cfg.BranchTimeout < 0:
		return cfg, fmt.Errorf("branch-timeout must not be negative, got %s", cfg.BranchTimeout)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, opts *RootOptions, cfg ServeConfig) error {
	logger := opts.newLogger(cmd.ErrOrStderr())
	slog.SetDefault(logger)

	resources := &config.Config{}
	if cfg.ConfigPath != "" {
		loaded, err := config.Load(cfg.ConfigPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load configuration", err)
		}
		resources = loaded
	}

	if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create socket directory", err)
	}

	logger.Info("opening transaction log", "path", cfg.Database)
	log, err := txlog.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open transaction log", err)
	}
	defer func() {
		if closeErr := log.Close(); closeErr != nil {
			logger.Error("error closing transaction log", "error", closeErr)
		}
	}()

	tm, err := ipc.ListenUnix(filepath.Join(cfg.SocketDir, ManagerSocket))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to bind manager socket", err)
	}
	defer tm.Close()

	// Exit reports and configuration reloads reach the loop through their
	// own sockets.
	control, err := ipc.ListenUnix(filepath.Join(cfg.SocketDir, "control-"+xid.New().String()+".sock"))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to bind control socket", err)
	}
	defer control.Close()

	var spawner supervisor.Spawner
	if cfg.InProcess {
		spawner = proxy.NewInProcessSpawner(proxy.UnixListener(cfg.SocketDir), logger)
	} else {
		notify, err := ipc.ListenUnix(filepath.Join(cfg.SocketDir, "notify-"+xid.New().String()+".sock"))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to bind notify socket", err)
		}
		defer notify.Close()
		exec, err := supervisor.NewExecSpawner(cfg.SocketDir, notify)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to set up proxy spawner", err)
		}
		exec.Logger = logger
		spawner = exec
	}

	m := metrics.New()
	copts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(m),
		coordinator.WithBatch(cfg.Batch),
		coordinator.WithBranchTimeout(cfg.BranchTimeout),
	}
	if cfg.Manager != "" {
		copts = append(copts, coordinator.WithManager(ipc.Address(cfg.Manager)))
	}
	c := coordinator.New(tm, log, spawner, copts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.Configure(ctx, resources.Resources)
	rep, err := c.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "recovery failed", err)
	}
	logger.Info("recovery complete", "committed", rep.Committed, "rolled_back", rep.RolledBack, "expired", rep.Expired, "heuristic", rep.Heuristic)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// A completed shutdown ends the other goroutines too.
		defer cancel()
		return c.Run(gctx)
	})
	if cfg.MetricsListen != "" {
		g.Go(func() error {
			return m.Serve(gctx, cfg.MetricsListen, logger)
		})
	}
	if cfg.Watch && cfg.ConfigPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, cfg.ConfigPath, func(next *config.Config) {
				payload := message.MustEncode(&message.Configure{Resources: next.Resources})
				if err := ipc.SendBlocking(gctx, control, tm.Address(), payload); err != nil {
					logger.Warn("configuration not applied", "error", err)
				}
			})
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Transaction manager listening on %s\n", tm.Address())

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, coordinator.ErrDurability) {
			return WrapExitError(ExitFailure, "transaction log failed", err)
		}
		return WrapExitError(ExitFailure, "transaction manager error", err)
	}
	logger.Info("transaction manager exited")
	return nil
}
