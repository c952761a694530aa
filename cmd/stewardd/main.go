package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"steward/config"
	"steward/internal/buildinfo"
	"steward/internal/daemon"
	"steward/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("Daemon failed.", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		socketPath string
		runtimeDir string
		stateDir   string
		networkDir string
		idleExit   time.Duration
		metrics    string
	)

	cmd := &cobra.Command{
		Use:           "stewardd",
		Short:         "Machine, unit and link manager daemon",
		Version:       buildinfo.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("socket") {
				cfg.Socket = socketPath
			}
			if flags.Changed("runtime-dir") {
				cfg.RuntimeDir = runtimeDir
			}
			if flags.Changed("state-dir") {
				cfg.StateDir = stateDir
			}
			if flags.Changed("network-dir") {
				cfg.NetworkDir = networkDir
			}
			if flags.Changed("idle-exit-after") {
				cfg.IdleExitAfter = idleExit
			}
			if flags.Changed("metrics-address") {
				cfg.Metrics.Address = metrics
			}
			if debug {
				cfg.Log.Level = logging.LevelDebug
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logging.ConfigureFormat(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", config.Path(), "Daemon configuration file")
	f.BoolVar(&debug, "debug", false, "Enable debug logging")
	f.StringVar(&socketPath, "socket", "", "Unix socket path")
	f.StringVar(&runtimeDir, "runtime-dir", "", "Runtime state directory")
	f.StringVar(&stateDir, "state-dir", "", "Persistent state directory")
	f.StringVar(&networkDir, "network-dir", "", "Link configuration directory")
	f.DurationVar(&idleExit, "idle-exit-after", 0, "Exit after this long idle, 0 to never exit")
	f.StringVar(&metrics, "metrics-address", "", "Serve Prometheus metrics on this address")
	return cmd
}
