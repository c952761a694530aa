package main

import (
	"fmt"
	"os"

	linkcmd "steward/cmd/steward/link"
	machinecmd "steward/cmd/steward/machine"
	"steward/cmd/steward/ui"
	unitcmd "steward/cmd/steward/unit"
	"steward/internal/buildinfo"
	"steward/internal/logging"
	"steward/pkg/sdk/client"

	"github.com/spf13/cobra"
)

func main() {
	var (
		debug      bool
		noColor    bool
		socketPath string
	)
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "steward",
		Short:         "Control machines, units and links managed by stewardd",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.ConfigureColor(noColor)
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable coloured output")
	root.PersistentFlags().StringVar(&socketPath, "socket", client.DefaultSocketPath(), "stewardd unix socket path")

	root.AddCommand(machinecmd.Cmd(&socketPath))
	root.AddCommand(unitcmd.Cmd(&socketPath))
	root.AddCommand(linkcmd.Cmd(&socketPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
