package machine

import (
	"steward/cmd/steward/cmdutil"
	"steward/pkg/sdk/client"
	"steward/pkg/sdk/types"

	"github.com/spf13/cobra"
)

func killCmd(socketPath *string) *cobra.Command {
	var signal, who string

	cmd := &cobra.Command{
		Use:   "kill NAME...",
		Short: "Send a signal to machine processes",
		Args:  cobra.MinimumNArgs(1),
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, args []string, c client.API) error {
			for _, name := range args {
				if err := c.KillMachine(cmd.Context(), types.KillRequest{Name: name, Who: who, Signal: signal}); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&signal, "signal", "s", "SIGTERM", "Signal to send")
	cmd.Flags().StringVar(&who, "kill-who", "all", "Processes to signal: leader or all")
	return cmd
}
