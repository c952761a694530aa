package machine

import (
	"fmt"

	"steward/cmd/steward/cmdutil"
	"steward/cmd/steward/ui"
	"steward/pkg/sdk/client"

	"github.com/spf13/cobra"
)

func terminateCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate NAME...",
		Short: "Stop machines and every process in them",
		Args:  cobra.MinimumNArgs(1),
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, args []string, c client.API) error {
			for _, name := range args {
				if err := c.TerminateMachine(cmd.Context(), name); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("terminating %s", name))
			}
			return nil
		}),
	}
}
