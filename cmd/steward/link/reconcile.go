package link

import (
	"fmt"

	"steward/cmd/steward/cmdutil"
	"steward/cmd/steward/ui"
	"steward/pkg/sdk/client"

	"github.com/spf13/cobra"
)

func reconcileCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile NAME...",
		Short: "Reapply link configuration",
		Args:  cobra.MinimumNArgs(1),
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, args []string, c client.API) error {
			for _, name := range args {
				if err := c.ReconfigureLink(cmd.Context(), name); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("reconfiguring %s", name))
			}
			return nil
		}),
	}
}

func reloadCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reread the network configuration directory",
		Args:  cobra.NoArgs,
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, _ []string, c client.API) error {
			if err := c.ReloadNetwork(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("network configuration reloaded"))
			return nil
		}),
	}
}
