package link

import "github.com/spf13/cobra"

func Cmd(socketPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Inspect and reconfigure network links",
	}
	cmd.AddCommand(listCmd(socketPath))
	cmd.AddCommand(statusCmd(socketPath))
	cmd.AddCommand(reconcileCmd(socketPath))
	cmd.AddCommand(reloadCmd(socketPath))
	cmd.AddCommand(leaseCmd(socketPath))
	return cmd
}
