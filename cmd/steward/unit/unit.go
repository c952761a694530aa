package unit

import "github.com/spf13/cobra"

func Cmd(socketPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Run and control service and scope units",
	}
	cmd.AddCommand(listCmd(socketPath))
	cmd.AddCommand(statusCmd(socketPath))
	cmd.AddCommand(showCmd(socketPath))
	cmd.AddCommand(runCmd(socketPath))
	cmd.AddCommand(startCmd(socketPath))
	cmd.AddCommand(stopCmd(socketPath))
	cmd.AddCommand(killCmd(socketPath))
	cmd.AddCommand(setPropertyCmd(socketPath))
	return cmd
}
