package machine

import "github.com/spf13/cobra"

func Cmd(socketPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machine",
		Short: "Inspect and control registered machines",
	}
	cmd.AddCommand(listCmd(socketPath))
	cmd.AddCommand(statusCmd(socketPath))
	cmd.AddCommand(showCmd(socketPath))
	cmd.AddCommand(startCmd(socketPath))
	cmd.AddCommand(terminateCmd(socketPath))
	cmd.AddCommand(killCmd(socketPath))
	return cmd
}
