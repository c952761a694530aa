package machine

import (
	"steward/cmd/steward/cmdutil"
	"steward/pkg/sdk/client"

	"github.com/spf13/cobra"
)

func startCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start NAME",
		Short: "Start a machine from its steward-machine@ unit",
		Args:  cobra.ExactArgs(1),
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, args []string, c client.API) error {
			job, err := c.StartMachine(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmdutil.PrintJob(cmd, "start of "+args[0], job)
			return nil
		}),
	}
}
