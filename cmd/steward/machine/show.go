package machine

import (
	"fmt"

	"steward/cmd/steward/cmdutil"
	"steward/pkg/sdk/client"

	"github.com/spf13/cobra"
)

func showCmd(socketPath *string) *cobra.Command {
	var only []string

	cmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Print a machine's properties",
		Args:  cobra.ExactArgs(1),
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, args []string, c client.API) error {
			st, err := c.MachineStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cmdutil.FormatProperties(st.Properties, only))
			return nil
		}),
	}
	cmd.Flags().StringSliceVarP(&only, "property", "p", nil, "Only print these properties")
	return cmd
}
