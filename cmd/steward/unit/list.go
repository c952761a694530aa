package unit

import (
	"fmt"
	"strconv"

	"steward/cmd/steward/cmdutil"
	"steward/cmd/steward/ui"
	"steward/pkg/sdk/client"

	"github.com/spf13/cobra"
)

func listCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List loaded units",
		Args:    cobra.NoArgs,
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, _ []string, c client.API) error {
			units, err := c.ListUnits(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(units) == 0 {
				fmt.Fprintln(out, ui.Muted("no units loaded"))
				return nil
			}

			rows := make([][]string, len(units))
			for i, u := range units {
				pid := "-"
				if u.MainPID > 0 {
					pid = strconv.Itoa(u.MainPID)
				}
				rows[i] = []string{u.Name, ui.State(u.ActiveState), u.SubState, pid, u.Description}
			}
			fmt.Fprintln(out, ui.Table(
				[]string{"Unit", "Active", "Sub", "PID", "Description"},
				rows,
			))
			return nil
		}),
	}
}
