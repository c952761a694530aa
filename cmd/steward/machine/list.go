package machine

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
		Short:   "List registered machines",
		Args:    cobra.NoArgs,
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, _ []string, c client.API) error {
			machines, err := c.ListMachines(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(machines) == 0 {
				fmt.Fprintln(out, ui.Muted("no machines registered"))
				return nil
			}

			rows := make([][]string, len(machines))
			for i, m := range machines {
				leader := "-"
				if m.Leader > 0 {
					leader = strconv.Itoa(m.Leader)
				}
				service := m.Service
				if service == "" {
					service = "-"
				}
				rows[i] = []string{m.Name, m.Class, service, leader, ui.State(m.State), ui.Since(m.Timestamp)}
			}
			fmt.Fprintln(out, ui.Table(
				[]string{"Machine", "Class", "Service", "Leader", "State", "Since"},
				rows,
			))
			return nil
		}),
	}
}
