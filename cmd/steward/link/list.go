package link

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
		Short:   "List links known to the daemon",
		Args:    cobra.NoArgs,
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, _ []string, c client.API) error {
			links, err := c.ListLinks(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(links) == 0 {
				fmt.Fprintln(out, ui.Muted("no links"))
				return nil
			}

			rows := make([][]string, len(links))
			for i, l := range links {
				rows[i] = []string{
					strconv.Itoa(l.Index),
					l.Name,
					orDash(l.Kind),
					ui.State(l.State),
					orDash(l.OperState),
					orDash(l.NetworkFile),
				}
			}
			fmt.Fprintln(out, ui.Table(
				[]string{"Idx", "Link", "Kind", "State", "Oper", "Network"},
				rows,
			))
			return nil
		}),
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
