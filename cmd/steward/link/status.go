package link

import (
	"fmt"
	"strconv"
	"strings"

	"steward/cmd/steward/cmdutil"
	"steward/cmd/steward/ui"
	"steward/pkg/sdk/client"

	"github.com/spf13/cobra"
)

func statusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status NAME",
		Short: "Show a link's state, addresses and routes",
		Args:  cobra.ExactArgs(1),
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, args []string, c client.API) error {
			st, err := c.LinkStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			l := st.Link

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.Bold(l.Name)+" "+ui.Muted("#"+strconv.Itoa(l.Index)))
			fmt.Fprint(out, ui.KeyValues("  ",
				ui.KV("kind", orDash(l.Kind)),
				ui.KV("state", ui.State(l.State)),
				ui.KV("oper", orDash(l.OperState)),
				ui.KV("network", orDash(l.NetworkFile)),
				ui.KV("lease", orDash(l.LeaseAddress)),
				ui.KV("addresses", orDash(strings.Join(st.Addresses, "\n"+strings.Repeat(" ", 14)))),
				ui.KV("routes", orDash(strings.Join(st.Routes, "\n"+strings.Repeat(" ", 14)))),
			))
			if len(st.History) > 0 {
				fmt.Fprintln(out, cmdutil.HistoryTable(st.History))
			}
			return nil
		}),
	}
}
