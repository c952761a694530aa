package machine

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
		Short: "Show a machine and its recent transitions",
		Args:  cobra.ExactArgs(1),
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, args []string, c client.API) error {
			st, err := c.MachineStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			m := st.Machine
			ifaces := make([]string, len(m.NetworkInterfaces))
			for i, idx := range m.NetworkInterfaces {
				ifaces[i] = strconv.Itoa(idx)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.Bold(m.Name))
			fmt.Fprint(out, ui.KeyValues("  ",
				ui.KV("id", orDash(m.ID)),
				ui.KV("class", m.Class),
				ui.KV("service", orDash(m.Service)),
				ui.KV("unit", orDash(m.Unit)),
				ui.KV("leader", orDash(strconv.Itoa(m.Leader))),
				ui.KV("root", orDash(m.RootDirectory)),
				ui.KV("interfaces", orDash(strings.Join(ifaces, " "))),
				ui.KV("state", ui.State(m.State)),
				ui.KV("since", ui.Since(m.Timestamp)),
			))
			if len(st.History) > 0 {
				fmt.Fprintln(out, cmdutil.HistoryTable(st.History))
			}
			return nil
		}),
	}
}

func orDash(s string) string {
	if s == "" || s == "0" {
		return "-"
	}
	return s
}
