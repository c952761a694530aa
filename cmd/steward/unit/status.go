package unit

import (
	"fmt"
	"strconv"

	"steward/cmd/steward/cmdutil"
	"steward/cmd/steward/ui"
	"steward/pkg/sdk/client"

	"github.com/spf13/cobra"
)

func statusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status NAME",
		Short: "Show a unit and its recent transitions",
		Args:  cobra.ExactArgs(1),
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, args []string, c client.API) error {
			st, err := c.UnitStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			u := st.Unit
			pid, job, result := "-", "-", "-"
			if u.MainPID > 0 {
				pid = strconv.Itoa(u.MainPID)
			}
			if u.Job != "" {
				job = u.Job
			}
			if u.Result != "" {
				result = u.Result
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.Bold(u.Name)+" "+ui.Muted(u.Description))
			fmt.Fprint(out, ui.KeyValues("  ",
				ui.KV("active", ui.State(u.ActiveState)+" ("+u.SubState+")"),
				ui.KV("since", ui.Since(u.ChangedAt)),
				ui.KV("transient", ui.Bool(u.Transient)),
				ui.KV("main pid", pid),
				ui.KV("job", job),
				ui.KV("result", result),
			))
			if len(st.History) > 0 {
				fmt.Fprintln(out, cmdutil.HistoryTable(st.History))
			}
			return nil
		}),
	}
}
