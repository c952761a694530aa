package unit

import (
	"strings"

	"steward/cmd/steward/cmdutil"
	"steward/pkg/sdk/client"
	"steward/pkg/sdk/types"

	"github.com/spf13/cobra"
)

func runCmd(socketPath *string) *cobra.Command {
	var (
		props       []string
		description string
	)

	cmd := &cobra.Command{
		Use:   "run NAME -- COMMAND [ARGS...]",
		Short: "Start a transient unit",
		Long: "Start a transient service running COMMAND, or a scope when NAME ends in .scope\n" +
			"and PIDs=... is given as a property.",
		Args: cobra.MinimumNArgs(1),
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, args []string, c client.API) error {
			parsed, err := cmdutil.ParseProperties(props)
			if err != nil {
				return err
			}
			if description != "" {
				parsed = append(parsed, types.Property{Name: "Description", Value: description})
			}
			if cmdline := args[1:]; len(cmdline) > 0 {
				parsed = append(parsed, types.Property{Name: "ExecStart", Value: joinCommand(cmdline)})
			}

			job, err := c.RunUnit(cmd.Context(), types.RunUnitRequest{Name: args[0], Properties: parsed})
			if err != nil {
				return err
			}
			cmdutil.PrintJob(cmd, "start of "+args[0], job)
			return nil
		}),
	}
	cmd.Flags().StringArrayVarP(&props, "property", "p", nil, "Set a unit property, NAME=VALUE")
	cmd.Flags().StringVar(&description, "description", "", "Unit description")
	return cmd
}

// joinCommand quotes arguments so the daemon splits them back as given.
func joinCommand(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n\"'\\$`") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
