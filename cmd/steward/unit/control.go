package unit

import (
	"fmt"

	"steward/cmd/steward/cmdutil"
	"steward/cmd/steward/ui"
	"steward/pkg/sdk/client"
	"steward/pkg/sdk/types"

	"github.com/spf13/cobra"
)

func startCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start NAME",
		Short: "Start a unit",
		Args:  cobra.ExactArgs(1),
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, args []string, c client.API) error {
			job, err := c.StartUnit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmdutil.PrintJob(cmd, "start of "+args[0], job)
			return nil
		}),
	}
}

func stopCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop NAME",
		Short: "Stop a unit",
		Args:  cobra.ExactArgs(1),
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, args []string, c client.API) error {
			job, err := c.StopUnit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmdutil.PrintJob(cmd, "stop of "+args[0], job)
			return nil
		}),
	}
}

func killCmd(socketPath *string) *cobra.Command {
	var signal, who string

	cmd := &cobra.Command{
		Use:   "kill NAME",
		Short: "Send a signal to unit processes",
		Args:  cobra.ExactArgs(1),
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, args []string, c client.API) error {
			return c.KillUnit(cmd.Context(), types.KillRequest{Name: args[0], Who: who, Signal: signal})
		}),
	}
	cmd.Flags().StringVarP(&signal, "signal", "s", "SIGTERM", "Signal to send")
	cmd.Flags().StringVar(&who, "kill-who", "all", "Processes to signal: main, control or all")
	return cmd
}

func setPropertyCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set-property NAME PROPERTY=VALUE...",
		Short: "Change unit properties at runtime",
		Args:  cobra.MinimumNArgs(2),
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, args []string, c client.API) error {
			props, err := cmdutil.ParseProperties(args[1:])
			if err != nil {
				return err
			}
			if err := c.SetUnitProperties(cmd.Context(), args[0], props); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("updated %d properties on %s", len(props), args[0]))
			return nil
		}),
	}
}
