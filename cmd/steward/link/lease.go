package link

import (
	"fmt"
	"time"

	"steward/cmd/steward/cmdutil"
	"steward/cmd/steward/ui"
	"steward/pkg/sdk/client"
	"steward/pkg/sdk/types"

	"github.com/spf13/cobra"
)

func leaseCmd(socketPath *string) *cobra.Command {
	var (
		gateway    string
		lifetime   time.Duration
		expire     bool
		generation uint64
	)

	cmd := &cobra.Command{
		Use:   "lease NAME [ADDRESS/PREFIX]",
		Short: "Report a DHCP lease acquired or expired on a link",
		Args:  cobra.RangeArgs(1, 2),
		RunE: cmdutil.Run(socketPath, func(cmd *cobra.Command, args []string, c client.API) error {
			req := types.LeaseRequest{
				Link:       args[0],
				Gateway:    gateway,
				Lifetime:   lifetime,
				Expire:     expire,
				Generation: generation,
			}
			if !expire {
				if len(args) != 2 {
					return fmt.Errorf("an address is required unless --expire is set")
				}
				req.Address = args[1]
			}

			reply, err := c.Lease(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case expire:
				fmt.Fprintln(out, ui.SuccessMsg("lease on %s expired", args[0]))
			case reply.Dropped:
				fmt.Fprintln(out, ui.Warn("lease ignored: the link failed or is gone"))
			default:
				fmt.Fprintln(out, ui.SuccessMsg("lease %s on %s, generation %d", req.Address, args[0], reply.Generation))
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&gateway, "gateway", "", "Default gateway offered with the lease")
	cmd.Flags().DurationVar(&lifetime, "lifetime", 0, "Lease lifetime, 0 for infinite")
	cmd.Flags().BoolVar(&expire, "expire", false, "Report the lease as expired")
	cmd.Flags().Uint64Var(&generation, "generation", 0, "Lease generation being expired")
	return cmd
}
