package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/app"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/contract"
)

func printPlan(w io.Writer, p chain.Plan) {
	state := "active"
	if !p.Active {
		state = "inactive"
	}
	token := string(p.TokenType)
	if p.TokenType != chain.TokenNative {
		token += " " + p.Token.Hex()
	}
	fmt.Fprintf(w, "#%-3d %-8s window=%s gas=%d price=%s remaining=%d %s\n",
		p.Ref.Index, state, p.Window, p.GasLimit, contract.FormatValue(p.PricePerExecution), p.RemainingExecutions, token)
}

// NewPlansCommand lists the plans offered by a provider with the remaining
// executions of the configured account.
func NewPlansCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plans <provider>",
		Short: "List the plans of a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := parseAddress("provider", args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, rootOpts, func(ctx context.Context, _ *app.App, svc *app.Services) error {
				plans, err := svc.Client.Plans(ctx, provider)
				if err != nil {
					return err
				}
				return output(cmd, rootOpts, plans, func(w io.Writer) error {
					if len(plans) == 0 {
						fmt.Fprintln(w, "no plans")
					}
					for _, p := range plans {
						printPlan(w, p)
					}
					return nil
				})
			})
		},
	}
}

// NewPurchaseCommand buys executions of a plan. Token approval happens
// inside the chain writer when the plan is paid in a token.
func NewPurchaseCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		plan     planFlags
		quantity uint64
	)
	cmd := &cobra.Command{
		Use:   "purchase",
		Short: "Buy executions of a plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := plan.ref()
			if err != nil {
				return err
			}
			if quantity == 0 {
				return usageError("--quantity must be >= 1")
			}
			return withServices(cmd, rootOpts, func(ctx context.Context, _ *app.App, svc *app.Services) error {
				p, err := svc.Submit.Purchase(ctx, ref, quantity)
				if err != nil {
					return &ExitError{Code: ExitFailure, Err: err}
				}
				return output(cmd, rootOpts, p, func(w io.Writer) error {
					printPlan(w, p)
					return nil
				})
			})
		},
	}
	plan.bind(cmd)
	cmd.Flags().Uint64VarP(&quantity, "quantity", "n", 1, "executions to buy")
	return cmd
}
