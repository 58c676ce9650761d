package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/app"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/ledger"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/reconcile"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/resolver"
)

func printExecution(w io.Writer, x ledger.Execution) {
	fmt.Fprintf(w, "%s  %s  %-20s %s\n", x.ID.Hex(), x.ExecuteAt.UTC().Format(time.RFC3339), x.State, x.Contract.Hex())
	if r := x.Result; r != nil {
		status := "ok"
		if !r.Success {
			status = "failed"
			if r.RevertReason != "" {
				status += ": " + r.RevertReason
			}
		}
		fmt.Fprintf(w, "    tx %s block %d %s\n", r.TxHash.Hex(), r.BlockNumber, status)
		for _, v := range r.Decoded {
			fmt.Fprintf(w, "    %s (%s) = %s\n", v.Name, v.Type, v.Value)
		}
	}
}

// NewListCommand prints the local ledger. It does not touch the chain.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		provider  string
		requestor string
		entry     string
		states    []string
		unsettled bool
		entries   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked executions or scheduling entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var f ledger.Filter
			var err error
			if provider != "" {
				if f.Provider, err = parseAddress("provider", provider); err != nil {
					return err
				}
			}
			if requestor != "" {
				if f.Requestor, err = parseAddress("requestor", requestor); err != nil {
					return err
				}
			}
			if entry != "" {
				if f.Entry, err = parseHash(entry); err != nil {
					return err
				}
			}
			for _, s := range states {
				var st chain.ExecutionState
				if err := st.UnmarshalText([]byte(s)); err != nil {
					return usageError("--state: %v", err)
				}
				f.States = append(f.States, st)
			}
			f.Unsettled = unsettled

			return withApp(cmd, rootOpts, func(_ context.Context, a *app.App) error {
				if entries {
					list := a.Ledger().Entries()
					return output(cmd, rootOpts, list, func(w io.Writer) error {
						for _, e := range list {
							fmt.Fprintf(w, "%s  %-9s %3d  %s %s\n", e.TxHash.Hex(), e.Status, e.Quantity, e.Plan, e.Title)
						}
						return nil
					})
				}
				list := a.Ledger().List(f)
				return output(cmd, rootOpts, list, func(w io.Writer) error {
					for _, x := range list {
						printExecution(w, x)
					}
					return nil
				})
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&provider, "provider", "", "only executions of this provider")
	fl.StringVar(&requestor, "requestor", "", "only executions of this requestor")
	fl.StringVar(&entry, "entry", "", "only executions of this scheduling transaction")
	fl.StringSliceVar(&states, "state", nil, "only these states (scheduled, execution_successful, ...)")
	fl.BoolVar(&unsettled, "unsettled", false, "only executions that may still change")
	fl.BoolVar(&entries, "entries", false, "list scheduling transactions instead of executions")
	return cmd
}

// NewCancelCommand cancels one scheduled execution.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a scheduled execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseHash(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, rootOpts, func(ctx context.Context, _ *app.App, svc *app.Services) error {
				x, err := svc.Submit.Cancel(ctx, id)
				if err != nil {
					if errors.Is(err, ledger.ErrUnknownExecution) {
						return &ExitError{Code: ExitCommandError, Err: err}
					}
					return &ExitError{Code: ExitFailure, Err: err}
				}
				return output(cmd, rootOpts, x, func(w io.Writer) error {
					printExecution(w, x)
					return nil
				})
			})
		},
	}
}

// NewResolveCommand refreshes one execution and, once it ran, finds the
// transaction that executed it.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <execution-id>",
		Short: "Find the transaction that ran an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseHash(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, rootOpts, func(ctx context.Context, a *app.App, svc *app.Services) error {
				led := a.Ledger()
				x, ok := led.Get(id)
				if !ok {
					return &ExitError{Code: ExitCommandError, Err: fmt.Errorf("%w: %s", ledger.ErrUnknownExecution, id.Hex())}
				}
				state, err := svc.Client.ExecutionState(ctx, x.Plan.Provider, id)
				if err != nil {
					return err
				}
				if _, err := led.UpsertState(ctx, id, state); err != nil {
					return err
				}
				x, _ = led.Get(id)

				if x.State.Executed() && x.Result == nil {
					plan, err := svc.Client.Plan(ctx, x.Plan)
					if err != nil {
						return err
					}
					_, err = svc.Resolver.Locate(ctx, resolver.Target{ScheduledTxHash: x.TxHash, Execution: x, Plan: plan})
					if err != nil && !errors.Is(err, resolver.ErrNotExecuted) {
						return &ExitError{Code: ExitFailure, Err: err}
					}
					x, _ = led.Get(id)
				}
				return output(cmd, rootOpts, x, func(w io.Writer) error {
					printExecution(w, x)
					return nil
				})
			})
		},
	}
}

// NewRefreshCommand runs one reconciliation pass over unsettled executions.
func NewRefreshCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Sync execution states and results with the chain once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, rootOpts, func(ctx context.Context, _ *app.App, svc *app.Services) error {
				rep, err := svc.Reconciler.Refresh(ctx)
				if err != nil && !errors.Is(err, reconcile.ErrBusy) {
					return err
				}
				return output(cmd, rootOpts, rep, func(w io.Writer) error {
					fmt.Fprintf(w, "checked=%d changed=%d resolved=%d errors=%d unsettled=%d took=%s\n",
						rep.Checked, rep.Changed, rep.Resolved, rep.Errors, rep.Unsettled, rep.Duration.Round(time.Millisecond))
					return nil
				})
			})
		},
	}
}
