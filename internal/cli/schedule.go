package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/app"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/ledger"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/submit"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/validate"
)

type validateResult struct {
	Findings validate.Findings `json:"findings"`
	Times    []time.Time       `json:"times,omitempty"`
	IDs      []common.Hash     `json:"ids,omitempty"`
	Blocking bool              `json:"blocking"`
}

// NewValidateCommand runs every check against the live plan without sending
// anything. Blocking findings exit with ExitFailure.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var f draftFlags
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a schedule request without submitting it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, rootOpts, func(ctx context.Context, a *app.App, svc *app.Services) error {
				d, err := f.draft(a.Contracts())
				if err != nil {
					return err
				}
				req, err := svc.Submit.Request(ctx, d)
				if err != nil {
					return err
				}
				res, err := svc.Validator.Check(ctx, req)
				if err != nil {
					return err
				}
				out := validateResult{Findings: res.Findings, Times: res.Times, IDs: res.IDs, Blocking: res.Findings.Blocking()}
				if err := output(cmd, rootOpts, out, func(w io.Writer) error {
					printFindings(w, res.Findings)
					for i, at := range res.Times {
						if i < len(res.IDs) {
							fmt.Fprintf(w, "%s  %s\n", at.Format(time.RFC3339), res.IDs[i].Hex())
						}
					}
					return nil
				}); err != nil {
					return err
				}
				if out.Blocking {
					return &ExitError{Code: ExitFailure, Err: errors.New("request is blocked")}
				}
				return nil
			})
		},
	}
	f.bind(cmd)
	return cmd
}

type scheduleResult struct {
	TxHash   common.Hash       `json:"tx_hash"`
	Findings validate.Findings `json:"findings,omitempty"`
	Entry    ledger.Entry      `json:"entry"`
}

// NewScheduleCommand validates, submits and waits for one scheduling
// transaction. Warnings need --yes.
func NewScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		f   draftFlags
		ack bool
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule one execution or a recurring series",
		Example: `  rifsched schedule --provider 0x... --plan 0 --contract 0x... \
    --method increment --at 2024-01-01T13:00:00Z --cron "0 13 * * *" --count 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, rootOpts, func(ctx context.Context, a *app.App, svc *app.Services) error {
				d, err := f.draft(a.Contracts())
				if err != nil {
					return err
				}
				out, err := svc.Submit.Schedule(ctx, d, ack)
				if len(out.Findings) > 0 && (errors.Is(err, submit.ErrBlocked) || errors.Is(err, submit.ErrUnacknowledged)) {
					printFindings(cmd.ErrOrStderr(), out.Findings)
				}
				if err != nil {
					if errors.Is(err, submit.ErrUnacknowledged) {
						err = fmt.Errorf("%w (rerun with --yes to accept)", err)
					}
					return &ExitError{Code: ExitFailure, Err: err}
				}
				res := scheduleResult{TxHash: out.TxHash, Findings: out.Findings, Entry: out.Entry}
				return output(cmd, rootOpts, res, func(w io.Writer) error {
					fmt.Fprintf(w, "tx %s %s\n", out.TxHash.Hex(), out.Entry.Status)
					for _, id := range out.Entry.IDs {
						fmt.Fprintln(w, id.Hex())
					}
					return nil
				})
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVarP(&ack, "yes", "y", false, "submit despite warnings")
	return cmd
}
