package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/execid"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/recurrence"
)

type idRow struct {
	ExecuteAt time.Time   `json:"execute_at"`
	ID        common.Hash `json:"id"`
}

// NewIDCommand computes execution ids offline, the same way the provider
// contract derives them.
func NewIDCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		plan      planFlags
		requestor string
		target    string
		data      string
		at        string
		value     string
		cronExpr  string
		count     int
	)
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Compute execution ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := plan.ref()
			if err != nil {
				return err
			}
			req, err := parseAddress("requestor", requestor)
			if err != nil {
				return err
			}
			to, err := parseAddress("contract", target)
			if err != nil {
				return err
			}
			call, err := hexutil.Decode(data)
			if err != nil {
				return usageError("--data: %v", err)
			}
			first, err := parseTime("at", at)
			if err != nil {
				return err
			}
			v, err := parseWei("value", value)
			if err != nil {
				return err
			}

			times := []time.Time{first}
			if cronExpr != "" {
				if times, err = recurrence.Expand(first, cronExpr, count); err != nil {
					return &ExitError{Code: ExitCommandError, Err: err}
				}
			}
			ids := execid.ComputeAll(execid.Input{
				Plan:        ref,
				Requestor:   req,
				Contract:    to,
				EncodedCall: call,
				Value:       v,
			}, times)

			rows := make([]idRow, len(ids))
			for i := range ids {
				rows[i] = idRow{ExecuteAt: times[i], ID: ids[i]}
			}
			return output(cmd, rootOpts, rows, func(w io.Writer) error {
				for _, r := range rows {
					fmt.Fprintf(w, "%s  %s\n", r.ExecuteAt.Format(time.RFC3339), r.ID.Hex())
				}
				return nil
			})
		},
	}
	plan.bind(cmd)
	fl := cmd.Flags()
	fl.StringVar(&requestor, "requestor", "", "account that schedules the execution")
	fl.StringVar(&target, "contract", "", "target contract address")
	fl.StringVar(&data, "data", "0x", "encoded calldata")
	fl.StringVar(&at, "at", "", "execution time, RFC 3339")
	fl.StringVar(&value, "value", "", "value in wei")
	fl.StringVar(&cronExpr, "cron", "", "recurrence; ids are printed for each time")
	fl.IntVar(&count, "count", 1, "number of executions when --cron is set")
	_ = cmd.MarkFlagRequired("requestor")
	_ = cmd.MarkFlagRequired("contract")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}
