package cli

import (
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/contract"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/submit"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/validate"
)

func parseAddress(flag, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, usageError("--%s: %q is not an address", flag, s)
	}
	return common.HexToAddress(s), nil
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, usageError("%q is not a 32-byte hex id", s)
	}
	return common.BytesToHash(b), nil
}

func parseTime(flag, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, usageError("--%s: want RFC 3339 (2006-01-02T15:04:05Z07:00): %v", flag, err)
	}
	return t, nil
}

// parseWei reads a decimal amount; empty is nil.
func parseWei(flag, s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, usageError("--%s: %q is not a non-negative integer", flag, s)
	}
	return v, nil
}

type planFlags struct {
	provider string
	index    uint64
}

func (f *planFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.provider, "provider", "", "scheduler provider contract address")
	cmd.Flags().Uint64Var(&f.index, "plan", 0, "plan index at the provider")
	_ = cmd.MarkFlagRequired("provider")
}

func (f *planFlags) ref() (chain.PlanRef, error) {
	addr, err := parseAddress("provider", f.provider)
	if err != nil {
		return chain.PlanRef{}, err
	}
	return chain.PlanRef{Provider: addr, Index: f.index}, nil
}

// draftFlags describe one schedule request on the command line.
type draftFlags struct {
	plan     planFlags
	title    string
	contract string
	method   string
	args     []string
	data     string
	at       string
	value    string
	cron     string
	count    int
}

func (f *draftFlags) bind(cmd *cobra.Command) {
	f.plan.bind(cmd)
	fl := cmd.Flags()
	fl.StringVar(&f.title, "title", "", "label stored with the ledger entry")
	fl.StringVar(&f.contract, "contract", "", "target contract address")
	fl.StringVar(&f.method, "method", "", "method of the registered contract interface")
	fl.StringArrayVar(&f.args, "arg", nil, "method argument, repeat in order")
	fl.StringVar(&f.data, "data", "", "raw calldata (0x...) instead of --method/--arg")
	fl.StringVar(&f.at, "at", "", "first execution time, RFC 3339")
	fl.StringVar(&f.value, "value", "", "value sent with each execution, in wei")
	fl.StringVar(&f.cron, "cron", "", "recurrence as a 5-field cron expression")
	fl.IntVar(&f.count, "count", 1, "number of executions when --cron is set")
	_ = cmd.MarkFlagRequired("contract")
	_ = cmd.MarkFlagRequired("at")
}

// draft builds a submit.Draft. Method arguments are parsed with the
// registered interface of the target when there is one.
func (f *draftFlags) draft(ifaces submit.Interfaces) (submit.Draft, error) {
	var d submit.Draft
	ref, err := f.plan.ref()
	if err != nil {
		return d, err
	}
	target, err := parseAddress("contract", f.contract)
	if err != nil {
		return d, err
	}
	at, err := parseTime("at", f.at)
	if err != nil {
		return d, err
	}
	value, err := parseWei("value", f.value)
	if err != nil {
		return d, err
	}
	d = submit.Draft{
		Title:     f.title,
		Contract:  target,
		Method:    f.method,
		ExecuteAt: at,
		Value:     value,
		Plan:      ref,
	}

	switch {
	case f.data != "" && f.method != "":
		return d, usageError("--data and --method are exclusive")
	case f.data != "":
		b, err := hexutil.Decode(f.data)
		if err != nil {
			return d, usageError("--data: %v", err)
		}
		d.EncodedCall = b
	case f.method != "":
		var iface *contract.Interface
		if ifaces != nil {
			iface, _ = ifaces.InterfaceOf(target)
		}
		if iface == nil {
			return d, usageError("contract %s is not registered; add it under contracts or pass --data", target.Hex())
		}
		args, err := iface.ParseArgs(f.method, f.args)
		if err != nil {
			return d, usageError("%v", err)
		}
		d.Args = args
	default:
		return d, usageError("one of --method or --data is required")
	}

	if f.cron != "" {
		d.Recurrence = &validate.Recurrence{Expression: f.cron, Quantity: f.count}
	} else if f.count != 1 {
		return d, usageError("--count needs --cron")
	}
	return d, nil
}

func printFindings(w io.Writer, fs validate.Findings) {
	if len(fs) == 0 {
		fmt.Fprintln(w, "no findings")
		return
	}
	for _, f := range fs {
		fmt.Fprintf(w, "%-7s %-24s %s\n", f.Severity, f.Code, f.Message)
		if r := f.Remediation; r != nil {
			fmt.Fprintf(w, "        %s %d executions of plan %s for %s (%s)\n",
				r.Action, r.Quantity, r.Plan, contract.FormatValue(r.Amount), r.TokenType)
		}
	}
}
