package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/app"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/contract"
)

type contractRow struct {
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Methods []string `json:"methods"`
}

func contractRows(list []contract.Registered) []contractRow {
	rows := make([]contractRow, 0, len(list))
	for _, c := range list {
		row := contractRow{Name: c.Name, Address: c.Address.Hex()}
		if iface := c.Interface(); iface != nil {
			for name := range iface.ABI().Methods {
				row.Methods = append(row.Methods, name)
			}
		}
		slices.Sort(row.Methods)
		rows = append(rows, row)
	}
	return rows
}

// NewContractsCommand lists and registers target contracts. Contracts from
// the config file are registered on every start; the ones added here are
// kept in the store.
func NewContractsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "List registered target contracts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(_ context.Context, a *app.App) error {
				rows := contractRows(a.Contracts().List())
				return output(cmd, rootOpts, rows, func(w io.Writer) error {
					for _, r := range rows {
						fmt.Fprintf(w, "%-20s %s  %v\n", r.Name, r.Address, r.Methods)
					}
					return nil
				})
			})
		},
	}
	cmd.AddCommand(newContractsAddCommand(rootOpts))
	return cmd
}

func newContractsAddCommand(rootOpts *RootOptions) *cobra.Command {
	var abiPath string
	cmd := &cobra.Command{
		Use:   "add <name> <address>",
		Short: "Register a contract and its ABI",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress("address", args[1])
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(abiPath)
			if err != nil {
				return usageError("--abi: %v", err)
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App) error {
				c, err := a.Contracts().Register(ctx, args[0], addr, string(raw))
				if err != nil {
					return &ExitError{Code: ExitFailure, Err: err}
				}
				rows := contractRows([]contract.Registered{c})
				return output(cmd, rootOpts, rows[0], func(w io.Writer) error {
					fmt.Fprintf(w, "registered %s at %s\n", c.Name, c.Address.Hex())
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&abiPath, "abi", "", "path to the contract ABI JSON")
	_ = cmd.MarkFlagRequired("abi")
	return cmd
}
