// Package cli is the rifsched command line: one-shot scheduler operations
// plus the run daemon.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/app"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1 // validation blocked, transaction reverted
	ExitCommandError = 2 // bad flags, config or connection
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: ExitCommandError, Err: fmt.Errorf(format, args...)}
}

var ValidFormats = []string{"text", "json"}

// RootOptions holds the global flags.
type RootOptions struct {
	ConfigPath string
	Format     string
	Timeout    time.Duration

	appOpts []app.Option
}

// NewRootCommand builds the command tree. appOpts are passed to every
// app.New call.
func NewRootCommand(appOpts ...app.Option) *cobra.Command {
	opts := &RootOptions{appOpts: appOpts}

	cmd := &cobra.Command{
		Use:   "rifsched",
		Short: "Schedule contract calls on the RIF scheduler",
		Long: `rifsched validates, submits and tracks scheduled contract executions
on an RSK scheduler provider, and resolves the transactions that ran them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return usageError("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (json or yaml); defaults apply when empty")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 15*time.Minute, "deadline for one-shot commands")

	cmd.AddCommand(
		NewCronCommand(opts),
		NewIDCommand(opts),
		NewValidateCommand(opts),
		NewScheduleCommand(opts),
		NewPurchaseCommand(opts),
		NewCancelCommand(opts),
		NewPlansCommand(opts),
		NewContractsCommand(opts),
		NewListCommand(opts),
		NewResolveCommand(opts),
		NewRefreshCommand(opts),
		NewRunCommand(opts),
	)
	return cmd
}

// withApp opens the app for one command and always closes it.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app.App) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	a, err := app.New(ctx, opts.ConfigPath, opts.appOpts...)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Err: err}
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

// withServices is withApp for commands that need the chain.
func withServices(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app.App, svc *app.Services) error) error {
	return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
		svc, err := a.Services(ctx)
		if err != nil {
			return &ExitError{Code: ExitCommandError, Err: err}
		}
		return fn(ctx, a, svc)
	})
}

// output writes v as indented JSON, or calls text for the text format.
func output(cmd *cobra.Command, opts *RootOptions, v any, text func(w io.Writer) error) error {
	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}
