package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/app"
	"github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"
)

// NewRunCommand keeps the reconciler, metrics endpoint and config watcher
// running until SIGINT or SIGTERM. It reports readiness to systemd when
// started as a notify unit.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciler and metrics endpoint until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, rootOpts.ConfigPath, rootOpts.appOpts...)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Err: err}
			}
			log := a.Logger()

			if err := a.Start(ctx); err != nil {
				closeApp(a, stopTimeout)
				return &ExitError{Code: ExitCommandError, Err: err}
			}
			if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				log.Warn("sd_notify ready failed", logx.Err(err))
			} else if ok {
				log.Debug("sd_notify ready sent")
			}
			if every, err := daemon.SdWatchdogEnabled(false); err == nil && every > 0 {
				a.Supervisor().Go("systemd.watchdog", func(ctx context.Context) error {
					return watchdog(ctx, every/2)
				})
			}
			log.Info("running", logx.String("config", rootOpts.ConfigPath))

			select {
			case <-ctx.Done():
				log.Info("stop requested")
			case <-a.Done():
				log.Error("stopped on failure", logx.Err(a.Err()))
			}

			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			runErr := a.Err()
			if err := closeApp(a, stopTimeout); err != nil && runErr == nil {
				runErr = err
			}
			if runErr != nil {
				return &ExitError{Code: ExitFailure, Err: runErr}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "how long shutdown may take")
	return cmd
}

func closeApp(a *app.App, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.Close(ctx)
}

func watchdog(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
