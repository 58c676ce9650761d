package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/recurrence"
)

type cronResult struct {
	Expression  string      `json:"expression"`
	Description string      `json:"description,omitempty"`
	Times       []time.Time `json:"times"`
}

// NewCronCommand expands a cron expression, or a recurrence pattern built
// from flags, into execution times. It needs no config or chain.
func NewCronCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		start   string
		count   int
		pattern recurrence.Pattern
		kind    string
		mer     string
	)
	cmd := &cobra.Command{
		Use:   "cron [expression]",
		Short: "Expand a recurrence into execution times",
		Long: `Expand a 5-field cron expression, or a pattern given with --kind, into
the first --count execution times. The first time is always --start.

Day-of-month and day-of-week must both match when both are restricted.`,
		Example: `  rifsched cron "0 13 * * 1-5" --start 2024-01-01T13:00:00Z --count 5
  rifsched cron --kind week --every 2 --weekday 1 --hour 9 --start 2024-01-01T09:00:00Z`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC().Truncate(time.Minute)
			if start != "" {
				t, err := parseTime("start", start)
				if err != nil {
					return err
				}
				at = t
			}

			res := cronResult{}
			switch {
			case len(args) == 1 && kind != "":
				return usageError("pass either an expression or --kind")
			case len(args) == 1:
				res.Expression = args[0]
			case kind != "":
				pattern.Kind = recurrence.Kind(strings.ToLower(kind))
				pattern.Meridiem = recurrence.Meridiem(strings.ToLower(mer))
				expr, desc, err := recurrence.ToCron(pattern)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Err: err}
				}
				res.Expression, res.Description = expr, desc
			default:
				return usageError("an expression or --kind is required")
			}

			times, err := recurrence.Expand(at, res.Expression, count)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Err: err}
			}
			res.Times = times
			return output(cmd, rootOpts, res, func(w io.Writer) error {
				if res.Description != "" {
					fmt.Fprintf(w, "%s (%s)\n", res.Expression, res.Description)
				}
				for _, t := range times {
					fmt.Fprintln(w, t.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&start, "start", "", "first execution time, RFC 3339 (default: now)")
	fl.IntVar(&count, "count", 5, "number of times to print")
	fl.StringVar(&kind, "kind", "", "pattern kind: day, week, month, year or custom")
	fl.IntVar(&pattern.Every, "every", 1, "repeat every N units of --kind")
	fl.IntVar(&pattern.Hour, "hour", 0, "hour of day")
	fl.IntVar(&pattern.Minute, "minute", 0, "minute of hour")
	fl.StringVar(&mer, "meridiem", "", "am or pm; empty reads --hour on a 24h clock")
	fl.IntSliceVar(&pattern.WeekDays, "weekday", nil, "weekdays 0-6, Sunday first")
	fl.IntSliceVar(&pattern.Months, "month", nil, "months 0-11, January first")
	fl.IntSliceVar(&pattern.MonthDays, "monthday", nil, "days of month 1-31")
	fl.StringVar(&pattern.Expression, "expression", "", "expression for --kind custom")
	return cmd
}
