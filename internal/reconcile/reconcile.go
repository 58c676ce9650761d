// Package reconcile keeps the ledger in step with the chain: it polls the
// state of every execution that can still change, records transitions,
// resolves the results of executed calls and tells the operator.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/eventbus"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/ledger"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/notifier"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/resolver"
	logx "github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"
)

const (
	DefaultSchedule    = "@every 1m"
	DefaultConcurrency = 4
)

// ErrBusy is returned by Refresh while another pass is running.
var ErrBusy = errors.New("refresh already running")

type Config struct {
	// Schedule is a cron expression or descriptor for Run.
	Schedule    string
	Concurrency int
	// RunOnStart makes Run refresh once before the first tick.
	RunOnStart bool
}

// Resolver locates executed transactions. *resolver.Resolver implements it.
type Resolver interface {
	Locate(ctx context.Context, t resolver.Target) (ledger.Record, error)
}

type Notifier interface {
	Notify(ctx context.Context, text string, sev notifier.Severity)
}

// Report summarizes one pass. It is the payload of eventbus.ReconcileDone.
type Report struct {
	Checked   int           `json:"checked"`
	Changed   int           `json:"changed"`
	Resolved  int           `json:"resolved"`
	Errors    int           `json:"errors"`
	Unsettled int           `json:"unsettled"`
	Duration  time.Duration `json:"duration"`
}

type Reconciler struct {
	cfg     Config
	chain   chain.Reader
	ledger  *ledger.Ledger
	res     Resolver
	notify  Notifier
	bus     eventbus.Bus
	metrics *Metrics
	log     logx.Logger

	running sync.Mutex
}

type Option func(*Reconciler)

func WithBus(bus eventbus.Bus) Option   { return func(r *Reconciler) { r.bus = bus } }
func WithMetrics(m *Metrics) Option     { return func(r *Reconciler) { r.metrics = m } }
func WithNotifier(n Notifier) Option    { return func(r *Reconciler) { r.notify = n } }
func WithLogger(log logx.Logger) Option { return func(r *Reconciler) { r.log = log } }

func New(cfg Config, rd chain.Reader, led *ledger.Ledger, res Resolver, opts ...Option) *Reconciler {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	r := &Reconciler{cfg: cfg, chain: rd, ledger: led, res: res}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.With(logx.String("comp", "reconcile"))
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	return r
}

// Refresh runs one pass over every unsettled execution. Failures on single
// executions are logged and counted; the pass goes on and they are retried
// next time. Only context errors abort it.
func (r *Reconciler) Refresh(ctx context.Context) (Report, error) {
	if !r.running.TryLock() {
		r.metrics.skipped.Inc()
		return Report{}, ErrBusy
	}
	defer r.running.Unlock()

	start := time.Now()
	todo := r.ledger.List(ledger.Filter{Unsettled: true})

	var checked, changed, resolved, failed atomic.Int64
	plans := planCache{rd: r.chain, m: map[chain.PlanRef]*planLoad{}}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, x := range todo {
		g.Go(func() error {
			err := r.refreshOne(gctx, x, &plans, &checked, &changed, &resolved)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed.Add(1)
			r.log.Warn("execution not refreshed", logx.String("id", x.ID.Hex()), logx.Err(err))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	rep := Report{
		Checked:   int(checked.Load()),
		Changed:   int(changed.Load()),
		Resolved:  int(resolved.Load()),
		Errors:    int(failed.Load()),
		Unsettled: len(r.ledger.List(ledger.Filter{Unsettled: true})),
		Duration:  time.Since(start),
	}
	r.metrics.passes.Inc()
	r.metrics.errors.Add(float64(rep.Errors))
	r.metrics.unsettled.Set(float64(rep.Unsettled))
	r.metrics.duration.Observe(rep.Duration.Seconds())
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.ReconcileDone, Data: rep})
	}
	r.log.Debug("refresh done",
		logx.Int("checked", rep.Checked),
		logx.Int("changed", rep.Changed),
		logx.Int("resolved", rep.Resolved),
		logx.Int("errors", rep.Errors),
		logx.Duration("took", rep.Duration),
	)
	return rep, nil
}

func (r *Reconciler) refreshOne(ctx context.Context, x ledger.Execution, plans *planCache, checked, changed, resolved *atomic.Int64) error {
	if !x.State.Executed() {
		state, err := r.chain.ExecutionState(ctx, x.Plan.Provider, x.ID)
		if err != nil {
			return fmt.Errorf("read state: %w", err)
		}
		checked.Add(1)
		r.metrics.checked.Inc()

		ok, err := r.ledger.UpsertState(ctx, x.ID, state)
		if err != nil {
			return fmt.Errorf("record state: %w", err)
		}
		if ok {
			changed.Add(1)
			r.metrics.transitions.WithLabelValues(state.String()).Inc()
			r.announceState(ctx, x, state)
		}
		x.State = state
		if !state.Executed() {
			return nil
		}
	}
	if x.Result != nil {
		return nil
	}

	plan, err := plans.get(ctx, x.Plan)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	rec, err := r.res.Locate(ctx, resolver.Target{ScheduledTxHash: x.TxHash, Execution: x, Plan: plan})
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	resolved.Add(1)
	r.announceResult(ctx, x, rec)
	return nil
}

func (r *Reconciler) announceState(ctx context.Context, x ledger.Execution, state chain.ExecutionState) {
	if r.notify == nil {
		return
	}
	sev := notifier.Info
	switch state {
	case chain.ExecutionSuccessful:
		sev = notifier.Success
	case chain.ExecutionFailed:
		sev = notifier.Error
	case chain.Overdue:
		sev = notifier.Warning
	case chain.Nonexistent, chain.Scheduled:
		return
	}
	r.notify.Notify(ctx, fmt.Sprintf("Execution %s at %s is now %s.", shortID(x.ID), x.ExecuteAt.UTC().Format(time.RFC3339), state), sev)
}

func (r *Reconciler) announceResult(ctx context.Context, x ledger.Execution, rec ledger.Record) {
	if r.notify == nil || rec.Success {
		return
	}
	reason := rec.RevertReason
	if reason == "" {
		reason = "no revert reason"
	}
	r.notify.Notify(ctx, fmt.Sprintf("Execution %s failed in tx %s: %s.", shortID(x.ID), rec.TxHash.Hex(), reason), notifier.Error)
}

// Run refreshes on cfg.Schedule until ctx ends. Ticks that find a pass still
// running are skipped.
func (r *Reconciler) Run(ctx context.Context) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	tick := func() {
		if _, err := r.Refresh(ctx); err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
			r.log.Error("refresh failed", logx.Err(err))
		}
	}
	if _, err := c.AddFunc(r.cfg.Schedule, tick); err != nil {
		return fmt.Errorf("reconcile schedule %q: %w", r.cfg.Schedule, err)
	}
	if r.cfg.RunOnStart {
		tick()
	}
	c.Start()
	r.log.Info("reconciler started", logx.String("schedule", r.cfg.Schedule), logx.Int("concurrency", r.cfg.Concurrency))
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// planCache loads each plan at most once per pass.
type planCache struct {
	rd chain.Reader
	mu sync.Mutex
	m  map[chain.PlanRef]*planLoad
}

type planLoad struct {
	once sync.Once
	plan chain.Plan
	err  error
}

func (c *planCache) get(ctx context.Context, ref chain.PlanRef) (chain.Plan, error) {
	c.mu.Lock()
	l, ok := c.m[ref]
	if !ok {
		l = &planLoad{}
		c.m[ref] = l
	}
	c.mu.Unlock()
	l.once.Do(func() { l.plan, l.err = c.rd.Plan(ctx, ref) })
	return l.plan, l.err
}

func shortID(id common.Hash) string { return id.Hex()[:10] }
