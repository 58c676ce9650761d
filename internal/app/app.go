// Package app wires configuration, storage, the chain client and the
// scheduler services into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/config"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/contract"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/eventbus"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/ledger"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/notifier"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/observability/metrics"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/reconcile"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/resolver"
	rtsup "github.com/rsksmart/rif-scheduler-ui-sub000/internal/runtime/supervisor"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/storage"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/submit"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/validate"
	logx "github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"
)

// ErrNoChain is returned by Services when chain.rpc_url is not configured.
var ErrNoChain = errors.New("chain.rpc_url is not configured")

// Services are the components that need a chain connection.
type Services struct {
	Client     chain.Client
	Validator  *validate.Validator
	Resolver   *resolver.Resolver
	Submit     *submit.Service
	Reconciler *reconcile.Reconciler
}

type App struct {
	cfgm    *config.Manager
	cfg     *config.Config
	baseDir string

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry

	contracts *contract.Registry
	ledger    *ledger.Ledger
	notif     *notifier.Service
	metrics   *metrics.Service

	resMetrics *resolver.Metrics
	recMetrics *reconcile.Metrics

	now func() time.Time

	chainMu    sync.Mutex
	client     chain.Client
	closeChain func()
	svc        *Services

	sup *rtsup.Supervisor
}

type Option func(*App)

// WithChain uses c instead of dialing chain.rpc_url.
func WithChain(c chain.Client) Option { return func(a *App) { a.client = c } }

// WithStore uses st instead of opening the configured storage.
func WithStore(st storage.Store) Option { return func(a *App) { a.store = st } }

// WithClock replaces time.Now for validation and ledger timestamps.
func WithClock(now func() time.Time) Option { return func(a *App) { a.now = now } }

// New loads the config at path (defaults when path is empty) and opens
// everything that does not need the chain. The notifier starts right away so
// one-shot commands deliver their messages; Close drains it.
func New(ctx context.Context, path string, opts ...Option) (*App, error) {
	a := &App{}
	for _, o := range opts {
		o(a)
	}

	var cfg *config.Config
	if strings.TrimSpace(path) == "" {
		cfg = config.Default()
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	} else {
		a.cfgm = config.NewManager(path)
		c, err := a.cfgm.Load(ctx)
		if err != nil {
			return nil, err
		}
		cfg = c
		a.baseDir = filepath.Dir(path)
	}
	a.cfg = cfg

	logSvc, log := logx.New(mapLogConfig(cfg))
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	if a.cfgm != nil {
		a.cfgm.SetLogger(log)
	}

	a.bus = eventbus.New()

	if a.store == nil {
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			return nil, a.abort(err)
		}
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, a.abort(err)
		}
		a.store = st
		a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.resMetrics = resolver.NewMetrics(a.reg)
	a.recMetrics = reconcile.NewMetrics(a.reg)

	contracts, err := contract.OpenRegistry(ctx, a.store)
	if err != nil {
		return nil, a.abort(err)
	}
	a.contracts = contracts
	for _, c := range cfg.Contracts {
		abiJSON, err := contractABI(c, a.baseDir)
		if err != nil {
			return nil, a.abort(err)
		}
		if _, err := contracts.Register(ctx, c.Name, common.HexToAddress(c.Address), abiJSON); err != nil {
			return nil, a.abort(fmt.Errorf("contracts[%s]: %w", c.Name, err))
		}
	}

	led, err := ledger.Open(ctx, a.store, ledger.Options{
		Bus: a.bus,
		Log: log.With(logx.String("comp", "ledger")),
		Now: a.now,
	})
	if err != nil {
		return nil, a.abort(err)
	}
	a.ledger = led

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	sinks := []notifier.Sink{notifier.LogSink{Log: log.With(logx.String("comp", "notify"))}}
	if tcfg, ok, err := mapTelegramConfig(cfg); err != nil {
		return nil, a.abort(err)
	} else if ok {
		tg, err := notifier.NewTelegramSink(tcfg)
		if err != nil {
			return nil, a.abort(err)
		}
		sinks = append(sinks, tg)
	}
	a.notif = notifier.New(ncfg, log, a.bus, sinks...)

	mcfg, err := mapMetricsConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.metrics = metrics.New(mcfg, a.reg, a.health, log)

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	// Workers outlive ctx; Close drains them with its own deadline.
	a.notif.Start(context.WithoutCancel(ctx))
	return a, nil
}

// abort releases what New opened so far.
func (a *App) abort(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) Config() *config.Config {
	if a.cfgm != nil {
		if c := a.cfgm.Get(); c != nil {
			return c
		}
	}
	return a.cfg
}

func (a *App) Logger() logx.Logger             { return a.log }
func (a *App) Bus() eventbus.Bus               { return a.bus }
func (a *App) Ledger() *ledger.Ledger          { return a.ledger }
func (a *App) Contracts() *contract.Registry   { return a.contracts }
func (a *App) Notifier() *notifier.Service     { return a.notif }
func (a *App) Registry() *prometheus.Registry  { return a.reg }
func (a *App) Supervisor() *rtsup.Supervisor   { return a.sup }
func (a *App) MetricsServer() *metrics.Service { return a.metrics }

// Services dials the chain on first use and builds the chain-backed
// components once.
func (a *App) Services(ctx context.Context) (*Services, error) {
	a.chainMu.Lock()
	defer a.chainMu.Unlock()
	if a.svc != nil {
		return a.svc, nil
	}
	cfg := a.Config()

	if a.client == nil {
		rcfg, err := mapRPCConfig(cfg)
		if err != nil {
			return nil, err
		}
		if rcfg.URL == "" {
			return nil, ErrNoChain
		}
		rpc, err := chain.DialRPC(ctx, rcfg, a.log.With(logx.String("comp", "chain")))
		if err != nil {
			return nil, err
		}
		a.client = rpc
		a.closeChain = rpc.Close
	}

	vcfg, err := mapValidateConfig(cfg)
	if err != nil {
		return nil, err
	}
	scfg, err := mapSubmitConfig(cfg)
	if err != nil {
		return nil, err
	}
	rescfg, err := mapResolverConfig(cfg)
	if err != nil {
		return nil, err
	}

	var vopts []validate.Option
	if a.now != nil {
		vopts = append(vopts, validate.WithClock(a.now))
	}
	v := validate.New(vcfg, a.client, a.ledger, a.log, vopts...)
	res := resolver.New(rescfg, a.client, a.ledger, a.contracts, a.resMetrics, a.log)
	rec := reconcile.New(mapReconcileConfig(cfg), a.client, a.ledger, res,
		reconcile.WithBus(a.bus),
		reconcile.WithMetrics(a.recMetrics),
		reconcile.WithNotifier(a.notif),
		reconcile.WithLogger(a.log),
	)
	a.svc = &Services{
		Client:     a.client,
		Validator:  v,
		Resolver:   res,
		Submit:     submit.New(scfg, a.client, a.contracts, v, a.ledger, a.notif, a.log),
		Reconciler: rec,
	}
	return a.svc, nil
}

func (a *App) health(context.Context) error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the app supervisor stops (fatal error or Close).
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

// Err is the first fatal error of a background loop.
func (a *App) Err() error { return a.sup.Err() }

// Start launches the daemon loops: metrics server, reconciler, config
// watcher and the event log.
func (a *App) Start(ctx context.Context) error {
	cfg := a.Config()
	c := a.sup.Context()

	if cfg.Reconcile.Enabled {
		svc, err := a.Services(ctx)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		a.sup.Go("reconcile", svc.Reconciler.Run)
	}

	a.metrics.Start(c)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			last := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return nil
				case next, ok := <-sub:
					if !ok {
						return nil
					}
				drain:
					for {
						select {
						case newer := <-sub:
							if newer != nil {
								next = newer
							}
						default:
							break drain
						}
					}
					a.applyConfig(c, last, next)
					last = next
				}
			}
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started", logx.Bool("reconcile", cfg.Reconcile.Enabled), logx.Bool("metrics", cfg.Metrics.Enabled))
	return nil
}

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	"chain":     true,
	"storage":   true,
	"scheduler": true,
	"resolver":  true,
	"reconcile": true,
	"contracts": true,
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, _ := config.SummarizeChange(prev, next)
	for _, s := range sections {
		if restartSections[s] {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(context.WithoutCancel(ctx))
		}
	}

	if mcfg, err := mapMetricsConfig(next); err != nil {
		a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
	} else {
		a.metrics.Reconfigure(ctx, mcfg)
	}
}

// Close stops every component in order. Each step is bounded so one stuck
// component cannot stall shutdown. It returns the first fatal loop error.
func (a *App) Close(ctx context.Context) error {
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("metrics", time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("chain", time.Second, func(context.Context) error {
		if a.closeChain != nil {
			a.closeChain()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	err := a.sup.Err()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}
