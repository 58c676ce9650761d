package config

import (
	"reflect"
	"strings"

	logx "github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns safe fields for logging the new values. Keys and tokens only ever
// show up as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Chain, newCfg.Chain) {
		changed = append(changed, "chain")
		fields = append(fields,
			logx.String("chain.rpc_url", redactURL(newCfg.Chain.RPCURL)),
			logx.Int64("chain.chain_id", newCfg.Chain.ChainID),
			logx.Bool("chain.key_set", newCfg.Chain.PrivateKey != "" || newCfg.Chain.PrivateKeyEnv != ""),
			logx.Int("chain.tokens", len(newCfg.Chain.Tokens)),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.String("scheduler.min_lead_time", newCfg.Scheduler.MinLeadTime),
			logx.String("scheduler.confirm_timeout", newCfg.Scheduler.ConfirmTimeout),
		)
	}
	if oldCfg.Resolver != newCfg.Resolver {
		changed = append(changed, "resolver")
		fields = append(fields,
			logx.Int("resolver.parallelism", newCfg.Resolver.Parallelism),
			logx.Int("resolver.max_rounds", newCfg.Resolver.MaxRounds),
			logx.String("resolver.timeout", newCfg.Resolver.Timeout),
		)
	}
	if oldCfg.Reconcile != newCfg.Reconcile {
		changed = append(changed, "reconcile")
		fields = append(fields,
			logx.Bool("reconcile.enabled", newCfg.Reconcile.Enabled),
			logx.String("reconcile.schedule", newCfg.Reconcile.Schedule),
			logx.Int("reconcile.concurrency", newCfg.Reconcile.Concurrency),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := newCfg.Notifier
		fields = append(fields,
			logx.Bool("notifier.enabled", n != nil && n.Enabled),
			logx.Bool("notifier.telegram", n != nil && n.Telegram != nil),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		fields = append(fields,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.token_set", newCfg.Metrics.Token != ""),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}
	if !reflect.DeepEqual(oldCfg.Contracts, newCfg.Contracts) {
		changed = append(changed, "contracts")
		fields = append(fields, logx.Int("contracts", len(newCfg.Contracts)))
	}
	return changed, fields
}

// redactURL drops credentials and query strings, which often carry API keys.
func redactURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "?"); i >= 0 {
		raw = raw[:i]
	}
	if i := strings.Index(raw, "@"); i >= 0 {
		if j := strings.Index(raw, "://"); j >= 0 && j < i {
			raw = raw[:j+3] + "***" + raw[i:]
		}
	}
	return raw
}
