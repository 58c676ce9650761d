package app

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/config"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/notifier"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/observability/metrics"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/reconcile"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/resolver"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/storage"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/submit"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/validate"
	logx "github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"
)

const defaultMinLeadTime = 15 * time.Minute

func mapLogConfig(cfg *config.Config) logx.Config {
	f := cfg.Logging.File
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    f.Enabled,
			Path:       f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "file", "sqlite":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, Path: sc.Path, BusyTimeout: busy, CompactEvery: sc.CompactEvery}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapRPCConfig resolves the signing key from the environment when
// private_key_env is set.
func mapRPCConfig(cfg *config.Config) (chain.RPCConfig, error) {
	cc := cfg.Chain
	out := chain.RPCConfig{
		URL:            strings.TrimSpace(cc.RPCURL),
		PrivateKeyHex:  strings.TrimSpace(cc.PrivateKey),
		RequestsPerSec: cc.RequestsPerSec,
		Tokens:         map[common.Address]chain.TokenType{},
	}
	if cc.ChainID > 0 {
		out.ChainID = big.NewInt(cc.ChainID)
	}
	if env := strings.TrimSpace(cc.PrivateKeyEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			out.PrivateKeyHex = v
		}
	}
	var err error
	if out.CallTimeout, err = config.ParseDurationField("chain.call_timeout", cc.CallTimeout); err != nil {
		return chain.RPCConfig{}, err
	}
	if out.ConfirmPoll, err = config.ParseDurationField("chain.confirm_poll", cc.ConfirmPoll); err != nil {
		return chain.RPCConfig{}, err
	}
	for addr, typ := range cc.Tokens {
		if !common.IsHexAddress(addr) {
			return chain.RPCConfig{}, fmt.Errorf("chain.tokens: %q is not an address", addr)
		}
		out.Tokens[common.HexToAddress(addr)] = chain.TokenType(strings.ToLower(typ))
	}
	return out, nil
}

func mapValidateConfig(cfg *config.Config) (validate.Config, error) {
	lead, err := config.ParseDurationOrDefault("scheduler.min_lead_time", cfg.Scheduler.MinLeadTime, defaultMinLeadTime)
	if err != nil {
		return validate.Config{}, err
	}
	return validate.Config{MinLeadTime: lead}, nil
}

func mapSubmitConfig(cfg *config.Config) (submit.Config, error) {
	d, err := config.ParseDurationOrDefault("scheduler.confirm_timeout", cfg.Scheduler.ConfirmTimeout, submit.DefaultConfirmTimeout)
	if err != nil {
		return submit.Config{}, err
	}
	return submit.Config{ConfirmTimeout: d}, nil
}

func mapResolverConfig(cfg *config.Config) (resolver.Config, error) {
	to, err := config.ParseDurationField("resolver.timeout", cfg.Resolver.Timeout)
	if err != nil {
		return resolver.Config{}, err
	}
	return resolver.Config{
		Parallelism: cfg.Resolver.Parallelism,
		MaxRounds:   cfg.Resolver.MaxRounds,
		Timeout:     to,
	}, nil
}

func mapReconcileConfig(cfg *config.Config) reconcile.Config {
	return reconcile.Config{
		Schedule:    cfg.Reconcile.Schedule,
		Concurrency: cfg.Reconcile.Concurrency,
		RunOnStart:  cfg.Reconcile.RunOnStart,
	}
}

// mapNotifierConfig returns a disabled config when the section is absent.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

// mapTelegramConfig reports ok=false when no Telegram sink is configured.
func mapTelegramConfig(cfg *config.Config) (notifier.TelegramConfig, bool, error) {
	if cfg.Notifier == nil || cfg.Notifier.Telegram == nil {
		return notifier.TelegramConfig{}, false, nil
	}
	t := cfg.Notifier.Telegram
	token := strings.TrimSpace(t.Token)
	if env := strings.TrimSpace(t.TokenEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			token = v
		}
	}
	if token == "" {
		return notifier.TelegramConfig{}, false, fmt.Errorf("notifier.telegram: token is empty")
	}
	sev, err := notifier.ParseSeverity(t.MinSeverity)
	if err != nil {
		return notifier.TelegramConfig{}, false, fmt.Errorf("notifier.telegram.min_severity: %w", err)
	}
	return notifier.TelegramConfig{
		Token:       token,
		ChatID:      t.ChatID,
		ThreadID:    t.ThreadID,
		MinSeverity: sev,
	}, true, nil
}

func mapMetricsConfig(cfg *config.Config) (metrics.Config, error) {
	m := cfg.Metrics
	out := metrics.Config{
		Enabled:       m.Enabled,
		Addr:          m.Addr,
		Token:         m.Token,
		AllowInsecure: m.AllowInsecure,
		Pprof:         m.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("metrics.read_timeout", m.ReadTimeout); err != nil {
		return metrics.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("metrics.write_timeout", m.WriteTimeout); err != nil {
		return metrics.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("metrics.idle_timeout", m.IdleTimeout); err != nil {
		return metrics.Config{}, err
	}
	return out, nil
}

// contractABI returns the inline ABI or reads abi_path relative to base.
func contractABI(c config.ContractConfig, base string) (string, error) {
	if c.ABI != "" {
		return c.ABI, nil
	}
	p := c.ABIPath
	if !filepath.IsAbs(p) && base != "" {
		p = filepath.Join(base, p)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("contracts[%s]: %w", c.Name, err)
	}
	return string(b), nil
}
