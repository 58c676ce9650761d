package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		bad("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		bad("logging.file.path: required when the file sink is enabled")
	}

	if u := strings.TrimSpace(cfg.Chain.RPCURL); u != "" {
		if p, err := url.Parse(u); err != nil || p.Scheme == "" || p.Host == "" {
			bad("chain.rpc_url: %q is not an absolute URL", u)
		}
	}
	if cfg.Chain.RequestsPerSec < 0 {
		bad("chain.requests_per_sec: must be >= 0")
	}
	dur("chain.call_timeout", cfg.Chain.CallTimeout)
	dur("chain.confirm_poll", cfg.Chain.ConfirmPoll)
	for addr, typ := range cfg.Chain.Tokens {
		if !common.IsHexAddress(addr) {
			bad("chain.tokens: %q is not an address", addr)
		}
		if typ != "erc20" && typ != "erc677" {
			bad("chain.tokens[%s]: token type must be erc20 or erc677, got %q", addr, typ)
		}
	}

	dur("scheduler.min_lead_time", cfg.Scheduler.MinLeadTime)
	dur("scheduler.confirm_timeout", cfg.Scheduler.ConfirmTimeout)

	if cfg.Resolver.Parallelism < 0 || cfg.Resolver.MaxRounds < 0 {
		bad("resolver: parallelism and max_rounds must be >= 0")
	}
	dur("resolver.timeout", cfg.Resolver.Timeout)

	if s := strings.TrimSpace(cfg.Reconcile.Schedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			bad("reconcile.schedule: %v", err)
		}
	}

	switch cfg.Storage.Driver {
	case "", "memory", "file", "sqlite":
	default:
		bad("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if (cfg.Storage.Driver == "file" || cfg.Storage.Driver == "sqlite") && strings.TrimSpace(cfg.Storage.Path) == "" {
		bad("storage.path: required for driver %q", cfg.Storage.Driver)
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.send_timeout", n.SendTimeout)
		dur("notifier.dedup_window", n.DedupWindow)
		if t := n.Telegram; t != nil {
			if t.ChatID == 0 {
				bad("notifier.telegram.chat_id: required")
			}
			if strings.TrimSpace(t.Token) == "" && strings.TrimSpace(t.TokenEnv) == "" {
				bad("notifier.telegram: token or token_env required")
			}
			switch t.MinSeverity {
			case "", "info", "success", "warning", "error":
			default:
				bad("notifier.telegram.min_severity: unknown severity %q", t.MinSeverity)
			}
		}
	}

	if m := cfg.Metrics; m.Enabled {
		if err := checkListenAddr(m); err != nil {
			errs = append(errs, err)
		}
		dur("metrics.read_timeout", m.ReadTimeout)
		dur("metrics.write_timeout", m.WriteTimeout)
		dur("metrics.idle_timeout", m.IdleTimeout)
	}

	seen := map[string]bool{}
	for i, c := range cfg.Contracts {
		if strings.TrimSpace(c.Name) == "" {
			bad("contracts[%d].name: required", i)
		}
		if seen[c.Name] {
			bad("contracts[%d].name: duplicate %q", i, c.Name)
		}
		seen[c.Name] = true
		if !common.IsHexAddress(c.Address) {
			bad("contracts[%d].address: %q is not an address", i, c.Address)
		}
		if (c.ABI == "") == (c.ABIPath == "") {
			bad("contracts[%d]: exactly one of abi and abi_path is required", i)
		}
	}
	return errors.Join(errs...)
}

func checkListenAddr(m MetricsConfig) error {
	addr := strings.TrimSpace(m.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("metrics.addr: %w", err)
	}
	if IsLoopbackHost(host) || m.Token != "" || m.AllowInsecure {
		return nil
	}
	return fmt.Errorf("metrics.addr: %q is not loopback; set metrics.token or metrics.allow_insecure", addr)
}

// IsLoopbackHost reports whether host is localhost or a loopback IP.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
