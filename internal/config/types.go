package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "15m"). Secrets are never logged.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Chain     ChainConfig     `json:"chain"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Resolver  ResolverConfig  `json:"resolver"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Storage   StorageConfig   `json:"storage"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Metrics   MetricsConfig   `json:"metrics"`

	// Contracts are registered on startup so their calls can be encoded by
	// method name and their results decoded.
	Contracts []ContractConfig `json:"contracts,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// ChainConfig points at an RSK JSON-RPC node.
//
// The signing key comes from PrivateKey or, preferably, from the environment
// variable named by PrivateKeyEnv. Without a key only read commands work.
type ChainConfig struct {
	RPCURL         string `json:"rpc_url"`
	ChainID        int64  `json:"chain_id,omitempty"`
	PrivateKey     string `json:"private_key,omitempty"`
	PrivateKeyEnv  string `json:"private_key_env,omitempty"`
	RequestsPerSec int    `json:"requests_per_sec,omitempty"`
	CallTimeout    string `json:"call_timeout,omitempty"`
	ConfirmPoll    string `json:"confirm_poll,omitempty"`

	// Tokens maps token addresses to "erc20" or "erc677".
	Tokens map[string]string `json:"tokens,omitempty"`
}

// SchedulerConfig holds validation and submission settings.
type SchedulerConfig struct {
	// MinLeadTime is how far in the future an execution must be (default 15m).
	MinLeadTime string `json:"min_lead_time,omitempty"`
	// ConfirmTimeout bounds the wait for a transaction receipt (default 10m).
	ConfirmTimeout string `json:"confirm_timeout,omitempty"`
}

type ResolverConfig struct {
	Parallelism int    `json:"parallelism,omitempty"`
	MaxRounds   int    `json:"max_rounds,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// ReconcileConfig controls the background refresh of the ledger.
//
// Defaults: schedule "@every 1m", concurrency 4.
type ReconcileConfig struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	RunOnStart  bool   `json:"run_on_start,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./rifsched.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	CompactEvery int    `json:"compact_every,omitempty"`
}

// NotifierConfig controls the async notification pipeline. When the whole
// section is omitted notifications go to the log only.
type NotifierConfig struct {
	Enabled         bool            `json:"enabled"`
	Workers         int             `json:"workers,omitempty"`
	QueueSize       int             `json:"queue_size,omitempty"`
	RatePerSec      int             `json:"rate_per_sec,omitempty"`
	RetryMax        int             `json:"retry_max,omitempty"`
	RetryBase       string          `json:"retry_base,omitempty"`
	RetryMaxDelay   string          `json:"retry_max_delay,omitempty"`
	SendTimeout     string          `json:"send_timeout,omitempty"`
	DedupWindow     string          `json:"dedup_window,omitempty"`
	DedupMaxEntries int             `json:"dedup_max_entries,omitempty"`
	Telegram        *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	TokenEnv string `json:"token_env,omitempty"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// MinSeverity is info, success, warning or error.
	MinSeverity string `json:"min_severity,omitempty"`
}

// MetricsConfig controls the HTTP server for /metrics, /healthz and pprof.
//
// Prefer a loopback Addr. A non-loopback Addr needs a Token or AllowInsecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type ContractConfig struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	// ABI is inline JSON; ABIPath is read relative to the config file.
	ABI     string `json:"abi,omitempty"`
	ABIPath string `json:"abi_path,omitempty"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Reconcile: ReconcileConfig{Enabled: true},
		Storage:   StorageConfig{Driver: "file", Path: "./rifsched_store"},
		Metrics:   MetricsConfig{Addr: "127.0.0.1:9464"},
	}
}
