// Package config loads and validates the keeper configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/internal/scheduler"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DefaultInterval       = 60 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 5 * time.Second
	DefaultConcurrency    = 1
	DefaultClockID        = "0x6"
	DefaultHTTPAddr       = ":8080"
	DefaultJournalDir     = "./wal/executions"
	DefaultRequestTimeout = 30 * time.Second
	DefaultRateLimit      = 10
	DefaultGasBudget      = 50_000_000
	DefaultPrivateKeyEnv  = "KEEPER_PRIVATE_KEY"
	DefaultLogLevel       = "info"
)

// Config is the complete keeper configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Execution ExecutionConfig `yaml:"execution"`
	Venues    VenueConfig     `yaml:"venues"`
	Alerts    AlertConfig     `yaml:"alerts"`
	HTTP      HTTPConfig      `yaml:"http"`
	Journal   JournalConfig   `yaml:"journal"`

	Accounts []domain.AccountConfig `yaml:"accounts"`
}

// LedgerConfig selects the ledger endpoint and signer.
type LedgerConfig struct {
	RPCURL        string `yaml:"rpc_url"`
	PrivateKeyEnv string `yaml:"private_key_env"`
	// RequestTimeout bounds each RPC call.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
	GasBudget      uint64        `yaml:"gas_budget"`

	// Simulate replaces the RPC endpoint with an in-process ledger.
	Simulate         bool               `yaml:"simulate"`
	SimulateStateDir string             `yaml:"simulate_state_dir"`
	SimulateAccounts []SimulatedAccount `yaml:"simulate_accounts"`
}

// SimulatedAccount seeds the in-process ledger. An empty delegatee means the signer.
type SimulatedAccount struct {
	ID              string `yaml:"id"`
	Owner           string `yaml:"owner"`
	Delegatee       string `yaml:"delegatee"`
	InputBalance    uint64 `yaml:"input_balance"`
	RemainingOrders uint64 `yaml:"remaining_orders"`
	LastTimeMs      int64  `yaml:"last_time_ms"`
	Every           uint64 `yaml:"every"`
	TimeScale       string `yaml:"time_scale"`
	Active          bool   `yaml:"active"`
	SplitAllocation uint64 `yaml:"split_allocation"`
}

// Snapshot converts the seed into a ledger snapshot delegated to signer when no
// delegatee is set.
func (a SimulatedAccount) Snapshot(signer string) (domain.AccountSnapshot, error) {
	scale, err := domain.ParseTimeScale(a.TimeScale)
	if err != nil {
		return domain.AccountSnapshot{}, errors.Wrapf(err, "simulated account %s", a.ID)
	}
	delegatee := a.Delegatee
	if delegatee == "" {
		delegatee = signer
	}

	return domain.AccountSnapshot{
		ID:              a.ID,
		Owner:           a.Owner,
		Delegatee:       delegatee,
		InputBalance:    a.InputBalance,
		RemainingOrders: a.RemainingOrders,
		LastTimeMs:      a.LastTimeMs,
		Every:           a.Every,
		TimeScale:       scale,
		Active:          a.Active,
		SplitAllocation: a.SplitAllocation,
	}, nil
}

// ScheduleConfig selects the timing source. Exactly one of Interval and Cron is used.
type ScheduleConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Cron         string        `yaml:"cron"`
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
	RunOnStart   bool          `yaml:"run_on_start"`
}

// ExecutionConfig controls retries, dry runs and fan-out.
type ExecutionConfig struct {
	DryRun      bool             `yaml:"dry_run"`
	MaxRetries  int              `yaml:"max_retries"`
	RetryDelay  time.Duration    `yaml:"retry_delay"`
	Concurrency int              `yaml:"concurrency"`
	MonthMode   domain.MonthMode `yaml:"month_mode"`
}

// VenueConfig holds the on-chain object ids swap plans refer to.
type VenueConfig struct {
	PackageID           string `yaml:"package_id"`
	ClockID             string `yaml:"clock_id"`
	CetusGlobalConfigID string `yaml:"cetus_global_config_id"`
	TurbosVersionedID   string `yaml:"turbos_versioned_id"`
}

// AlertConfig configures the execution webhook.
type AlertConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RateLimit  float64       `yaml:"rate_limit"`
}

// HTTPConfig configures the control surface.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// AutoTLSDomains switches the server to ACME certificates for these hosts.
	AutoTLSDomains []string `yaml:"autotls_domains"`
	CertCacheDir   string   `yaml:"cert_cache_dir"`
}

// JournalConfig configures the execution journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Default returns a configuration with every default applied and no accounts.
func Default() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		Ledger: LedgerConfig{
			PrivateKeyEnv:  DefaultPrivateKeyEnv,
			RequestTimeout: DefaultRequestTimeout,
			RateLimit:      DefaultRateLimit,
			GasBudget:      DefaultGasBudget,
		},
		Execution: ExecutionConfig{
			MaxRetries:  DefaultMaxRetries,
			RetryDelay:  DefaultRetryDelay,
			Concurrency: DefaultConcurrency,
			MonthMode:   domain.MonthModeApprox,
		},
		Venues: VenueConfig{ClockID: DefaultClockID},
		HTTP:   HTTPConfig{Enabled: true, Addr: DefaultHTTPAddr},
		Journal: JournalConfig{
			Enabled: true,
			Dir:     DefaultJournalDir,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies environment
// overrides. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Schedule.Interval == 0 && strings.TrimSpace(cfg.Schedule.Cron) == "" {
		cfg.Schedule.Interval = DefaultInterval
	}
	return cfg, nil
}

// Validate checks the whole configuration and reports the first problem found.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if !c.Ledger.Simulate && strings.TrimSpace(c.Ledger.RPCURL) == "" {
		return fmt.Errorf("ledger.rpc_url is required unless ledger.simulate is set")
	}
	if c.Ledger.RPCURL != "" {
		if _, err := url.ParseRequestURI(c.Ledger.RPCURL); err != nil {
			return fmt.Errorf("ledger.rpc_url: %w", err)
		}
	}
	if c.Ledger.PrivateKeyEnv == "" {
		return fmt.Errorf("ledger.private_key_env must name an environment variable")
	}
	if c.Schedule.Interval < 0 {
		return fmt.Errorf("schedule.interval must be positive")
	}
	if _, err := scheduler.ParseSchedule(c.Schedule.Interval, c.Schedule.Cron); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if c.Schedule.CycleTimeout < 0 {
		return fmt.Errorf("schedule.cycle_timeout must not be negative")
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries must not be negative")
	}
	if c.Execution.RetryDelay < 0 {
		return fmt.Errorf("execution.retry_delay must not be negative")
	}
	if c.Execution.Concurrency < 1 {
		return fmt.Errorf("execution.concurrency must be at least 1")
	}
	if !c.Execution.MonthMode.Valid() {
		return fmt.Errorf("execution.month_mode must be %q or %q, got %q",
			domain.MonthModeApprox, domain.MonthModeCalendar, c.Execution.MonthMode)
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required when http is enabled")
	}
	if c.Journal.Enabled && c.Journal.Dir == "" {
		return fmt.Errorf("journal.dir is required when the journal is enabled")
	}
	if c.Alerts.WebhookURL != "" {
		if _, err := url.ParseRequestURI(c.Alerts.WebhookURL); err != nil {
			return fmt.Errorf("alerts.webhook_url: %w", err)
		}
	}
	if err := ValidateAccounts(c.Accounts, c.Venues); err != nil {
		return err
	}
	for _, seed := range c.Ledger.SimulateAccounts {
		if seed.ID == "" {
			return fmt.Errorf("ledger.simulate_accounts: id is required")
		}
		if _, err := domain.ParseTimeScale(seed.TimeScale); err != nil {
			return fmt.Errorf("ledger.simulate_accounts %s: %w", seed.ID, err)
		}
	}
	return nil
}

// ValidateAccounts checks account ids and adapters against the venue configuration.
func ValidateAccounts(accounts []domain.AccountConfig, venues VenueConfig) error {
	seen := make(map[string]struct{}, len(accounts))
	for i, acc := range accounts {
		if strings.TrimSpace(acc.ID) == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		key := domain.NormalizeAddress(acc.ID)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("accounts[%d]: duplicate id %s", i, acc.ID)
		}
		seen[key] = struct{}{}

		if !acc.Adapter.IsKnown() {
			return fmt.Errorf("accounts[%d] %s: unknown adapter %q", i, acc.ID, acc.Adapter)
		}
		if acc.InputType == "" || acc.OutputType == "" {
			return fmt.Errorf("accounts[%d] %s: input_type and output_type are required", i, acc.ID)
		}
		if err := venues.requireFor(acc.Adapter); err != nil {
			return fmt.Errorf("accounts[%d] %s: %w", i, acc.ID, err)
		}
		if acc.PoolID == "" && (acc.Adapter == domain.AdapterCetus || acc.Adapter == domain.AdapterTurbos) {
			return fmt.Errorf("accounts[%d] %s: pool_id is required for %s", i, acc.ID, acc.Adapter)
		}
	}
	return nil
}

func (v VenueConfig) requireFor(adapter domain.Adapter) error {
	switch adapter {
	case domain.AdapterCetus:
		if v.PackageID == "" || v.CetusGlobalConfigID == "" {
			return fmt.Errorf("venues.package_id and venues.cetus_global_config_id are required for cetus")
		}
	case domain.AdapterTurbos:
		if v.PackageID == "" || v.TurbosVersionedID == "" {
			return fmt.Errorf("venues.package_id and venues.turbos_versioned_id are required for turbos")
		}
	}
	return nil
}

// PrivateKey reads the signer key from the configured environment variable.
func (c *Config) PrivateKey() (string, error) {
	key := strings.TrimSpace(os.Getenv(c.Ledger.PrivateKeyEnv))
	if key == "" {
		return "", fmt.Errorf("environment variable %s is not set", c.Ledger.PrivateKeyEnv)
	}
	return key, nil
}

// Summary is the redacted configuration reported by the control surface.
type Summary struct {
	RPCHost           string   `json:"rpcHost,omitempty"`
	Simulate          bool     `json:"simulate"`
	DryRun            bool     `json:"dryRun"`
	Interval          string   `json:"interval,omitempty"`
	Cron              string   `json:"cron,omitempty"`
	MaxRetries        int      `json:"maxRetries"`
	RetryDelay        string   `json:"retryDelay"`
	Concurrency       int      `json:"concurrency"`
	MonthMode         string   `json:"monthMode"`
	WebhookConfigured bool     `json:"webhookConfigured"`
	Accounts          []string `json:"accounts"`
}

// Summary returns the configuration without secrets. The RPC URL is reduced to
// scheme and host because hosted endpoints often embed API keys in the path.
func (c *Config) Summary(accounts []domain.AccountConfig) Summary {
	ids := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		ids = append(ids, acc.ID)
	}

	var interval string
	if c.Schedule.Interval > 0 {
		interval = c.Schedule.Interval.String()
	}

	return Summary{
		RPCHost:           redactURL(c.Ledger.RPCURL),
		Simulate:          c.Ledger.Simulate,
		DryRun:            c.Execution.DryRun,
		Interval:          interval,
		Cron:              c.Schedule.Cron,
		MaxRetries:        c.Execution.MaxRetries,
		RetryDelay:        c.Execution.RetryDelay.String(),
		Concurrency:       c.Execution.Concurrency,
		MonthMode:         string(c.Execution.MonthMode),
		WebhookConfigured: c.Alerts.WebhookURL != "",
		Accounts:          ids,
	}
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "redacted"
	}
	return u.Scheme + "://" + u.Host
}
