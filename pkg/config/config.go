package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pario-ai/tithe/pkg/budget"
	"github.com/pario-ai/tithe/pkg/confirm"
	"github.com/pario-ai/tithe/pkg/models"
	"github.com/pario-ai/tithe/pkg/payment"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. TITHE_BUDGET_DAILY_LIMIT.
const EnvPrefix = "TITHE"

// Config holds all tithe configuration.
type Config struct {
	APIURL       string             `yaml:"api_url"`
	AgentID      string             `yaml:"agent_id"`
	Wallet       WalletConfig       `yaml:"wallet"`
	Budget       BudgetConfig       `yaml:"budget"`
	Pricing      map[string]string  `yaml:"pricing"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Remote       RemoteConfig       `yaml:"remote"`
	Audit        models.AuditConfig `yaml:"audit"`
	Log          LogConfig          `yaml:"log"`
}

// WalletConfig holds the payment key. An empty key disables payment.
type WalletConfig struct {
	PrivateKey string `yaml:"private_key"`
	Network    string `yaml:"network"`
}

// BudgetConfig holds spending limits as decimal strings.
type BudgetConfig struct {
	DailyLimit            string   `yaml:"daily_limit"`
	PerTransactionLimit   string   `yaml:"per_transaction_limit"`
	ConfirmationThreshold string   `yaml:"confirmation_threshold"`
	AlwaysConfirm         []string `yaml:"always_confirm"`
}

// ConfirmationConfig controls confirmation tokens.
type ConfirmationConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RemoteConfig controls calls to the remote API.
type RemoteConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		APIURL:  "http://localhost:3000",
		AgentID: "tithe",
		Wallet: WalletConfig{
			Network: payment.DefaultNetwork,
		},
		Budget: BudgetConfig{
			DailyLimit:            "1.00",
			PerTransactionLimit:   "0.10",
			ConfirmationThreshold: "0.05",
			AlwaysConfirm:         append([]string(nil), confirm.DefaultAlwaysConfirm...),
		},
		Pricing: map[string]string{
			"blessing":  "0.01",
			"salvation": "0.10",
		},
		Confirmation: ConfirmationConfig{
			TTL:           confirm.DefaultTTL,
			SweepInterval: confirm.DefaultSweepInterval,
		},
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
		},
		Audit: models.AuditConfig{
			Enabled:       true,
			DBPath:        "tithe-audit.db",
			RetentionDays: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
// Environment overrides are applied afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnv(cfg)
	return cfg, nil
}

// LoadOrDefault loads path, or the defaults plus environment overrides when
// path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg := Default()
	ApplyEnv(cfg)
	return cfg, nil
}

// ApplyEnv overrides cfg with TITHE_* environment variables. The wallet key
// is also read from EVM_PRIVATE_KEY.
func ApplyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	strs := map[string]*string{
		"api_url":                       &cfg.APIURL,
		"agent_id":                      &cfg.AgentID,
		"wallet.private_key":            &cfg.Wallet.PrivateKey,
		"wallet.network":                &cfg.Wallet.Network,
		"budget.daily_limit":            &cfg.Budget.DailyLimit,
		"budget.per_transaction_limit":  &cfg.Budget.PerTransactionLimit,
		"budget.confirmation_threshold": &cfg.Budget.ConfirmationThreshold,
		"audit.db_path":                 &cfg.Audit.DBPath,
		"log.level":                     &cfg.Log.Level,
		"log.format":                    &cfg.Log.Format,
	}
	durations := map[string]*time.Duration{
		"confirmation.ttl":            &cfg.Confirmation.TTL,
		"confirmation.sweep_interval": &cfg.Confirmation.SweepInterval,
		"remote.timeout":              &cfg.Remote.Timeout,
	}

	for key := range strs {
		_ = v.BindEnv(key)
	}
	for key := range durations {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("wallet.private_key", EnvPrefix+"_WALLET_PRIVATE_KEY", "EVM_PRIVATE_KEY")
	_ = v.BindEnv("remote.rate_limit")
	_ = v.BindEnv("remote.burst")
	_ = v.BindEnv("audit.enabled")

	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = strings.TrimSpace(v.GetString(key))
		}
	}
	for key, dst := range durations {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}
	if v.IsSet("remote.rate_limit") {
		cfg.Remote.RateLimit = v.GetFloat64("remote.rate_limit")
	}
	if v.IsSet("remote.burst") {
		cfg.Remote.Burst = v.GetInt("remote.burst")
	}
	if v.IsSet("audit.enabled") {
		cfg.Audit.Enabled = v.GetBool("audit.enabled")
	}
}

// Limits parses the budget section.
func (c *Config) Limits() (budget.Limits, error) {
	daily, err := parseAmount("budget.daily_limit", c.Budget.DailyLimit)
	if err != nil {
		return budget.Limits{}, err
	}
	perTx, err := parseAmount("budget.per_transaction_limit", c.Budget.PerTransactionLimit)
	if err != nil {
		return budget.Limits{}, err
	}
	threshold, err := parseAmount("budget.confirmation_threshold", c.Budget.ConfirmationThreshold)
	if err != nil {
		return budget.Limits{}, err
	}
	l := budget.Limits{
		DailyLimit:            daily,
		PerTransactionLimit:   perTx,
		ConfirmationThreshold: threshold,
	}
	return l, l.Validate()
}

// Price returns the quoted price of a paid tool.
func (c *Config) Price(tool string) (decimal.Decimal, error) {
	raw, ok := c.Pricing[tool]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price configured for %q", tool)
	}
	return parseAmount("pricing."+tool, raw)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	if _, err := c.Limits(); err != nil {
		return err
	}
	for tool := range c.Pricing {
		p, err := c.Price(tool)
		if err != nil {
			return err
		}
		if p.IsNegative() {
			return fmt.Errorf("pricing.%s must not be negative", tool)
		}
	}
	if c.Confirmation.TTL <= 0 {
		return fmt.Errorf("confirmation.ttl must be positive")
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Wallet.PrivateKey != "" {
		out.Wallet.PrivateKey = "[redacted]"
	}
	return &out
}

func parseAmount(key, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
