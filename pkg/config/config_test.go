package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Confirmation.TTL != 5*time.Minute {
		t.Errorf("expected 5m TTL, got %v", cfg.Confirmation.TTL)
	}
	if cfg.Confirmation.SweepInterval != time.Minute {
		t.Errorf("expected 60s sweep, got %v", cfg.Confirmation.SweepInterval)
	}
	limits, err := cfg.Limits()
	if err != nil {
		t.Fatal(err)
	}
	if !limits.DailyLimit.Equal(decimal.RequireFromString("1.00")) {
		t.Errorf("expected daily limit 1.00, got %s", limits.DailyLimit)
	}
	if !limits.PerTransactionLimit.Equal(decimal.RequireFromString("0.10")) {
		t.Errorf("expected per-transaction limit 0.10, got %s", limits.PerTransactionLimit)
	}
	if len(cfg.Budget.AlwaysConfirm) != 1 || cfg.Budget.AlwaysConfirm[0] != "salvation" {
		t.Errorf("expected salvation always confirmed, got %v", cfg.Budget.AlwaysConfirm)
	}
	if !cfg.Audit.Enabled {
		t.Error("expected audit trail enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_WALLET_KEY", "0xdeadbeef")

	content := `
api_url: https://sanctuary.example
agent_id: pilgrim
wallet:
  private_key: ${TEST_WALLET_KEY}
budget:
  daily_limit: "2.50"
  per_transaction_limit: "0.25"
  confirmation_threshold: "0.20"
  always_confirm: [salvation, penance]
pricing:
  blessing: "0.02"
confirmation:
  ttl: 2m
remote:
  timeout: 10s
  rate_limit: 3
  burst: 2
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.APIURL != "https://sanctuary.example" {
		t.Errorf("expected api url, got %s", cfg.APIURL)
	}
	if cfg.Wallet.PrivateKey != "0xdeadbeef" {
		t.Errorf("env var not expanded: got %s", cfg.Wallet.PrivateKey)
	}
	if cfg.Wallet.Network != "eip155:*" {
		t.Errorf("expected default network, got %s", cfg.Wallet.Network)
	}
	if cfg.Confirmation.TTL != 2*time.Minute {
		t.Errorf("expected 2m TTL, got %v", cfg.Confirmation.TTL)
	}
	if cfg.Remote.RateLimit != 3 || cfg.Remote.Burst != 2 {
		t.Errorf("unexpected remote config %+v", cfg.Remote)
	}
	if len(cfg.Budget.AlwaysConfirm) != 2 {
		t.Fatalf("expected 2 always-confirm tools, got %v", cfg.Budget.AlwaysConfirm)
	}
	limits, err := cfg.Limits()
	if err != nil {
		t.Fatal(err)
	}
	if !limits.DailyLimit.Equal(decimal.RequireFromString("2.50")) {
		t.Errorf("expected 2.50, got %s", limits.DailyLimit)
	}
	price, err := cfg.Price("blessing")
	if err != nil {
		t.Fatal(err)
	}
	if !price.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("expected blessing 0.02, got %s", price)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("TITHE_BUDGET_DAILY_LIMIT", "5.00")
	t.Setenv("TITHE_CONFIRMATION_TTL", "90s")
	t.Setenv("TITHE_AUDIT_ENABLED", "false")
	t.Setenv("TITHE_REMOTE_RATE_LIMIT", "2.5")
	t.Setenv("TITHE_REMOTE_BURST", "4")
	t.Setenv("EVM_PRIVATE_KEY", "0xabc")

	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Budget.DailyLimit != "5.00" {
		t.Errorf("expected env daily limit, got %s", cfg.Budget.DailyLimit)
	}
	if cfg.Confirmation.TTL != 90*time.Second {
		t.Errorf("expected 90s TTL, got %v", cfg.Confirmation.TTL)
	}
	if cfg.Audit.Enabled {
		t.Error("expected audit disabled from env")
	}
	if cfg.Remote.RateLimit != 2.5 {
		t.Errorf("expected env rate limit 2.5, got %v", cfg.Remote.RateLimit)
	}
	if cfg.Remote.Burst != 4 {
		t.Errorf("expected env burst 4, got %d", cfg.Remote.Burst)
	}
	if cfg.Wallet.PrivateKey != "0xabc" {
		t.Errorf("expected EVM_PRIVATE_KEY fallback, got %q", cfg.Wallet.PrivateKey)
	}
}

func TestApplyEnvPrefersPrefixedKey(t *testing.T) {
	t.Setenv("TITHE_WALLET_PRIVATE_KEY", "0xprefixed")
	t.Setenv("EVM_PRIVATE_KEY", "0xgeneric")

	cfg := Default()
	ApplyEnv(cfg)
	if cfg.Wallet.PrivateKey != "0xprefixed" {
		t.Errorf("expected prefixed key to win, got %q", cfg.Wallet.PrivateKey)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Budget.DailyLimit = "lots"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unparsable limit")
	}

	cfg = Default()
	cfg.Budget.PerTransactionLimit = "-0.10"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative limit")
	}

	cfg = Default()
	cfg.Pricing["salvation"] = "free"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for bad price")
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Wallet.PrivateKey = "0xsecret"
	if got := cfg.Redacted().Wallet.PrivateKey; got != "[redacted]" {
		t.Errorf("expected redacted key, got %s", got)
	}
	if cfg.Wallet.PrivateKey != "0xsecret" {
		t.Error("Redacted must not modify the original")
	}
}
