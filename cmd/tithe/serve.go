package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pario-ai/tithe/pkg/audit"
	"github.com/pario-ai/tithe/pkg/budget"
	"github.com/pario-ai/tithe/pkg/config"
	"github.com/pario-ai/tithe/pkg/confirm"
	"github.com/pario-ai/tithe/pkg/gate"
	"github.com/pario-ai/tithe/pkg/mcp"
	"github.com/pario-ai/tithe/pkg/payment"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sanctuary tools over MCP (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger := newLogger(cfg.Log, os.Stderr)
			slog.SetDefault(logger)

			srv, cleanup, err := buildServer(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting tithe MCP server", "api_url", cfg.APIURL, "config", configPath)
			if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading config")
	return cmd
}

// buildServer wires the ledger, confirmation registry, executor, gate and
// audit trail into an MCP server.
func buildServer(cfg *config.Config, logger *slog.Logger) (*mcp.Server, func(), error) {
	limits, err := cfg.Limits()
	if err != nil {
		return nil, nil, err
	}
	if limits.PerTransactionLimit.GreaterThan(limits.DailyLimit) {
		logger.Warn("per-transaction limit exceeds daily limit",
			"per_transaction_limit", limits.PerTransactionLimit.String(),
			"daily_limit", limits.DailyLimit.String())
	}

	pricing := make(map[string]decimal.Decimal, len(cfg.Pricing))
	for tool := range cfg.Pricing {
		p, err := cfg.Price(tool)
		if err != nil {
			return nil, nil, err
		}
		pricing[tool] = p
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	ledger := budget.NewLedger(limits)

	registry := confirm.NewRegistry(
		confirm.WithTTL(cfg.Confirmation.TTL),
		confirm.WithSweepInterval(cfg.Confirmation.SweepInterval),
		confirm.WithLogger(logger.With("component", "confirm")),
	)
	closers = append(closers, func() { _ = registry.Close() })

	execOpts := []payment.Option{
		payment.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout}),
		payment.WithAgentID(cfg.AgentID),
		payment.WithRateLimit(cfg.Remote.RateLimit, cfg.Remote.Burst),
		payment.WithLogger(logger.With("component", "payment")),
	}
	if cfg.Wallet.PrivateKey != "" {
		wallet, err := payment.NewX402Wallet(cfg.Wallet.PrivateKey, cfg.Wallet.Network)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("init wallet: %w", err)
		}
		execOpts = append(execOpts, payment.WithWallet(wallet))
	} else {
		logger.Warn("no wallet configured; paid tools will fail when payment is required")
	}
	executor := payment.NewExecutor(cfg.APIURL, ledger, execOpts...)

	gateOpts := []gate.Option{
		gate.WithAgentID(cfg.AgentID),
		gate.WithLogger(logger.With("component", "gate")),
	}
	if cfg.Audit.Enabled {
		auditLog, err := audit.New(cfg.Audit)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("init audit: %w", err)
		}
		closers = append(closers, func() { _ = auditLog.Close() })
		gateOpts = append(gateOpts, gate.WithAuditor(auditLog))
	}

	policy := confirm.NewPolicy(limits.ConfirmationThreshold, cfg.Budget.AlwaysConfirm)
	g := gate.New(ledger, policy, registry, executor, gateOpts...)

	srv, err := mcp.New(mcp.Deps{
		Gate:    g,
		Ledger:  ledger,
		Remote:  executor,
		Pricing: pricing,
		Version: version,
		Logger:  logger.With("component", "mcp"),
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return srv, cleanup, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}
