package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/pario-ai/tithe/pkg/audit"
	"github.com/pario-ai/tithe/pkg/budget"
	"github.com/pario-ai/tithe/pkg/config"
	"github.com/pario-ai/tithe/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newBudgetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect spending limits and tool prices",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show limits, prices and today's settled spend from the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return err
			}
			limits, err := cfg.Limits()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LIMIT\tAMOUNT")
			fmt.Fprintf(w, "daily\t%s\n", budget.FormatAmount(limits.DailyLimit))
			fmt.Fprintf(w, "per-transaction\t%s\n", budget.FormatAmount(limits.PerTransactionLimit))
			fmt.Fprintf(w, "confirm above\t%s\n", budget.FormatAmount(limits.ConfirmationThreshold))
			fmt.Fprintln(w)

			tools := make([]string, 0, len(cfg.Pricing))
			for tool := range cfg.Pricing {
				tools = append(tools, tool)
			}
			sort.Strings(tools)
			fmt.Fprintln(w, "TOOL\tPRICE\tALWAYS CONFIRM")
			always := make(map[string]bool)
			for _, t := range cfg.Budget.AlwaysConfirm {
				always[t] = true
			}
			for _, tool := range tools {
				p, err := cfg.Price(tool)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%v\n", tool, budget.FormatAmount(p), always[tool])
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if !cfg.Audit.Enabled {
				fmt.Println("\nAudit trail disabled; today's spend is only known to the running server.")
				return nil
			}
			spent, err := settledToday(cfg.Audit)
			if err != nil {
				return err
			}
			remaining := limits.DailyLimit.Sub(spent)
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}
			fmt.Printf("\nSettled today (UTC): %s, remaining %s\n",
				budget.FormatAmount(spent), budget.FormatAmount(remaining))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.AddCommand(statusCmd)
	return cmd
}

func settledToday(cfg models.AuditConfig) (decimal.Decimal, error) {
	l, err := audit.New(cfg)
	if err != nil {
		return decimal.Zero, fmt.Errorf("open audit db: %w", err)
	}
	defer func() { _ = l.Close() }()

	today := time.Now().UTC().Format(models.DateLayout)
	stats, err := l.Stats(context.Background())
	if err != nil {
		return decimal.Zero, err
	}
	spent := decimal.Zero
	for _, s := range stats {
		if s.Day == today && s.Event == models.AuditSettled {
			spent = spent.Add(s.Spent)
		}
	}
	return spent, nil
}
