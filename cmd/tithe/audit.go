package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/tithe/pkg/audit"
	"github.com/pario-ai/tithe/pkg/budget"
	"github.com/pario-ai/tithe/pkg/config"
	"github.com/pario-ai/tithe/pkg/models"
	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the payment audit trail",
	}

	cmd.AddCommand(
		newAuditSearchCmd(),
		newAuditStatsCmd(),
		newAuditCleanupCmd(),
	)
	return cmd
}

func newAuditSearchCmd() *cobra.Command {
	var (
		configPath string
		event      string
		tool       string
		agent      string
		since      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.AuditQueryOpts{
				Event:   models.AuditEvent(event),
				Tool:    tool,
				AgentID: agent,
				Limit:   limit,
			}
			if since != "" {
				t, err := time.Parse(models.DateLayout, since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatAuditEntries(entries))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to tithe config file")
	cmd.Flags().StringVar(&event, "event", "", "filter by event (denied, settled, failed, ...)")
	cmd.Flags().StringVar(&tool, "tool", "", "filter by tool")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent ID")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")

	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show audit counts and amounts by event and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatAuditStats(stats))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to tithe config file")
	return cmd
}

func newAuditCleanupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d audit entries.\n", deleted)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to tithe config file")
	return cmd
}

func openAuditLogger(configPath string) (*audit.Logger, func(), error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, err
	}

	l, err := audit.New(cfg.Audit)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-23s %-17s %10s %-10s %6s %s\n",
		"TIME", "EVENT", "TOOL", "AMOUNT", "TOKEN", "STATUS", "DETAIL")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, e := range entries {
		detail := e.TxReference
		if e.Reason != "" {
			detail = e.Reason
		}
		fmt.Fprintf(&b, "%-20s %-23s %-17s %10s %-10s %6d %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Event, e.Tool,
			budget.FormatAmount(e.Amount), e.TokenPrefix, e.StatusCode, detail)
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-23s %8s %12s\n", "DAY", "EVENT", "COUNT", "AMOUNT")
	b.WriteString(strings.Repeat("-", 58) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-12s %-23s %8d %12s\n", s.Day, s.Event, s.Count, budget.FormatAmount(s.Spent))
	}
	return b.String()
}
