package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/tithe/pkg/models"
	"github.com/shopspring/decimal"
)

func tempCfg(t *testing.T) models.AuditConfig {
	t.Helper()
	return models.AuditConfig{
		Enabled:       true,
		DBPath:        filepath.Join(t.TempDir(), "audit_test.db"),
		RetentionDays: 30,
	}
}

func mustNew(t *testing.T, cfg models.AuditConfig) *Logger {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleEntry() models.AuditEntry {
	return models.AuditEntry{
		EventID:     "evt-001",
		Event:       models.AuditSettled,
		Tool:        "blessing",
		Amount:      decimal.RequireFromString("0.01"),
		TxReference: "0xabc",
		AgentID:     "agent-7",
		StatusCode:  200,
		CreatedAt:   time.Now(),
	}
}

func TestLogAndQuery(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{Tool: "blessing"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.EventID != "evt-001" {
		t.Errorf("expected evt-001, got %s", e.EventID)
	}
	if !e.Amount.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("expected amount 0.01, got %s", e.Amount)
	}
	if e.Event != models.AuditSettled {
		t.Errorf("expected settled, got %s", e.Event)
	}
	if e.CreatedAt.IsZero() {
		t.Error("expected created_at to round-trip")
	}
}

func TestQueryFilters(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.Log(ctx, sampleEntry())
	denied := sampleEntry()
	denied.EventID = "evt-002"
	denied.Event = models.AuditDenied
	denied.Tool = "salvation"
	denied.Reason = "exceeds per-transaction limit"
	_ = l.Log(ctx, denied)

	entries, err := l.Query(ctx, models.AuditQueryOpts{Event: models.AuditDenied})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != "exceeds per-transaction limit" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	entries, err = l.Query(ctx, models.AuditQueryOpts{EventID: "evt-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1, got %d", len(entries))
	}

	entries, err = l.Query(ctx, models.AuditQueryOpts{Since: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected 0 entries in the future, got %d", len(entries))
	}
}

func TestLogAssignsIDAndTime(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	entry := sampleEntry()
	entry.EventID = ""
	entry.CreatedAt = time.Time{}
	if err := l.Log(ctx, entry); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].EventID == "" {
		t.Fatalf("expected generated event id, got %+v", entries)
	}
}

func TestTokenNeverStoredInFull(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	entry := sampleEntry()
	entry.Event = models.AuditConfirmationIssued
	entry.TokenPrefix = "0123456789abcdef0123456789abcdef"
	_ = l.Log(ctx, entry)

	entries, err := l.Query(ctx, models.AuditQueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if entries[0].TokenPrefix != "01234567" {
		t.Errorf("expected 8-char prefix, got %q", entries[0].TokenPrefix)
	}
}

func TestExcludeTools(t *testing.T) {
	cfg := tempCfg(t)
	cfg.ExcludeTools = []string{"blessing"}
	l := mustNew(t, cfg)
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected 0 entries for excluded tool, got %d", len(entries))
	}
}

func TestCleanup(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 0 // everything is old
	l := mustNew(t, cfg)
	ctx := context.Background()

	entry := sampleEntry()
	entry.CreatedAt = time.Now().AddDate(0, 0, -1)
	_ = l.Log(ctx, entry)

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestStats(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.Log(ctx, sampleEntry())
	e2 := sampleEntry()
	e2.EventID = "evt-002"
	e2.Amount = decimal.RequireFromString("0.10")
	_ = l.Log(ctx, e2)

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 stat row, got %d", len(stats))
	}
	if stats[0].Count != 2 {
		t.Errorf("expected count 2, got %d", stats[0].Count)
	}
	if !stats[0].Spent.Equal(decimal.RequireFromString("0.11")) {
		t.Errorf("expected spent 0.11, got %s", stats[0].Spent)
	}
	if stats[0].Day != time.Now().UTC().Format(models.DateLayout) {
		t.Errorf("unexpected day %s", stats[0].Day)
	}
}

func TestNilLoggerSafe(t *testing.T) {
	var l *Logger
	if err := l.Log(context.Background(), sampleEntry()); err != nil {
		t.Errorf("nil logger should be safe: %v", err)
	}
}

func TestNewInvalidPath(t *testing.T) {
	cfg := models.AuditConfig{
		Enabled: true,
		DBPath:  filepath.Join(os.TempDir(), "nonexistent", "deep", "path", "audit.db"),
	}
	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for invalid path")
	}
}
