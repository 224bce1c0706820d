package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuditEvent names a payment gate decision recorded in the audit trail.
type AuditEvent string

const (
	AuditDenied               AuditEvent = "denied"
	AuditConfirmationIssued   AuditEvent = "confirmation_issued"
	AuditConfirmationConsumed AuditEvent = "confirmation_consumed"
	AuditConfirmationMissing  AuditEvent = "confirmation_not_found"
	AuditSettled              AuditEvent = "settled"
	AuditCompleted            AuditEvent = "completed"
	AuditFailed               AuditEvent = "failed"
)

// AuditEntry represents a single audited payment gate event.
type AuditEntry struct {
	EventID     string          `json:"event_id"`
	Event       AuditEvent      `json:"event"`
	Tool        string          `json:"tool"`
	Amount      decimal.Decimal `json:"amount"`
	TxReference string          `json:"tx_reference,omitempty"`
	TokenPrefix string          `json:"token_prefix,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	StatusCode  int             `json:"status_code,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled       bool     `yaml:"enabled"`
	DBPath        string   `yaml:"db_path"`
	RetentionDays int      `yaml:"retention_days"`
	ExcludeTools  []string `yaml:"exclude_tools"`
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	EventID string
	Event   AuditEvent
	Tool    string
	AgentID string
	Since   time.Time
	Limit   int
}

// AuditStat holds aggregate audit counts for an event/day combination.
type AuditStat struct {
	Event AuditEvent
	Day   string
	Count int
	Spent decimal.Decimal
}
