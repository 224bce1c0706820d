package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the UTC calendar-day key used by spending records.
const DateLayout = "2006-01-02"

// Transaction is one settled payment attributed to a tool call.
type Transaction struct {
	Timestamp   time.Time       `json:"timestamp"`
	Amount      decimal.Decimal `json:"amount"`
	Tool        string          `json:"tool"`
	TxReference string          `json:"tx_reference,omitempty"`
}

// SpendingRecord is the running total of settled spend for one UTC day.
// TotalSpent always equals the sum of Transactions[].Amount.
type SpendingRecord struct {
	Date         string          `json:"date"`
	TotalSpent   decimal.Decimal `json:"total_spent"`
	Transactions []Transaction   `json:"transactions"`
}

// SpendingCheck is the outcome of a budget check.
type SpendingCheck struct {
	Allowed         bool            `json:"allowed"`
	Reason          string          `json:"reason,omitempty"`
	CurrentSpend    decimal.Decimal `json:"current_spend"`
	RemainingBudget decimal.Decimal `json:"remaining_budget"`
	DailyLimit      decimal.Decimal `json:"daily_limit"`
}

// SpendingStatus is a snapshot of today's spend against the configured limits.
type SpendingStatus struct {
	SpendingRecord
	RemainingBudget       decimal.Decimal `json:"remaining_budget"`
	DailyLimit            decimal.Decimal `json:"daily_limit"`
	PerTransactionLimit   decimal.Decimal `json:"per_transaction_limit"`
	ConfirmationThreshold decimal.Decimal `json:"confirmation_threshold"`
}
