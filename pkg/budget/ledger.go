package budget

import (
	"sync"
	"time"

	"github.com/pario-ai/tithe/pkg/models"
	"github.com/shopspring/decimal"
)

// Ledger tracks settled spend for the current UTC day. The record rolls over
// lazily: the first operation that observes a new UTC date starts a fresh one.
type Ledger struct {
	mu     sync.Mutex
	limits Limits
	now    func() time.Time
	record models.SpendingRecord
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRecord seeds the ledger with an existing record.
func WithRecord(r models.SpendingRecord) Option {
	return func(l *Ledger) {
		r.Transactions = append([]models.Transaction(nil), r.Transactions...)
		l.record = r
	}
}

// NewLedger creates a Ledger enforcing limits.
func NewLedger(limits Limits, opts ...Option) *Ledger {
	l := &Ledger{
		limits: limits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.record.Date == "" {
		l.record = newRecord(l.today())
	}
	return l
}

// Limits returns the configured limits.
func (l *Ledger) Limits() Limits {
	return l.limits
}

// CheckLimit reports whether amount may be spent now. It never changes the
// recorded spend.
func (l *Ledger) CheckLimit(amount decimal.Decimal) models.SpendingCheck {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	return Evaluate(l.limits, l.record.TotalSpent, amount)
}

// RecordSpend appends a settled payment. It is unconditional: limits are
// checked before the payment, not here.
func (l *Ledger) RecordSpend(tool string, amount decimal.Decimal, txReference string) models.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	tx := models.Transaction{
		Timestamp:   l.now().UTC(),
		Amount:      amount,
		Tool:        tool,
		TxReference: txReference,
	}
	l.record.Transactions = append(l.record.Transactions, tx)
	l.record.TotalSpent = l.record.TotalSpent.Add(amount)
	return tx
}

// Status returns a copy of today's record together with the limits.
func (l *Ledger) Status() models.SpendingStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	rec := l.record
	rec.Transactions = append([]models.Transaction(nil), l.record.Transactions...)
	remaining := l.limits.DailyLimit.Sub(rec.TotalSpent)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return models.SpendingStatus{
		SpendingRecord:        rec,
		RemainingBudget:       remaining,
		DailyLimit:            l.limits.DailyLimit,
		PerTransactionLimit:   l.limits.PerTransactionLimit,
		ConfirmationThreshold: l.limits.ConfirmationThreshold,
	}
}

func (l *Ledger) rolloverLocked() {
	if today := l.today(); l.record.Date != today {
		l.record = newRecord(today)
	}
}

func (l *Ledger) today() string {
	return l.now().UTC().Format(models.DateLayout)
}

func newRecord(date string) models.SpendingRecord {
	return models.SpendingRecord{Date: date, TotalSpent: decimal.Zero}
}
