package budget

import (
	"errors"
	"fmt"

	"github.com/pario-ai/tithe/pkg/models"
	"github.com/shopspring/decimal"
)

// ErrBudgetExceeded is returned when a payment would break a spending limit.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Limits are the spending limits fixed at startup.
type Limits struct {
	DailyLimit            decimal.Decimal
	PerTransactionLimit   decimal.Decimal
	ConfirmationThreshold decimal.Decimal
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	switch {
	case l.DailyLimit.IsNegative():
		return fmt.Errorf("daily limit must not be negative: %s", l.DailyLimit)
	case l.PerTransactionLimit.IsNegative():
		return fmt.Errorf("per-transaction limit must not be negative: %s", l.PerTransactionLimit)
	case l.ConfirmationThreshold.IsNegative():
		return fmt.Errorf("confirmation threshold must not be negative: %s", l.ConfirmationThreshold)
	}
	return nil
}

// Evaluate decides whether amount may be spent given what has already been
// spent today. The per-transaction cap is checked before the daily budget and
// there is no partial allowance.
func Evaluate(limits Limits, spent, amount decimal.Decimal) models.SpendingCheck {
	remaining := limits.DailyLimit.Sub(spent)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	check := models.SpendingCheck{
		CurrentSpend:    spent,
		RemainingBudget: remaining,
		DailyLimit:      limits.DailyLimit,
	}

	switch {
	case amount.IsNegative():
		check.Reason = fmt.Sprintf("amount %s must not be negative", FormatAmount(amount))
	case amount.GreaterThan(limits.PerTransactionLimit):
		check.Reason = fmt.Sprintf("amount %s exceeds per-transaction limit of %s",
			FormatAmount(amount), FormatAmount(limits.PerTransactionLimit))
	case spent.Add(amount).GreaterThan(limits.DailyLimit):
		check.Reason = fmt.Sprintf("amount %s would exceed daily limit of %s (spent today %s, remaining %s)",
			FormatAmount(amount), FormatAmount(limits.DailyLimit), FormatAmount(spent), FormatAmount(remaining))
	default:
		check.Allowed = true
	}
	return check
}

// FormatAmount renders a USD amount with cents, keeping extra precision when
// the value has sub-cent digits.
func FormatAmount(d decimal.Decimal) string {
	if d.Equal(d.Round(2)) {
		return "$" + d.StringFixed(2)
	}
	return "$" + d.String()
}
