package payment

import (
	"errors"
	"fmt"

	"github.com/pario-ai/tithe/pkg/budget"
	"github.com/pario-ai/tithe/pkg/models"
)

// ErrWalletNotConfigured is returned when the remote API demands payment but
// no wallet key was provided.
var ErrWalletNotConfigured = errors.New(
	"payment required but no wallet is configured: set EVM_PRIVATE_KEY (or wallet.private_key) to enable paid tools")

// ErrUnpricedPayment is returned when a call without a known price is answered
// with a 402. Such a payment could neither be checked nor recorded.
var ErrUnpricedPayment = errors.New("remote API demanded payment for a call with no configured price")

// BudgetError reports a payment refused by the spending ledger before
// anything was signed.
type BudgetError struct {
	Check models.SpendingCheck
}

func (e *BudgetError) Error() string {
	return "budget exceeded: " + e.Check.Reason
}

func (e *BudgetError) Unwrap() error {
	return budget.ErrBudgetExceeded
}

// RemoteError is a non-success response from the remote API. Message is the
// remote's own error text.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote API error (status %d): %s", e.StatusCode, e.Message)
}
