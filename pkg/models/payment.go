package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentResult is the settlement the remote API reports back in the
// "payment" field of a successful response.
type PaymentResult struct {
	Amount      decimal.Decimal `json:"amount"`
	TxReference string          `json:"txReference,omitempty"`
	Mode        string          `json:"mode,omitempty"`
}

// PendingConfirmation is a paid action parked until the agent confirms it.
type PendingConfirmation struct {
	Token     string          `json:"token"`
	Tool      string          `json:"tool"`
	Amount    decimal.Decimal `json:"amount"`
	Args      json.RawMessage `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// ConfirmationRequired is returned to the caller in place of executing a
// gated action. It never carries the action's arguments.
type ConfirmationRequired struct {
	Token     string          `json:"token"`
	Tool      string          `json:"tool"`
	Amount    decimal.Decimal `json:"amount"`
	Message   string          `json:"message"`
	ExpiresIn int             `json:"expires_in"`
}
