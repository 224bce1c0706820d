package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	x402 "github.com/coinbase/x402/go"
	evmx402 "github.com/coinbase/x402/go/mechanisms/evm"
	"github.com/shopspring/decimal"
)

var errNoQuotes = errors.New("402 challenge carries no payment options")

// Quote is one payment option offered by a 402 challenge, priced in
// whole asset units.
type Quote struct {
	Requirement x402.PaymentRequirements
	Amount      decimal.Decimal
}

// matches reports whether r is the option q was built from.
func (q Quote) matches(r x402.PaymentRequirements) bool {
	return r.Scheme == q.Requirement.Scheme &&
		r.Network == q.Requirement.Network &&
		r.Asset == q.Requirement.Asset &&
		r.PayTo == q.Requirement.PayTo &&
		r.Amount == q.Requirement.Amount &&
		r.MaxAmountRequired == q.Requirement.MaxAmountRequired
}

// parseChallenge reads the payment options of a 402 response, cheapest
// first. The v2 PAYMENT-REQUIRED header wins over a v1 JSON body.
func parseChallenge(h http.Header, body []byte) ([]Quote, error) {
	var required x402.PaymentRequired
	if v := h.Get("PAYMENT-REQUIRED"); v != "" {
		data, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decode PAYMENT-REQUIRED header: %w", err)
		}
		if err := json.Unmarshal(data, &required); err != nil {
			return nil, fmt.Errorf("parse PAYMENT-REQUIRED header: %w", err)
		}
	} else if err := json.Unmarshal(body, &required); err != nil || required.X402Version != 1 {
		return nil, errNoQuotes
	}

	quotes := make([]Quote, 0, len(required.Accepts))
	for _, r := range required.Accepts {
		amount, err := requirementAmount(r)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, Quote{Requirement: r, Amount: amount})
	}
	if len(quotes) == 0 {
		return nil, errNoQuotes
	}
	sort.SliceStable(quotes, func(i, j int) bool {
		return quotes[i].Amount.LessThan(quotes[j].Amount)
	})
	return quotes, nil
}

// requirementAmount converts the atomic amount of r into whole units.
func requirementAmount(r x402.PaymentRequirements) (decimal.Decimal, error) {
	raw := r.Amount
	if raw == "" {
		raw = r.MaxAmountRequired
	}
	atomic, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("payment option amount %q: %w", raw, err)
	}
	if atomic.IsNegative() {
		return decimal.Zero, fmt.Errorf("payment option amount %q is negative", raw)
	}
	return atomic.Shift(-evmx402.DefaultDecimals), nil
}
