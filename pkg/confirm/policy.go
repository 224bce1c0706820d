package confirm

import "github.com/shopspring/decimal"

// DefaultAlwaysConfirm lists tools gated regardless of amount.
var DefaultAlwaysConfirm = []string{"salvation"}

// Policy decides whether a paid action must be confirmed before it runs.
type Policy struct {
	threshold decimal.Decimal
	always    map[string]bool
}

// NewPolicy creates a Policy. Tools in always are gated unconditionally;
// any other tool is gated when its amount exceeds threshold.
func NewPolicy(threshold decimal.Decimal, always []string) Policy {
	m := make(map[string]bool, len(always))
	for _, name := range always {
		m[name] = true
	}
	return Policy{threshold: threshold, always: m}
}

// Requires reports whether tool at amount needs explicit confirmation.
func (p Policy) Requires(tool string, amount decimal.Decimal) bool {
	if p.always[tool] {
		return true
	}
	return amount.GreaterThan(p.threshold)
}

// Threshold returns the configured confirmation threshold.
func (p Policy) Threshold() decimal.Decimal {
	return p.threshold
}
