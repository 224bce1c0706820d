// Package gate puts spending limits and confirmation in front of paid tool
// calls. Invoke is the first attempt at a paid action; Confirm resumes an
// action that was parked behind a confirmation token.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pario-ai/tithe/pkg/audit"
	"github.com/pario-ai/tithe/pkg/confirm"
	"github.com/pario-ai/tithe/pkg/models"
	"github.com/pario-ai/tithe/pkg/payment"
	"github.com/shopspring/decimal"
)

// Status is the resolution of a gated call.
type Status string

const (
	StatusCompleted            Status = "completed"
	StatusConfirmationRequired Status = "confirmation_required"
	StatusDenied               Status = "denied"
	StatusFailed               Status = "failed"
	StatusNotFound             Status = "not_found"
)

// MsgTokenNotFound is returned for unknown, consumed or expired tokens.
const MsgTokenNotFound = "confirmation token not found or expired; start over by calling the tool again"

// Builder turns a tool's arguments into the remote request that performs it.
type Builder func(args json.RawMessage) (payment.Request, error)

// Executor performs remote calls.
type Executor interface {
	Do(ctx context.Context, req payment.Request) (*payment.Response, error)
}

// Auditor records gate decisions.
type Auditor interface {
	Log(ctx context.Context, entry models.AuditEntry) error
}

// Outcome is the result of Invoke or Confirm.
type Outcome struct {
	Status       Status
	Tool         string
	Amount       decimal.Decimal
	Response     *payment.Response
	Confirmation *models.ConfirmationRequired
	Reason       string
	Err          error
}

// Gate wires the ledger, confirmation policy, registry and executor together.
type Gate struct {
	ledger   payment.Spender
	policy   confirm.Policy
	registry *confirm.Registry
	executor Executor
	auditor  Auditor
	agentID  string
	logger   *slog.Logger

	mu       sync.RWMutex
	builders map[string]Builder
}

// Option configures a Gate.
type Option func(*Gate)

// WithAuditor records every decision with a.
func WithAuditor(a Auditor) Option {
	return func(g *Gate) { g.auditor = a }
}

// WithAgentID tags audit entries with the agent identifier.
func WithAgentID(id string) Option {
	return func(g *Gate) { g.agentID = id }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a Gate.
func New(ledger payment.Spender, policy confirm.Policy, registry *confirm.Registry, executor Executor, opts ...Option) *Gate {
	g := &Gate{
		ledger:   ledger,
		policy:   policy,
		registry: registry,
		executor: executor,
		logger:   slog.Default().With("component", "gate"),
		builders: make(map[string]Builder),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register makes tool invokable through the gate.
func (g *Gate) Register(tool string, b Builder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.builders[tool] = b
}

// Invoke runs a paid action. It is denied if it breaks a spending limit,
// parked behind a confirmation token if the policy requires one, and
// executed otherwise.
func (g *Gate) Invoke(ctx context.Context, tool string, amount decimal.Decimal, args json.RawMessage) Outcome {
	if _, ok := g.builder(tool); !ok {
		return Outcome{Status: StatusFailed, Tool: tool, Amount: amount, Err: fmt.Errorf("unknown paid tool %q", tool)}
	}

	if check := g.ledger.CheckLimit(amount); !check.Allowed {
		return g.deny(ctx, tool, amount, check.Reason)
	}

	if g.policy.Requires(tool, amount) {
		c, err := g.registry.Create(tool, amount, args)
		if err != nil {
			return g.fail(ctx, tool, amount, err)
		}
		g.audit(ctx, models.AuditEntry{
			Event:       models.AuditConfirmationIssued,
			Tool:        tool,
			Amount:      amount,
			TokenPrefix: audit.TokenPrefix(c.Token),
		})
		g.logger.Info("confirmation required", "tool", tool, "amount", amount.String())
		return Outcome{Status: StatusConfirmationRequired, Tool: tool, Amount: amount, Confirmation: &c, Reason: c.Message}
	}

	return g.dispatch(ctx, tool, amount, args)
}

// Confirm consumes token and runs the parked action. The budget is checked
// again against current spend; the confirmation policy is not. A token is
// never reissued, even when the re-check denies the action.
func (g *Gate) Confirm(ctx context.Context, token string) Outcome {
	p, ok := g.registry.Consume(token)
	if !ok {
		g.audit(ctx, models.AuditEntry{
			Event:       models.AuditConfirmationMissing,
			Tool:        "confirm_payment",
			TokenPrefix: audit.TokenPrefix(token),
			Reason:      MsgTokenNotFound,
		})
		return Outcome{Status: StatusNotFound, Reason: MsgTokenNotFound}
	}

	g.audit(ctx, models.AuditEntry{
		Event:       models.AuditConfirmationConsumed,
		Tool:        p.Tool,
		Amount:      p.Amount,
		TokenPrefix: audit.TokenPrefix(token),
	})

	if check := g.ledger.CheckLimit(p.Amount); !check.Allowed {
		return g.deny(ctx, p.Tool, p.Amount, check.Reason)
	}
	return g.dispatch(ctx, p.Tool, p.Amount, p.Args)
}

func (g *Gate) dispatch(ctx context.Context, tool string, amount decimal.Decimal, args json.RawMessage) Outcome {
	build, ok := g.builder(tool)
	if !ok {
		return g.fail(ctx, tool, amount, fmt.Errorf("unknown paid tool %q", tool))
	}
	req, err := build(args)
	if err != nil {
		return g.fail(ctx, tool, amount, fmt.Errorf("build %s request: %w", tool, err))
	}
	req.Tool = tool
	req.ExpectedAmount = &amount

	resp, err := g.executor.Do(ctx, req)
	if err != nil {
		var be *payment.BudgetError
		if errors.As(err, &be) {
			return g.deny(ctx, tool, amount, be.Check.Reason)
		}
		return g.fail(ctx, tool, amount, err)
	}

	entry := models.AuditEntry{
		Event:      models.AuditCompleted,
		Tool:       tool,
		Amount:     decimal.Zero,
		StatusCode: resp.StatusCode,
	}
	if resp.Payment != nil {
		entry.Event = models.AuditSettled
		entry.Amount = resp.Payment.Amount
		entry.TxReference = resp.Payment.TxReference
	}
	g.audit(ctx, entry)
	return Outcome{Status: StatusCompleted, Tool: tool, Amount: amount, Response: resp}
}

func (g *Gate) deny(ctx context.Context, tool string, amount decimal.Decimal, reason string) Outcome {
	g.audit(ctx, models.AuditEntry{Event: models.AuditDenied, Tool: tool, Amount: amount, Reason: reason})
	g.logger.Info("payment denied", "tool", tool, "amount", amount.String(), "reason", reason)
	return Outcome{Status: StatusDenied, Tool: tool, Amount: amount, Reason: reason}
}

func (g *Gate) fail(ctx context.Context, tool string, amount decimal.Decimal, err error) Outcome {
	entry := models.AuditEntry{Event: models.AuditFailed, Tool: tool, Amount: amount, Reason: err.Error()}
	var re *payment.RemoteError
	if errors.As(err, &re) {
		entry.StatusCode = re.StatusCode
	}
	g.audit(ctx, entry)
	g.logger.Warn("paid call failed", "tool", tool, "error", err)
	return Outcome{Status: StatusFailed, Tool: tool, Amount: amount, Reason: err.Error(), Err: err}
}

func (g *Gate) builder(tool string) (Builder, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.builders[tool]
	return b, ok
}

func (g *Gate) audit(ctx context.Context, entry models.AuditEntry) {
	if g.auditor == nil {
		return
	}
	entry.AgentID = g.agentID
	if err := g.auditor.Log(ctx, entry); err != nil {
		g.logger.Warn("audit write failed", "event", entry.Event, "error", err)
	}
}
