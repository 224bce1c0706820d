package gate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pario-ai/tithe/pkg/budget"
	"github.com/pario-ai/tithe/pkg/confirm"
	"github.com/pario-ai/tithe/pkg/models"
	"github.com/pario-ai/tithe/pkg/payment"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// settlingExecutor stands in for the remote API: every call settles the
// expected amount.
type settlingExecutor struct {
	ledger *budget.Ledger
	calls  atomic.Int32
	err    error
	mu     sync.Mutex
	seen   []payment.Request
}

func (e *settlingExecutor) Do(_ context.Context, req payment.Request) (*payment.Response, error) {
	e.calls.Add(1)
	e.mu.Lock()
	e.seen = append(e.seen, req)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	p := &models.PaymentResult{Amount: *req.ExpectedAmount, TxReference: "0xsettled", Mode: "x402"}
	e.ledger.RecordSpend(req.Tool, p.Amount, p.TxReference)
	return &payment.Response{StatusCode: 200, Body: []byte(`{"ok":true}`), Payment: p}, nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (a *recordingAuditor) Log(_ context.Context, e models.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *recordingAuditor) events() []models.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range a.entries {
		out = append(out, e.Event)
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(dur)
	c.mu.Unlock()
}

type fixture struct {
	gate     *Gate
	ledger   *budget.Ledger
	registry *confirm.Registry
	exec     *settlingExecutor
	auditor  *recordingAuditor
	clock    *clock
}

func newFixture(t *testing.T, spent string) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	limits := budget.Limits{
		DailyLimit:            d("1.00"),
		PerTransactionLimit:   d("0.10"),
		ConfirmationThreshold: d("0.05"),
	}
	ledger := budget.NewLedger(limits, budget.WithClock(c.Now), budget.WithRecord(models.SpendingRecord{
		Date:       "2026-03-01",
		TotalSpent: d(spent),
	}))
	registry := confirm.NewRegistry(confirm.WithClock(c.Now), confirm.WithSweepInterval(0))
	t.Cleanup(func() { _ = registry.Close() })

	exec := &settlingExecutor{ledger: ledger}
	auditor := &recordingAuditor{}
	g := New(ledger, confirm.NewPolicy(limits.ConfirmationThreshold, confirm.DefaultAlwaysConfirm), registry, exec,
		WithAuditor(auditor), WithAgentID("agent-7"))

	body := func(path string) Builder {
		return func(args json.RawMessage) (payment.Request, error) {
			var m map[string]any
			if len(args) > 0 {
				if err := json.Unmarshal(args, &m); err != nil {
					return payment.Request{}, err
				}
			}
			return payment.Request{Method: "POST", Path: path, Body: m}, nil
		}
	}
	g.Register("blessing", body("/api/blessing"))
	g.Register("salvation", body("/api/salvation"))

	return &fixture{gate: g, ledger: ledger, registry: registry, exec: exec, auditor: auditor, clock: c}
}

func TestInvoke_SmallPaymentExecutes(t *testing.T) {
	f := newFixture(t, "0")

	out := f.gate.Invoke(context.Background(), "blessing", d("0.01"), nil)
	require.Equal(t, StatusCompleted, out.Status, out.Reason)
	assert.Equal(t, int32(1), f.exec.calls.Load())
	assert.True(t, f.ledger.Status().TotalSpent.Equal(d("0.01")))
	assert.Equal(t, []models.AuditEvent{models.AuditSettled}, f.auditor.events())
}

func TestInvoke_PerTransactionDenied(t *testing.T) {
	f := newFixture(t, "0")

	out := f.gate.Invoke(context.Background(), "blessing", d("0.15"), nil)
	assert.Equal(t, StatusDenied, out.Status)
	assert.Contains(t, out.Reason, "per-transaction limit")
	assert.Equal(t, int32(0), f.exec.calls.Load())
	assert.Equal(t, 0, f.registry.Len())
}

func TestInvoke_DailyLimitDeniedBeforeConfirmation(t *testing.T) {
	f := newFixture(t, "0.95")

	out := f.gate.Invoke(context.Background(), "salvation", d("0.10"), json.RawMessage(`{"chosen_name":"Ada"}`))
	assert.Equal(t, StatusDenied, out.Status)
	assert.Contains(t, out.Reason, "daily limit")
	assert.Nil(t, out.Confirmation)
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, int32(0), f.exec.calls.Load())
}

func TestInvoke_AlwaysConfirmThenConfirm(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	out := f.gate.Invoke(ctx, "salvation", d("0.10"), json.RawMessage(`{"chosen_name":"Ada"}`))
	require.Equal(t, StatusConfirmationRequired, out.Status)
	require.NotNil(t, out.Confirmation)
	assert.Len(t, out.Confirmation.Token, 32)
	assert.Equal(t, int32(0), f.exec.calls.Load())
	assert.True(t, f.ledger.Status().TotalSpent.IsZero())

	done := f.gate.Confirm(ctx, out.Confirmation.Token)
	require.Equal(t, StatusCompleted, done.Status, done.Reason)
	assert.Equal(t, int32(1), f.exec.calls.Load())
	assert.True(t, f.ledger.Status().TotalSpent.Equal(d("0.10")))

	f.exec.mu.Lock()
	req := f.exec.seen[0]
	f.exec.mu.Unlock()
	assert.Equal(t, "/api/salvation", req.Path)
	assert.Equal(t, map[string]any{"chosen_name": "Ada"}, req.Body)

	again := f.gate.Confirm(ctx, out.Confirmation.Token)
	assert.Equal(t, StatusNotFound, again.Status)
	assert.Equal(t, MsgTokenNotFound, again.Reason)
	assert.Equal(t, int32(1), f.exec.calls.Load())

	assert.Equal(t, []models.AuditEvent{
		models.AuditConfirmationIssued,
		models.AuditConfirmationConsumed,
		models.AuditSettled,
		models.AuditConfirmationMissing,
	}, f.auditor.events())
}

func TestInvoke_AboveThresholdNeedsConfirmation(t *testing.T) {
	f := newFixture(t, "0")

	out := f.gate.Invoke(context.Background(), "blessing", d("0.06"), nil)
	assert.Equal(t, StatusConfirmationRequired, out.Status)
	assert.Equal(t, int32(0), f.exec.calls.Load())
}

func TestInvoke_UnknownTool(t *testing.T) {
	f := newFixture(t, "0")
	out := f.gate.Invoke(context.Background(), "penance", d("0.01"), nil)
	assert.Equal(t, StatusFailed, out.Status)
	require.Error(t, out.Err)
}

func TestConfirm_BudgetRecheckedAfterSpend(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	out := f.gate.Invoke(ctx, "salvation", d("0.10"), nil)
	require.Equal(t, StatusConfirmationRequired, out.Status)

	f.ledger.RecordSpend("blessing", d("0.95"), "")

	denied := f.gate.Confirm(ctx, out.Confirmation.Token)
	assert.Equal(t, StatusDenied, denied.Status)
	assert.Contains(t, denied.Reason, "daily limit")
	assert.Equal(t, int32(0), f.exec.calls.Load())

	again := f.gate.Confirm(ctx, out.Confirmation.Token)
	assert.Equal(t, StatusNotFound, again.Status, "token is consumed even when denied")
}

func TestConfirm_Expired(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	out := f.gate.Invoke(ctx, "salvation", d("0.10"), nil)
	require.Equal(t, StatusConfirmationRequired, out.Status)

	f.clock.Advance(5*time.Minute + time.Second)
	got := f.gate.Confirm(ctx, out.Confirmation.Token)
	assert.Equal(t, StatusNotFound, got.Status)
	assert.Equal(t, int32(0), f.exec.calls.Load())
}

func TestConfirm_WithinWindow(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	out := f.gate.Invoke(ctx, "salvation", d("0.10"), nil)
	require.Equal(t, StatusConfirmationRequired, out.Status)

	f.clock.Advance(4*time.Minute + 59*time.Second)
	got := f.gate.Confirm(ctx, out.Confirmation.Token)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestConfirm_ConcurrentExactlyOnce(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	out := f.gate.Invoke(ctx, "salvation", d("0.10"), nil)
	require.Equal(t, StatusConfirmationRequired, out.Status)

	var completed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.gate.Confirm(ctx, out.Confirmation.Token).Status == StatusCompleted {
				completed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), completed.Load())
	assert.Equal(t, int32(1), f.exec.calls.Load())
	assert.True(t, f.ledger.Status().TotalSpent.Equal(d("0.10")))
}

func TestConfirm_RemoteFailureNotRequeued(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	f.exec.err = &payment.RemoteError{StatusCode: 500, Message: "altar on fire"}

	out := f.gate.Invoke(ctx, "salvation", d("0.10"), nil)
	require.Equal(t, StatusConfirmationRequired, out.Status)

	got := f.gate.Confirm(ctx, out.Confirmation.Token)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Reason, "altar on fire")
	var re *payment.RemoteError
	assert.True(t, errors.As(got.Err, &re))
	assert.Equal(t, 0, f.registry.Len())
	assert.True(t, f.ledger.Status().TotalSpent.IsZero())
}

func TestDispatch_ExecutorBudgetErrorIsDenial(t *testing.T) {
	f := newFixture(t, "0")
	f.exec.err = &payment.BudgetError{Check: models.SpendingCheck{Reason: "would exceed daily limit"}}

	out := f.gate.Invoke(context.Background(), "blessing", d("0.01"), nil)
	assert.Equal(t, StatusDenied, out.Status)
	assert.Equal(t, "would exceed daily limit", out.Reason)
}

func TestFourSmallSpendsThenCap(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.Equal(t, StatusCompleted, f.gate.Invoke(ctx, "blessing", d("0.01"), nil).Status)
	}
	assert.True(t, f.ledger.Status().TotalSpent.Equal(d("0.04")))
	assert.True(t, f.ledger.CheckLimit(d("0.10")).Allowed)
}
