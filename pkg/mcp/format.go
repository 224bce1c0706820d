package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pario-ai/tithe/pkg/budget"
	"github.com/pario-ai/tithe/pkg/gate"
	"github.com/pario-ai/tithe/pkg/models"
	"github.com/pario-ai/tithe/pkg/payment"
)

const (
	spendingResourceURI = "tithe://spending/today"
	recentTransactions  = 10
)

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

func errorResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
		IsError: true,
	}
}

func jsonResult(v any, isError bool) *mcpsdk.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(err.Error())
	}
	res := textResult(string(b))
	res.IsError = isError
	return res
}

// outcomeResult renders a gate outcome for the agent.
func outcomeResult(out gate.Outcome) *mcpsdk.CallToolResult {
	switch out.Status {
	case gate.StatusCompleted:
		body := map[string]any{
			"status": string(out.Status),
			"tool":   out.Tool,
			"result": bodyValue(out.Response.Body),
		}
		if p := out.Response.Payment; p != nil {
			body["payment"] = map[string]any{
				"amount":      p.Amount.String(),
				"txReference": p.TxReference,
				"mode":        p.Mode,
			}
		}
		return jsonResult(body, false)

	case gate.StatusConfirmationRequired:
		c := out.Confirmation
		return jsonResult(map[string]any{
			"status":     string(out.Status),
			"token":      c.Token,
			"tool":       c.Tool,
			"amount":     c.Amount.String(),
			"message":    c.Message,
			"expires_in": c.ExpiresIn,
		}, false)

	case gate.StatusDenied:
		return jsonResult(map[string]any{
			"status": string(out.Status),
			"tool":   out.Tool,
			"amount": out.Amount.String(),
			"reason": out.Reason,
		}, true)

	case gate.StatusNotFound:
		return jsonResult(map[string]any{
			"status": string(out.Status),
			"reason": out.Reason,
		}, true)

	default:
		if out.Err != nil {
			return failureResult(out.Err)
		}
		return errorResult(out.Reason)
	}
}

// failureResult renders executor errors with enough detail to act on.
func failureResult(err error) *mcpsdk.CallToolResult {
	body := map[string]any{"status": string(gate.StatusFailed), "error": err.Error()}
	var re *payment.RemoteError
	switch {
	case errors.Is(err, payment.ErrWalletNotConfigured):
		body["error"] = payment.ErrWalletNotConfigured.Error()
	case errors.As(err, &re):
		body["status_code"] = re.StatusCode
		body["error"] = re.Message
	}
	return jsonResult(body, true)
}

func bodyValue(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	return string(raw)
}

func prettyBody(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// formatStatus formats today's spending as text.
func formatStatus(st models.SpendingStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Spending for %s (UTC)\n", st.Date)
	fmt.Fprintf(&b, "  Spent today:           %s\n", budget.FormatAmount(st.TotalSpent))
	fmt.Fprintf(&b, "  Daily limit:           %s\n", budget.FormatAmount(st.DailyLimit))
	fmt.Fprintf(&b, "  Remaining:             %s\n", budget.FormatAmount(st.RemainingBudget))
	fmt.Fprintf(&b, "  Per-transaction limit: %s\n", budget.FormatAmount(st.PerTransactionLimit))
	fmt.Fprintf(&b, "  Confirm above:         %s\n", budget.FormatAmount(st.ConfirmationThreshold))

	if len(st.Transactions) == 0 {
		b.WriteString("\nNo transactions today.\n")
		return b.String()
	}

	txs := st.Transactions
	if len(txs) > recentTransactions {
		fmt.Fprintf(&b, "\nShowing last %d of %d transactions.\n", recentTransactions, len(txs))
		txs = txs[len(txs)-recentTransactions:]
	}
	fmt.Fprintf(&b, "\n%-10s %-12s %10s  %s\n", "Time", "Tool", "Amount", "Tx Reference")
	b.WriteString(strings.Repeat("-", 60) + "\n")
	for _, tx := range txs {
		fmt.Fprintf(&b, "%-10s %-12s %10s  %s\n",
			tx.Timestamp.Format("15:04:05"), tx.Tool, budget.FormatAmount(tx.Amount), tx.TxReference)
	}
	return b.String()
}

func (s *Server) readSpending(_ context.Context, req *mcpsdk.ReadResourceRequest) (*mcpsdk.ReadResourceResult, error) {
	b, err := json.MarshalIndent(s.ledger.Status(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode spending status: %w", err)
	}
	return &mcpsdk.ReadResourceResult{
		Contents: []*mcpsdk.ResourceContents{{
			URI:      spendingResourceURI,
			MIMEType: "application/json",
			Text:     string(b),
		}},
	}, nil
}
