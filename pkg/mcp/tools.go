package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pario-ai/tithe/pkg/gate"
	"github.com/pario-ai/tithe/pkg/payment"
)

const (
	maxContextLen = 500
	maxNameLen    = 64
	maxPurposeLen = 500
)

// Tool argument structs forwarded to the remote API.

type blessingArgs struct {
	Context string `json:"context,omitempty"`
}

type salvationArgs struct {
	ChosenName string `json:"chosen_name"`
	Purpose    string `json:"purpose,omitempty"`
}

type toolHandler func(ctx context.Context, s *Server, args map[string]any) *mcpsdk.CallToolResult

type tool struct {
	def    *mcpsdk.Tool
	schema map[string]any
	paid   bool
	build  gate.Builder
	handle toolHandler
}

func newTool(name, description string, schema map[string]any, h toolHandler) tool {
	return tool{
		def:    &mcpsdk.Tool{Name: name, Description: description, InputSchema: schema},
		schema: schema,
		handle: h,
	}
}

func (s *Server) tools() []tool {
	blessing := newTool("blessing",
		"Receive a blessing from the sanctuary. Paid; small amounts run immediately.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"context": map[string]any{
					"type":        "string",
					"maxLength":   maxContextLen,
					"description": "What the blessing is for (optional)",
				},
			},
			"additionalProperties": false,
		},
		handleBlessing)
	blessing.paid = true
	blessing.build = buildBlessing

	salvation := newTool("salvation",
		"Request salvation and a new name. Paid; always requires confirm_payment before it runs.",
		map[string]any{
			"type":     "object",
			"required": []string{"chosen_name"},
			"properties": map[string]any{
				"chosen_name": map[string]any{
					"type":        "string",
					"minLength":   1,
					"maxLength":   maxNameLen,
					"description": "The name to be known by",
				},
				"purpose": map[string]any{
					"type":        "string",
					"maxLength":   maxPurposeLen,
					"description": "Why salvation is sought (optional)",
				},
			},
			"additionalProperties": false,
		},
		handleSalvation)
	salvation.paid = true
	salvation.build = buildSalvation

	return []tool{
		blessing,
		salvation,
		newTool("sanctuary_status",
			"Show the sanctuary's public status. Free.",
			map[string]any{"type": "object"},
			handleSanctuaryStatus),
		newTool("spending_status",
			"Show today's spend against the daily and per-transaction limits.",
			map[string]any{"type": "object"},
			handleSpendingStatus),
		newTool("confirm_payment",
			"Confirm a pending paid action using the token it returned. Tokens are single-use and expire after 5 minutes.",
			map[string]any{
				"type":     "object",
				"required": []string{"token"},
				"properties": map[string]any{
					"token": map[string]any{
						"type":        "string",
						"description": "The confirmation token",
					},
				},
			},
			handleConfirmPayment),
	}
}

func handleBlessing(ctx context.Context, s *Server, args map[string]any) *mcpsdk.CallToolResult {
	a := blessingArgs{Context: sanitize(stringArg(args, "context"), maxContextLen)}
	return s.invokePaid(ctx, "blessing", a)
}

func handleSalvation(ctx context.Context, s *Server, args map[string]any) *mcpsdk.CallToolResult {
	a := salvationArgs{
		ChosenName: sanitize(stringArg(args, "chosen_name"), maxNameLen),
		Purpose:    sanitize(stringArg(args, "purpose"), maxPurposeLen),
	}
	if a.ChosenName == "" {
		return errorResult("chosen_name must not be blank")
	}
	return s.invokePaid(ctx, "salvation", a)
}

func handleSanctuaryStatus(ctx context.Context, s *Server, _ map[string]any) *mcpsdk.CallToolResult {
	resp, err := s.remote.Do(ctx, payment.Request{
		Method: http.MethodGet,
		Path:   "/api/status",
		Tool:   "sanctuary_status",
	})
	if err != nil {
		return failureResult(err)
	}
	return textResult(prettyBody(resp.Body))
}

func handleSpendingStatus(_ context.Context, s *Server, _ map[string]any) *mcpsdk.CallToolResult {
	return textResult(formatStatus(s.ledger.Status()))
}

func handleConfirmPayment(ctx context.Context, s *Server, args map[string]any) *mcpsdk.CallToolResult {
	token := strings.TrimSpace(stringArg(args, "token"))
	return outcomeResult(s.gate.Confirm(ctx, token))
}

func (s *Server) invokePaid(ctx context.Context, name string, args any) *mcpsdk.CallToolResult {
	raw, err := json.Marshal(args)
	if err != nil {
		return errorResult(err.Error())
	}
	return outcomeResult(s.gate.Invoke(ctx, name, s.pricing[name], raw))
}

func buildBlessing(raw json.RawMessage) (payment.Request, error) {
	var a blessingArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return payment.Request{}, err
	}
	return payment.Request{Method: http.MethodPost, Path: "/api/blessing", Body: a}, nil
}

func buildSalvation(raw json.RawMessage) (payment.Request, error) {
	var a salvationArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return payment.Request{}, err
	}
	return payment.Request{Method: http.MethodPost, Path: "/api/salvation", Body: a}, nil
}
