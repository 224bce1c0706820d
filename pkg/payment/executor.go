package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	x402 "github.com/coinbase/x402/go"
	"github.com/pario-ai/tithe/pkg/models"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	// AgentIDHeader carries the calling agent's identifier.
	AgentIDHeader = "X-Agent-ID"

	maxResponseBody = 4 << 20
)

// Spender is the subset of the spending ledger the executor needs.
type Spender interface {
	CheckLimit(amount decimal.Decimal) models.SpendingCheck
	RecordSpend(tool string, amount decimal.Decimal, txReference string) models.Transaction
}

// Wallet turns a 402 challenge into payment proof headers for a retry of req,
// paying exactly the given quote.
type Wallet interface {
	Pay(ctx context.Context, challenge *http.Response, req *http.Request, quote Quote) (http.Header, error)
}

// Request describes one call to the remote API.
type Request struct {
	Method string
	Path   string
	Body   any
	Tool   string
	// ExpectedAmount is the quoted price, if the call is paid.
	ExpectedAmount *decimal.Decimal
}

// Response is a successful remote response.
type Response struct {
	StatusCode int
	Body       []byte
	Payment    *models.PaymentResult
}

// Executor performs remote calls, settles 402 challenges through a Wallet and
// records cleared payments in the ledger.
type Executor struct {
	baseURL string
	agentID string
	client  *http.Client
	wallet  Wallet
	ledger  Spender
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithWallet enables payment. Without a wallet a 402 fails with
// ErrWalletNotConfigured.
func WithWallet(w Wallet) Option {
	return func(e *Executor) { e.wallet = w }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithAgentID sets the value of the X-Agent-ID header.
func WithAgentID(id string) Option {
	return func(e *Executor) { e.agentID = id }
}

// WithRateLimit limits outbound requests to rps per second. Zero disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *Executor) {
		if rps <= 0 {
			e.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor for the API at baseURL.
func NewExecutor(baseURL string, ledger Spender, opts ...Option) *Executor {
	e := &Executor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		ledger:  ledger,
		logger:  slog.Default().With("component", "payment"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HasWallet reports whether payments can be made.
func (e *Executor) HasWallet() bool {
	return e.wallet != nil
}

// Do sends req. With a wallet and an expected amount the ledger is checked
// first. A 402 is answered once with payment proof for the cheapest offered
// option the ledger allows; calls without an expected amount never pay.
// Transport errors are returned as-is and never retried.
func (e *Executor) Do(ctx context.Context, req Request) (*Response, error) {
	if e.wallet != nil && req.ExpectedAmount != nil {
		if check := e.ledger.CheckLimit(*req.ExpectedAmount); !check.Allowed {
			return nil, &BudgetError{Check: check}
		}
	}

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	resp, err := e.send(ctx, req, body, nil)
	if err != nil {
		return nil, err
	}

	var (
		proof http.Header
		paid  *Quote
	)
	if resp.StatusCode == http.StatusPaymentRequired {
		if e.wallet == nil {
			drain(resp)
			return nil, ErrWalletNotConfigured
		}
		if req.ExpectedAmount == nil {
			drain(resp)
			e.logger.Warn("refused payment for unpriced call", "tool", req.Tool, "path", req.Path)
			return nil, ErrUnpricedPayment
		}
		quote, err := e.chooseQuote(req, resp)
		if err != nil {
			drain(resp)
			return nil, err
		}
		proof, err = e.negotiate(ctx, req, body, resp, quote)
		if err != nil {
			return nil, err
		}
		paid = &quote
		resp, err = e.send(ctx, req, body, proof)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Tool, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteError{StatusCode: resp.StatusCode, Message: remoteMessage(raw, resp.StatusCode)}
	}

	out := &Response{StatusCode: resp.StatusCode, Body: raw, Payment: paymentFromBody(raw)}
	if out.Payment == nil && paid != nil {
		if settled, ok := settlementFromHeader(resp.Header); ok {
			out.Payment = &models.PaymentResult{
				Amount:      paid.Amount,
				TxReference: settled.Transaction,
				Mode:        "x402",
			}
		}
	}

	if out.Payment != nil {
		tx := e.ledger.RecordSpend(req.Tool, out.Payment.Amount, out.Payment.TxReference)
		e.logger.Info("payment settled",
			"tool", req.Tool,
			"amount", tx.Amount.String(),
			"tx_reference", tx.TxReference,
			"mode", out.Payment.Mode,
		)
	}
	return out, nil
}

// chooseQuote picks the cheapest option of challenge that passes the ledger.
// The challenge body is buffered so the wallet can read it again.
func (e *Executor) chooseQuote(req Request, challenge *http.Response) (Quote, error) {
	raw, err := io.ReadAll(io.LimitReader(challenge.Body, maxResponseBody))
	challenge.Body.Close()
	if err != nil {
		return Quote{}, fmt.Errorf("read payment challenge for %s: %w", req.Tool, err)
	}
	challenge.Body = io.NopCloser(bytes.NewReader(raw))

	quotes, err := parseChallenge(challenge.Header, raw)
	if err != nil {
		return Quote{}, fmt.Errorf("payment challenge for %s: %w", req.Tool, err)
	}

	var denied models.SpendingCheck
	for i, q := range quotes {
		check := e.ledger.CheckLimit(q.Amount)
		if check.Allowed {
			return q, nil
		}
		if i == 0 {
			denied = check
		}
	}
	e.logger.Warn("payment challenge over budget",
		"tool", req.Tool,
		"cheapest", quotes[0].Amount.String(),
		"reason", denied.Reason,
	)
	return Quote{}, &BudgetError{Check: denied}
}

func (e *Executor) negotiate(ctx context.Context, req Request, body []byte, challenge *http.Response, quote Quote) (http.Header, error) {
	defer drain(challenge)

	httpReq, err := e.newRequest(ctx, req, body, nil)
	if err != nil {
		return nil, err
	}
	proof, err := e.wallet.Pay(ctx, challenge, httpReq, quote)
	if err != nil {
		return nil, fmt.Errorf("negotiate payment for %s: %w", req.Tool, err)
	}
	e.logger.Debug("payment proof created", "tool", req.Tool, "amount", quote.Amount.String())
	return proof, nil
}

func (e *Executor) send(ctx context.Context, req Request, body []byte, proof http.Header) (*http.Response, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	httpReq, err := e.newRequest(ctx, req, body, proof)
	if err != nil {
		return nil, err
	}
	return e.client.Do(httpReq)
}

func (e *Executor) newRequest(ctx context.Context, req Request, body []byte, proof http.Header) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, e.baseURL+req.Path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if e.agentID != "" {
		httpReq.Header.Set(AgentIDHeader, e.agentID)
	}
	for k, v := range proof {
		for _, vv := range v {
			httpReq.Header.Add(k, vv)
		}
	}
	return httpReq, nil
}

func encodeBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return b, nil
}

func paymentFromBody(raw []byte) *models.PaymentResult {
	var envelope struct {
		Payment *struct {
			Amount      *decimal.Decimal `json:"amount"`
			TxReference string           `json:"txReference"`
			Mode        string           `json:"mode"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	if envelope.Payment == nil || envelope.Payment.Amount == nil {
		return nil
	}
	return &models.PaymentResult{
		Amount:      *envelope.Payment.Amount,
		TxReference: envelope.Payment.TxReference,
		Mode:        envelope.Payment.Mode,
	}
}

func settlementFromHeader(h http.Header) (x402.SettleResponse, bool) {
	v := h.Get("PAYMENT-RESPONSE")
	if v == "" {
		v = h.Get("X-PAYMENT-RESPONSE")
	}
	if v == "" {
		return x402.SettleResponse{}, false
	}
	data, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return x402.SettleResponse{}, false
	}
	var settled x402.SettleResponse
	if err := json.Unmarshal(data, &settled); err != nil || !settled.Success {
		return x402.SettleResponse{}, false
	}
	return settled, true
}

func remoteMessage(raw []byte, status int) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return http.StatusText(status)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	resp.Body.Close()
}
