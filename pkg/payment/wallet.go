package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	x402 "github.com/coinbase/x402/go"
	x402http "github.com/coinbase/x402/go/http"
	evm "github.com/coinbase/x402/go/mechanisms/evm/exact/client"
	evmsigners "github.com/coinbase/x402/go/signers/evm"
)

// DefaultNetwork matches every EVM chain.
const DefaultNetwork = "eip155:*"

var errNoProof = errors.New("payment client produced no payment proof")

// X402Wallet pays 402 challenges with an EVM key through the x402 client.
type X402Wallet struct {
	network x402.Network
	scheme  *evm.ExactEvmScheme
}

// NewX402Wallet creates a wallet signing with privateKey for network.
func NewX402Wallet(privateKey, network string) (*X402Wallet, error) {
	if network == "" {
		network = DefaultNetwork
	}
	signer, err := evmsigners.NewClientSignerFromPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("create evm signer: %w", err)
	}
	return &X402Wallet{
		network: x402.Network(network),
		scheme:  evm.NewExactEvmScheme(signer),
	}, nil
}

// Pay replays challenge to the x402 payment transport and returns the proof
// headers it attaches to its retry. Only quote may be signed. Nothing is sent
// over the network; the caller performs the paid retry itself.
func (w *X402Wallet) Pay(ctx context.Context, challenge *http.Response, req *http.Request, quote Quote) (http.Header, error) {
	body, err := io.ReadAll(io.LimitReader(challenge.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read payment challenge: %w", err)
	}

	replay := &challengeReplay{
		status:   challenge.StatusCode,
		header:   challenge.Header.Clone(),
		body:     body,
		original: req.Header.Clone(),
	}
	client := x402.Newx402Client(x402.WithPaymentSelector(selectQuote(quote))).
		Register(w.network, w.scheme)
	paying := x402http.WrapHTTPClientWithPayment(&http.Client{Transport: replay}, x402http.Newx402HTTPClient(client))

	resp, err := paying.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	resp.Body.Close()

	proof := replay.proof()
	if len(proof) == 0 {
		return nil, errNoProof
	}
	return proof, nil
}

// selectQuote restricts the x402 client to the option the ledger approved.
// Any other option yields empty requirements, which the client refuses to
// sign.
func selectQuote(quote Quote) x402.PaymentRequirementsSelector {
	return func(_ int, requirements []x402.PaymentRequirements) x402.PaymentRequirements {
		for _, r := range requirements {
			if quote.matches(r) {
				return r
			}
		}
		return x402.PaymentRequirements{}
	}
}

// challengeReplay answers the first round trip with the recorded challenge
// and captures the headers added to the second.
type challengeReplay struct {
	status   int
	header   http.Header
	body     []byte
	original http.Header

	mu       sync.Mutex
	calls    int
	captured http.Header
}

func (c *challengeReplay) RoundTrip(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++

	if c.calls == 1 {
		return &http.Response{
			StatusCode: c.status,
			Status:     fmt.Sprintf("%d %s", c.status, http.StatusText(c.status)),
			Header:     c.header.Clone(),
			Body:       io.NopCloser(bytes.NewReader(c.body)),
			Request:    req,
		}, nil
	}

	c.captured = make(http.Header)
	for k, v := range req.Header {
		if _, ok := c.original[k]; ok {
			continue
		}
		c.captured[k] = append([]string(nil), v...)
	}
	return &http.Response{
		StatusCode: http.StatusNoContent,
		Status:     "204 No Content",
		Header:     make(http.Header),
		Body:       http.NoBody,
		Request:    req,
	}, nil
}

func (c *challengeReplay) proof() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captured
}
