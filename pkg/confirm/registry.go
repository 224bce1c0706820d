package confirm

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pario-ai/tithe/pkg/budget"
	"github.com/pario-ai/tithe/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	// DefaultTTL is how long a confirmation token stays valid.
	DefaultTTL = 5 * time.Minute
	// DefaultSweepInterval is how often expired tokens are purged.
	DefaultSweepInterval = 60 * time.Second

	tokenBytes = 16
)

// Registry holds paid actions awaiting confirmation. Tokens are single-use:
// a consumed or expired token looks exactly like one that never existed.
type Registry struct {
	mu      sync.Mutex
	pending map[string]models.PendingConfirmation

	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTTL overrides the token lifetime.
func WithTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.ttl = ttl }
}

// WithSweepInterval sets how often expired entries are purged. Zero disables
// the background sweep.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a Registry and starts its sweep goroutine. Call Close
// to stop it.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		pending:       make(map[string]models.PendingConfirmation),
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        slog.Default().With("component", "confirm"),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.sweepInterval > 0 {
		r.wg.Add(1)
		go r.sweepLoop()
	}
	return r
}

// Create parks a paid action and returns the token the caller must present
// to run it. The returned payload never includes args.
func (r *Registry) Create(tool string, amount decimal.Decimal, args json.RawMessage) (models.ConfirmationRequired, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var token string
	for {
		t, err := newToken()
		if err != nil {
			return models.ConfirmationRequired{}, fmt.Errorf("generate confirmation token: %w", err)
		}
		if _, taken := r.pending[t]; !taken {
			token = t
			break
		}
	}

	now := r.now()
	r.pending[token] = models.PendingConfirmation{
		Token:     token,
		Tool:      tool,
		Amount:    amount,
		Args:      append(json.RawMessage(nil), args...),
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}

	return models.ConfirmationRequired{
		Token:  token,
		Tool:   tool,
		Amount: amount,
		Message: fmt.Sprintf("%s costs %s. Call confirm_payment with this token within %s to proceed.",
			tool, budget.FormatAmount(amount), r.ttl),
		ExpiresIn: int(r.ttl / time.Second),
	}, nil
}

// Lookup returns the pending action for token without consuming it.
func (r *Registry) Lookup(token string) (models.PendingConfirmation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(token)
}

// Consume returns the pending action for token and removes it. At most one
// caller ever receives a given entry.
func (r *Registry) Consume(token string) (models.PendingConfirmation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.lookupLocked(token)
	if ok {
		delete(r.pending, token)
	}
	return p, ok
}

// Sweep removes expired entries and returns how many were dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for token, p := range r.pending {
		if now.After(p.ExpiresAt) {
			delete(r.pending, token)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired ones included until swept.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
	return nil
}

func (r *Registry) lookupLocked(token string) (models.PendingConfirmation, bool) {
	p, ok := r.pending[token]
	if !ok {
		return models.PendingConfirmation{}, false
	}
	if r.now().After(p.ExpiresAt) {
		delete(r.pending, token)
		return models.PendingConfirmation{}, false
	}
	return p, true
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("swept expired confirmations", "count", n)
			}
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
