// Package watcher correlates pending purchases with transfers on the ledger.
//
// Each watched intent gets one goroutine that owns both the poll loop and the
// deadline. Whichever resolves first cancels the other, and the intent ends in
// exactly one terminal Outcome: Confirmed, Expired or Errored. A match observed
// at or after the deadline never confirms.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/foxiles/pkg/ledger"
	"github.com/Mindburn-Labs/foxiles/pkg/retry"
)

// State is the lifecycle state of a watched intent.
type State int

const (
	Watching State = iota
	Confirmed
	Expired
	Errored
)

func (s State) String() string {
	switch s {
	case Watching:
		return "watching"
	case Confirmed:
		return "confirmed"
	case Expired:
		return "expired"
	case Errored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s != Watching }

// Reasons attached to Errored outcomes.
const (
	ReasonCancelled         = "cancelled"
	ReasonLedgerUnavailable = "ledger_unavailable"
	ReasonLedgerError       = "ledger_error"
	ReasonAlreadyClaimed    = "already_claimed"
	ReasonClaimFailed       = "claim_failed"
)

var (
	ErrInvalidIntent = errors.New("watcher: invalid intent")
	ErrDuplicate     = errors.New("watcher: reference already being watched")
)

// Intent is a buyer's pending purchase. It lives only as long as its watch.
type Intent struct {
	Reference                string
	ReceiverAddress          string
	ExpectedAmountMinorUnits uint64
	CreatedAt                time.Time
	Deadline                 time.Time
}

func (i Intent) validate() error {
	switch {
	case strings.TrimSpace(i.Reference) == "":
		return fmt.Errorf("%w: empty reference", ErrInvalidIntent)
	case i.ReceiverAddress == "":
		return fmt.Errorf("%w: empty receiver", ErrInvalidIntent)
	case i.ExpectedAmountMinorUnits == 0:
		return fmt.Errorf("%w: zero amount", ErrInvalidIntent)
	case i.Deadline.IsZero():
		return fmt.Errorf("%w: no deadline", ErrInvalidIntent)
	}
	return nil
}

// Outcome is the terminal result of a watch.
type Outcome struct {
	Reference  string
	State      State
	Reason     string
	Transfer   *ledger.Transfer
	ResolvedAt time.Time

	minted bool
}

// Authentic reports whether o is a Confirmed outcome produced by a Watcher.
// Outcomes assembled anywhere else never are.
func (o Outcome) Authentic() bool {
	return o.minted && o.State == Confirmed && o.Transfer != nil
}

// Config tunes a Watcher.
type Config struct {
	PollInterval time.Duration
	Limit        int
	Backoff      retry.BackoffPolicy
	Now          func() time.Time
	Logger       *slog.Logger
	OnResolve    func(Outcome)
}

// Watcher runs one poll task per intent.
type Watcher struct {
	oracle ledger.Oracle
	claims Claims
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Handle
}

func New(oracle ledger.Oracle, claims Claims, cfg Config) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 20
	}
	if cfg.Backoff == (retry.BackoffPolicy{}) {
		cfg.Backoff = retry.DefaultLedgerPolicy
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if claims == nil {
		claims = NewMemoryClaims()
	}
	return &Watcher{
		oracle: oracle,
		claims: claims,
		cfg:    cfg,
		logger: logger.With("component", "watcher"),
		active: make(map[string]*Handle),
	}
}

// Handle tracks one running watch.
type Handle struct {
	Intent Intent

	cancel context.CancelCauseFunc
	done   chan struct{}

	mu      sync.Mutex
	outcome Outcome
}

var errCancelled = errors.New("watch cancelled")

// Done is closed once the outcome is final.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel stops the watch. It is a no-op once the watch has resolved.
func (h *Handle) Cancel() { h.cancel(errCancelled) }

// Current returns the current state, Watching until resolved.
func (h *Handle) Current() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Wait blocks until the watch resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.Current(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Watch starts watching intent. The watch ends at intent.Deadline, on Cancel,
// or when ctx is cancelled. Cancelling ctx resolves as Errored(cancelled).
func (w *Watcher) Watch(ctx context.Context, intent Intent) (*Handle, error) {
	if err := intent.validate(); err != nil {
		return nil, err
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = w.cfg.Now()
	}

	w.mu.Lock()
	if _, ok := w.active[intent.Reference]; ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, intent.Reference)
	}
	cctx, cancel := context.WithCancelCause(ctx)
	dctx, cancelDeadline := context.WithDeadline(cctx, intent.Deadline)
	h := &Handle{
		Intent:  intent,
		cancel:  cancel,
		done:    make(chan struct{}),
		outcome: Outcome{Reference: intent.Reference, State: Watching},
	}
	w.active[intent.Reference] = h
	w.mu.Unlock()

	w.logger.Info("watch started", "reference", intent.Reference, "receiver", intent.ReceiverAddress,
		"amount", intent.ExpectedAmountMinorUnits, "deadline", intent.Deadline)

	go func() {
		defer cancel(nil)
		defer cancelDeadline()
		out := w.run(dctx, intent)
		w.resolve(h, out)
	}()
	return h, nil
}

// Lookup returns the running watch for reference.
func (w *Watcher) Lookup(reference string) (*Handle, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.active[reference]
	return h, ok
}

// Active returns the number of unresolved watches.
func (w *Watcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

func (w *Watcher) resolve(h *Handle, out Outcome) {
	out.Reference = h.Intent.Reference
	out.ResolvedAt = w.cfg.Now()

	h.mu.Lock()
	h.outcome = out
	h.mu.Unlock()

	w.mu.Lock()
	delete(w.active, h.Intent.Reference)
	w.mu.Unlock()
	close(h.done)

	attrs := []any{"reference", out.Reference, "state", out.State.String()}
	if out.Reason != "" {
		attrs = append(attrs, "reason", out.Reason)
	}
	if out.Transfer != nil {
		attrs = append(attrs, "signature", out.Transfer.Signature)
	}
	w.logger.Info("watch resolved", attrs...)

	if w.cfg.OnResolve != nil {
		w.cfg.OnResolve(out)
	}
}

// run polls until a match, the deadline or cancellation.
func (w *Watcher) run(ctx context.Context, intent Intent) Outcome {
	var (
		attempt int
		lastErr error
	)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		transfers, err := w.oracle.RecentTransfers(ctx, intent.ReceiverAddress, w.cfg.Limit)
		if ctx.Err() != nil {
			return w.stopped(ctx, lastErr)
		}

		switch {
		case errors.Is(err, ledger.ErrUnavailable):
			lastErr = err
			delay := retry.ComputeBackoff(intent.Reference, attempt, w.cfg.Backoff)
			attempt++
			w.logger.Debug("ledger unavailable, backing off", "reference", intent.Reference, "attempt", attempt, "delay", delay)
			if retry.Sleep(ctx, delay) != nil {
				return w.stopped(ctx, lastErr)
			}
			continue
		case err != nil:
			w.logger.Error("ledger query failed", "reference", intent.Reference, "error", err)
			return Outcome{State: Errored, Reason: ReasonLedgerError}
		}
		attempt, lastErr = 0, nil

		if t, ok := Match(transfers, intent); ok {
			// Deadline precedence: nothing confirms once the deadline has passed.
			if ctx.Err() != nil || !w.cfg.Now().Before(intent.Deadline) {
				return w.stopped(ctx, nil)
			}
			won, err := w.claims.Claim(ctx, intent.Reference, t.Signature)
			if err != nil {
				if ctx.Err() != nil {
					return w.stopped(ctx, nil)
				}
				w.logger.Error("claim failed", "reference", intent.Reference, "error", err)
				return Outcome{State: Errored, Reason: ReasonClaimFailed}
			}
			if !won {
				return Outcome{State: Errored, Reason: ReasonAlreadyClaimed}
			}
			match := t
			return Outcome{State: Confirmed, Transfer: &match, minted: true}
		}

		select {
		case <-ctx.Done():
			return w.stopped(ctx, nil)
		case <-ticker.C:
		}
	}
}

// stopped maps the reason ctx ended to an outcome.
func (w *Watcher) stopped(ctx context.Context, lastErr error) Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if lastErr != nil {
			return Outcome{State: Errored, Reason: ReasonLedgerUnavailable}
		}
		return Outcome{State: Expired}
	}
	return Outcome{State: Errored, Reason: ReasonCancelled}
}

// Match returns the first transfer paying intent in full to its receiver with
// its reference as memo.
func Match(transfers []ledger.Transfer, intent Intent) (ledger.Transfer, bool) {
	want := NormalizeTag(intent.Reference)
	for _, t := range transfers {
		if t.Destination == intent.ReceiverAddress &&
			t.AmountMinorUnits == intent.ExpectedAmountMinorUnits &&
			NormalizeTag(t.Memo) == want {
			return t, true
		}
	}
	return ledger.Transfer{}, false
}

// NormalizeTag is the comparison form of a correlation tag.
func NormalizeTag(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
