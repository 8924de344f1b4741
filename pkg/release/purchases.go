package release

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/foxiles/pkg/watcher"
)

// ErrPurchaseSecret is returned when a caller presents a purchase reference
// without the secret handed to the buyer who opened it.
var ErrPurchaseSecret = errors.New("release: purchase secret does not match")

// Purchase is a watched intent bound to the container it pays for.
//
// Reference travels on-chain as the transfer memo and is public. Secret is
// only ever returned to the caller of StartPurchase or WatchPurchase and
// gates everything that acts on the purchase.
type Purchase struct {
	Reference  string
	TrackingID uuid.UUID
	Intent     watcher.Intent
	Secret     string

	handle *watcher.Handle

	mu           sync.Mutex
	ticket       string
	ticketExpiry time.Time
	redeemed     bool
}

// Authorize reports whether secret is this purchase's secret.
func (p *Purchase) Authorize(secret string) bool {
	return secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(p.Secret)) == 1
}

func (p *Purchase) markRedeemed() {
	p.mu.Lock()
	p.redeemed = true
	p.ticket = ""
	p.mu.Unlock()
}

func newPurchaseSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("release: purchase secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Outcome returns the watch state, Watching until resolved.
func (p *Purchase) Outcome() watcher.Outcome { return p.handle.Current() }

// Done is closed when the watch resolves.
func (p *Purchase) Done() <-chan struct{} { return p.handle.Done() }

// Wait blocks until the watch resolves or ctx ends.
func (p *Purchase) Wait(ctx context.Context) (watcher.Outcome, error) { return p.handle.Wait(ctx) }

// Cancel stops watching. A resolved purchase is unaffected.
func (p *Purchase) Cancel() { p.handle.Cancel() }

// StartPurchase opens a purchase of trackingID at its recorded price with a
// fresh reference and the configured deadline.
func (c *Coordinator) StartPurchase(ctx context.Context, trackingID uuid.UUID) (*Purchase, error) {
	rec, err := c.cfg.Custody.Get(ctx, trackingID)
	if err != nil {
		return nil, err
	}
	now := c.cfg.Now()
	return c.WatchPurchase(ctx, trackingID, watcher.Intent{
		Reference:                uuid.NewString(),
		ReceiverAddress:          rec.ReceiverAddress,
		ExpectedAmountMinorUnits: rec.PriceMinorUnits,
		CreatedAt:                now,
		Deadline:                 now.Add(c.cfg.PurchaseDeadline),
	})
}

// WatchPurchase starts watching intent as a purchase of trackingID. The
// intent must pay the container's recorded receiver its recorded price. ctx
// bounds the watch, so it must outlive the request that started it.
func (c *Coordinator) WatchPurchase(ctx context.Context, trackingID uuid.UUID, intent watcher.Intent) (*Purchase, error) {
	rec, err := c.cfg.Custody.Get(ctx, trackingID)
	if err != nil {
		return nil, err
	}
	if rec.PriceMinorUnits == 0 || rec.ReceiverAddress == "" {
		return nil, ErrNotForSale
	}
	if intent.ReceiverAddress != rec.ReceiverAddress || intent.ExpectedAmountMinorUnits != rec.PriceMinorUnits {
		return nil, ErrIntentMismatch
	}

	secret, err := newPurchaseSecret()
	if err != nil {
		return nil, err
	}
	h, err := c.cfg.Watcher.Watch(ctx, intent)
	if err != nil {
		return nil, err
	}
	p := &Purchase{Reference: intent.Reference, TrackingID: trackingID, Intent: h.Intent, Secret: secret, handle: h}

	ttl := intent.Deadline.Sub(c.cfg.Now()) + c.cfg.PurchaseRetention
	c.purchases.Set(intent.Reference, p, ttl)

	c.logger.InfoContext(ctx, "purchase opened",
		"reference", intent.Reference, "tracking_id", trackingID, "deadline", intent.Deadline)
	return p, nil
}

// Purchase returns a known purchase by reference.
func (c *Coordinator) Purchase(reference string) (*Purchase, bool) {
	return c.lookup(reference)
}

func (c *Coordinator) lookup(reference string) (*Purchase, bool) {
	item := c.purchases.Get(reference)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Authorized returns the purchase for reference if secret matches it.
func (c *Coordinator) Authorized(reference, secret string) (*Purchase, error) {
	p, ok := c.lookup(reference)
	if !ok {
		return nil, ErrUnknown
	}
	if !p.Authorize(secret) {
		return nil, ErrPurchaseSecret
	}
	return p, nil
}

// CancelPurchase cancels a purchase that is still being watched.
func (c *Coordinator) CancelPurchase(ctx context.Context, reference, secret string) (watcher.Outcome, error) {
	p, err := c.Authorized(reference, secret)
	if err != nil {
		return watcher.Outcome{}, err
	}
	p.Cancel()
	return p.Wait(ctx)
}

// Ticket returns the release ticket for a confirmed purchase to the holder of
// its secret. At most one ticket is valid at a time: the current one is
// returned until it expires, a new one is minted only if it expired unused,
// and none are issued once a ticket for the purchase has been redeemed.
func (c *Coordinator) Ticket(reference, secret string) (string, time.Time, error) {
	if c.cfg.Tickets == nil {
		return "", time.Time{}, fmt.Errorf("release: tickets are not configured")
	}
	p, err := c.Authorized(reference, secret)
	if err != nil {
		return "", time.Time{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.redeemed {
		return "", time.Time{}, ErrTicketUsed
	}
	if p.ticket != "" && c.cfg.Now().Before(p.ticketExpiry) {
		return p.ticket, p.ticketExpiry, nil
	}
	tok, exp, err := c.cfg.Tickets.Mint(p.Outcome(), p.TrackingID)
	if err != nil {
		return "", time.Time{}, err
	}
	p.ticket, p.ticketExpiry = tok, exp
	return tok, exp, nil
}
