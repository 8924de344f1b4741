package release

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/Mindburn-Labs/foxiles/pkg/watcher"
)

const ticketIssuer = "foxiles/release"

var (
	ErrNotConfirmed  = errors.New("release: purchase is not confirmed")
	ErrTicketInvalid = errors.New("release: invalid ticket")
	ErrTicketUsed    = errors.New("release: ticket already redeemed or expired")
)

// TicketClaims bind a confirmed purchase to the container it pays for.
type TicketClaims struct {
	jwt.RegisteredClaims
	Reference  string `json:"ref"`
	TrackingID string `json:"tid"`
	Signature  string `json:"sig"`
}

type issuedTicket struct {
	outcome    watcher.Outcome
	trackingID uuid.UUID
}

// Tickets mints and redeems single-use release tickets. A ticket is an HS256
// JWT; its jti must still be present in the local cache to redeem, so a ticket
// works once and only on the process that minted it.
type Tickets struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	issued *ttlcache.Cache[string, issuedTicket]
}

// NewTickets returns a ticket issuer. Call Close to stop its expiry loop.
func NewTickets(secret []byte, ttl time.Duration) (*Tickets, error) {
	if len(secret) < 32 {
		return nil, errors.New("release: ticket secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cache := ttlcache.New[string, issuedTicket](
		ttlcache.WithDisableTouchOnHit[string, issuedTicket](),
		ttlcache.WithTTL[string, issuedTicket](ttl),
	)
	go cache.Start()

	return &Tickets{secret: secret, ttl: ttl, now: time.Now, issued: cache}, nil
}

// Mint issues a ticket for a watcher-produced Confirmed outcome.
func (t *Tickets) Mint(o watcher.Outcome, trackingID uuid.UUID) (string, time.Time, error) {
	if !o.Authentic() {
		return "", time.Time{}, ErrNotConfirmed
	}
	now := t.now().UTC()
	exp := now.Add(t.ttl)
	id := uuid.NewString()

	claims := TicketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   trackingID.String(),
			Issuer:    ticketIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Reference:  o.Reference,
		TrackingID: trackingID.String(),
		Signature:  o.Transfer.Signature,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("release: sign ticket: %w", err)
	}
	t.issued.Set(id, issuedTicket{outcome: o, trackingID: trackingID}, t.ttl)
	return signed, exp, nil
}

// Redeem validates a ticket and consumes it.
func (t *Tickets) Redeem(token string) (watcher.Outcome, uuid.UUID, error) {
	claims := &TicketClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ticketIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return watcher.Outcome{}, uuid.Nil, ErrTicketUsed
		}
		return watcher.Outcome{}, uuid.Nil, fmt.Errorf("%w: %v", ErrTicketInvalid, err)
	}

	item, ok := t.issued.GetAndDelete(claims.ID)
	if !ok || item.IsExpired() {
		return watcher.Outcome{}, uuid.Nil, ErrTicketUsed
	}
	got := item.Value()
	if got.trackingID.String() != claims.TrackingID || got.outcome.Reference != claims.Reference {
		return watcher.Outcome{}, uuid.Nil, ErrTicketInvalid
	}
	return got.outcome, got.trackingID, nil
}

// Close stops the expiry loop.
func (t *Tickets) Close() {
	t.issued.Stop()
}
