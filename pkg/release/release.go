// Package release is the only path from a confirmed purchase to plaintext.
//
// Protect encrypts and frames content, wraps its key into custody and stores
// the container. Release decodes a container, checks that the outcome it is
// given was minted by the watcher for a purchase of that very container, runs
// the tamper policy and only then unwraps the key and decrypts. Every refusal
// produces an empty result and never touches the cipher.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/Mindburn-Labs/foxiles/pkg/artifacts"
	"github.com/Mindburn-Labs/foxiles/pkg/container"
	"github.com/Mindburn-Labs/foxiles/pkg/custody"
	"github.com/Mindburn-Labs/foxiles/pkg/kms"
	"github.com/Mindburn-Labs/foxiles/pkg/observability"
	"github.com/Mindburn-Labs/foxiles/pkg/seal"
	"github.com/Mindburn-Labs/foxiles/pkg/tamper"
	"github.com/Mindburn-Labs/foxiles/pkg/watcher"
	"github.com/Mindburn-Labs/foxiles/pkg/watermark"
)

// Reasons for refusals that happen before the tamper policy runs.
const (
	ReasonNotConfirmed    = "not_confirmed"
	ReasonPurchaseUnbound = "purchase_unbound"
)

var (
	ErrNotOwner       = errors.New("release: caller does not own this container")
	ErrNotForSale     = errors.New("release: container has no price or receiver")
	ErrIntentMismatch = errors.New("release: intent does not match the container's price or receiver")
	ErrUnknown        = errors.New("release: unknown purchase")
)

// Config wires a Coordinator. Keys, Custody, Artifacts and Watcher are required.
type Config struct {
	Keys      kms.KeyWrapper
	Custody   custody.Store
	Artifacts artifacts.Store
	Watcher   *watcher.Watcher
	Policy    *tamper.Policy
	Tickets   *Tickets
	Filter    watermark.Filter
	Telemetry *observability.Provider

	PurchaseDeadline  time.Duration
	PurchaseRetention time.Duration
	Now               func() time.Time
	Logger            *slog.Logger
}

// Coordinator protects content and releases it against confirmed purchases.
type Coordinator struct {
	cfg       Config
	logger    *slog.Logger
	purchases *ttlcache.Cache[string, *Purchase]
}

// New validates cfg and returns a Coordinator. Call Close when done.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Keys == nil:
		return nil, errors.New("release: key wrapper is required")
	case cfg.Custody == nil:
		return nil, errors.New("release: custody store is required")
	case cfg.Artifacts == nil:
		return nil, errors.New("release: container store is required")
	case cfg.Watcher == nil:
		return nil, errors.New("release: watcher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = tamper.NewPolicy(cfg.Logger)
	}
	if cfg.Filter == nil {
		cfg.Filter = watermark.Passthrough{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = observability.Disabled()
	}
	if cfg.PurchaseDeadline <= 0 {
		cfg.PurchaseDeadline = 5 * time.Minute
	}
	if cfg.PurchaseRetention <= 0 {
		cfg.PurchaseRetention = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	purchases := ttlcache.New[string, *Purchase](
		ttlcache.WithDisableTouchOnHit[string, *Purchase](),
	)
	purchases.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *Purchase]) {
		item.Value().Cancel()
	})
	go purchases.Start()

	return &Coordinator{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "release"),
		purchases: purchases,
	}, nil
}

// Close stops background expiry and cancels any purchase still being watched.
func (c *Coordinator) Close() {
	c.purchases.Stop()
	c.purchases.DeleteAll()
}

// ProtectRequest describes content to protect.
type ProtectRequest struct {
	Plaintext       []byte
	Owner           string
	ContentKind     string
	Rules           container.RuleSet
	Fingerprint     container.Fingerprint
	PriceMinorUnits uint64
	ReceiverAddress string
}

// Protected is the output of Protect. Key is the uploader's copy of the
// content key and must not be logged.
type Protected struct {
	Container    []byte
	Key          []byte
	Metadata     container.Metadata
	ContainerRef string
}

// Seal encrypts plaintext under a fresh key and frames it. It touches no store.
func Seal(plaintext []byte, owner, contentKind string, rules container.RuleSet, fp container.Fingerprint, createdAt time.Time) ([]byte, []byte, container.Metadata, error) {
	key, err := seal.GenerateKey()
	if err != nil {
		return nil, nil, container.Metadata{}, err
	}
	iv, ct, err := seal.Encrypt(plaintext, key)
	if err != nil {
		return nil, nil, container.Metadata{}, err
	}
	m := container.NewMetadata(owner, contentKind, rules, fp, iv, createdAt.Unix())
	data, err := container.Encode(m, ct)
	if err != nil {
		return nil, nil, container.Metadata{}, err
	}
	return data, key, m, nil
}

// Open decrypts a container with a key its holder already has.
func Open(data, key []byte) ([]byte, container.Metadata, error) {
	m, payload, err := container.Decode(data)
	if err != nil {
		return nil, container.Metadata{}, err
	}
	plain, err := seal.Decrypt(payload, key, m.InitializationVector)
	if err != nil {
		return nil, m, err
	}
	return plain, m, nil
}

// Protect watermarks, encrypts, frames and stores content and records custody
// of its key.
func (c *Coordinator) Protect(ctx context.Context, req ProtectRequest) (*Protected, error) {
	if container.NormalizeIdentity(req.Owner) == "" {
		return nil, errors.New("release: owner identity is required")
	}
	kind := container.NormalizeKind(req.ContentKind)
	plaintext, err := c.cfg.Filter.Apply(ctx, kind, container.NormalizeIdentity(req.Owner), req.Plaintext)
	if err != nil {
		return nil, err
	}

	data, key, m, err := Seal(plaintext, req.Owner, kind, req.Rules, req.Fingerprint, c.cfg.Now())
	if err != nil {
		return nil, err
	}
	ref, err := c.store(ctx, m, data, key, req.PriceMinorUnits, req.ReceiverAddress)
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "content protected",
		"tracking_id", m.TrackingID, "owner", m.OwnerIdentity, "kind", m.ContentKind, "container_ref", ref)
	return &Protected{Container: data, Key: key, Metadata: m, ContainerRef: ref}, nil
}

func (c *Coordinator) store(ctx context.Context, m container.Metadata, data, key []byte, price uint64, receiver string) (string, error) {
	wrapped, err := c.cfg.Keys.WrapKey(key, m.TrackingID)
	if err != nil {
		return "", err
	}
	ref, err := c.cfg.Artifacts.Store(ctx, data)
	if err != nil {
		return "", fmt.Errorf("release: store container: %w", err)
	}
	rec := custody.Record{
		TrackingID:      m.TrackingID,
		OwnerIdentity:   m.OwnerIdentity,
		WrappedKey:      wrapped,
		ContainerRef:    ref,
		ReceiverAddress: receiver,
		PriceMinorUnits: price,
		ContentKind:     m.ContentKind,
		CreatedAt:       time.Unix(m.CreatedAt, 0).UTC(),
	}
	if err := c.cfg.Custody.Put(ctx, rec); err != nil {
		if derr := c.cfg.Artifacts.Delete(ctx, ref); derr != nil {
			c.logger.WarnContext(ctx, "orphaned container", "container_ref", ref, "error", derr)
		}
		return "", fmt.Errorf("release: record custody: %w", err)
	}
	return ref, nil
}

// Result is the outcome of a release attempt. Plaintext is empty unless the
// verdict is Released.
type Result struct {
	TrackingID uuid.UUID
	Verdict    tamper.Verdict
	Plaintext  []byte
}

func (r Result) Released() bool { return r.Verdict.State == tamper.Released }

// Release opens data for the holder of outcome. Malformed containers and
// decryption failures are errors; every refusal is an empty Result.
func (c *Coordinator) Release(ctx context.Context, data []byte, outcome watcher.Outcome, env tamper.Environment) (Result, error) {
	m, payload, err := container.Decode(data)
	if err != nil {
		return Result{}, err
	}
	res := Result{TrackingID: m.TrackingID}

	if !outcome.Authentic() {
		return c.refuse(ctx, res, ReasonNotConfirmed), nil
	}
	p, ok := c.lookup(outcome.Reference)
	if !ok || p.TrackingID != m.TrackingID {
		return c.refuse(ctx, res, ReasonPurchaseUnbound), nil
	}

	res.Verdict = c.cfg.Policy.Evaluate(ctx, m, env)
	if res.Verdict.State != tamper.Released {
		c.cfg.Telemetry.RecordRelease(ctx, "destroyed", res.Verdict.Reason)
		return res, nil
	}

	plain, err := c.decrypt(ctx, m, payload)
	if err != nil {
		return Result{TrackingID: m.TrackingID}, err
	}
	res.Plaintext = plain
	c.cfg.Telemetry.RecordRelease(ctx, "released", "")
	c.logger.InfoContext(ctx, "content released",
		"tracking_id", m.TrackingID, "reference", outcome.Reference, "signature", outcome.Transfer.Signature)
	return res, nil
}

// ReleaseTicket redeems a ticket and releases the container it was minted for.
func (c *Coordinator) ReleaseTicket(ctx context.Context, ticket string, env tamper.Environment) (Result, error) {
	if c.cfg.Tickets == nil {
		return Result{}, errors.New("release: tickets are not configured")
	}
	outcome, trackingID, err := c.cfg.Tickets.Redeem(ticket)
	if err != nil {
		return Result{}, err
	}
	if p, ok := c.lookup(outcome.Reference); ok {
		p.markRedeemed()
	}
	rec, err := c.cfg.Custody.Get(ctx, trackingID)
	if err != nil {
		return Result{}, err
	}
	data, err := c.cfg.Artifacts.Get(ctx, rec.ContainerRef)
	if err != nil {
		return Result{}, err
	}
	return c.Release(ctx, data, outcome, env)
}

func (c *Coordinator) refuse(ctx context.Context, res Result, reason string) Result {
	res.Verdict = tamper.Verdict{State: tamper.Destroyed, Reason: reason}
	c.cfg.Telemetry.RecordRelease(ctx, "destroyed", reason)
	c.logger.InfoContext(ctx, "release refused", "tracking_id", res.TrackingID, "reason", reason)
	return res
}

func (c *Coordinator) decrypt(ctx context.Context, m container.Metadata, payload []byte) ([]byte, error) {
	id, err := container.ParseKeyRef(m.EncryptionKeyRef)
	if err != nil || id != m.TrackingID {
		return nil, seal.ErrDecryption
	}
	rec, err := c.cfg.Custody.Get(ctx, m.TrackingID)
	if err != nil {
		return nil, err
	}
	key, err := c.cfg.Keys.UnwrapKey(rec.WrappedKey, m.TrackingID)
	if err != nil {
		c.logger.ErrorContext(ctx, "custody key unwrap failed", "tracking_id", m.TrackingID, "error", err)
		return nil, seal.ErrDecryption
	}
	return seal.Decrypt(payload, key, m.InitializationVector)
}

// Reaccess lets the uploader open their own container without a purchase.
func (c *Coordinator) Reaccess(ctx context.Context, trackingID uuid.UUID, owner string) ([]byte, container.Metadata, error) {
	rec, err := c.cfg.Custody.Get(ctx, trackingID)
	if err != nil {
		return nil, container.Metadata{}, err
	}
	if rec.OwnerIdentity != container.NormalizeIdentity(owner) {
		return nil, container.Metadata{}, ErrNotOwner
	}
	data, err := c.cfg.Artifacts.Get(ctx, rec.ContainerRef)
	if err != nil {
		return nil, container.Metadata{}, err
	}
	m, payload, err := container.Decode(data)
	if err != nil {
		return nil, container.Metadata{}, err
	}
	plain, err := c.decrypt(ctx, m, payload)
	if err != nil {
		return nil, m, err
	}
	return plain, m, nil
}

// Reissue re-encrypts an owner's container under a new key and tracking ID,
// optionally with new rules. The original container is left untouched.
func (c *Coordinator) Reissue(ctx context.Context, trackingID uuid.UUID, owner string, rules *container.RuleSet) (*Protected, error) {
	plain, m, err := c.Reaccess(ctx, trackingID, owner)
	if err != nil {
		return nil, err
	}
	rec, err := c.cfg.Custody.Get(ctx, trackingID)
	if err != nil {
		return nil, err
	}

	key, err := seal.GenerateKey()
	if err != nil {
		return nil, err
	}
	iv, ct, err := seal.Encrypt(plain, key)
	if err != nil {
		return nil, err
	}
	next := m.Successor()
	next.InitializationVector = iv
	next.CreatedAt = c.cfg.Now().Unix()
	if rules != nil {
		next.DRMRules = *rules
	}
	data, err := container.Encode(next, ct)
	if err != nil {
		return nil, err
	}
	ref, err := c.store(ctx, next, data, key, rec.PriceMinorUnits, rec.ReceiverAddress)
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "container reissued", "tracking_id", next.TrackingID, "predecessor", trackingID)
	return &Protected{Container: data, Key: key, Metadata: next, ContainerRef: ref}, nil
}
