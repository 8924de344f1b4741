// Package solana reads confirmed transfers from a Solana JSON-RPC node.
//
// A poll is getSignaturesForAddress for the receiver followed by getTransaction
// (jsonParsed) for each signature not seen before. System-program transfer
// instructions become ledger.Transfer values carrying the transaction's
// spl-memo text. Failed transactions are skipped.
package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/foxiles/pkg/ledger"
)

// DefaultEndpoint is the public devnet RPC node.
const DefaultEndpoint = rpc.DevNet_RPC

// Node-side conditions that clear up on their own.
var transientRPCCodes = map[int]bool{
	-32004: true, // block not available
	-32005: true, // node is behind
	-32007: true, // slot skipped or missing
	-32014: true, // block status not yet available
}

// ErrInvalidAddress is returned for a receiver that is not a base58 public key.
var ErrInvalidAddress = errors.New("solana: invalid address")

// Config configures Client.
type Config struct {
	Endpoint         string
	Commitment       string // "confirmed" or "finalized"
	RequestsPerSec   float64
	Burst            int
	Timeout          time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

// Client implements ledger.Oracle.
type Client struct {
	endpoint   string
	commitment rpc.CommitmentType
	rpc        *rpc.Client
	limiter    *rate.Limiter
	breaker    *breaker
	logger     *slog.Logger

	mu   sync.Mutex
	seen map[solanago.Signature][]ledger.Transfer
}

var _ ledger.Oracle = (*Client)(nil)

const maxSeen = 4096

func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Commitment == "" {
		cfg.Commitment = string(rpc.CommitmentConfirmed)
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transport := jsonrpc.NewClientWithOpts(cfg.Endpoint, &jsonrpc.RPCClientOpts{HTTPClient: hc})
	return &Client{
		endpoint:   cfg.Endpoint,
		commitment: rpc.CommitmentType(cfg.Commitment),
		rpc:        rpc.NewWithCustomRPCClient(transport),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		breaker:    newBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		logger:     logger.With("component", "ledger.solana"),
		seen:       make(map[solanago.Signature][]ledger.Transfer),
	}
}

type instruction struct {
	Program   string          `json:"program"`
	ProgramID string          `json:"programId"`
	Parsed    json.RawMessage `json:"parsed"`
}

type transactionResult struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err any `json:"err"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			Instructions []instruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

type systemTransfer struct {
	Type string `json:"type"`
	Info struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
		Lamports    uint64 `json:"lamports"`
	} `json:"info"`
}

// RecentTransfers returns up to limit recent transfers whose destination is receiver.
func (c *Client) RecentTransfers(ctx context.Context, receiver string, limit int) ([]ledger.Transfer, error) {
	if limit <= 0 {
		limit = 20
	}
	account, err := solanago.PublicKeyFromBase58(receiver)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidAddress, receiver, err)
	}

	var sigs []*rpc.TransactionSignature
	err = c.call(ctx, "getSignaturesForAddress", func(ctx context.Context) (err error) {
		sigs, err = c.rpc.GetSignaturesForAddressWithOpts(ctx, account, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: c.commitment,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	var out []ledger.Transfer
	for _, s := range sigs {
		if s == nil || s.Err != nil {
			continue
		}
		transfers, err := c.transfersFor(ctx, s.Signature)
		if err != nil {
			return nil, err
		}
		for _, t := range transfers {
			if t.Destination == receiver {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (c *Client) transfersFor(ctx context.Context, signature solanago.Signature) ([]ledger.Transfer, error) {
	c.mu.Lock()
	cached, ok := c.seen[signature]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	// rpc.GetTransaction has no jsonParsed form, so the memo and system
	// transfer are read from a raw call.
	var tx *transactionResult
	params := []any{signature.String(), map[string]any{
		"encoding":                       solanago.EncodingJSONParsed,
		"commitment":                     c.commitment,
		"maxSupportedTransactionVersion": 0,
	}}
	err := c.call(ctx, "getTransaction", func(ctx context.Context) error {
		return c.rpc.RPCCallForInto(ctx, &tx, "getTransaction", params)
	})
	if err != nil {
		return nil, err
	}
	if tx == nil {
		// Not yet visible at this commitment; retry on the next poll.
		return nil, nil
	}

	transfers := decodeTransfers(signature.String(), tx)

	c.mu.Lock()
	if len(c.seen) >= maxSeen {
		c.seen = make(map[solanago.Signature][]ledger.Transfer)
	}
	c.seen[signature] = transfers
	c.mu.Unlock()
	return transfers, nil
}

func decodeTransfers(signature string, tx *transactionResult) []ledger.Transfer {
	if tx.Meta != nil && tx.Meta.Err != nil {
		return []ledger.Transfer{}
	}

	var memo string
	var transfers []ledger.Transfer
	for _, ins := range tx.Transaction.Message.Instructions {
		switch ins.Program {
		case "spl-memo":
			var text string
			if json.Unmarshal(ins.Parsed, &text) == nil {
				memo = text
			}
		case "system":
			var st systemTransfer
			if json.Unmarshal(ins.Parsed, &st) != nil || st.Type != "transfer" {
				continue
			}
			transfers = append(transfers, ledger.Transfer{
				Signature:        signature,
				Destination:      st.Info.Destination,
				AmountMinorUnits: st.Info.Lamports,
				Slot:             tx.Slot,
			})
		}
	}

	var blockTime time.Time
	if tx.BlockTime != nil {
		blockTime = time.Unix(*tx.BlockTime, 0).UTC()
	}
	for i := range transfers {
		transfers[i].Memo = memo
		transfers[i].BlockTime = blockTime
	}
	if transfers == nil {
		transfers = []ledger.Transfer{}
	}
	return transfers
}

// call runs one RPC through the breaker and the rate limiter. Transport
// failures, 429 and 5xx statuses, node-lag RPC errors and an open breaker all
// wrap ledger.ErrUnavailable. Waiting for the limiter only ends early when ctx
// does, never because the wait would outlast ctx's deadline.
func (c *Client) call(ctx context.Context, method string, do func(context.Context) error) error {
	if !c.breaker.allow() {
		return fmt.Errorf("%w: circuit open for %s", ledger.ErrUnavailable, c.endpoint)
	}
	if err := c.wait(ctx); err != nil {
		c.breaker.release()
		return err
	}

	err := do(ctx)
	if err == nil {
		c.breaker.success()
		return nil
	}
	if ctx.Err() != nil {
		c.breaker.release()
		return ctx.Err()
	}

	var rpcErr *jsonrpc.RPCError
	var httpErr *jsonrpc.HTTPError
	switch {
	case errors.As(err, &rpcErr):
		if transientRPCCodes[rpcErr.Code] {
			return c.transient(method, err)
		}
	case errors.As(err, &httpErr):
		if httpErr.Code == http.StatusTooManyRequests || httpErr.Code >= 500 {
			return c.transient(method, err)
		}
	default:
		// Transport or decode failure.
		return c.transient(method, err)
	}
	c.breaker.success()
	return fmt.Errorf("solana: %s: %w", method, err)
}

func (c *Client) wait(ctx context.Context) error {
	r := c.limiter.Reserve()
	d := r.Delay()
	if d == 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) transient(method string, err error) error {
	c.breaker.failure()
	c.logger.Warn("rpc call failed", "method", method, "error", err)
	return fmt.Errorf("%w: %s: %w", ledger.ErrUnavailable, method, err)
}

// IsRPCError reports whether err carries a node RPC error with the given code.
func IsRPCError(err error, code int) bool {
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}
