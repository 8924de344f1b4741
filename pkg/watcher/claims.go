package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

// DefaultClaimTTL is how long a claim is remembered, in memory or in Redis.
// It must outlive any purchase deadline.
const DefaultClaimTTL = 7 * 24 * time.Hour

// Claims records which ledger transaction confirmed a purchase reference.
// Claim returns true for exactly one caller per reference, however many watchers
// or processes race for it.
type Claims interface {
	Claim(ctx context.Context, reference, signature string) (bool, error)
}

// MemoryClaims is an in-process Claims. Claims expire like RedisClaims do;
// expired entries are swept on the next Claim.
type MemoryClaims struct {
	mu     sync.Mutex
	claims *ttlcache.Cache[string, string]
}

func NewMemoryClaims() *MemoryClaims {
	return NewMemoryClaimsWithTTL(DefaultClaimTTL)
}

// NewMemoryClaimsWithTTL keeps each claim for ttl.
func NewMemoryClaimsWithTTL(ttl time.Duration) *MemoryClaims {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &MemoryClaims{claims: ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)}
}

func (c *MemoryClaims) Claim(_ context.Context, reference, signature string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims.DeleteExpired()
	if c.claims.Get(reference) != nil {
		return false, nil
	}
	c.claims.Set(reference, signature, ttlcache.DefaultTTL)
	return true, nil
}

// Len returns the number of live claims.
func (c *MemoryClaims) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims.DeleteExpired()
	return c.claims.Len()
}

// RedisClaims shares claims between processes with SET NX.
type RedisClaims struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisClaims keeps each claim for ttl, which must outlive any purchase deadline.
func NewRedisClaims(client *redis.Client, ttl time.Duration) *RedisClaims {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &RedisClaims{client: client, prefix: "foxiles:claim:", ttl: ttl}
}

// NewRedisClaimsFromAddr dials addr.
func NewRedisClaimsFromAddr(addr, password string, db int, ttl time.Duration) *RedisClaims {
	return NewRedisClaims(redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}), ttl)
}

func (c *RedisClaims) Claim(ctx context.Context, reference, signature string) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+reference, signature, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("watcher: redis claim: %w", err)
	}
	return ok, nil
}

// Ping checks connectivity.
func (c *RedisClaims) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *RedisClaims) Close() error {
	return c.client.Close()
}
