package api

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP. Buckets idle for three
// minutes are dropped.
type RateLimiter struct {
	rps     rate.Limit
	burst   int
	clients *ttlcache.Cache[string, *rate.Limiter]
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	clients := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](3 * time.Minute),
	)
	go clients.Start()
	return &RateLimiter{rps: rate.Limit(rps), burst: burst, clients: clients}
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	item, _ := rl.clients.GetOrSet(ip, rate.NewLimiter(rl.rps, rl.burst))
	return item.Value()
}

// Middleware rejects requests over the client's rate with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter(clientIP(r)).Allow() {
			WriteTooManyRequests(w, r, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the idle sweep.
func (rl *RateLimiter) Close() {
	rl.clients.Stop()
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
