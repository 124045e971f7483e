package server

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/michaelbrown/crucible/internal/metrics"
)

// idleClientTTL is how long an unused per-client bucket is kept.
const idleClientTTL = 10 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter enforces a per-client and a global requests-per-minute budget.
// A budget of zero disables that limit.
type rateLimiter struct {
	mu        sync.Mutex
	perClient int
	clients   map[string]*clientBucket
	global    *rate.Limiter
	lastSweep time.Time
	metrics   *metrics.Metrics
}

func newRateLimiter(perClient, global int, m *metrics.Metrics) *rateLimiter {
	rl := &rateLimiter{
		perClient: perClient,
		clients:   make(map[string]*clientBucket),
		lastSweep: time.Now(),
		metrics:   m,
	}
	if global > 0 {
		rl.global = rate.NewLimiter(perMinute(global), global)
	}
	return rl
}

func perMinute(n int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(n))
}

// allow reports whether client may make a request now.
func (rl *rateLimiter) allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastSweep) > idleClientTTL {
		for k, b := range rl.clients {
			if now.Sub(b.lastSeen) > idleClientTTL {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	if rl.perClient > 0 {
		b, ok := rl.clients[client]
		if !ok {
			b = &clientBucket{limiter: rate.NewLimiter(perMinute(rl.perClient), rl.perClient)}
			rl.clients[client] = b
		}
		b.lastSeen = now
		if !b.limiter.AllowN(now, 1) {
			return false
		}
	}
	if rl.global != nil && !rl.global.AllowN(now, 1) {
		return false
	}
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientKey(r)) {
			rl.metrics.IncRateLimited()
			w.Header().Set("Retry-After", strconv.Itoa(60/max(rl.perClient, 1)+1))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the submitter: an explicit X-Client-ID header, or the
// remote host.
func clientKey(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
