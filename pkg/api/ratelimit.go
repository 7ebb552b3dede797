package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/kernel/pkg/auth"
)

// PrincipalRateLimiter enforces a per-principal token bucket. Kernel
// requires authentication on every route, so limiting is keyed by principal
// ID rather than by source IP.
type PrincipalRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPrincipalRateLimiter constructs a limiter allowing rps requests per
// second per principal, with the given burst allowance, and starts a
// background goroutine evicting idle principals.
func NewPrincipalRateLimiter(rps int, burst int) *PrincipalRateLimiter {
	rl := &PrincipalRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.evictIdle()
	return rl
}

func (rl *PrincipalRateLimiter) getLimiter(principalID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[principalID]
	if !ok {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[principalID] = &visitor{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *PrincipalRateLimiter) evictIdle() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for id, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, id)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware rejects requests from a principal exceeding its rate budget
// with 429 rate_limited. It must run after principal-deriving middleware.
func (rl *PrincipalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := auth.GetPrincipal(r.Context())
		id := "anonymous"
		if err == nil {
			id = principal.GetID()
		}

		if !rl.getLimiter(id).Allow() {
			WriteTooManyRequests(w, 1)
			return
		}
		next.ServeHTTP(w, r)
	})
}
