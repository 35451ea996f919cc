package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per caller: the authenticated
// participant when there is one, the client IP otherwise.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters sync.Map // key -> *visitor
	idleTTL  time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen atomicTime
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limit: rate.Limit(rps), burst: burst, idleTTL: 10 * time.Minute}
}

func (rl *RateLimiter) limiterFor(key string, now time.Time) *rate.Limiter {
	v, _ := rl.limiters.LoadOrStore(key, &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)})
	vis := v.(*visitor)
	vis.lastSeen.Store(now)
	return vis.limiter
}

// Sweep forgets callers idle for longer than the TTL.
func (rl *RateLimiter) Sweep(now time.Time) {
	rl.limiters.Range(func(k, v any) bool {
		if now.Sub(v.(*visitor).lastSeen.Load()) > rl.idleTTL {
			rl.limiters.Delete(k)
		}
		return true
	})
}

// Middleware rejects callers exceeding their rate with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ParticipantID(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !rl.limiterFor(key, time.Now()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":   false,
				"error":     "rate limit exceeded",
				"retryable": true,
			})
			return
		}
		c.Next()
	}
}
