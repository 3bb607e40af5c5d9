package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"alamor/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// ipLimiter keeps one token bucket per client IP. Buckets idle for longer
// than ttl are dropped by a background sweep.
type ipLimiter struct {
	clients *xsync.Map[string, *clientLimiter]
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	done    chan struct{}
	closed  atomic.Bool
}

func newIPLimiter(perSec float64, burst int, ttl time.Duration) *ipLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &ipLimiter{
		clients: xsync.NewMap[string, *clientLimiter](),
		limit:   rate.Limit(perSec),
		burst:   burst,
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *ipLimiter) Allow(ip string) bool {
	cl, _ := l.clients.LoadOrStore(ip, &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)})
	cl.lastSeen.Store(time.Now().UnixNano())
	return cl.limiter.Allow()
}

func (l *ipLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !l.Allow(ip) {
			logger.Log.Debugf("Rate limit hit for %s", ip)
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}

func (l *ipLimiter) sweep(now time.Time) {
	cutoff := now.Add(-l.ttl).UnixNano()
	l.clients.Range(func(ip string, cl *clientLimiter) bool {
		if cl.lastSeen.Load() < cutoff {
			l.clients.Delete(ip)
		}
		return true
	})
}

func (l *ipLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func (l *ipLimiter) Close() {
	if l.closed.CompareAndSwap(false, true) {
		close(l.done)
	}
}
