package bot

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	kit "proxybot/internal/transport"
	"proxybot/internal/transport/telegram/router"
)

type clientLimit struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// limiter enforces a minimum interval between interactions per client.
type limiter struct {
	interval atomic.Int64
	clients  *xsync.Map[int64, *clientLimit]
	now      func() time.Time
}

func newLimiter(interval time.Duration, now func() time.Time) *limiter {
	l := &limiter{clients: xsync.NewMap[int64, *clientLimit](), now: now}
	l.interval.Store(int64(interval))
	return l
}

func (l *limiter) setInterval(d time.Duration) {
	l.interval.Store(int64(d))
	every := rate.Every(d)
	l.clients.Range(func(_ int64, c *clientLimit) bool {
		c.lim.SetLimit(every)
		return true
	})
}

// allow reports whether client id may interact now.
func (l *limiter) allow(id int64) bool {
	now := l.now()
	c, _ := l.clients.LoadOrCompute(id, func() (*clientLimit, bool) {
		return &clientLimit{lim: rate.NewLimiter(rate.Every(time.Duration(l.interval.Load())), 1)}, false
	})
	c.lastSeen.Store(now.UnixNano())
	return c.lim.AllowN(now, 1)
}

// prune forgets clients idle for longer than ten intervals.
func (l *limiter) prune() int {
	cutoff := l.now().Add(-10 * time.Duration(l.interval.Load())).UnixNano()
	n := 0
	l.clients.Range(func(id int64, c *clientLimit) bool {
		if c.lastSeen.Load() < cutoff {
			l.clients.Delete(id)
			n++
		}
		return true
	})
	return n
}

func (l *limiter) size() int { return l.clients.Size() }

// rateLimit rejects interactions that come faster than the configured
// interval. Owners are exempt. Limited callbacks get a short notice,
// limited messages are dropped.
func (b *Bot) rateLimit() router.Middleware {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx context.Context, req *router.Request) error {
			kind := string(req.Update.Kind)
			if req.Owner || b.limiter.allow(req.FromID) {
				b.metrics.Interaction(kind, false)
				return next(ctx, req)
			}
			b.metrics.Interaction(kind, true)
			if req.Update.Kind == kit.UpdateCallback {
				_ = req.Adapter.AnswerCallback(ctx, req.CallbackID, "⏳ Slow down, try again in a couple of seconds.")
			}
			return nil
		}
	}
}
