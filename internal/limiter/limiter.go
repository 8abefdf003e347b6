// Package limiter enforces per-connection traffic budgets: a message-count
// bucket and a byte bucket with continuous linear refill, plus a login
// attempt window with lockout. Buckets are connection-local and never
// coordinate across connections.
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	MessagesPerSec float64
	MessageBurst   int
	BytesPerSec    float64
	ByteBurst      int
	LoginPerMin    int
	Lockout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MessagesPerSec: 100,
		MessageBurst:   200,
		BytesPerSec:    1 << 20,
		ByteBurst:      2 << 20,
		LoginPerMin:    5,
		Lockout:        5 * time.Minute,
	}
}

type Limiter struct {
	msgs  *rate.Limiter
	bytes *rate.Limiter

	mu          sync.Mutex
	loginPerMin int
	lockout     time.Duration
	attempts    []time.Time
	lockedUntil time.Time
}

func New(cfg Config) *Limiter {
	return &Limiter{
		msgs:        rate.NewLimiter(rate.Limit(cfg.MessagesPerSec), cfg.MessageBurst),
		bytes:       rate.NewLimiter(rate.Limit(cfg.BytesPerSec), cfg.ByteBurst),
		loginPerMin: cfg.LoginPerMin,
		lockout:     cfg.Lockout,
	}
}

// AllowMessage consumes one message token and size byte tokens, or neither.
// Used on the receive path where excess traffic is rejected.
func (l *Limiter) AllowMessage(size int) bool {
	return l.allowMessageAt(time.Now(), size)
}

func (l *Limiter) allowMessageAt(now time.Time, size int) bool {
	rm := l.msgs.ReserveN(now, 1)
	if !rm.OK() || rm.DelayFrom(now) > 0 {
		rm.CancelAt(now)
		return false
	}
	rb := l.bytes.ReserveN(now, size)
	if !rb.OK() || rb.DelayFrom(now) > 0 {
		rb.CancelAt(now)
		rm.CancelAt(now)
		return false
	}
	return true
}

// WaitBytes delays until size byte tokens are available; a size above the
// byte burst waits for a full burst only. Used on the send path where excess
// traffic is smoothed instead of dropped.
func (l *Limiter) WaitBytes(ctx context.Context, size int) error {
	if size > l.bytes.Burst() {
		size = l.bytes.Burst()
	}
	return l.bytes.WaitN(ctx, size)
}

// RecordLoginFailure counts one failed attempt and reports whether the
// connection just entered lockout.
func (l *Limiter) RecordLoginFailure() bool {
	return l.recordLoginFailureAt(time.Now())
}

func (l *Limiter) recordLoginFailureAt(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-time.Minute)
	kept := l.attempts[:0]
	for _, ts := range l.attempts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.attempts = append(kept, now)
	if len(l.attempts) >= l.loginPerMin {
		l.lockedUntil = now.Add(l.lockout)
		l.attempts = l.attempts[:0]
		return true
	}
	return false
}

func (l *Limiter) LockedOut() bool {
	return l.lockedOutAt(time.Now())
}

func (l *Limiter) lockedOutAt(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.Before(l.lockedUntil)
}
