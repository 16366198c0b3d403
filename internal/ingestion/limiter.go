package ingestion

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"PredictLedger/internal/observability"
)

// SenderLimiter throttles submissions per sender public key before they
// reach the engine lock. A non-positive rate disables it.
type SenderLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*senderEntry
	metrics  *observability.Metrics
	now      func() time.Time
}

type senderEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewSenderLimiter(perSecond float64, burst int, metrics *observability.Metrics) *SenderLimiter {
	if burst < 1 {
		burst = 1
	}
	return &SenderLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*senderEntry),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Allow reports whether sender may submit now and consumes a token if so.
func (l *SenderLimiter) Allow(sender string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	key := strings.ToLower(sender)
	now := l.now()

	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &senderEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	allowed := e.lim.AllowN(now, 1)
	l.mu.Unlock()

	if !allowed && l.metrics != nil {
		l.metrics.IngestRateLimited.Inc()
	}
	return allowed
}

// RetryAfter is how long a sender that was just refused should wait.
func (l *SenderLimiter) RetryAfter() time.Duration {
	if l == nil || l.limit <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(l.limit))
}

// Prune forgets senders idle for longer than idle and returns how many
// were dropped.
func (l *SenderLimiter) Prune(idle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}

// Tracked is the number of senders with a live limiter.
func (l *SenderLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
