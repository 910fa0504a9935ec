package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// minIdleTTL bounds how often idle buckets are swept.
const minIdleTTL = time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client. Buckets idle long enough to have refilled
// completely are dropped, which is indistinguishable from keeping them.
type Limiter struct {
	limiters  map[string]*clientLimiter
	mu        sync.Mutex
	rate      rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewLimiter creates a limiter allowing perSecond requests with the given burst per client.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	idleTTL := minIdleTTL
	if perSecond > 0 {
		if refill := time.Duration(float64(burst) / perSecond * float64(time.Second)); refill > idleTTL {
			idleTTL = refill
		}
	}
	return &Limiter{
		limiters:  make(map[string]*clientLimiter),
		rate:      rate.Limit(perSecond),
		burst:     burst,
		idleTTL:   idleTTL,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow reports whether client may make a request now.
func (l *Limiter) Allow(client string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweep(now)
	}
	entry, ok := l.limiters[client]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[client] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

// sweep drops idle buckets. l.mu must be held.
func (l *Limiter) sweep(now time.Time) {
	for client, entry := range l.limiters {
		if now.Sub(entry.lastSeen) >= l.idleTTL {
			delete(l.limiters, client)
		}
	}
	l.lastSweep = now
}

// Len is the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
