package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxRequests = 10
	DefaultWindow      = 60 * time.Second
	pruneHorizon       = time.Hour
)

// Limiter is a sliding-window counter keyed by (client, operation).
type Limiter struct {
	mu          sync.Mutex
	windows     map[string][]time.Time
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

func New(maxRequests int, window time.Duration) *Limiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		windows:     make(map[string][]time.Time),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

func windowKey(client, operation string) string {
	if operation == "" {
		operation = "default"
	}
	return client + "|" + operation
}

// Allow records the request and returns true when the key is under its limit.
// Any internal failure lets the request through.
func (l *Limiter) Allow(client, operation string) (allowed bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Error().Interface("panic", recovered).Str("client", client).Str("operation", operation).Msg("rate limit check failed")
			allowed = true
		}
	}()

	key := windowKey(client, operation)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := trimBefore(l.windows[key], now.Add(-l.window))
	if len(stamps) >= l.maxRequests {
		l.windows[key] = stamps
		return false
	}
	l.windows[key] = append(stamps, now)
	return true
}

// Prune drops timestamps older than an hour and removes keys left empty.
// It returns the number of removed keys.
func (l *Limiter) Prune() int {
	cutoff := l.now().Add(-pruneHorizon)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, stamps := range l.windows {
		kept := trimBefore(stamps, cutoff)
		if len(kept) == 0 {
			delete(l.windows, key)
			removed++
			continue
		}
		l.windows[key] = kept
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// trimBefore drops the leading timestamps not after cutoff. Stamps are appended in
// order, so the kept part is a suffix.
func trimBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[i:]...)
}
