package limiter

import (
	"sync"
	"time"

	"github.com/Shugur-Network/w2nb/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimit defines how often a key may open connections.
type RateLimit struct {
	PerSecond    float64       // Sustained opens per second
	Burst        int           // Opens allowed at once
	BanThreshold int           // Violations before the key is banned
	BanDuration  time.Duration // How long a ban lasts
}

type entry struct {
	limiter    *rate.Limiter
	violations int
	bannedTill time.Time
	lastSeen   time.Time
}

// OpenLimiter throttles open requests per page origin.
type OpenLimiter struct {
	limit RateLimit
	log   *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewOpenLimiter returns a limiter applying limit to every key.
// A non-positive PerSecond disables limiting.
func NewOpenLimiter(limit RateLimit) *OpenLimiter {
	return &OpenLimiter{
		limit:   limit,
		log:     logger.New("limiter"),
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Allow reports whether key may open another connection now.
func (l *OpenLimiter) Allow(key string) bool {
	if l.limit.PerSecond <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		burst := l.limit.Burst
		if burst < 1 {
			burst = 1
		}
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.limit.PerSecond), burst)}
		l.entries[key] = e
	}
	e.lastSeen = now

	if now.Before(e.bannedTill) {
		return false
	}
	if e.limiter.AllowN(now, 1) {
		return true
	}

	e.violations++
	if l.limit.BanThreshold > 0 && e.violations >= l.limit.BanThreshold {
		e.bannedTill = now.Add(l.limit.BanDuration)
		e.violations = 0
		l.log.Warn("Open rate exceeded, origin banned",
			zap.String("key", key),
			zap.Duration("ban_duration", l.limit.BanDuration))
		return false
	}
	l.log.Debug("Open rate exceeded", zap.String("key", key), zap.Int("violations", e.violations))
	return false
}

// Banned reports whether key is currently banned.
func (l *OpenLimiter) Banned(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return ok && l.now().Before(e.bannedTill)
}

// Reset forgets everything known about key.
func (l *OpenLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Cleanup removes keys idle for longer than maxIdle whose ban has expired.
func (l *OpenLimiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > maxIdle && !now.Before(e.bannedTill) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *OpenLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
