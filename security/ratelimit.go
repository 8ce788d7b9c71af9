package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier rate limiting using token bucket
// algorithm with LRU eviction to prevent unbounded memory growth.
type RateLimiter struct {
	limiters        map[string]*list.Element // identifier -> list element
	lruList         *list.List               // LRU list of *rateLimiterEntry
	mu              sync.Mutex
	rate            int
	burst           int
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// NewRateLimiter creates a new rate limiter with automatic cleanup and LRU
// eviction. Default max entries is 10,000.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, 10000, logger)
}

// NewRateLimiterWithConfig creates a new rate limiter with custom max
// entries. maxEntries controls the maximum number of unique identifiers
// tracked simultaneously; when the limit is reached, least recently used
// entries are evicted.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		rate:            requestsPerSecond,
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from identifier may proceed now.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	element, exists := rl.limiters[identifier]
	if exists {
		entry := element.Value.(*rateLimiterEntry)
		entry.lastAccess = time.Now()
		rl.lruList.MoveToFront(element)
		return entry.limiter.Allow()
	}

	if rl.lruList.Len() >= rl.maxEntries {
		rl.evictOldestLocked()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		lastAccess: time.Now(),
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)
	return entry.limiter.Allow()
}

// Len returns the number of identifiers currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.lruList.Len()
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}

// evictOldestLocked removes the least recently used entry. Caller holds mu.
func (rl *RateLimiter) evictOldestLocked() {
	oldest := rl.lruList.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*rateLimiterEntry)
	rl.lruList.Remove(oldest)
	delete(rl.limiters, entry.identifier)
	rl.logger.Debug("Evicted rate limiter entry", "identifier", entry.identifier)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCleanup:
			return
		case <-ticker.C:
			rl.cleanupInactive()
		}
	}
}

// cleanupInactive drops limiters idle for more than two cleanup intervals.
func (rl *RateLimiter) cleanupInactive() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	threshold := time.Now().Add(-2 * rl.cleanupInterval)
	removed := 0
	for element := rl.lruList.Back(); element != nil; {
		entry := element.Value.(*rateLimiterEntry)
		if entry.lastAccess.After(threshold) {
			// Entries are in access order; everything further forward
			// is newer.
			break
		}
		previous := element.Prev()
		rl.lruList.Remove(element)
		delete(rl.limiters, entry.identifier)
		removed++
		element = previous
	}
	if removed > 0 {
		rl.logger.Debug("Cleaned up inactive rate limiters", "removed", removed, "active", rl.lruList.Len())
	}
}
