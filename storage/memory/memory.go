// Package memory provides the in-process session cache backing the
// authorization flow. It is single-instance by design; sessions are not
// shared across processes.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/authgate/instrumentation"
	"github.com/giantswarm/authgate/internal/util"
	"github.com/giantswarm/authgate/storage"
)

// DefaultSessionTTL is how long an issued session stays verifiable.
const DefaultSessionTTL = 60 * time.Second

// sessionIDLogLength is the number of characters to include when logging
// session IDs. Enough for debugging without disclosing the full token.
const sessionIDLogLength = 8

// queueEntry mirrors one session in creation order. Only the fields the
// sweep needs are kept here; the full record lives in the index.
type queueEntry struct {
	sessionID string
	createdAt time.Time
}

// SessionCache holds short-lived, single-use session state.
//
// Two cooperating structures implement it: a concurrent index (sync.Map)
// giving O(1) lookup without a single point of contention, and a
// mutex-guarded queue ordered by creation time so the sweep can evict every
// expired entry with one binary search instead of a full scan. Insertion
// mutates both under queueMu; VerifySession deletes from the index
// atomically and leaves the queue entry for the next sweep, which tolerates
// ids that are already gone. The queue therefore never outgrows one sweep
// interval of traffic.
type SessionCache struct {
	ttl time.Duration

	index   sync.Map // session id -> *storage.Session
	queueMu sync.Mutex
	queue   []queueEntry

	// indexCount tracks live index entries for metrics and tests without
	// scanning the sync.Map.
	indexCount atomic.Int64

	logger *slog.Logger
	inst   *instrumentation.Instrumentation
}

// Compile-time interface check.
var _ storage.SessionStore = (*SessionCache)(nil)

// NewSessionCache creates a session cache. If ttl is zero or negative the
// default of 60 seconds is used.
func NewSessionCache(ttl time.Duration) *SessionCache {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionCache{
		ttl:    ttl,
		logger: slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (c *SessionCache) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the cache.
func (c *SessionCache) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.inst = inst
}

// TTL returns the configured session time-to-live.
func (c *SessionCache) TTL() time.Duration {
	return c.ttl
}

// CreateSession issues a fresh session and records it in both structures
// inside the same critical section, so no reader can observe the index and
// the queue disagreeing. Timestamps are assigned under the lock, which keeps
// the queue monotonic in creation time even when callers race.
func (c *SessionCache) CreateSession(ctx context.Context) (*storage.Session, error) {
	session := &storage.Session{
		SessionID: uuid.NewString(),
		AuthCode:  uuid.NewString(),
	}

	c.queueMu.Lock()
	session.CreatedAt = time.Now()
	c.queue = append(c.queue, queueEntry{sessionID: session.SessionID, createdAt: session.CreatedAt})
	c.index.Store(session.SessionID, session)
	c.queueMu.Unlock()

	c.indexCount.Add(1)
	if c.inst != nil {
		c.inst.Metrics().SessionsCreated.Add(ctx, 1)
	}
	c.logger.Debug("Issued session", "session_id", util.SafeTruncate(session.SessionID, sessionIDLogLength))

	return session, nil
}

// VerifySession performs an atomic remove-and-check. A missing id fails; a
// present but expired record also fails and is still removed, so the cache
// self-heals between sweeps. Success is therefore single-use: a second call
// with the same id always returns false. The verify path and the sweep may
// race for the same id; whichever deletes from the index first wins, and
// both treat absence as failure, so no duplicate success is observable.
func (c *SessionCache) VerifySession(ctx context.Context, sessionID string) bool {
	value, loaded := c.index.LoadAndDelete(sessionID)
	if !loaded {
		return false
	}
	c.indexCount.Add(-1)

	session := value.(*storage.Session)
	valid := time.Since(session.CreatedAt) <= c.ttl
	if c.inst != nil {
		c.inst.Metrics().SessionsVerified.Add(ctx, 1)
	}
	if !valid {
		c.logger.Debug("Rejected expired session",
			"session_id", util.SafeTruncate(sessionID, sessionIDLogLength),
			"age", time.Since(session.CreatedAt))
	}
	return valid
}

// Sweep evicts every session whose age at now exceeds the TTL. The queue is
// ordered by creation time, so the boundary between expired and live entries
// is found with a single binary search; everything before it is dropped from
// both structures under the queue lock. Sweeping an empty or fully-live
// queue still takes the lock, keeping the cost of a tick predictable.
func (c *SessionCache) Sweep(ctx context.Context, now time.Time) int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	// First index whose entry has not outlived the TTL.
	cut := sort.Search(len(c.queue), func(i int) bool {
		return now.Sub(c.queue[i].createdAt) <= c.ttl
	})
	if cut == 0 {
		return 0
	}

	evicted := 0
	for _, entry := range c.queue[:cut] {
		// Entries consumed by VerifySession are already gone from the
		// index; only count the ones the sweep itself removes.
		if _, loaded := c.index.LoadAndDelete(entry.sessionID); loaded {
			c.indexCount.Add(-1)
			evicted++
		}
	}

	remaining := copy(c.queue, c.queue[cut:])
	for i := remaining; i < len(c.queue); i++ {
		c.queue[i] = queueEntry{}
	}
	c.queue = c.queue[:remaining]

	if c.inst != nil && evicted > 0 {
		c.inst.Metrics().SessionsEvicted.Add(ctx, int64(evicted))
	}
	if evicted > 0 {
		c.logger.Debug("Swept expired sessions", "evicted", evicted, "remaining", remaining)
	}
	return evicted
}

// Len returns the number of live sessions in the lookup index.
func (c *SessionCache) Len() int {
	return int(c.indexCount.Load())
}

// QueueLen returns the number of entries in the time-ordered queue,
// including entries already consumed by VerifySession but not yet swept.
func (c *SessionCache) QueueLen() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}
