// Package session maintains the process-wide cache of live tutor
// sessions, each bound to a durable checkpoint generation, and runs
// conversation turns against them. The cache is an explicit object:
// constructed at process start, passed to request handlers, torn down at
// shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tutorgo-dev/tutorgo/pkg/checkpoint"
	"github.com/tutorgo-dev/tutorgo/pkg/observability"
)

// DefaultTTL is how long a generation may sit unwritten before the
// sweeper removes it.
const DefaultTTL = 3 * time.Hour

// ErrCacheClosed is returned when operating on a closed cache.
var ErrCacheClosed = errors.New("session cache is closed")

// StepperFactory constructs the agent step executor bound to a session.
type StepperFactory func(sessionID string) (Stepper, error)

// Entry is one live session: a bound generation handle, the step
// executor, and the per-session turn lock. Turns within a session are
// strictly sequential; a second concurrent turn queues on mu.
type Entry struct {
	sessionID string
	stepper   Stepper
	gen       checkpoint.Generation
	createdAt time.Time

	// mu serializes all state access for this session.
	mu sync.Mutex
}

// SessionID returns the session identifier.
func (e *Entry) SessionID() string { return e.sessionID }

// Generation returns the bound checkpoint generation.
func (e *Entry) Generation() checkpoint.Generation { return e.gen }

// CreatedAt returns when the entry was constructed.
func (e *Entry) CreatedAt() time.Time { return e.createdAt }

// Cache maps session ids to live entries backed by the checkpoint store.
// Cache is safe for concurrent use across sessions; per-session
// operations serialize on the entry lock.
type Cache struct {
	store      checkpoint.Store
	newStepper StepperFactory
	ttl        time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
	closed  bool

	// group collapses concurrent constructions for the same session id.
	group singleflight.Group

	now func() time.Time
}

// NewCache creates a session cache over the given store. A zero ttl
// selects DefaultTTL.
func NewCache(store checkpoint.Store, factory StepperFactory, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:      store,
		newStepper: factory,
		ttl:        ttl,
		entries:    make(map[string]*Entry),
		now:        time.Now,
	}
}

// TTL returns the generation time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Resolve returns the live entry for the session, constructing one on
// miss: the latest non-expired generation is opened (expired leftovers
// for the session are pruned first), or a fresh generation stamped "now"
// is created, and a stepper is bound to it. Concurrent calls for the
// same id collapse into a single construction; all callers receive the
// same entry. A store failure is fatal to the request and not retried.
func (c *Cache) Resolve(ctx context.Context, sessionID string) (*Entry, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}
	if e, ok := c.entries[sessionID]; ok {
		c.mu.Unlock()
		observability.RecordSessionResolve("hit")
		return e, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(sessionID, func() (any, error) {
		return c.construct(ctx, sessionID)
	})
	if err != nil {
		observability.RecordSessionResolve("error")
		return nil, err
	}
	return v.(*Entry), nil
}

// construct builds and inserts the entry for a cache miss. It runs at
// most once per session id at a time, under the singleflight group.
func (c *Cache) construct(ctx context.Context, sessionID string) (*Entry, error) {
	// A losing racer may arrive here after the winner finished; take the
	// published entry instead of constructing again.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}
	if e, ok := c.entries[sessionID]; ok {
		c.mu.Unlock()
		observability.RecordSessionResolve("hit")
		return e, nil
	}
	c.mu.Unlock()

	c.pruneExpired(ctx, sessionID)

	gen, isNew, err := c.store.OpenLatest(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("open generation for session %s: %w", sessionID, err)
	}

	stepper, err := c.newStepper(sessionID)
	if err != nil {
		_ = gen.Close()
		return nil, fmt.Errorf("construct stepper for session %s: %w", sessionID, err)
	}

	e := &Entry{
		sessionID: sessionID,
		stepper:   stepper,
		gen:       gen,
		createdAt: c.now(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = gen.Close()
		return nil, ErrCacheClosed
	}
	c.entries[sessionID] = e
	live := len(c.entries)
	c.mu.Unlock()

	observability.SetSessionsLive(live)
	if isNew {
		observability.RecordSessionResolve("created")
		log.Printf("session %s: created generation %d", sessionID, gen.Timestamp())
	} else {
		observability.RecordSessionResolve("resumed")
		log.Printf("session %s: resumed generation %d", sessionID, gen.Timestamp())
	}
	return e, nil
}

// pruneExpired deletes the session's expired generations so OpenLatest
// lands on a live one. Failures are logged; the resolve proceeds.
func (c *Cache) pruneExpired(ctx context.Context, sessionID string) {
	infos, err := c.store.ListGenerations(ctx, sessionID)
	if err != nil {
		log.Printf("session %s: list generations: %v", sessionID, err)
		return
	}
	cutoff := c.now().Add(-c.ttl)
	for _, info := range infos {
		if info.LastWrite.After(cutoff) {
			continue
		}
		if err := c.store.DeleteGeneration(ctx, sessionID, info.Timestamp); err != nil &&
			!errors.Is(err, checkpoint.ErrGenerationNotFound) {
			log.Printf("session %s: prune generation %d: %v", sessionID, info.Timestamp, err)
		}
	}
}

// Evict closes the session's bound generation handle and removes the
// in-memory entry. Durable data is untouched. Evicting an absent id is
// a no-op.
func (c *Cache) Evict(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	e, ok := c.entries[sessionID]
	if ok {
		delete(c.entries, sessionID)
	}
	live := len(c.entries)
	c.mu.Unlock()

	if !ok {
		return nil
	}

	// Wait out any in-flight turn before closing the handle.
	e.mu.Lock()
	defer e.mu.Unlock()

	observability.SetSessionsLive(live)
	if err := e.gen.Close(); err != nil {
		log.Printf("session %s: close generation: %v", sessionID, err)
		return err
	}
	log.Printf("session %s: evicted", sessionID)
	return nil
}

// SweepStats summarizes one expiry sweep.
type SweepStats struct {
	// Deleted is the number of generations removed.
	Deleted int
	// SkippedLive is the number of expired generations spared because
	// they were bound to a live cache entry.
	SkippedLive int
	// Failed is the number of deletions that errored.
	Failed int
}

// SweepExpired deletes every durable generation whose age exceeds the
// TTL, across all session ids, regardless of cache residency. The one
// exception is a generation currently bound to a live entry, which is
// never deleted out from under an active executor. The scan runs without the cache lock;
// liveness is re-checked per generation at deletion time. Delete
// failures are logged and do not abort the sweep.
func (c *Cache) SweepExpired(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	infos, err := c.store.ListAll(ctx)
	if err != nil {
		return stats, fmt.Errorf("list generations: %w", err)
	}

	cutoff := c.now().Add(-c.ttl)
	for _, info := range infos {
		if info.LastWrite.After(cutoff) {
			continue
		}

		// Liveness check at deletion time, not scan time.
		c.mu.Lock()
		e, ok := c.entries[info.SessionID]
		bound := ok && e.gen.Timestamp() == info.Timestamp
		c.mu.Unlock()

		if bound {
			stats.SkippedLive++
			observability.RecordSweepSkipLive()
			log.Printf("sweep: generation %s/%d expired but live, skipping", info.SessionID, info.Timestamp)
			continue
		}

		if err := c.store.DeleteGeneration(ctx, info.SessionID, info.Timestamp); err != nil {
			if errors.Is(err, checkpoint.ErrGenerationNotFound) {
				continue
			}
			stats.Failed++
			observability.RecordSweepError()
			log.Printf("sweep: delete generation %s/%d: %v", info.SessionID, info.Timestamp, err)
			continue
		}
		stats.Deleted++
		observability.RecordGenerationSwept()
		log.Printf("sweep: deleted expired generation %s/%d", info.SessionID, info.Timestamp)
	}
	return stats, nil
}

// Live reports the number of sessions currently resident in the cache.
func (c *Cache) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close evicts every live entry and closes the underlying store.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()

	for id, e := range entries {
		e.mu.Lock()
		if err := e.gen.Close(); err != nil {
			log.Printf("session %s: close generation: %v", id, err)
		}
		e.mu.Unlock()
	}
	observability.SetSessionsLive(0)
	return c.store.Close()
}
