package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Session is any loaded engine instance held by the cache.
type Session interface {
	Close() error
}

// Key identifies a cached session.
type Key struct {
	Provider   string
	WeightPath string
}

// Cache is the process-wide session cache. Sessions are reference-counted
// across concurrent jobs; concurrent loads of the same key coalesce onto a
// single load. Eviction is LRU over idle entries only — a session is never
// closed while a job holds it, so the cache may transiently exceed max
// until references drain.
type Cache struct {
	max         int
	loadTimeout time.Duration
	log         zerolog.Logger

	mu      sync.Mutex
	entries map[Key]*cacheEntry
	closed  bool

	// SizeChanged, when set, receives the entry count after every change.
	// Used to feed the engine_cache_sessions gauge.
	SizeChanged func(n int)
}

type cacheEntry struct {
	session  Session
	err      error
	ready    chan struct{}
	refs     int
	lastUsed time.Time
}

// NewCache creates a session cache holding at most max loaded sessions.
func NewCache(max int, loadTimeout time.Duration, log zerolog.Logger) *Cache {
	if max < 1 {
		max = 1
	}
	return &Cache{
		max:         max,
		loadTimeout: loadTimeout,
		entries:     make(map[Key]*cacheEntry),
		log:         log.With().Str("component", "engine-cache").Logger(),
	}
}

// Acquire returns the session for key, loading it via load if absent. The
// returned release func must be called exactly once when the job is done
// with the session. A load that exceeds the load timeout fails with
// ErrTransient.
func (c *Cache) Acquire(ctx context.Context, key Key, load func(ctx context.Context) (Session, error)) (Session, func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("engine cache closed: %w", ErrUnavailable)
	}

	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{ready: make(chan struct{})}
		c.entries[key] = e
		c.notifySize()
		c.mu.Unlock()

		loadCtx, cancel := context.WithTimeout(ctx, c.loadTimeout)
		session, err := load(loadCtx)
		cancel()
		if err != nil && errors.Is(loadCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("engine load exceeded %s: %w", c.loadTimeout, ErrTransient)
		}

		c.mu.Lock()
		e.session, e.err = session, err
		close(e.ready)
		if err != nil {
			delete(c.entries, key)
			c.notifySize()
		}
		c.mu.Unlock()

		if err != nil {
			return nil, nil, err
		}
		c.mu.Lock()
	}

	e.refs++
	c.mu.Unlock()

	select {
	case <-e.ready:
	case <-ctx.Done():
		c.mu.Lock()
		e.refs--
		c.mu.Unlock()
		return nil, nil, ctx.Err()
	}

	if e.err != nil {
		c.mu.Lock()
		e.refs--
		c.mu.Unlock()
		return nil, nil, e.err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			e.refs--
			e.lastUsed = time.Now()
			c.evictLocked()
			c.mu.Unlock()
		})
	}
	return e.session, release, nil
}

// Len returns the number of cached (including loading) sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close evicts every idle session and marks the cache closed. Called at
// shutdown after the scheduler has drained.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	var victims []Session
	for k, e := range c.entries {
		if e.refs == 0 && e.session != nil {
			victims = append(victims, e.session)
			delete(c.entries, k)
		}
	}
	c.notifySize()
	c.mu.Unlock()

	for _, s := range victims {
		if err := s.Close(); err != nil {
			c.log.Warn().Err(err).Msg("session close failed")
		}
	}
}

// evictLocked drops idle LRU entries until the cache fits max. Entries
// with live references are skipped; they re-qualify on release.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.max {
		var victimKey Key
		var victim *cacheEntry
		for k, e := range c.entries {
			if e.refs > 0 || e.session == nil {
				continue
			}
			if victim == nil || e.lastUsed.Before(victim.lastUsed) {
				victimKey, victim = k, e
			}
		}
		if victim == nil {
			return
		}
		delete(c.entries, victimKey)
		c.notifySize()
		c.log.Debug().Str("provider", victimKey.Provider).Str("weight", victimKey.WeightPath).Msg("evicting idle session")
		go func(s Session) {
			if err := s.Close(); err != nil {
				c.log.Warn().Err(err).Msg("session close failed")
			}
		}(victim.session)
	}
}

func (c *Cache) notifySize() {
	if c.SizeChanged != nil {
		c.SizeChanged(len(c.entries))
	}
}
