// Package settings caches the single admin settings row and fans out
// change notifications to the components that act on it (scheduler
// concurrency, capability gating, executor defaults).
package settings

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snarg/selenite/internal/database"
)

// Store is the persistence surface the gateway needs.
type Store interface {
	GetSettings(ctx context.Context) (*database.Settings, error)
	UpdateSettings(ctx context.Context, patch database.SettingsPatch) error
}

// Gateway is a read-through cache over the settings row. Reads hit the
// cache; Update writes through and then notifies subscribers with the
// fresh row.
type Gateway struct {
	store Store
	log   zerolog.Logger

	mu     sync.RWMutex
	cached *database.Settings
	subs   []chan *database.Settings
}

// New creates a settings gateway.
func New(store Store, log zerolog.Logger) *Gateway {
	return &Gateway{
		store: store,
		log:   log.With().Str("component", "settings").Logger(),
	}
}

// Get returns the current settings, loading from the store on a cold
// cache.
func (g *Gateway) Get(ctx context.Context) (*database.Settings, error) {
	g.mu.RLock()
	if s := g.cached; s != nil {
		g.mu.RUnlock()
		return s, nil
	}
	g.mu.RUnlock()

	s, err := g.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.cached = s
	g.mu.Unlock()
	return s, nil
}

// Update applies a patch, refreshes the cache from the store, and fans
// the new row out to subscribers. Notification happens only after the
// commit succeeds.
func (g *Gateway) Update(ctx context.Context, patch database.SettingsPatch) (*database.Settings, error) {
	if err := g.store.UpdateSettings(ctx, patch); err != nil {
		return nil, err
	}
	s, err := g.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.cached = s
	subs := make([]chan *database.Settings, len(g.subs))
	copy(subs, g.subs)
	g.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
			g.log.Warn().Msg("settings subscriber not keeping up, dropping notification")
		}
	}
	g.log.Info().Int("max_concurrent_jobs", s.MaxConcurrentJobs).Msg("settings updated")
	return s, nil
}

// Subscribe returns a channel that receives the full settings row after
// every successful update. Subscribers that fall behind miss
// notifications but can always Get the current row.
func (g *Gateway) Subscribe() <-chan *database.Settings {
	ch := make(chan *database.Settings, 4)
	g.mu.Lock()
	g.subs = append(g.subs, ch)
	g.mu.Unlock()
	return ch
}

// Invalidate drops the cache; the next Get reloads from the store.
func (g *Gateway) Invalidate() {
	g.mu.Lock()
	g.cached = nil
	g.mu.Unlock()
}
