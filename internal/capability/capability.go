// Package capability probes registered models against their engine
// implementations and answers two questions: what is available right now,
// and what should a job actually run on when its requested model is not.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/snarg/selenite/internal/database"
	"github.com/snarg/selenite/internal/engine"
	"github.com/snarg/selenite/internal/registry"
	"github.com/snarg/selenite/internal/settings"
)

// ErrNoneAvailable means the fallback ladder was exhausted.
var ErrNoneAvailable = errors.New("no available model")

// probeLimit bounds concurrent probes so a registry with many weights
// doesn't stampede the filesystem.
const probeLimit = 4

// ASRAvailability is the per-provider view for ASR.
type ASRAvailability struct {
	Provider  string   `json:"provider"`
	Available bool     `json:"available"`
	Models    []string `json:"models"`
	Notes     []string `json:"notes,omitempty"`
}

// DiarizerAvailability is the per-weight view for diarization.
type DiarizerAvailability struct {
	Key         string   `json:"key"` // provider/weight
	Provider    string   `json:"provider"`
	RequiresGPU bool     `json:"requires_gpu"`
	Available   bool     `json:"available"`
	Notes       []string `json:"notes,omitempty"`
}

// AvailabilityReport is the full probe result, cached for the configured
// TTL.
type AvailabilityReport struct {
	ASR         []ASRAvailability      `json:"asr"`
	Diarization []DiarizerAvailability `json:"diarization"`
	GeneratedAt time.Time              `json:"generated_at"`
}

// weightStatus is the internal per-weight probe outcome Pick consults.
type weightStatus struct {
	kind        string
	provider    string
	weight      string
	available   bool
	requiresGPU bool
	notes       []string
}

// Resolver builds availability reports and resolves job model requests
// down the fallback ladder.
type Resolver struct {
	registry *registry.Registry
	engines  *engine.Registry
	settings *settings.Gateway
	ttl      time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	cached   []weightStatus
	cachedAt time.Time
}

// NewResolver creates a capability resolver with the given report TTL.
func NewResolver(reg *registry.Registry, engines *engine.Registry, gw *settings.Gateway, ttl time.Duration, log zerolog.Logger) *Resolver {
	return &Resolver{
		registry: reg,
		engines:  engines,
		settings: gw,
		ttl:      ttl,
		log:      log.With().Str("component", "capability").Logger(),
	}
}

// Report returns the availability report, probing if the cache expired.
func (r *Resolver) Report(ctx context.Context) (*AvailabilityReport, error) {
	statuses, at, err := r.statuses(ctx)
	if err != nil {
		return nil, err
	}
	return buildReport(statuses, at), nil
}

// Refresh drops the cache and probes immediately.
func (r *Resolver) Refresh(ctx context.Context) (*AvailabilityReport, error) {
	r.Invalidate()
	return r.Report(ctx)
}

// Invalidate drops the cached report. The models watcher calls this when
// files under the models root change.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

// MarkUnavailable flips a cached entry to unavailable with a note. The
// executor calls this when a probed-available model still fails to load,
// so the fallback ladder stops picking it until the next refresh.
func (r *Resolver) MarkUnavailable(kind, provider, weight, note string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := find(r.cached, kind, provider, weight); st != nil {
		st.available = false
		st.notes = append(st.notes, note)
	}
}

// Pick resolves a requested (kind, provider, weight) to something that is
// actually available, walking the fallback ladder: the requested weight,
// then any available weight of the same provider, then any available
// provider of the same kind. Returns whether a fallback was taken.
func (r *Resolver) Pick(ctx context.Context, kind, provider, weight string) (*registry.ResolvedWeight, bool, error) {
	statuses, _, err := r.statuses(ctx)
	if err != nil {
		return nil, false, err
	}

	if st := find(statuses, kind, provider, weight); st != nil && st.available {
		rw, err := r.registry.Resolve(ctx, kind, provider, weight)
		return rw, false, err
	}

	// Same provider, any available weight. Sorted for a deterministic pick.
	var candidates []weightStatus
	for _, st := range statuses {
		if st.kind == kind && st.provider == provider && st.available {
			candidates = append(candidates, st)
		}
	}
	if len(candidates) == 0 {
		for _, st := range statuses {
			if st.kind == kind && st.available {
				candidates = append(candidates, st)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, false, fmt.Errorf("%s %s/%s and all fallbacks: %w", kind, provider, weight, ErrNoneAvailable)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].provider != candidates[j].provider {
			return candidates[i].provider < candidates[j].provider
		}
		return candidates[i].weight < candidates[j].weight
	})

	pick := candidates[0]
	rw, err := r.registry.Resolve(ctx, kind, pick.provider, pick.weight)
	if err != nil {
		return nil, false, err
	}
	r.log.Info().
		Str("kind", kind).
		Str("requested", provider+"/"+weight).
		Str("picked", pick.provider+"/"+pick.weight).
		Msg("requested model unavailable, falling back")
	return rw, true, nil
}

// statuses returns a snapshot of the probe cache, refreshing it first when
// expired. Callers get a copy: MarkUnavailable mutates the cached entries
// under r.mu, and Pick must be free to read its snapshot without the lock.
func (r *Resolver) statuses(ctx context.Context) ([]weightStatus, time.Time, error) {
	r.mu.Lock()
	if r.cached != nil && time.Since(r.cachedAt) < r.ttl {
		st, at := snapshotStatuses(r.cached), r.cachedAt
		r.mu.Unlock()
		return st, at, nil
	}
	r.mu.Unlock()

	probed, err := r.probeAll(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}

	r.mu.Lock()
	r.cached = probed
	r.cachedAt = time.Now()
	st, at := snapshotStatuses(r.cached), r.cachedAt
	r.mu.Unlock()
	return st, at, nil
}

func snapshotStatuses(statuses []weightStatus) []weightStatus {
	out := make([]weightStatus, len(statuses))
	copy(out, statuses)
	return out
}

// probeAll walks every registered weight of both kinds and probes each one
// concurrently.
func (r *Resolver) probeAll(ctx context.Context) ([]weightStatus, error) {
	cfg, err := r.settings.Get(ctx)
	if err != nil {
		return nil, err
	}

	var entries []weightStatus
	for _, kind := range []string{database.KindASR, database.KindDiarizer} {
		sets, err := r.registry.List(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, set := range sets {
			for _, w := range set.Weights {
				st := weightStatus{kind: kind, provider: set.Name, weight: w.Name}
				switch {
				case !set.Enabled:
					st.notes = append(st.notes, "provider disabled: "+set.DisableReason)
				case !w.Enabled:
					st.notes = append(st.notes, "disabled: "+w.DisableReason)
				case !w.HasWeights && !cfg.EnableEmptyWeights:
					st.notes = append(st.notes, "pending files")
				default:
					st.available = true // provisional until the probe runs
				}
				entries = append(entries, st)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeLimit)
	results := make([]weightStatus, len(entries))
	for i, st := range entries {
		i, st := i, st
		g.Go(func() error {
			if st.available {
				rw, err := r.registry.Resolve(gctx, st.kind, st.provider, st.weight)
				if err != nil {
					st.available = false
					st.notes = append(st.notes, err.Error())
				} else {
					pr := r.probe(gctx, st.kind, st.provider, rw.Path)
					st.available = pr.OK
					st.requiresGPU = pr.RequiresGPU
					st.notes = append(st.notes, pr.Notes...)
				}
			}
			results[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// probe invokes the engine's probe hook with panic containment: a panicking
// probe marks the entry unavailable instead of taking the process down.
func (r *Resolver) probe(ctx context.Context, kind, provider, weightPath string) (result engine.ProbeResult) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("provider", provider).Interface("panic", p).Msg("probe panicked")
			result = engine.ProbeResult{OK: false, Notes: []string{fmt.Sprintf("probe panicked: %v", p)}}
		}
	}()

	switch kind {
	case database.KindASR:
		e := r.engines.ASR(provider)
		if e == nil {
			return engine.ProbeResult{OK: false, Notes: []string{"no engine implementation for provider"}}
		}
		return e.Probe(ctx, weightPath)
	case database.KindDiarizer:
		e := r.engines.Diarizer(provider)
		if e == nil {
			return engine.ProbeResult{OK: false, Notes: []string{"no engine implementation for provider"}}
		}
		return e.Probe(ctx, weightPath)
	}
	return engine.ProbeResult{OK: false, Notes: []string{"unknown kind " + kind}}
}

func find(statuses []weightStatus, kind, provider, weight string) *weightStatus {
	for i := range statuses {
		st := &statuses[i]
		if st.kind == kind && st.provider == provider && st.weight == weight {
			return st
		}
	}
	return nil
}

func buildReport(statuses []weightStatus, at time.Time) *AvailabilityReport {
	rep := &AvailabilityReport{GeneratedAt: at}

	byProvider := map[string]*ASRAvailability{}
	var providerOrder []string
	for _, st := range statuses {
		switch st.kind {
		case database.KindASR:
			p, ok := byProvider[st.provider]
			if !ok {
				p = &ASRAvailability{Provider: st.provider, Models: []string{}}
				byProvider[st.provider] = p
				providerOrder = append(providerOrder, st.provider)
			}
			if st.available {
				p.Available = true
				p.Models = append(p.Models, st.weight)
			}
			p.Notes = append(p.Notes, st.notes...)
		case database.KindDiarizer:
			rep.Diarization = append(rep.Diarization, DiarizerAvailability{
				Key:         st.provider + "/" + st.weight,
				Provider:    st.provider,
				RequiresGPU: st.requiresGPU,
				Available:   st.available,
				Notes:       st.notes,
			})
		}
	}

	sort.Strings(providerOrder)
	for _, name := range providerOrder {
		p := byProvider[name]
		sort.Strings(p.Models)
		rep.ASR = append(rep.ASR, *p)
	}
	sort.Slice(rep.Diarization, func(i, j int) bool {
		return rep.Diarization[i].Key < rep.Diarization[j].Key
	})
	return rep
}
