package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the engine implementations available in this build,
// keyed by provider name. Adding a provider means implementing the ASR or
// Diarizer contract and registering its constructor at startup.
type Registry struct {
	mu       sync.RWMutex
	asr      map[string]ASR
	diarizer map[string]Diarizer
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		asr:      make(map[string]ASR),
		diarizer: make(map[string]Diarizer),
	}
}

// RegisterASR adds an ASR provider. Panics on duplicate registration —
// that's a programming error, caught at startup.
func (r *Registry) RegisterASR(e ASR) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.asr[e.Name()]; ok {
		panic(fmt.Sprintf("engine: duplicate ASR provider %q", e.Name()))
	}
	r.asr[e.Name()] = e
}

// RegisterDiarizer adds a diarizer provider.
func (r *Registry) RegisterDiarizer(e Diarizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.diarizer[e.Name()]; ok {
		panic(fmt.Sprintf("engine: duplicate diarizer provider %q", e.Name()))
	}
	r.diarizer[e.Name()] = e
}

// ASR returns the ASR provider for a name, or nil.
func (r *Registry) ASR(name string) ASR {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.asr[name]
}

// Diarizer returns the diarizer provider for a name, or nil.
func (r *Registry) Diarizer(name string) Diarizer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.diarizer[name]
}

// ASRNames returns the registered ASR provider names, sorted.
func (r *Registry) ASRNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.asr))
	for n := range r.asr {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DiarizerNames returns the registered diarizer provider names, sorted.
func (r *Registry) DiarizerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.diarizer))
	for n := range r.diarizer {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
