// Package registry is the admin-controlled model registry: it maps logical
// (kind, provider, weight) names to on-disk paths under the models root and
// gates which of them resolution may hand to the executor.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snarg/selenite/internal/database"
)

var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrUnknownWeight    = errors.New("unknown weight")
	ErrProviderDisabled = errors.New("provider disabled")
	ErrWeightDisabled   = errors.New("weight disabled")
	ErrInvalidPath      = errors.New("path outside models root")
	ErrReasonRequired   = errors.New("disable_reason required when disabling")
)

// Store is the persistence surface the registry needs.
type Store interface {
	CreateModelSet(ctx context.Context, s *database.ModelSet) error
	CreateModelWeight(ctx context.Context, w *database.ModelWeight) error
	ListModelSets(ctx context.Context, kind string) ([]*database.ModelSet, error)
	GetModelSetByName(ctx context.Context, kind, name string) (*database.ModelSet, error)
	GetModelWeightByName(ctx context.Context, setID int, name string) (*database.ModelWeight, error)
	UpdateModelSet(ctx context.Context, id int, patch database.ModelSetPatch) error
	UpdateModelWeight(ctx context.Context, id int, patch database.ModelSetPatch) error
}

// ResolvedWeight is a successfully resolved (kind, provider, weight) with
// its validated absolute path.
type ResolvedWeight struct {
	Kind       string
	Provider   string
	Weight     string
	Path       string
	HasWeights bool
}

// Registry validates and resolves model registry entries.
type Registry struct {
	store      Store
	modelsRoot string
	log        zerolog.Logger
}

// New creates a registry rooted at modelsRoot.
func New(store Store, modelsRoot string, log zerolog.Logger) (*Registry, error) {
	abs, err := filepath.Abs(modelsRoot)
	if err != nil {
		return nil, err
	}
	return &Registry{
		store:      store,
		modelsRoot: abs,
		log:        log.With().Str("component", "model-registry").Logger(),
	}, nil
}

// List returns all sets of a kind with weights, with has_weights derived
// from the filesystem.
func (r *Registry) List(ctx context.Context, kind string) ([]*database.ModelSet, error) {
	sets, err := r.store.ListModelSets(ctx, kind)
	if err != nil {
		return nil, err
	}
	for _, s := range sets {
		for i := range s.Weights {
			s.Weights[i].HasWeights = HasWeights(s.Weights[i].AbsPath)
		}
	}
	return sets, nil
}

// CreateSet registers a provider directory.
func (r *Registry) CreateSet(ctx context.Context, kind, name, absPath, description string) (*database.ModelSet, error) {
	if kind != database.KindASR && kind != database.KindDiarizer {
		return nil, fmt.Errorf("kind %q: must be asr or diarizer", kind)
	}
	path, err := r.validatePath(absPath)
	if err != nil {
		return nil, err
	}
	s := &database.ModelSet{Kind: kind, Name: name, AbsPath: path, Description: description}
	if err := r.store.CreateModelSet(ctx, s); err != nil {
		return nil, err
	}
	r.log.Info().Str("kind", kind).Str("name", name).Str("path", path).Msg("model set registered")
	return s, nil
}

// CreateWeight registers a weight under an existing set.
func (r *Registry) CreateWeight(ctx context.Context, setID int, name, absPath, checksum string) (*database.ModelWeight, error) {
	path, err := r.validatePath(absPath)
	if err != nil {
		return nil, err
	}
	w := &database.ModelWeight{SetID: setID, Name: name, AbsPath: path, Checksum: checksum}
	if err := r.store.CreateModelWeight(ctx, w); err != nil {
		return nil, err
	}
	w.HasWeights = HasWeights(path)
	r.log.Info().Int("set_id", setID).Str("name", name).Str("path", path).Msg("model weight registered")
	return w, nil
}

// UpdateSet patches a set. Disabling requires a reason; the effective
// disabled state cascades to the set's weights at resolution time without
// touching their rows.
func (r *Registry) UpdateSet(ctx context.Context, id int, patch database.ModelSetPatch) error {
	if err := requireReason(patch); err != nil {
		return err
	}
	return r.store.UpdateModelSet(ctx, id, patch)
}

// UpdateWeight patches a weight. Disabling requires a reason.
func (r *Registry) UpdateWeight(ctx context.Context, id int, patch database.ModelSetPatch) error {
	if err := requireReason(patch); err != nil {
		return err
	}
	return r.store.UpdateModelWeight(ctx, id, patch)
}

func requireReason(patch database.ModelSetPatch) error {
	if patch.Enabled != nil && !*patch.Enabled {
		if patch.DisableReason == nil || strings.TrimSpace(*patch.DisableReason) == "" {
			return ErrReasonRequired
		}
	}
	return nil
}

// Resolve maps (kind, provider, weight) to a validated on-disk path.
func (r *Registry) Resolve(ctx context.Context, kind, provider, weight string) (*ResolvedWeight, error) {
	set, err := r.store.GetModelSetByName(ctx, kind, provider)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%s/%s: %w", kind, provider, ErrUnknownProvider)
		}
		return nil, err
	}
	if !set.Enabled {
		return nil, fmt.Errorf("%s/%s (%s): %w", kind, provider, set.DisableReason, ErrProviderDisabled)
	}

	w, err := r.store.GetModelWeightByName(ctx, set.ID, weight)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%s/%s/%s: %w", kind, provider, weight, ErrUnknownWeight)
		}
		return nil, err
	}
	if !w.Enabled {
		return nil, fmt.Errorf("%s/%s/%s (%s): %w", kind, provider, weight, w.DisableReason, ErrWeightDisabled)
	}

	path, err := r.validatePath(w.AbsPath)
	if err != nil {
		return nil, err
	}
	return &ResolvedWeight{
		Kind:       kind,
		Provider:   provider,
		Weight:     weight,
		Path:       path,
		HasWeights: HasWeights(path),
	}, nil
}

// ModelsRoot returns the configured models root directory.
func (r *Registry) ModelsRoot() string { return r.modelsRoot }

// validatePath cleans a path and rejects anything whose canonical form
// escapes the models root.
func (r *Registry) validatePath(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.modelsRoot, p)
	}
	p = filepath.Clean(p)
	if p != r.modelsRoot && !strings.HasPrefix(p, r.modelsRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
	}
	return p, nil
}

// HasWeights reports whether a weight path resolves to a non-empty file or
// directory. Admins often register entries before copying the files in.
func HasWeights(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if !info.IsDir() {
		return info.Size() > 0
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	return len(entries) > 0
}
