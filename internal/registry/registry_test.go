package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/selenite/internal/database"
)

type fakeStore struct {
	sets    map[string]*database.ModelSet // keyed kind/name
	weights map[int]map[string]*database.ModelWeight
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sets:    map[string]*database.ModelSet{},
		weights: map[int]map[string]*database.ModelWeight{},
	}
}

func (f *fakeStore) addSet(id int, kind, name, path string, enabled bool, reason string) {
	f.sets[kind+"/"+name] = &database.ModelSet{ID: id, Kind: kind, Name: name, AbsPath: path, Enabled: enabled, DisableReason: reason}
	f.weights[id] = map[string]*database.ModelWeight{}
}

func (f *fakeStore) addWeight(setID, id int, name, path string, enabled bool, reason string) {
	f.weights[setID][name] = &database.ModelWeight{ID: id, SetID: setID, Name: name, AbsPath: path, Enabled: enabled, DisableReason: reason}
}

func (f *fakeStore) CreateModelSet(_ context.Context, s *database.ModelSet) error {
	if _, ok := f.sets[s.Kind+"/"+s.Name]; ok {
		return database.ErrDuplicateName
	}
	s.ID = len(f.sets) + 1
	s.Enabled = true
	f.sets[s.Kind+"/"+s.Name] = s
	f.weights[s.ID] = map[string]*database.ModelWeight{}
	return nil
}

func (f *fakeStore) CreateModelWeight(_ context.Context, w *database.ModelWeight) error {
	ws, ok := f.weights[w.SetID]
	if !ok {
		return database.ErrNotFound
	}
	if _, ok := ws[w.Name]; ok {
		return database.ErrDuplicateName
	}
	w.Enabled = true
	ws[w.Name] = w
	return nil
}

func (f *fakeStore) ListModelSets(_ context.Context, kind string) ([]*database.ModelSet, error) {
	var out []*database.ModelSet
	for _, s := range f.sets {
		if kind == "" || s.Kind == kind {
			cp := *s
			for _, w := range f.weights[s.ID] {
				cp.Weights = append(cp.Weights, *w)
			}
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) GetModelSetByName(_ context.Context, kind, name string) (*database.ModelSet, error) {
	s, ok := f.sets[kind+"/"+name]
	if !ok {
		return nil, database.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) GetModelWeightByName(_ context.Context, setID int, name string) (*database.ModelWeight, error) {
	w, ok := f.weights[setID][name]
	if !ok {
		return nil, database.ErrNotFound
	}
	return w, nil
}

func (f *fakeStore) UpdateModelSet(_ context.Context, id int, patch database.ModelSetPatch) error {
	for _, s := range f.sets {
		if s.ID == id {
			if patch.Enabled != nil {
				s.Enabled = *patch.Enabled
			}
			if patch.DisableReason != nil {
				s.DisableReason = *patch.DisableReason
			}
			return nil
		}
	}
	return database.ErrNotFound
}

func (f *fakeStore) UpdateModelWeight(_ context.Context, id int, patch database.ModelSetPatch) error {
	for _, ws := range f.weights {
		for _, w := range ws {
			if w.ID == id {
				if patch.Enabled != nil {
					w.Enabled = *patch.Enabled
				}
				if patch.DisableReason != nil {
					w.DisableReason = *patch.DisableReason
				}
				return nil
			}
		}
	}
	return database.ErrNotFound
}

func newTestRegistry(t *testing.T, store Store, root string) *Registry {
	t.Helper()
	r, err := New(store, root, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestValidatePath(t *testing.T) {
	root := t.TempDir()
	r := newTestRegistry(t, newFakeStore(), root)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"inside root", filepath.Join(root, "whisper", "base.bin"), false},
		{"root itself", root, false},
		{"relative resolves under root", "whisper/base.bin", false},
		{"traversal escapes", filepath.Join(root, "..", "etc", "passwd"), true},
		{"absolute outside", "/etc/passwd", true},
		{"sibling prefix", root + "-evil/weights", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.validatePath(tt.path)
			if tt.wantErr && !errors.Is(err, ErrInvalidPath) {
				t.Errorf("validatePath(%q) = %v, want ErrInvalidPath", tt.path, err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("validatePath(%q) = %v, want nil", tt.path, err)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	weightPath := filepath.Join(root, "whisper", "base.bin")
	if err := os.MkdirAll(filepath.Dir(weightPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(weightPath, []byte("ggml"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := newFakeStore()
	store.addSet(1, database.KindASR, "whisper", filepath.Join(root, "whisper"), true, "")
	store.addWeight(1, 10, "base", weightPath, true, "")
	store.addWeight(1, 11, "large", filepath.Join(root, "whisper", "large.bin"), false, "corrupt download")
	store.addSet(2, database.KindASR, "broken", filepath.Join(root, "broken"), false, "license expired")

	r := newTestRegistry(t, store, root)
	ctx := context.Background()

	rw, err := r.Resolve(ctx, database.KindASR, "whisper", "base")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rw.Path != weightPath || !rw.HasWeights {
		t.Errorf("resolved %+v, want path=%s has_weights=true", rw, weightPath)
	}

	if _, err := r.Resolve(ctx, database.KindASR, "nope", "base"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("unknown provider: got %v", err)
	}
	if _, err := r.Resolve(ctx, database.KindASR, "whisper", "nope"); !errors.Is(err, ErrUnknownWeight) {
		t.Errorf("unknown weight: got %v", err)
	}
	if _, err := r.Resolve(ctx, database.KindASR, "broken", "base"); !errors.Is(err, ErrProviderDisabled) {
		t.Errorf("disabled provider: got %v", err)
	}
	if _, err := r.Resolve(ctx, database.KindASR, "whisper", "large"); !errors.Is(err, ErrWeightDisabled) {
		t.Errorf("disabled weight: got %v", err)
	}
}

func TestResolveMissingWeightFile(t *testing.T) {
	root := t.TempDir()
	store := newFakeStore()
	store.addSet(1, database.KindASR, "whisper", filepath.Join(root, "whisper"), true, "")
	store.addWeight(1, 10, "pending", filepath.Join(root, "whisper", "pending.bin"), true, "")

	r := newTestRegistry(t, store, root)
	rw, err := r.Resolve(context.Background(), database.KindASR, "whisper", "pending")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rw.HasWeights {
		t.Error("HasWeights = true for missing file, want false")
	}
}

func TestDisableRequiresReason(t *testing.T) {
	store := newFakeStore()
	store.addSet(1, database.KindASR, "whisper", "/tmp/w", true, "")
	r := newTestRegistry(t, store, t.TempDir())

	off := false
	if err := r.UpdateSet(context.Background(), 1, database.ModelSetPatch{Enabled: &off}); !errors.Is(err, ErrReasonRequired) {
		t.Errorf("disable without reason: got %v, want ErrReasonRequired", err)
	}

	reason := "weights being re-downloaded"
	if err := r.UpdateSet(context.Background(), 1, database.ModelSetPatch{Enabled: &off, DisableReason: &reason}); err != nil {
		t.Errorf("disable with reason: %v", err)
	}
}

func TestHasWeights(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	full := filepath.Join(dir, "full.bin")
	if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	emptyDir := filepath.Join(dir, "emptydir")
	if err := os.Mkdir(emptyDir, 0o755); err != nil {
		t.Fatal(err)
	}

	if HasWeights(empty) {
		t.Error("empty file counted as weights")
	}
	if !HasWeights(full) {
		t.Error("non-empty file not counted as weights")
	}
	if HasWeights(emptyDir) {
		t.Error("empty dir counted as weights")
	}
	if !HasWeights(dir) {
		t.Error("non-empty dir not counted as weights")
	}
	if HasWeights(filepath.Join(dir, "missing")) {
		t.Error("missing path counted as weights")
	}
}
