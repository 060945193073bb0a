package settings

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/selenite/internal/database"
)

type fakeStore struct {
	row  database.Settings
	gets int
}

func (f *fakeStore) GetSettings(context.Context) (*database.Settings, error) {
	f.gets++
	cp := f.row
	return &cp, nil
}

func (f *fakeStore) UpdateSettings(_ context.Context, patch database.SettingsPatch) error {
	if patch.MaxConcurrentJobs != nil {
		f.row.MaxConcurrentJobs = *patch.MaxConcurrentJobs
	}
	if patch.DefaultASRProvider != nil {
		f.row.DefaultASRProvider = *patch.DefaultASRProvider
	}
	return nil
}

func TestGetCaches(t *testing.T) {
	store := &fakeStore{row: database.Settings{MaxConcurrentJobs: 3}}
	g := New(store, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := g.Get(ctx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if s.MaxConcurrentJobs != 3 {
			t.Fatalf("MaxConcurrentJobs = %d", s.MaxConcurrentJobs)
		}
	}
	if store.gets != 1 {
		t.Errorf("store hit %d times, want 1", store.gets)
	}
}

func TestUpdateNotifiesSubscribers(t *testing.T) {
	store := &fakeStore{row: database.Settings{MaxConcurrentJobs: 3}}
	g := New(store, zerolog.Nop())
	sub := g.Subscribe()

	n := 5
	if _, err := g.Update(context.Background(), database.SettingsPatch{MaxConcurrentJobs: &n}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	select {
	case s := <-sub:
		if s.MaxConcurrentJobs != 5 {
			t.Errorf("subscriber saw MaxConcurrentJobs = %d, want 5", s.MaxConcurrentJobs)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}

	s, err := g.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.MaxConcurrentJobs != 5 {
		t.Errorf("cache not refreshed: MaxConcurrentJobs = %d", s.MaxConcurrentJobs)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	store := &fakeStore{row: database.Settings{DefaultASRProvider: "whisper"}}
	g := New(store, zerolog.Nop())
	ctx := context.Background()

	if _, err := g.Get(ctx); err != nil {
		t.Fatal(err)
	}
	store.row.DefaultASRProvider = "other"
	g.Invalidate()

	s, err := g.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.DefaultASRProvider != "other" {
		t.Errorf("got stale provider %q after invalidate", s.DefaultASRProvider)
	}
}
