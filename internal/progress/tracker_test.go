package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/selenite/internal/database"
	"github.com/snarg/selenite/internal/engine"
)

type progressWrite struct {
	percent  float64
	stage    string
	etaTotal *float64
	etaLeft  *float64
}

type fakeJobStore struct {
	mu      sync.Mutex
	writes  []progressWrite
	beats   int
	stalled []string
}

func (f *fakeJobStore) UpdateJobProgress(_ context.Context, _ string, percent float64, stage string, etaTotal, etaLeft *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, progressWrite{percent, stage, etaTotal, etaLeft})
	return nil
}

func (f *fakeJobStore) TouchHeartbeat(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats++
	return nil
}

func (f *fakeJobStore) MarkStalled(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stalled = append(f.stalled, id)
	return nil
}

func (f *fakeJobStore) lastWrite() (progressWrite, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return progressWrite{}, 0
	}
	return f.writes[len(f.writes)-1], len(f.writes)
}

// fakeClock lets tests drive time by hand.
type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

func newTestTracker(store JobStore) (*Tracker, *fakeClock) {
	clock := &fakeClock{cur: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	t := New(store, nil, Options{
		PersistInterval:   time.Second,
		HeartbeatInterval: 5 * time.Second,
		StallScanInterval: 15 * time.Second,
		StallThreshold:    120 * time.Second,
	}, zerolog.Nop())
	t.now = clock.now
	return t, clock
}

func TestStageChangePersistsImmediately(t *testing.T) {
	store := &fakeJobStore{}
	tr, _ := newTestTracker(store)
	jt := tr.Register("job-1")
	ctx := context.Background()

	jt.Set(ctx, 5, database.StageLoadingModel)
	jt.Set(ctx, 10, database.StageTranscoding)

	w, n := store.lastWrite()
	if n != 2 {
		t.Fatalf("got %d writes, want 2", n)
	}
	if w.stage != database.StageTranscoding || w.percent != 10 {
		t.Errorf("last write %+v", w)
	}
}

func TestCoalescingWithinInterval(t *testing.T) {
	store := &fakeJobStore{}
	tr, clock := newTestTracker(store)
	jt := tr.Register("job-1")
	ctx := context.Background()

	jt.Set(ctx, 10, database.StageTranscribing) // stage change, persists
	jt.Set(ctx, 11, database.StageTranscribing) // within interval, coalesced
	jt.Set(ctx, 12, database.StageTranscribing)

	if _, n := store.lastWrite(); n != 1 {
		t.Fatalf("got %d writes within interval, want 1", n)
	}

	clock.advance(1100 * time.Millisecond)
	jt.Set(ctx, 13, database.StageTranscribing)
	w, n := store.lastWrite()
	if n != 2 || w.percent != 13 {
		t.Errorf("after interval: %d writes, last %+v", n, w)
	}
}

func TestMonotonicity(t *testing.T) {
	store := &fakeJobStore{}
	tr, clock := newTestTracker(store)
	jt := tr.Register("job-1")
	ctx := context.Background()

	jt.Set(ctx, 70, database.StageTranscribing)
	clock.advance(2 * time.Second)

	// Lower percent in the same stage: dropped.
	jt.Set(ctx, 60, database.StageTranscribing)
	// Earlier stage: dropped.
	jt.Set(ctx, 80, database.StageTranscoding)

	w, n := store.lastWrite()
	if n != 1 {
		t.Fatalf("got %d writes, want 1 (backwards writes must drop)", n)
	}
	if w.percent != 70 || w.stage != database.StageTranscribing {
		t.Errorf("last write %+v", w)
	}
}

func TestScopedRescalesAndComputesETA(t *testing.T) {
	store := &fakeJobStore{}
	tr, clock := newTestTracker(store)
	jt := tr.Register("job-1")
	ctx := context.Background()

	sink := jt.Scoped(ctx, 10, 70, database.StageTranscribing)

	clock.advance(30 * time.Second)
	sink(engine.Progress{Percent: 50})

	w, _ := store.lastWrite()
	if w.percent != 40 { // 10 + 60*0.5
		t.Errorf("overall percent = %v, want 40", w.percent)
	}
	if w.etaTotal == nil || w.etaLeft == nil {
		t.Fatal("ETA not computed at 50% through transcribing")
	}
	// 30s elapsed at 50% local: total 60s, 30s left.
	if *w.etaTotal != 60 || *w.etaLeft != 30 {
		t.Errorf("eta total=%v left=%v, want 60/30", *w.etaTotal, *w.etaLeft)
	}
}

func TestScopedNoETABeforeFirstPercent(t *testing.T) {
	store := &fakeJobStore{}
	tr, _ := newTestTracker(store)
	jt := tr.Register("job-1")

	sink := jt.Scoped(context.Background(), 10, 70, database.StageTranscribing)
	sink(engine.Progress{Percent: 0})

	w, n := store.lastWrite()
	if n == 0 {
		t.Fatal("no write")
	}
	if w.etaTotal != nil || w.etaLeft != nil {
		t.Error("ETA set before first non-zero percent")
	}
}

func TestStallDetection(t *testing.T) {
	store := &fakeJobStore{}
	tr, clock := newTestTracker(store)
	jt := tr.Register("job-1")
	ctx := context.Background()

	jt.Set(ctx, 10, database.StageTranscribing)

	clock.advance(60 * time.Second)
	tr.scanStalls()
	store.mu.Lock()
	early := len(store.stalled)
	store.mu.Unlock()
	if early != 0 {
		t.Fatal("stalled before threshold")
	}

	clock.advance(90 * time.Second) // 150s idle total
	tr.scanStalls()
	store.mu.Lock()
	got := append([]string(nil), store.stalled...)
	store.mu.Unlock()
	if len(got) != 1 || got[0] != "job-1" {
		t.Fatalf("stalled = %v, want [job-1]", got)
	}

	// Repeated scans do not re-mark.
	tr.scanStalls()
	store.mu.Lock()
	again := len(store.stalled)
	store.mu.Unlock()
	if again != 1 {
		t.Errorf("stall marked %d times, want 1", again)
	}
}

func TestProgressClearsStallFlag(t *testing.T) {
	store := &fakeJobStore{}
	tr, clock := newTestTracker(store)
	jt := tr.Register("job-1")
	ctx := context.Background()

	jt.Set(ctx, 10, database.StageTranscribing)
	clock.advance(150 * time.Second)
	tr.scanStalls()

	jt.Set(ctx, 20, database.StageTranscribing)
	clock.advance(150 * time.Second)
	tr.scanStalls()

	store.mu.Lock()
	n := len(store.stalled)
	store.mu.Unlock()
	if n != 2 {
		t.Errorf("stall marked %d times across two idle periods, want 2", n)
	}
}
