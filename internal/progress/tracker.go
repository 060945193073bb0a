// Package progress persists job progress, heartbeats, and stall detection.
// Each inflight job registers a JobTracker; the shared Tracker runs the
// heartbeat and stall-scan loops.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/selenite/internal/database"
	"github.com/snarg/selenite/internal/engine"
	"github.com/snarg/selenite/internal/events"
)

// JobStore is the persistence surface the tracker needs.
type JobStore interface {
	UpdateJobProgress(ctx context.Context, id string, percent float64, stage string, etaTotal, etaLeft *float64) error
	TouchHeartbeat(ctx context.Context, id string) error
	MarkStalled(ctx context.Context, id string, at time.Time) error
}

// Options holds the tracker intervals.
type Options struct {
	PersistInterval   time.Duration
	HeartbeatInterval time.Duration
	StallScanInterval time.Duration
	StallThreshold    time.Duration
}

// stageRanks orders stages so external readers always see a monotonically
// advancing (percent, stage) pair. Writes that would move backwards are
// dropped.
var stageRanks = map[string]int{
	database.StageLoadingModel: 1,
	database.StageTranscoding:  2,
	database.StageTranscribing: 3,
	database.StageDiarizing:    4,
	database.StageMerging:      5,
	database.StageFinalizing:   6,
}

// Tracker owns all per-job trackers plus the background heartbeat and
// stall loops.
type Tracker struct {
	store JobStore
	bus   *events.Bus
	opts  Options
	log   zerolog.Logger
	now   func() time.Time

	mu   sync.Mutex
	jobs map[string]*JobTracker

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a tracker. The bus may be nil in tests.
func New(store JobStore, bus *events.Bus, opts Options, log zerolog.Logger) *Tracker {
	return &Tracker{
		store: store,
		bus:   bus,
		opts:  opts,
		log:   log.With().Str("component", "progress").Logger(),
		now:   time.Now,
		jobs:  make(map[string]*JobTracker),
		done:  make(chan struct{}),
	}
}

// Start launches the heartbeat and stall-scan loops.
func (t *Tracker) Start() {
	t.wg.Add(2)
	go t.heartbeatLoop()
	go t.stallLoop()
}

// Stop stops the background loops. Registered jobs stay registered; the
// scheduler unregisters them as workers exit.
func (t *Tracker) Stop() {
	close(t.done)
	t.wg.Wait()
}

// Register creates the tracker for a job entering processing.
func (t *Tracker) Register(jobID string) *JobTracker {
	jt := &JobTracker{
		t:            t,
		jobID:        jobID,
		lastProgress: t.now(),
	}
	t.mu.Lock()
	t.jobs[jobID] = jt
	t.mu.Unlock()
	return jt
}

// Unregister removes a job's tracker when its worker exits.
func (t *Tracker) Unregister(jobID string) {
	t.mu.Lock()
	delete(t.jobs, jobID)
	t.mu.Unlock()
}

func (t *Tracker) snapshot() []*JobTracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*JobTracker, 0, len(t.jobs))
	for _, jt := range t.jobs {
		out = append(out, jt)
	}
	return out
}

func (t *Tracker) heartbeatLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.opts.HeartbeatInterval)
			for _, jt := range t.snapshot() {
				if err := t.store.TouchHeartbeat(ctx, jt.jobID); err != nil {
					t.log.Warn().Err(err).Str("job_id", jt.jobID).Msg("heartbeat write failed")
				}
			}
			cancel()
		}
	}
}

// stallLoop flags jobs whose engines have stopped reporting progress.
// Stall is advisory: the row gets stalled_at set, nothing is killed.
func (t *Tracker) stallLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.StallScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.scanStalls()
		}
	}
}

func (t *Tracker) scanStalls() {
	now := t.now()
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.StallScanInterval)
	defer cancel()

	for _, jt := range t.snapshot() {
		jt.mu.Lock()
		idle := now.Sub(jt.lastProgress)
		already := jt.stalled
		jt.mu.Unlock()

		if already || idle <= t.opts.StallThreshold {
			continue
		}
		if err := t.store.MarkStalled(ctx, jt.jobID, now); err != nil {
			t.log.Warn().Err(err).Str("job_id", jt.jobID).Msg("stall write failed")
			continue
		}
		jt.mu.Lock()
		jt.stalled = true
		jt.mu.Unlock()
		t.log.Warn().Str("job_id", jt.jobID).Dur("idle", idle).Msg("job stalled")
	}
}

// JobTracker tracks one inflight job.
type JobTracker struct {
	t     *Tracker
	jobID string

	mu           sync.Mutex
	percent      float64
	stage        string
	lastPersist  time.Time
	lastProgress time.Time
	stalled      bool
}

// Set records (percent, stage), enforcing monotonicity, and persists
// either immediately on a stage change or at most once per persist
// interval otherwise.
func (jt *JobTracker) Set(ctx context.Context, percent float64, stage string) {
	jt.set(ctx, percent, stage, nil, nil)
}

func (jt *JobTracker) set(ctx context.Context, percent float64, stage string, etaTotal, etaLeft *float64) {
	now := jt.t.now()

	jt.mu.Lock()
	stageChanged := stage != jt.stage
	if stageChanged && stageRanks[stage] < stageRanks[jt.stage] {
		jt.mu.Unlock()
		return
	}
	if !stageChanged && percent < jt.percent {
		jt.mu.Unlock()
		return
	}
	jt.percent = percent
	jt.stage = stage
	jt.lastProgress = now
	wasStalled := jt.stalled
	jt.stalled = false

	due := stageChanged || now.Sub(jt.lastPersist) >= jt.t.opts.PersistInterval
	if due {
		jt.lastPersist = now
	}
	jt.mu.Unlock()

	if !due {
		return
	}
	if err := jt.t.store.UpdateJobProgress(ctx, jt.jobID, percent, stage, etaTotal, etaLeft); err != nil {
		jt.t.log.Warn().Err(err).Str("job_id", jt.jobID).Msg("progress write failed")
		return
	}
	if wasStalled {
		jt.t.log.Info().Str("job_id", jt.jobID).Msg("job unstalled")
	}
	if jt.t.bus != nil {
		jt.t.bus.Publish(events.TypeJobProgress, jt.jobID, map[string]any{
			"percent": percent,
			"stage":   stage,
		})
	}
}

// Scoped returns a progress sink that maps an engine's 0..100 into
// [lo,hi] under the given stage. Within the transcribing stage it also
// derives ETA from the first non-zero local percent onwards.
func (jt *JobTracker) Scoped(ctx context.Context, lo, hi float64, stage string) engine.ProgressFunc {
	stageStart := jt.t.now()
	return func(p engine.Progress) {
		local := p.Percent
		if local < 0 {
			local = 0
		}
		if local > 100 {
			local = 100
		}
		overall := lo + (hi-lo)*local/100

		var etaTotal, etaLeft *float64
		if stage == database.StageTranscribing && local > 0 {
			elapsed := jt.t.now().Sub(stageStart).Seconds()
			total := elapsed / (local / 100)
			left := total - elapsed
			if left < 0 {
				left = 0
			}
			etaTotal, etaLeft = &total, &left
		}
		jt.set(ctx, overall, stage, etaTotal, etaLeft)
	}
}
